package logging

const (
	FieldModule  = "module"
	FieldService = "service"
	FieldRoom    = "room"
	FieldPeer    = "peer"

	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"
)
