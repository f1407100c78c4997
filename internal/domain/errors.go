package domain

import "errors"

// Rejected: the request was refused and nothing changed.
var (
	ErrBadRequest         = errors.New("bad request")
	ErrUnauthorized       = errors.New("not authenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrNotJoined          = errors.New("peer has not joined the room")
	ErrRoomFull           = errors.New("room is full")
	ErrRateLimited        = errors.New("too many requests")
)

// Session conflicts.
var (
	ErrSessionConflict = errors.New("peer id already has a live session")
	ErrRoomMismatch    = errors.New("token bound to another room")
	ErrRoomClosed      = errors.New("room closed")
	ErrPeerClosed      = errors.New("peer closed")
)

// Media engine.
var (
	ErrEngineUnavailable = errors.New("media engine unavailable")
	ErrWorkerDied        = errors.New("media worker died")
)

// Wire codes sent to clients.
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeNotJoined         = "NOT_JOINED"
	CodeRoomFull          = "ROOM_FULL"
	CodeRateLimited       = "RATE_LIMITED"
	CodeSessionConflict   = "SESSION_CONFLICT"
	CodeRoomMismatch      = "ROOM_MISMATCH"
	CodeRoomClosed        = "ROOM_CLOSED"
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeWorkerDied        = "WORKER_DIED"
	CodeInternal          = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrBadRequest, CodeBadRequest},
	{ErrDisplayNameEmpty, CodeBadRequest},
	{ErrDisplayNameTooLong, CodeBadRequest},
	{ErrRoomIDEmpty, CodeBadRequest},
	{ErrPeerIDEmpty, CodeBadRequest},
	{ErrIDTooLong, CodeBadRequest},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidCredentials, CodeUnauthorized},
	{ErrForbidden, CodeForbidden},
	{ErrNotFound, CodeNotFound},
	{ErrNotJoined, CodeNotJoined},
	{ErrPeerClosed, CodeNotJoined},
	{ErrRoomFull, CodeRoomFull},
	{ErrRateLimited, CodeRateLimited},
	{ErrSessionConflict, CodeSessionConflict},
	{ErrRoomMismatch, CodeRoomMismatch},
	{ErrRoomClosed, CodeRoomClosed},
	{ErrEngineUnavailable, CodeEngineUnavailable},
	{ErrWorkerDied, CodeWorkerDied},
}

// Code classifies err into a wire code. Unknown errors are internal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
