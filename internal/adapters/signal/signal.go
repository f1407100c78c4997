package signal

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	RequestTimeout time.Duration
	// RateLimit requests per RateInterval per peer; zero disables.
	RateLimit      int
	RateInterval   time.Duration
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     64,
		WriteWait:      5 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     50 * time.Second,
		MaxMessageSize: 1 << 20,
		RequestTimeout: 90 * time.Second,
		RateLimit:      100,
		RateInterval:   10 * time.Second,
	}
}

type SignalWSController struct {
	Orch *orch.Orchestrator

	cfg       Config
	limiter   *RoomRateLimiter
	upgrader  websocket.Upgrader
	handlers  map[string]handlerFunc
	followUps map[string]followUpFunc
}

func NewSignalWSController(o *orch.Orchestrator, cfg Config) *SignalWSController {
	ctl := &SignalWSController{Orch: o, cfg: cfg}
	if cfg.RateLimit > 0 && cfg.RateInterval > 0 {
		ctl.limiter = NewRoomRateLimiter(cfg.RateLimit, cfg.RateInterval)
	}
	ctl.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			return slices.Contains(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	ctl.registerHandlers()
	return ctl
}

// WsSignalConn is the push side of one socket. Frames are written by
// writePump; Close lets it flush what is queued before the socket closes.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// sendWait queues a response, waiting up to d for buffer space.
func (c *WsSignalConn) sendWait(f core.Frame, d time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case c.send <- f:
		return nil
	case <-t.C:
		return core.ErrBackpressure
	}
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// session is the state of one admitted socket.
type session struct {
	room   *core.Room
	peer   *core.Peer
	conn   *WsSignalConn
	logger zerolog.Logger
}

// HandleSignal upgrades the request and admits the peer named by the
// roomId and peerId query parameters. ctx bounds the socket's lifetime.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	q := c.Request.URL.Query()
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.cfg.SendBuffer)
	room, res, err := ctl.Orch.Connect(c.Request.Context(), orch.ConnectRequest{
		RoomID:      q.Get("roomId"),
		PeerID:      q.Get("peerId"),
		Token:       q.Get("token"),
		DisplayName: q.Get("displayName"),
		User:        UserFromSession(c),
		Conn:        conn,
	})
	if err != nil {
		ctl.reject(ws, err)
		return
	}

	s := &session{
		room:   room,
		peer:   res.Peer,
		conn:   conn,
		logger: log.With().
			Str("module", "signal").
			Str("room", string(room.ID())).
			Str("peer", string(res.Peer.ID())).
			Logger(),
	}
	s.logger.Info().Bool("returning", res.Returning).Bool("lobby", res.Lobby).Msg("socket admitted")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, s)
}

// reject tells the client why it was not admitted and drops the socket.
func (ctl *SignalWSController) reject(ws *websocket.Conn, err error) {
	code := domain.Code(err)
	log.Warn().Str("module", "signal").Str("code", code).Err(err).Msg("connection rejected")
	frame, encErr := core.EncodeNotification(NotifyConnectionRejected, wireError{Code: code, Message: err.Error()})
	deadline := time.Now().Add(ctl.cfg.WriteWait)
	if encErr == nil {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	_ = ws.Close()
}
