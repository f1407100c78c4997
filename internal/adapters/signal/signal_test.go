package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeWorker struct {
	died   chan error
	closed atomic.Bool
}

func (w *fakeWorker) ID() string         { return "w0" }
func (w *fakeWorker) Died() <-chan error { return w.died }
func (w *fakeWorker) Close() error       { w.closed.Store(true); return nil }

func (w *fakeWorker) CreateRouter(context.Context) (core.Router, error) {
	return nopRouter{}, nil
}

type nopRouter struct{}

func (nopRouter) ID() string   { return "router" }
func (nopRouter) Close() error { return nil }

func (nopRouter) CreateTransport(context.Context, domain.PeerID) (core.Transport, error) {
	return nil, domain.ErrEngineUnavailable
}

// envelope is what a client sees on the wire.
type envelope struct {
	Notification bool            `json:"notification"`
	Response     bool            `json:"response"`
	ID           uint64          `json:"id"`
	OK           bool            `json:"ok"`
	Method       string          `json:"method"`
	Data         json.RawMessage `json:"data"`
	Error        *wireError      `json:"error"`
}

type gateway struct {
	url string
}

func newGateway(t *testing.T, cfg Config) *gateway {
	t.Helper()
	pool := app.NewWorkerPool([]core.Worker{&fakeWorker{died: make(chan error)}}, nil)
	peers := app.NewPeerDirectory()
	policy := core.DefaultPolicyConfig()
	policy.Permissions[domain.ModerateRoom] = []string{domain.RoleNormal.ID}
	rooms := app.NewRoomRegistry(app.RoomRegistryConfig{
		Pool:    pool,
		Policy:  core.NewPolicy(policy),
		Options: core.RoomOptions{Call: core.CallPolicy{Timeout: time.Second, Retries: 1}},
		Peers:   peers,
	})
	ctl := NewSignalWSController(&orch.Orchestrator{
		Rooms:       rooms,
		Peers:       peers,
		JoinTimeout: 2 * time.Second,
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		rooms.Close()
		pool.Close()
	})
	return &gateway{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
	id uint64
}

func (g *gateway) dial(t *testing.T, room, peer string) *client {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(g.url+"?roomId="+room+"&peerId="+peer, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) next() (envelope, error) {
	var e envelope
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return e, err
	}
	require.NoError(c.t, json.Unmarshal(data, &e))
	return e, nil
}

// await reads until a frame matches.
func (c *client) await(match func(envelope) bool) envelope {
	c.t.Helper()
	for {
		e, err := c.next()
		require.NoError(c.t, err)
		if match(e) {
			return e
		}
	}
}

func (c *client) notification(method string) envelope {
	c.t.Helper()
	return c.await(func(e envelope) bool { return e.Notification && e.Method == method })
}

func (c *client) call(method string, data any) envelope {
	c.t.Helper()
	c.id++
	id := c.id
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(request{Request: true, ID: id, Method: method, Data: raw}))
	return c.await(func(e envelope) bool { return e.Response && e.ID == id })
}

func TestSignal_RequestResponse(t *testing.T) {
	g := newGateway(t, DefaultConfig())
	alice := g.dial(t, "standup", "alice")
	alice.notification(core.NotifyRoomReady)

	resp := alice.call("ping", nil)
	assert.True(t, resp.OK)
	assert.Nil(t, resp.Error)

	resp = alice.call("roomInfo", nil)
	require.True(t, resp.OK)
	var snap core.RoomSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, domain.RoomID("standup"), snap.ID)
	require.Len(t, snap.Peers, 1)

	resp = alice.call("chatMessage", map[string]string{"text": "hello"})
	require.True(t, resp.OK)
	assert.Contains(t, string(resp.Data), "hello")
}

func TestSignal_BadRequests(t *testing.T) {
	g := newGateway(t, DefaultConfig())
	alice := g.dial(t, "standup", "alice")
	alice.notification(core.NotifyRoomReady)

	resp := alice.call("noSuchMethod", nil)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeBadRequest, resp.Error.Code)

	resp = alice.call("promotePeer", map[string]int{"peerId": 5})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeBadRequest, resp.Error.Code)

	resp = alice.call("produce", map[string]string{"transportId": "t1", "source": "hologram"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeBadRequest, resp.Error.Code)

	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp = alice.await(func(e envelope) bool { return e.Response })
	assert.False(t, resp.OK)
	assert.Equal(t, domain.CodeBadRequest, resp.Error.Code)
}

func TestSignal_ForbiddenKeepsSocket(t *testing.T) {
	g := newGateway(t, DefaultConfig())
	alice := g.dial(t, "standup", "alice")
	alice.notification(core.NotifyRoomReady)

	resp := alice.call("moderator:clearChat", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeForbidden, resp.Error.Code)
	assert.True(t, alice.call("ping", nil).OK)
}

func TestSignal_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 2
	cfg.RateInterval = time.Minute
	g := newGateway(t, cfg)
	alice := g.dial(t, "standup", "alice")
	alice.notification(core.NotifyRoomReady)

	assert.True(t, alice.call("ping", nil).OK)
	assert.True(t, alice.call("ping", nil).OK)
	resp := alice.call("ping", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.CodeRateLimited, resp.Error.Code)
}

func TestSignal_DuplicatePeerRejected(t *testing.T) {
	g := newGateway(t, DefaultConfig())
	alice := g.dial(t, "standup", "alice")
	alice.notification(core.NotifyRoomReady)

	dup := g.dial(t, "standup", "alice")
	e := dup.notification(NotifyConnectionRejected)
	var werr wireError
	require.NoError(t, json.Unmarshal(e.Data, &werr))
	assert.Equal(t, domain.CodeSessionConflict, werr.Code)

	_, err := dup.next()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	assert.True(t, alice.call("ping", nil).OK)
}

func TestSignal_InvalidRoomRejected(t *testing.T) {
	g := newGateway(t, DefaultConfig())
	c := g.dial(t, "", "alice")
	e := c.notification(NotifyConnectionRejected)
	var werr wireError
	require.NoError(t, json.Unmarshal(e.Data, &werr))
	assert.Equal(t, domain.CodeBadRequest, werr.Code)
}

func TestSignal_KickClosesSocket(t *testing.T) {
	g := newGateway(t, DefaultConfig())
	alice := g.dial(t, "standup", "alice")
	alice.notification(core.NotifyRoomReady)
	bob := g.dial(t, "standup", "bob")
	bob.notification(core.NotifyRoomReady)

	assert.True(t, alice.call("moderator:kickPeer", map[string]string{"peerId": "bob"}).OK)
	bob.notification(core.NotifyModeratorKick)
	for {
		if _, err := bob.next(); err != nil {
			break
		}
	}
	alice.notification(core.NotifyPeerLeft)
}
