package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type recConn struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	var fr frame
	if err := json.Unmarshal(f, &fr); err != nil {
		return err
	}
	c.frames = append(c.frames, fr)
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Method)
	}
	return out
}

func (c *recConn) count(method string) int {
	n := 0
	for _, m := range c.methods() {
		if m == method {
			n++
		}
	}
	return n
}

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

var errBadToken = errors.New("bad token")

type memTokens struct {
	mu      sync.Mutex
	n       int
	claims  map[string]domain.SessionClaims
	revoked []string
}

func newMemTokens() *memTokens {
	return &memTokens{claims: make(map[string]domain.SessionClaims)}
}

func (m *memTokens) Issue(peer domain.PeerID, room domain.RoomID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	tok := fmt.Sprintf("tok-%d", m.n)
	m.claims[tok] = domain.SessionClaims{TokenID: tok, PeerID: peer, RoomID: room, ExpiresAt: time.Now().Add(time.Hour)}
	return tok, nil
}

func (m *memTokens) Verify(_ context.Context, token string) (domain.SessionClaims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[token]
	if !ok {
		return domain.SessionClaims{}, errBadToken
	}
	return c, nil
}

func (m *memTokens) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, token)
	m.revoked = append(m.revoked, token)
	return nil
}

type staticAuth map[string]domain.UserInfo

func (a staticAuth) Authenticate(_ context.Context, username, password string) (domain.UserInfo, error) {
	info, ok := a[username]
	if !ok || password != "secret" {
		return domain.UserInfo{}, domain.ErrInvalidCredentials
	}
	return info, nil
}

type fixture struct {
	*Orchestrator
	pool   *app.WorkerPool
	tokens *memTokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := app.NewWorkerPool([]core.Worker{&fakeWorker{died: make(chan error)}}, nil)
	peers := app.NewPeerDirectory()
	rooms := app.NewRoomRegistry(app.RoomRegistryConfig{
		Pool:    pool,
		Policy:  core.NewPolicy(core.DefaultPolicyConfig()),
		Options: core.RoomOptions{Call: core.CallPolicy{Timeout: time.Second, Retries: 1}},
		Peers:   peers,
	})
	t.Cleanup(func() {
		rooms.Close()
		pool.Close()
	})
	tokens := newMemTokens()
	return &fixture{
		Orchestrator: &Orchestrator{
			Rooms:  rooms,
			Peers:  peers,
			Tokens: tokens,
			Auth:   staticAuth{
				"alice": {ID: "u-alice", DisplayName: "Alice", Rooms: []string{"standup"}},
				"bob":   {ID: "u-bob", DisplayName: "Bob", Email: "bob@example.org"},
			},
			Mapping: core.RoleMapping{
				OwnerRoles: []domain.Role{domain.RoleModerator},
				UserRoles:  map[string][]domain.Role{"BOB@example.org": {domain.RoleAdmin}},
			},
			JoinTimeout: 2 * time.Second,
		},
		pool:   pool,
		tokens: tokens,
	}
}

func (f *fixture) connect(t *testing.T, room, peer, token string) (*core.Peer, *recConn) {
	t.Helper()
	conn := &recConn{}
	_, res, err := f.Connect(context.Background(), ConnectRequest{RoomID: room, PeerID: peer, Token: token, Conn: conn})
	require.NoError(t, err)
	return res.Peer, conn
}
