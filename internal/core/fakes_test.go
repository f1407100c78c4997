package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []notification
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.full {
		return ErrBackpressure
	}
	var n notification
	if err := json.Unmarshal(f, &n); err != nil {
		return err
	}
	c.frames = append(c.frames, n)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Method)
	}
	return out
}

// last decodes the data of the latest notification named method into v.
func (c *fakeConn) last(t *testing.T, method string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Method == method {
			raw, err := json.Marshal(c.frames[i].Data)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, v))
			return
		}
	}
	t.Fatalf("no %s notification", method)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeDirectory struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*Peer
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{peers: make(map[domain.PeerID]*Peer)}
}

func (d *fakeDirectory) Get(id domain.PeerID) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	return p, ok
}

func (d *fakeDirectory) Claim(p, prev *Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.peers[p.ID()]; ok && cur != prev {
		return false
	}
	d.peers[p.ID()] = p
	return true
}

func (d *fakeDirectory) Release(p *Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peers[p.ID()] == p {
		delete(d.peers, p.ID())
	}
}

var fakeSeq atomic.Int64

func fakeID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, fakeSeq.Add(1))
}

type fakeRouter struct {
	id     string
	fail   error
	closed atomic.Bool
}

func newFakeRouter() *fakeRouter { return &fakeRouter{id: fakeID("router")} }

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) CreateTransport(ctx context.Context, peer domain.PeerID) (Transport, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	return &fakeTransport{id: fakeID("transport")}, nil
}

func (r *fakeRouter) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeTransport struct {
	id      string
	mu      sync.Mutex
	onICE   func(ICECandidate)
	onOffer func(SessionDescription)
	answers []SessionDescription
	closed  bool
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Connect(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	return SessionDescription{Type: "answer", SDP: "answer-to-" + offer.SDP}, nil
}

func (t *fakeTransport) OnOffer(fn func(SessionDescription)) {
	t.mu.Lock()
	t.onOffer = fn
	t.mu.Unlock()
}

func (t *fakeTransport) ApplyAnswer(ctx context.Context, answer SessionDescription) error {
	t.mu.Lock()
	t.answers = append(t.answers, answer)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) AddICECandidate(ctx context.Context, c ICECandidate) error { return nil }

func (t *fakeTransport) OnICECandidate(fn func(ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Produce(ctx context.Context, opts ProduceOptions) (Producer, error) {
	return &fakeProducer{id: fakeID("producer"), source: opts.Source}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, p Producer) (Consumer, error) {
	return &fakeConsumer{id: fakeID("consumer"), producerID: p.ID()}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type fakeProducer struct {
	id     string
	source Source
	paused atomic.Bool
	closed atomic.Bool
}

func (p *fakeProducer) ID() string     { return p.id }
func (p *fakeProducer) Source() Source { return p.source }
func (p *fakeProducer) Paused() bool   { return p.paused.Load() }

func (p *fakeProducer) Pause(ctx context.Context) error {
	p.paused.Store(true)
	return nil
}

func (p *fakeProducer) Resume(ctx context.Context) error {
	p.paused.Store(false)
	return nil
}

func (p *fakeProducer) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeConsumer struct {
	id         string
	producerID string
	paused     atomic.Bool
	closed     atomic.Bool
}

func (c *fakeConsumer) ID() string         { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }
func (c *fakeConsumer) Paused() bool       { return c.paused.Load() }

func (c *fakeConsumer) Pause(ctx context.Context) error {
	c.paused.Store(true)
	return nil
}

func (c *fakeConsumer) Resume(ctx context.Context) error {
	c.paused.Store(false)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed.Store(true)
	return nil
}

// testRoom wires a room with fakes and short timeouts.
type testRoom struct {
	*Room
	dir    *fakeDirectory
	router *fakeRouter
	empty  chan struct{}
}

func newTestRoom(t *testing.T, mutate func(*RoomConfig)) *testRoom {
	t.Helper()
	tr := &testRoom{
		dir:    newFakeDirectory(),
		router: newFakeRouter(),
		empty:  make(chan struct{}, 8),
	}
	cfg := RoomConfig{
		ID:      "r1",
		Router:  tr.router,
		Options: RoomOptions{
			ActivateOnHostJoin: true,
			Call:               CallPolicy{Timeout: time.Second, Retries: 1},
		},
		OnEmpty: func(*Room) { tr.empty <- struct{}{} },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr.Room = NewRoom(cfg)
	t.Cleanup(tr.Room.Close)
	return tr
}

type joinOpt func(*JoinRequest)

func withToken(token string) joinOpt {
	return func(r *JoinRequest) {
		r.Token = token
		r.TokenValid = true
	}
}

func withUser(u domain.UserInfo) joinOpt {
	return func(r *JoinRequest) { r.User = &u }
}

func withName(name string) joinOpt {
	return func(r *JoinRequest) { r.DisplayName = name }
}

// prepare chains fn after any earlier Prepare step.
func prepare(fn func(*Peer) error) joinOpt {
	return func(r *JoinRequest) {
		prev := r.Prepare
		r.Prepare = func(p *Peer) error {
			if prev != nil {
				if err := prev(p); err != nil {
					return err
				}
			}
			return fn(p)
		}
	}
}

// issue sets a fixed token during Prepare.
func issue(token string) joinOpt {
	return prepare(func(p *Peer) error {
		p.SetToken(token)
		return nil
	})
}

func withRoles(roles ...domain.Role) joinOpt {
	return prepare(func(p *Peer) error {
		for _, r := range roles {
			p.AddRole(r)
		}
		return nil
	})
}

func (tr *testRoom) connect(t *testing.T, id domain.PeerID, opts ...joinOpt) (JoinResult, *fakeConn, error) {
	t.Helper()
	conn := &fakeConn{}
	req := JoinRequest{PeerID: id, Conn: conn, Directory: tr.dir}
	for _, o := range opts {
		o(&req)
	}
	res, err := tr.Join(context.Background(), req)
	return res, conn, err
}

func (tr *testRoom) mustConnect(t *testing.T, id domain.PeerID, opts ...joinOpt) (*Peer, *fakeConn) {
	t.Helper()
	res, conn, err := tr.connect(t, id, opts...)
	require.NoError(t, err)
	return res.Peer, conn
}

// sync waits until every queued task has run.
func (tr *testRoom) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, tr.Do(context.Background(), func() error { return nil }))
}

// waitPeers waits for the active set to become want and for the
// removal task that changed it to finish.
func (tr *testRoom) waitPeers(t *testing.T, want ...domain.PeerID) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := tr.PeerIDs()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	tr.sync(t)
}
