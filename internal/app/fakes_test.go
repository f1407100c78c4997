package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type nopConn struct{ closed atomic.Bool }

func (c *nopConn) TrySend(core.Frame) error { return nil }
func (c *nopConn) Close()                   { c.closed.Store(true) }

type fakeWorker struct {
	id      string
	died    chan error
	fail    error
	routers atomic.Int32
	closed  atomic.Bool
}

func newFakeWorker(id string) *fakeWorker {
	return &fakeWorker{id: id, died: make(chan error, 1)}
}

func (w *fakeWorker) ID() string         { return w.id }
func (w *fakeWorker) Died() <-chan error { return w.died }
func (w *fakeWorker) Close() error       { w.closed.Store(true); return nil }

func (w *fakeWorker) CreateRouter(ctx context.Context) (core.Router, error) {
	if w.fail != nil {
		return nil, w.fail
	}
	n := w.routers.Add(1)
	return &fakeRouter{id: fmt.Sprintf("%s-router-%d", w.id, n)}, nil
}

type fakeRouter struct {
	id     string
	closed atomic.Bool
}

func (r *fakeRouter) ID() string   { return r.id }
func (r *fakeRouter) Close() error { r.closed.Store(true); return nil }

func (r *fakeRouter) CreateTransport(context.Context, domain.PeerID) (core.Transport, error) {
	return nil, domain.ErrEngineUnavailable
}

type fakeEngine struct {
	mu      sync.Mutex
	workers []*fakeWorker
}

func (e *fakeEngine) CreateWorker(ctx context.Context, s core.WorkerSettings) (core.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := newFakeWorker(fmt.Sprintf("w%d", len(e.workers)))
	e.workers = append(e.workers, w)
	return w, nil
}

type recordingHook struct {
	mu    sync.Mutex
	name  string
	snaps []StatusSnapshot
	err   error
	panic bool
}

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) Publish(ctx context.Context, s StatusSnapshot) error {
	if h.panic {
		panic("hook exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
	return h.err
}

func (h *recordingHook) snapshots() []StatusSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.snaps)
}

func (h *recordingHook) events() []StatusEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StatusEvent, 0, len(h.snaps))
	for _, s := range h.snaps {
		out = append(out, s.Event)
	}
	return out
}
