package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/core"
	"github.com/rs/zerolog/log"
)

// WorkerHandle wraps a media worker with the number of rooms placed on it.
type WorkerHandle struct {
	index  int
	worker core.Worker
	rooms  atomic.Int64
}

func (h *WorkerHandle) ID() string          { return h.worker.ID() }
func (h *WorkerHandle) Index() int          { return h.index }
func (h *WorkerHandle) Worker() core.Worker { return h.worker }
func (h *WorkerHandle) Rooms() int64        { return h.rooms.Load() }

// DiedFunc is called once per worker that stops unexpectedly.
type DiedFunc func(h *WorkerHandle, err error)

// WorkerPool holds a fixed set of media workers created at startup.
type WorkerPool struct {
	workers []*WorkerHandle
	next    atomic.Uint64
	onDied  DiedFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartWorkerPool creates n workers on engine and watches them.
func StartWorkerPool(ctx context.Context, engine core.MediaEngine, n int, settings core.WorkerSettings, call core.CallPolicy, onDied DiedFunc) (*WorkerPool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("worker pool: need at least one worker, got %d", n)
	}
	workers := make([]core.Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := core.Call(ctx, call, "createWorker", func(ctx context.Context) (core.Worker, error) {
			return engine.CreateWorker(ctx, settings)
		})
		if err != nil {
			for _, w := range workers {
				_ = w.Close()
			}
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		log.Info().Str("module", "app.workers").Int("index", i).Str("worker", w.ID()).Msg("worker started")
		workers = append(workers, w)
	}
	return NewWorkerPool(workers, onDied), nil
}

func NewWorkerPool(workers []core.Worker, onDied DiedFunc) *WorkerPool {
	p := &WorkerPool{
		workers: make([]*WorkerHandle, len(workers)),
		onDied:  onDied,
		stop:    make(chan struct{}),
	}
	for i, w := range workers {
		h := &WorkerHandle{index: i, worker: w}
		p.workers[i] = h
		p.wg.Add(1)
		go p.watch(h)
	}
	return p
}

func (p *WorkerPool) watch(h *WorkerHandle) {
	defer p.wg.Done()
	select {
	case err, ok := <-h.worker.Died():
		if !ok || err == nil {
			err = fmt.Errorf("worker %s exited", h.ID())
		}
		log.Error().Str("module", "app.workers").Str("worker", h.ID()).Err(err).Msg("media worker died")
		if p.onDied != nil {
			p.onDied(h, err)
		}
	case <-p.stop:
	}
}

// PickWorker returns the worker with the fewest rooms. Ties go round
// robin so equally loaded workers take turns.
func (p *WorkerPool) PickWorker() *WorkerHandle {
	n := len(p.workers)
	if n == 0 {
		return nil
	}
	start := int(p.next.Add(1)-1) % n
	best := p.workers[start]
	for i := 1; i < n; i++ {
		h := p.workers[(start+i)%n]
		if h.rooms.Load() < best.rooms.Load() {
			best = h
		}
	}
	return best
}

func (p *WorkerPool) Assign(h *WorkerHandle) { h.rooms.Add(1) }

func (p *WorkerPool) Release(h *WorkerHandle) {
	if h.rooms.Add(-1) < 0 {
		h.rooms.Store(0)
		log.Warn().Str("module", "app.workers").Str("worker", h.ID()).Msg("release without assign")
	}
}

func (p *WorkerPool) Len() int { return len(p.workers) }

// Loads returns the room count of each worker by index.
func (p *WorkerPool) Loads() []int64 {
	out := make([]int64, len(p.workers))
	for i, h := range p.workers {
		out[i] = h.rooms.Load()
	}
	return out
}

// Close stops watching and closes every worker.
func (p *WorkerPool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		for _, h := range p.workers {
			if err := h.worker.Close(); err != nil {
				log.Warn().Str("module", "app.workers").Str("worker", h.ID()).Err(err).Msg("worker close")
			}
		}
	})
}
