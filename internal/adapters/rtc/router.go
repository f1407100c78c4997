package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Router is the media side of one room. Producers of every transport on
// the router can be consumed by every other transport on it.
type Router struct {
	id     string
	worker *Worker
	relays *sfu.RelayManager

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func newRouter(w *Worker) *Router {
	return &Router{
		id:         uuid.NewString(),
		worker:     w,
		relays:     sfu.NewRelayManager(),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) CreateTransport(ctx context.Context, peer domain.PeerID) (core.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s: %w", r.id, domain.ErrRoomClosed)
	}
	pc, err := r.worker.api.NewPeerConnection(r.worker.config)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %w", domain.ErrEngineUnavailable, err)
	}
	t := newTransport(r, peer, pc)
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
	r.relays.StopRelay(id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	r.transports = make(map[string]*Transport)
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.relays.StopAll()
	r.worker.removeRouter(r.id)
	log.Debug().Str("module", "rtc").Str("router", r.id).Msg("router closed")
	return nil
}
