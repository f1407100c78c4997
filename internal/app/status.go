package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type StatusEvent string

const (
	RoomCreated   StatusEvent = "room_created"
	RoomDestroyed StatusEvent = "room_destroyed"
	PeersChanged  StatusEvent = "peers_changed"
)

// StatusSnapshot is what status hooks receive after a lifecycle change.
type StatusSnapshot struct {
	Event  StatusEvent   `json:"event"`
	RoomID domain.RoomID `json:"roomId"`
	Time   time.Time     `json:"time"`
	Rooms  []RoomInfo    `json:"rooms"`
	Peers  []PeerEntry   `json:"peers"`
}

// StatusHook publishes snapshots somewhere outside the process.
type StatusHook interface {
	Name() string
	Publish(ctx context.Context, s StatusSnapshot) error
}

const (
	defaultStatusQueue   = 256
	defaultStatusTimeout = 5 * time.Second
)

// StatusNotifier fans snapshots out to hooks on its own goroutine. A slow
// or failing hook never blocks room work; overflow is dropped and logged.
type StatusNotifier struct {
	hooks   []StatusHook
	queue   chan StatusSnapshot
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewStatusNotifier(hooks ...StatusHook) *StatusNotifier {
	n := &StatusNotifier{
		hooks:   hooks,
		queue:   make(chan StatusSnapshot, defaultStatusQueue),
		timeout: defaultStatusTimeout,
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *StatusNotifier) Notify(s StatusSnapshot) {
	if n == nil || len(n.hooks) == 0 {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- s:
	default:
		log.Warn().Str("module", "app.status").Str("event", string(s.Event)).Str("room", string(s.RoomID)).Msg("status queue full, snapshot dropped")
	}
}

func (n *StatusNotifier) run() {
	defer close(n.done)
	for s := range n.queue {
		for _, h := range n.hooks {
			n.publish(h, s)
		}
	}
}

func (n *StatusNotifier) publish(h StatusHook, s StatusSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("hook panic: %v", rec)
			}
		}()
		return h.Publish(ctx, s)
	}()
	if err != nil {
		log.Warn().Str("module", "app.status").Str("hook", h.Name()).Str("event", string(s.Event)).Err(err).Msg("status hook failed")
	}
}

// Close delivers what is queued and stops. Later snapshots are ignored.
func (n *StatusNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}
