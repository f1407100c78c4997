package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type RoomRegistryConfig struct {
	Pool         *WorkerPool
	Policy       *core.Policy
	Options      core.RoomOptions
	Backpressure core.BackpressurePolicy
	Status       *StatusNotifier
	// Peers lists bound peers in status snapshots; optional.
	Peers        *PeerDirectory
}

type roomEntry struct {
	room   *core.Room
	worker *WorkerHandle
}

// RoomInfo is the listing view of a room.
type RoomInfo struct {
	ID        domain.RoomID `json:"id"`
	Peers     int           `json:"peers"`
	Lobby     int           `json:"lobby"`
	Locked    bool          `json:"locked"`
	Worker    string        `json:"worker"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RoomRegistry owns the room id to room map. Creation for one id goes
// through a single path; rooms are removed once empty and not held.
type RoomRegistry struct {
	cfg   RoomRegistryConfig
	group singleflight.Group

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
}

func NewRoomRegistry(cfg RoomRegistryConfig) *RoomRegistry {
	return &RoomRegistry{cfg: cfg, rooms: make(map[domain.RoomID]*roomEntry)}
}

// GetOrCreate returns the room for id, creating it on the least loaded
// worker when needed. The room is held until release is called.
func (g *RoomRegistry) GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, func(), error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		g.mu.Lock()
		if e, ok := g.rooms[id]; ok {
			e.room.Hold()
			g.mu.Unlock()
			return e.room, g.releaser(e.room), nil
		}
		g.mu.Unlock()

		_, err, _ := g.group.Do(string(id), func() (any, error) {
			return nil, g.create(context.WithoutCancel(ctx), id)
		})
		if err != nil {
			return nil, nil, err
		}
	}
}

func (g *RoomRegistry) releaser(room *core.Room) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			room.Unhold()
			g.tryRemove(room)
		})
	}
}

func (g *RoomRegistry) create(ctx context.Context, id domain.RoomID) error {
	g.mu.RLock()
	_, exists := g.rooms[id]
	g.mu.RUnlock()
	if exists {
		return nil
	}

	h := g.cfg.Pool.PickWorker()
	if h == nil {
		return fmt.Errorf("no media workers: %w", domain.ErrEngineUnavailable)
	}
	g.cfg.Pool.Assign(h)
	router, err := core.Call(ctx, g.cfg.Options.Call, "createRouter", h.Worker().CreateRouter)
	if err != nil {
		g.cfg.Pool.Release(h)
		log.Error().Str("module", "app.rooms").Str("room", string(id)).Str("worker", h.ID()).Err(err).Msg("router create failed")
		return err
	}
	room := core.NewRoom(core.RoomConfig{
		ID:           id,
		Router:       router,
		Policy:       g.cfg.Policy,
		Options:      g.cfg.Options,
		Backpressure: g.cfg.Backpressure,
		OnEmpty:      g.tryRemove,
		OnChange:     func(r *core.Room) { g.notify(PeersChanged, r.ID()) },
	})

	g.mu.Lock()
	g.rooms[id] = &roomEntry{room: room, worker: h}
	g.mu.Unlock()
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("worker", h.ID()).Int64("worker_rooms", h.Rooms()).Msg("room created")
	g.notify(RoomCreated, id)
	return nil
}

// tryRemove destroys room if it is still registered, empty and unheld.
func (g *RoomRegistry) tryRemove(room *core.Room) {
	g.mu.Lock()
	e, ok := g.rooms[room.ID()]
	if !ok || e.room != room || !room.Idle() {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, room.ID())
	g.mu.Unlock()

	room.Close()
	g.cfg.Pool.Release(e.worker)
	log.Info().Str("module", "app.rooms").Str("room", string(room.ID())).Str("worker", e.worker.ID()).Msg("room destroyed")
	g.notify(RoomDestroyed, room.ID())
}

func (g *RoomRegistry) Get(id domain.RoomID) (*core.Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.rooms[id]
	if !ok {
		return nil, false
	}
	return e.room, true
}

func (g *RoomRegistry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// List returns every room ordered by id.
func (g *RoomRegistry) List() []RoomInfo {
	g.mu.RLock()
	entries := make([]*roomEntry, 0, len(g.rooms))
	for _, e := range g.rooms {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	out := make([]RoomInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, RoomInfo{
			ID:        e.room.ID(),
			Peers:     len(e.room.PeerIDs()),
			Lobby:     len(e.room.LobbyIDs()),
			Locked:    e.room.Locked(),
			Worker:    e.worker.ID(),
			CreatedAt: e.room.CreatedAt(),
		})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// Close closes every room. Peers are left to their connections.
func (g *RoomRegistry) Close() {
	g.mu.Lock()
	entries := g.rooms
	g.rooms = make(map[domain.RoomID]*roomEntry)
	g.mu.Unlock()
	for _, e := range entries {
		e.room.Close()
		g.cfg.Pool.Release(e.worker)
	}
}

func (g *RoomRegistry) notify(ev StatusEvent, id domain.RoomID) {
	if g.cfg.Status == nil {
		return
	}
	s := StatusSnapshot{Event: ev, RoomID: id, Time: time.Now(), Rooms: g.List()}
	if g.cfg.Peers != nil {
		s.Peers = g.cfg.Peers.Snapshot()
	}
	g.cfg.Status.Notify(s)
}
