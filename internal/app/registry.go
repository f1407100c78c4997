package app

import (
	"slices"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// PeerDirectory is the process wide index of live peers by id. A peer id
// maps to at most one session at a time.
type PeerDirectory struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*core.Peer
}

func NewPeerDirectory() *PeerDirectory {
	return &PeerDirectory{peers: make(map[domain.PeerID]*core.Peer)}
}

func (d *PeerDirectory) Get(id domain.PeerID) (*core.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok
}

func (d *PeerDirectory) Claim(p, prev *core.Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.peers[p.ID()]; ok && cur != prev {
		log.Warn().Str("module", "app.directory").Str("peer", string(p.ID())).Msg("claim refused, id bound")
		return false
	}
	d.peers[p.ID()] = p
	log.Debug().Str("module", "app.directory").Str("peer", string(p.ID())).Str("room", string(p.RoomID())).Msg("bound peer")
	return true
}

func (d *PeerDirectory) Release(p *core.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peers[p.ID()] != p {
		return
	}
	delete(d.peers, p.ID())
	log.Debug().Str("module", "app.directory").Str("peer", string(p.ID())).Msg("released peer")
}

func (d *PeerDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

type PeerEntry struct {
	PeerID domain.PeerID `json:"peerId"`
	RoomID domain.RoomID `json:"roomId"`
	State  string        `json:"state"`
}

// Snapshot lists bound peers ordered by id.
func (d *PeerDirectory) Snapshot() []PeerEntry {
	d.mu.RLock()
	out := make([]PeerEntry, 0, len(d.peers))
	for id, p := range d.peers {
		out = append(out, PeerEntry{PeerID: id, RoomID: p.RoomID(), State: p.State().String()})
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerEntry) int {
		switch {
		case a.PeerID < b.PeerID:
			return -1
		case a.PeerID > b.PeerID:
			return 1
		}
		return 0
	})
	return out
}
