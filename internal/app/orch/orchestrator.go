package orch

import (
	"context"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Tokens issues and checks resumption tokens.
type Tokens interface {
	Issue(peer domain.PeerID, room domain.RoomID) (string, error)
	Verify(ctx context.Context, token string) (domain.SessionClaims, error)
	Revoke(ctx context.Context, token string) error
}

// Orchestrator ties connections, logins and rooms together. It owns no
// state of its own; rooms live in the registry and peers in the directory.
type Orchestrator struct {
	Rooms       *app.RoomRegistry
	Peers       *app.PeerDirectory
	Tokens      Tokens
	Auth        core.Authenticator
	Mapping     core.UserMapping
	// JoinTimeout bounds one admission; zero means the caller's context.
	JoinTimeout time.Duration
}

// Resolve returns a bound peer and its room.
func (o *Orchestrator) Resolve(id domain.PeerID) (*core.Room, *core.Peer, error) {
	p, ok := o.Peers.Get(id)
	if !ok {
		return nil, nil, domain.ErrNotJoined
	}
	room, ok := o.Rooms.Get(p.RoomID())
	if !ok {
		return nil, nil, domain.ErrRoomClosed
	}
	return room, p, nil
}

func (o *Orchestrator) mapUser(room domain.RoomID, p *core.Peer, info domain.UserInfo) error {
	if o.Mapping == nil {
		return nil
	}
	return o.Mapping.Apply(room, p, info)
}
