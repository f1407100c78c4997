package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type LoginRequest struct {
	Username string
	Password string
	RoomID   string
	PeerID   string
}

// Login checks credentials and, when the peer is already connected,
// applies the identity to the live session. Logging in before the socket
// exists is fine; the caller keeps the identity for Connect.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) (domain.UserInfo, error) {
	if o.Auth == nil {
		return domain.UserInfo{}, fmt.Errorf("%w: no authenticator configured", domain.ErrUnauthorized)
	}
	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		return domain.UserInfo{}, err
	}
	peerID, err := domain.ParsePeerID(req.PeerID)
	if err != nil {
		return domain.UserInfo{}, err
	}
	info, err := o.Auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		log.Warn().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peerID)).Err(err).Msg("login failed")
		return domain.UserInfo{}, err
	}

	p, ok := o.Peers.Get(peerID)
	if !ok {
		log.Info().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peerID)).Str("user", info.ID).Msg("login before connect")
		return info, nil
	}
	if p.RoomID() != roomID {
		return domain.UserInfo{}, fmt.Errorf("%w: peer is in %q", domain.ErrRoomMismatch, p.RoomID())
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return domain.UserInfo{}, domain.ErrRoomClosed
	}
	err = room.Reauthenticate(ctx, p, info, func(p *core.Peer) error {
		return o.mapUser(roomID, p, info)
	})
	if err != nil {
		return domain.UserInfo{}, err
	}
	log.Info().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peerID)).Str("user", info.ID).Msg("peer logged in")
	return info, nil
}

// Logout revokes the peer's resumption token and drops its roles back to
// normal. A peer that is not connected has nothing to undo.
func (o *Orchestrator) Logout(ctx context.Context, peerID domain.PeerID) error {
	room, p, err := o.Resolve(peerID)
	if err != nil {
		return err
	}
	if tok := p.Token(); tok != "" && o.Tokens != nil {
		if err := o.Tokens.Revoke(ctx, tok); err != nil {
			log.Warn().Str("module", "app.orch").Str("peer", string(peerID)).Err(err).Msg("token revoke failed")
		}
	}
	if err := room.Logout(ctx, p); err != nil {
		return err
	}
	log.Info().Str("module", "app.orch").Str("room", string(room.ID())).Str("peer", string(peerID)).Msg("peer logged out")
	return nil
}
