package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxJoinAttempts = 3

type ConnectRequest struct {
	RoomID      string
	PeerID      string
	Token       string
	DisplayName string
	// User is set when the connection carries a prior login.
	User        *domain.UserInfo
	Conn        core.SignalConnection
}

// Connect admits a new signaling connection into its room, creating the
// room when needed. A token naming another room is a hard error.
func (o *Orchestrator) Connect(ctx context.Context, req ConnectRequest) (*core.Room, core.JoinResult, error) {
	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		return nil, core.JoinResult{}, err
	}
	peerID, err := domain.ParsePeerID(req.PeerID)
	if err != nil {
		return nil, core.JoinResult{}, err
	}
	tokenValid, err := o.checkToken(ctx, req.Token, peerID, roomID)
	if err != nil {
		return nil, core.JoinResult{}, err
	}
	if o.JoinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.JoinTimeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		room, release, err := o.Rooms.GetOrCreate(ctx, roomID)
		if err != nil {
			return nil, core.JoinResult{}, err
		}
		res, err := room.Join(ctx, core.JoinRequest{
			PeerID:      peerID,
			Conn:        req.Conn,
			Token:       req.Token,
			TokenValid:  tokenValid,
			User:        req.User,
			DisplayName: req.DisplayName,
			Directory:   o.Peers,
			Prepare:     o.prepare(roomID),
		})
		release()
		if errors.Is(err, domain.ErrRoomClosed) && attempt < maxJoinAttempts {
			log.Debug().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peerID)).Int("attempt", attempt).Msg("room closed during join, retrying")
			continue
		}
		if err != nil {
			log.Warn().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peerID)).Err(err).Msg("join rejected")
			return nil, core.JoinResult{}, err
		}
		log.Info().
			Str("module", "app.orch").
			Str("room", string(roomID)).
			Str("peer", string(peerID)).
			Bool("returning", res.Returning).
			Bool("lobby", res.Lobby).
			Msg("peer connected")
		return room, res, nil
	}
}

// checkToken reports whether token resumes peer in room. Bad or expired
// tokens are treated as absent; a good token for another room is not.
func (o *Orchestrator) checkToken(ctx context.Context, token string, peer domain.PeerID, room domain.RoomID) (bool, error) {
	if token == "" || o.Tokens == nil {
		return false, nil
	}
	claims, err := o.Tokens.Verify(ctx, token)
	if err != nil {
		log.Debug().Str("module", "app.orch").Str("peer", string(peer)).Err(err).Msg("token ignored")
		return false, nil
	}
	if claims.PeerID != peer {
		return false, nil
	}
	if claims.RoomID != room {
		return false, fmt.Errorf("%w: token for %q, asked for %q", domain.ErrRoomMismatch, claims.RoomID, room)
	}
	return true, nil
}

// prepare issues the peer's token and applies user mapping on the room
// queue, before admission is decided.
func (o *Orchestrator) prepare(room domain.RoomID) func(*core.Peer) error {
	return func(p *core.Peer) error {
		if o.Tokens != nil {
			tok, err := o.Tokens.Issue(p.ID(), room)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			p.SetToken(tok)
		}
		if !p.Authenticated() {
			return nil
		}
		return o.mapUser(room, p, p.UserInfo())
	}
}
