package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

var (
	handleLockRoom = plain(func(ctx context.Context, s *session) error {
		return s.room.Lock(ctx, s.peer)
	})
	handleUnlockRoom = plain(func(ctx context.Context, s *session) error {
		return s.room.Unlock(ctx, s.peer)
	})
	handlePromoteAll = plain(func(ctx context.Context, s *session) error {
		return s.room.PromoteAll(ctx, s.peer)
	})
	handleMuteAll = plain(func(ctx context.Context, s *session) error {
		return s.room.MuteAll(ctx, s.peer)
	})
	handleStopAllVideo = plain(func(ctx context.Context, s *session) error {
		return s.room.StopAllVideo(ctx, s.peer)
	})
	handleCloseMeeting = plain(func(ctx context.Context, s *session) error {
		return s.room.CloseMeeting(ctx, s.peer)
	})

	handlePromotePeer = targeted(func(ctx context.Context, s *session, target domain.PeerID) error {
		return s.room.Promote(ctx, s.peer, target)
	})
	handleMute = targeted(func(ctx context.Context, s *session, target domain.PeerID) error {
		return s.room.Mute(ctx, s.peer, target)
	})
	handleStopVideo = targeted(func(ctx context.Context, s *session, target domain.PeerID) error {
		return s.room.StopVideo(ctx, s.peer, target)
	})
	handleKickPeer = targeted(func(ctx context.Context, s *session, target domain.PeerID) error {
		return s.room.Kick(ctx, s.peer, target)
	})
)

func handleSetSpotlight(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		PeerIDs []string `json:"peerIds"`
	}](raw)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.PeerID, 0, len(p.PeerIDs))
	for _, raw := range p.PeerIDs {
		id, err := domain.ParsePeerID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
		}
		ids = append(ids, id)
	}
	return empty{}, s.room.SetSpotlight(ctx, s.peer, ids)
}

type roleTarget struct {
	PeerID string `json:"peerId"`
	RoleID string `json:"roleId"`
}

func handleGiveRole(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	return changeRole(ctx, s, raw, true)
}

func handleRemoveRole(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	return changeRole(ctx, s, raw, false)
}

func changeRole(ctx context.Context, s *session, raw json.RawMessage, give bool) (any, error) {
	p, err := decode[roleTarget](raw)
	if err != nil {
		return nil, err
	}
	id, err := peerTarget{PeerID: p.PeerID}.id()
	if err != nil {
		return nil, err
	}
	if give {
		return empty{}, s.room.GiveRole(ctx, s.peer, id, p.RoleID)
	}
	return empty{}, s.room.RemoveRole(ctx, s.peer, id, p.RoleID)
}
