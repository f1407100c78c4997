package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Reauthenticate applies a login that happened after the peer connected.
// apply runs user mapping on the queue. A parked peer that now may enter
// is admitted.
func (r *Room) Reauthenticate(ctx context.Context, p *Peer, info domain.UserInfo, apply func(*Peer) error) error {
	return r.Do(ctx, func() error {
		if p.Closed() {
			return domain.ErrPeerClosed
		}
		before := p.Roles()
		p.Authenticate(info)
		if apply != nil {
			if err := apply(p); err != nil {
				return err
			}
		}
		r.announceRoleDiff(p, before)
		if r.peers[p.id] == p {
			r.broadcast(NotifyPeerUpdated, p.Info())
		}
		r.admitIfAllowed(p)
		return nil
	})
}

// Logout strips every role except normal and forgets the peer's token.
func (r *Room) Logout(ctx context.Context, p *Peer) error {
	return r.Do(ctx, func() error {
		for _, id := range p.ResetRoles() {
			if r.peers[p.id] == p {
				r.broadcast(NotifyLostRole, roleChange{PeerID: p.id, RoleID: id})
			}
		}
		r.dropToken(p.id)
		p.SetToken("")
		return nil
	})
}

func (r *Room) announceRoleDiff(p *Peer, before domain.RoleSet) {
	if r.peers[p.id] != p {
		return
	}
	after := p.Roles()
	for _, id := range after.IDs() {
		if !before.Has(id) {
			r.broadcast(NotifyGotRole, roleChange{PeerID: p.id, RoleID: id})
		}
	}
	for _, id := range before.IDs() {
		if !after.Has(id) {
			r.broadcast(NotifyLostRole, roleChange{PeerID: p.id, RoleID: id})
		}
	}
}

// admitIfAllowed promotes a parked peer whose roles now let it in.
func (r *Room) admitIfAllowed(p *Peer) {
	if r.lobby[p.id] != p || !r.mayEnter(p) {
		return
	}
	if err := r.admit(p, false); err != nil {
		log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Err(err).Msg("auto promote")
		return
	}
	r.notifyAllowed(domain.PromotePeer, NotifyLobbyPromoted, peerRef{PeerID: p.id})
}

func (r *Room) Lock(ctx context.Context, actor *Peer) error {
	return r.setLocked(ctx, actor, true)
}

func (r *Room) Unlock(ctx context.Context, actor *Peer) error {
	return r.setLocked(ctx, actor, false)
}

func (r *Room) setLocked(ctx context.Context, actor *Peer, locked bool) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ChangeRoomLock); err != nil {
			return err
		}
		if r.locked == locked {
			return nil
		}
		r.mu.Lock()
		r.locked = locked
		r.mu.Unlock()

		method := NotifyUnlockRoom
		if locked {
			method = NotifyLockRoom
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(actor.id)).Bool("locked", locked).Msg("room lock changed")
		r.broadcast(method, peerRef{PeerID: actor.id}, actor)
		return nil
	})
}

func (r *Room) Promote(ctx context.Context, actor *Peer, target domain.PeerID) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.PromotePeer); err != nil {
			return err
		}
		p, ok := r.lobby[target]
		if !ok {
			return fmt.Errorf("lobby peer %s: %w", target, domain.ErrNotFound)
		}
		return r.promote(p)
	})
}

func (r *Room) PromoteAll(ctx context.Context, actor *Peer) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.PromotePeer); err != nil {
			return err
		}
		for _, id := range slices.Clone(r.lobbyOrder) {
			if p, ok := r.lobby[id]; ok {
				if err := r.promote(p); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *Room) promote(p *Peer) error {
	if err := r.admit(p, false); err != nil {
		return err
	}
	r.notifyAllowed(domain.PromotePeer, NotifyLobbyPromoted, peerRef{PeerID: p.id})
	return nil
}

func (r *Room) GiveRole(ctx context.Context, actor *Peer, target domain.PeerID, roleID string) error {
	return r.changeRole(ctx, actor, target, roleID, true)
}

func (r *Room) RemoveRole(ctx context.Context, actor *Peer, target domain.PeerID, roleID string) error {
	return r.changeRole(ctx, actor, target, roleID, false)
}

func (r *Room) changeRole(ctx context.Context, actor *Peer, target domain.PeerID, roleID string, give bool) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		role, ok := domain.LookupRole(roleID)
		if !ok {
			return fmt.Errorf("role %q: %w", roleID, domain.ErrBadRequest)
		}
		if !r.policy.CanAssign(r.view(), actor, role) {
			return fmt.Errorf("role %q: %w", roleID, domain.ErrForbidden)
		}
		p, ok := r.peers[target]
		if !ok {
			if p, ok = r.lobby[target]; !ok {
				return fmt.Errorf("peer %s: %w", target, domain.ErrNotFound)
			}
		}
		var changed bool
		if give {
			changed = p.AddRole(role)
		} else {
			changed = p.RemoveRole(role.ID)
		}
		if !changed {
			return nil
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("by", string(actor.id)).Str("role", role.ID).Bool("give", give).Msg("role changed")
		method := NotifyLostRole
		if give {
			method = NotifyGotRole
		}
		if r.peers[p.id] == p {
			r.broadcast(method, roleChange{PeerID: p.id, RoleID: role.ID})
		} else if give {
			r.admitIfAllowed(p)
		}
		return nil
	})
}

// SetSpotlight puts ids at the front of the spotlight list.
func (r *Room) SetSpotlight(ctx context.Context, actor *Peer, ids []domain.PeerID) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ModerateRoom); err != nil {
			return err
		}
		r.mu.Lock()
		changed := r.spot.set(ids, r.order)
		r.mu.Unlock()
		if changed {
			r.broadcast(NotifySpotlightsChanged, spotlightsPayload{PeerIDs: r.spot.list()})
		}
		return nil
	})
}

func (r *Room) ChangeDisplayName(ctx context.Context, p *Peer, name string) error {
	name, err := domain.NormalizeDisplayName(name)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return r.Do(ctx, func() error {
		switch {
		case r.peers[p.id] == p:
			p.SetDisplayName(name)
			r.broadcast(NotifyPeerUpdated, p.Info(), p)
		case r.lobby[p.id] == p:
			p.SetDisplayName(name)
			r.notifyAllowed(domain.PromotePeer, NotifyLobbyDisplayName, lobbyPeer(p))
		default:
			return domain.ErrNotJoined
		}
		return nil
	})
}

func (r *Room) ChangePicture(ctx context.Context, p *Peer, picture string) error {
	picture = domain.NormalizePicture(picture)
	return r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		p.SetPicture(picture)
		r.broadcast(NotifyPeerUpdated, p.Info(), p)
		return nil
	})
}

func (r *Room) RaiseHand(ctx context.Context, p *Peer, raised bool) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		at := r.now()
		p.SetRaisedHand(raised, at)
		r.broadcast(NotifyRaisedHand, struct {
			PeerID     domain.PeerID `json:"peerId"`
			RaisedHand bool          `json:"raisedHand"`
			Timestamp  int64         `json:"raisedHandTimestamp"`
		}{p.id, raised, at.UnixMilli()}, p)
		return nil
	})
}

func (r *Room) SendChat(ctx context.Context, p *Peer, text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > domain.MaxChatTextLen {
		return domain.ChatMessage{}, fmt.Errorf("chat text: %w", domain.ErrBadRequest)
	}
	var msg domain.ChatMessage
	err := r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		if err := r.allow(p, domain.SendChat); err != nil {
			return err
		}
		now := r.now()
		msg = domain.ChatMessage{
			ID:          domain.NewMessageID(now),
			PeerID:      p.id,
			DisplayName: p.DisplayName(),
			Picture:     p.Picture(),
			Text:        text,
			Time:        now,
		}
		r.mu.Lock()
		r.chat = appendBounded(r.chat, msg, r.opts.ChatHistory)
		r.mu.Unlock()
		r.broadcast(NotifyChatMessage, msg, p)
		return nil
	})
	return msg, err
}

func (r *Room) ClearChat(ctx context.Context, actor *Peer) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ModerateChat); err != nil {
			return err
		}
		r.mu.Lock()
		r.chat = nil
		r.mu.Unlock()
		r.broadcast(NotifyClearChat, peerRef{PeerID: actor.id}, actor)
		return nil
	})
}

func (r *Room) ShareFile(ctx context.Context, p *Peer, magnetURI string) (domain.FileShare, error) {
	magnetURI = strings.TrimSpace(magnetURI)
	if !strings.HasPrefix(magnetURI, "magnet:") {
		return domain.FileShare{}, fmt.Errorf("magnet uri: %w", domain.ErrBadRequest)
	}
	var f domain.FileShare
	err := r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		if err := r.allow(p, domain.ShareFile); err != nil {
			return err
		}
		now := r.now()
		f = domain.FileShare{
			ID:          domain.NewMessageID(now),
			PeerID:      p.id,
			DisplayName: p.DisplayName(),
			MagnetURI:   magnetURI,
			Time:        now,
		}
		r.mu.Lock()
		r.files = appendBounded(r.files, f, r.opts.ChatHistory)
		r.mu.Unlock()
		r.broadcast(NotifySendFile, f, p)
		return nil
	})
	return f, err
}

func (r *Room) ClearFiles(ctx context.Context, actor *Peer) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ModerateFiles); err != nil {
			return err
		}
		r.mu.Lock()
		r.files = nil
		r.mu.Unlock()
		r.broadcast(NotifyClearFiles, peerRef{PeerID: actor.id}, actor)
		return nil
	})
}

// Kick disconnects target. The target is removed before it is closed and
// cannot resume with its token.
func (r *Room) Kick(ctx context.Context, actor *Peer, target domain.PeerID) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ModerateRoom); err != nil {
			return err
		}
		p, ok := r.peers[target]
		if !ok {
			if p, ok = r.lobby[target]; !ok {
				return fmt.Errorf("peer %s: %w", target, domain.ErrNotFound)
			}
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("by", string(actor.id)).Msg("peer kicked")
		r.send(p, NotifyModeratorKick, peerRef{PeerID: actor.id})
		r.evict(p)
		r.dropToken(p.id)
		return nil
	})
}

// CloseMeeting disconnects everybody, the actor included.
func (r *Room) CloseMeeting(ctx context.Context, actor *Peer) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ModerateRoom); err != nil {
			return err
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("by", string(actor.id)).Msg("meeting closed")
		all := make([]*Peer, 0, len(r.peers)+len(r.lobby))
		for _, id := range r.order {
			all = append(all, r.peers[id])
		}
		for _, id := range r.lobbyOrder {
			all = append(all, r.lobby[id])
		}
		for _, p := range all {
			r.send(p, NotifyCloseMeeting, peerRef{PeerID: actor.id})
		}
		for _, p := range all {
			r.evict(p)
			r.dropToken(p.id)
		}
		return nil
	})
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = slices.Delete(s, 0, over)
	}
	return s
}
