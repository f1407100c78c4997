package core

import (
	"maps"
	"slices"

	"github.com/dkeye/Meet/internal/domain"
)

// PolicyConfig maps actions to the role ids that hold them.
type PolicyConfig struct {
	Permissions          map[domain.Action][]string
	Access               map[domain.Action][]string
	// AllowWhenRoleMissing lists permissions everybody gets while no
	// active peer in the room holds any of their roles.
	AllowWhenRoleMissing []domain.Action
}

func DefaultPolicyConfig() PolicyConfig {
	mod := []string{domain.RoleModerator.ID}
	normal := []string{domain.RoleNormal.ID}
	return PolicyConfig{
		Permissions: map[domain.Action][]string{
			domain.ChangeRoomLock: mod,
			domain.PromotePeer:    normal,
			domain.SendChat:       normal,
			domain.ModerateChat:   mod,
			domain.ShareScreen:    normal,
			domain.ExtraVideo:     normal,
			domain.ShareFile:      normal,
			domain.ModerateFiles:  mod,
			domain.ModerateRoom:   mod,
		},
		Access: map[domain.Action][]string{
			domain.BypassRoomLock: {domain.RoleAdmin.ID},
			domain.BypassLobby:    normal,
		},
		AllowWhenRoleMissing: []domain.Action{domain.ChangeRoomLock},
	}
}

// RoomView is the part of a room the policy reads.
type RoomView interface {
	IsLocked() bool
	// AnyActive reports whether fn holds for the roles of some active peer.
	AnyActive(fn func(domain.RoleSet) bool) bool
}

type PeerView interface {
	Roles() domain.RoleSet
}

// Policy answers permission questions from configuration. It keeps no
// state about rooms, so every answer reflects the room as it is now.
type Policy struct {
	holders  map[domain.Action][]string
	fallback map[domain.Action]bool
}

func NewPolicy(cfg PolicyConfig) *Policy {
	p := &Policy{
		holders:  make(map[domain.Action][]string, len(cfg.Permissions)+len(cfg.Access)),
		fallback: make(map[domain.Action]bool, len(cfg.AllowWhenRoleMissing)),
	}
	for a, roles := range cfg.Permissions {
		p.holders[a] = slices.Clone(roles)
	}
	for a, roles := range cfg.Access {
		p.holders[a] = slices.Clone(roles)
	}
	for _, a := range cfg.AllowWhenRoleMissing {
		if _, isAccess := cfg.Access[a]; isAccess {
			continue
		}
		p.fallback[a] = true
	}
	return p
}

func (p *Policy) IsAllowed(room RoomView, peer PeerView, action domain.Action) bool {
	roles := peer.Roles()
	if action == domain.BypassLobby && room.IsLocked() {
		return roles.HasAny(p.holders[domain.BypassRoomLock])
	}

	holders := p.holders[action]
	if roles.HasAny(holders) {
		return true
	}
	if !p.fallback[action] {
		return false
	}
	return !room.AnyActive(func(rs domain.RoleSet) bool { return rs.HasAny(holders) })
}

// CanAssign reports whether actor may give or take role.
func (p *Policy) CanAssign(room RoomView, actor PeerView, role domain.Role) bool {
	if role.ID == domain.RoleNormal.ID {
		return false
	}
	if !p.IsAllowed(room, actor, domain.ModerateRoom) {
		return false
	}
	return role.Level <= actor.Roles().HighestLevel()
}

// Table returns the permission table sent to clients on join.
func (p *Policy) Table() map[domain.Action][]string {
	out := make(map[domain.Action][]string, len(p.holders))
	for a, roles := range p.holders {
		out[a] = slices.Clone(roles)
	}
	return out
}

func (p *Policy) Fallback() []domain.Action {
	out := slices.Collect(maps.Keys(p.fallback))
	slices.Sort(out)
	return out
}
