package domain

import (
	"slices"
	"sort"
)

type Role struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Level int    `json:"level"`
}

var (
	RoleNormal        = Role{ID: "normal", Label: "normal", Level: 10}
	RoleAuthenticated = Role{ID: "authenticated", Label: "authenticated", Level: 20}
	RoleModerator     = Role{ID: "moderator", Label: "moderator", Level: 40}
	RoleAdmin         = Role{ID: "admin", Label: "admin", Level: 50}
)

var builtinRoles = []Role{RoleNormal, RoleAuthenticated, RoleModerator, RoleAdmin}

func BuiltinRoles() []Role { return slices.Clone(builtinRoles) }

func LookupRole(id string) (Role, bool) {
	for _, r := range builtinRoles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// Action is anything the permission policy can be asked about.
type Action string

// Permissions gate operations of an admitted peer.
const (
	ChangeRoomLock Action = "change_room_lock"
	PromotePeer    Action = "promote_peer"
	SendChat       Action = "send_chat"
	ModerateChat   Action = "moderate_chat"
	ShareScreen    Action = "share_screen"
	ExtraVideo     Action = "extra_video"
	ShareFile      Action = "share_file"
	ModerateFiles  Action = "moderate_files"
	ModerateRoom   Action = "moderate_room"
)

// Access actions gate admission.
const (
	BypassRoomLock Action = "bypass_room_lock"
	BypassLobby    Action = "bypass_lobby"
)

func Permissions() []Action {
	return []Action{
		ChangeRoomLock, PromotePeer, SendChat, ModerateChat, ShareScreen,
		ExtraVideo, ShareFile, ModerateFiles, ModerateRoom,
	}
}

// RoleSet is a set of role ids with their levels. The zero value is empty;
// peers always carry at least RoleNormal.
type RoleSet map[string]Role

func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r.ID] = r
	}
	return s
}

func (s RoleSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// HasAny reports whether the set contains one of ids.
func (s RoleSet) HasAny(ids []string) bool {
	for _, id := range ids {
		if s.Has(id) {
			return true
		}
	}
	return false
}

func (s RoleSet) HighestLevel() int {
	top := 0
	for _, r := range s {
		if r.Level > top {
			top = r.Level
		}
	}
	return top
}

// IDs returns role ids sorted by level, highest first.
func (s RoleSet) IDs() []string {
	roles := make([]Role, 0, len(s))
	for _, r := range s {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Level != roles[j].Level {
			return roles[i].Level > roles[j].Level
		}
		return roles[i].ID < roles[j].ID
	})
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.ID
	}
	return out
}

func (s RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
