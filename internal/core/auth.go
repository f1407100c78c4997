package core

import (
	"context"
	"strings"

	"github.com/dkeye/Meet/internal/domain"
)

// Authenticator checks a user's credentials with an identity provider.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (domain.UserInfo, error)
}

// UserMapping turns a logged in identity into roles for one room. It runs
// on the room queue and must not block.
type UserMapping interface {
	Apply(room domain.RoomID, p *Peer, info domain.UserInfo) error
}

// RoleMapping grants owner roles to users listing the room and fixed roles
// to named users. Users are matched by id or email, case insensitive.
type RoleMapping struct {
	OwnerRoles []domain.Role
	UserRoles  map[string][]domain.Role
}

func (m RoleMapping) Apply(room domain.RoomID, p *Peer, info domain.UserInfo) error {
	if info.OwnsRoom(room) {
		for _, r := range m.OwnerRoles {
			p.AddRole(r)
		}
	}
	for key, roles := range m.UserRoles {
		if !matchesUser(key, info) {
			continue
		}
		for _, r := range roles {
			p.AddRole(r)
		}
	}
	return nil
}

func matchesUser(key string, info domain.UserInfo) bool {
	return (info.ID != "" && strings.EqualFold(key, info.ID)) ||
		(info.Email != "" && strings.EqualFold(key, info.Email))
}
