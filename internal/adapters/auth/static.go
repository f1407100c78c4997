package auth

import (
	"context"
	"strings"

	"github.com/dkeye/Meet/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

type StaticUser struct {
	Username     string
	PasswordHash string
	Info         domain.UserInfo
}

// Static checks credentials against bcrypt hashes held in config.
type Static struct {
	users map[string]StaticUser
	// dummy is compared against when the user is unknown so both paths
	// cost one bcrypt comparison.
	dummy []byte
}

func NewStatic(users []StaticUser) *Static {
	s := &Static{users: make(map[string]StaticUser, len(users))}
	for _, u := range users {
		if u.Info.ID == "" {
			u.Info.ID = u.Username
		}
		if u.Info.DisplayName == "" {
			u.Info.DisplayName = u.Username
		}
		s.users[strings.ToLower(u.Username)] = u
	}
	s.dummy, _ = bcrypt.GenerateFromPassword([]byte("meet"), bcrypt.MinCost)
	return s
}

func (s *Static) Authenticate(_ context.Context, username, password string) (domain.UserInfo, error) {
	u, ok := s.users[strings.ToLower(username)]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return domain.UserInfo{}, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return domain.UserInfo{}, domain.ErrInvalidCredentials
	}
	return u.Info, nil
}

// HashPassword produces a hash suitable for the static user list.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
