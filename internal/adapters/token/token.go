// Package token issues HS256 resumption tokens and tracks revocations.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// RevocationStore remembers revoked token ids until they would have
// expired anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, id string, until time.Time) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

type claims struct {
	jwt.RegisteredClaims
	Room string `json:"room"`
}

type Manager struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	revoked RevocationStore
	now     func() time.Time
}

// NewManager signs with secret; an empty secret gets a random one, so
// tokens do not survive a restart.
func NewManager(secret string, ttl time.Duration, issuer string, store RevocationStore) (*Manager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("token secret: %w", err)
		}
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{secret: key, ttl: ttl, issuer: issuer, revoked: store, now: time.Now}, nil
}

func (m *Manager) Issue(peer domain.PeerID, room domain.RoomID) (string, error) {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   string(peer),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Room: string(room),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

func (m *Manager) parse(token string, opts ...jwt.ParserOption) (*claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.ID == "" || c.Subject == "" || c.Room == "" {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

func (m *Manager) Verify(ctx context.Context, token string) (domain.SessionClaims, error) {
	c, err := m.parse(token)
	if err != nil {
		return domain.SessionClaims{}, err
	}
	revoked, err := m.revoked.IsRevoked(ctx, c.ID)
	if err != nil {
		return domain.SessionClaims{}, fmt.Errorf("revocation lookup: %w", err)
	}
	if revoked {
		return domain.SessionClaims{}, ErrRevokedToken
	}
	return domain.SessionClaims{
		TokenID:   c.ID,
		PeerID:    domain.PeerID(c.Subject),
		RoomID:    domain.RoomID(c.Room),
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// Revoke marks token unusable. Expired tokens are already unusable.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	c, err := m.parse(token)
	if errors.Is(err, ErrExpiredToken) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.revoked.Revoke(ctx, c.ID, c.ExpiresAt.Time)
}
