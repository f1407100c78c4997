package domain

import "time"

// SessionClaims is what a resumption token asserts about its holder.
type SessionClaims struct {
	TokenID   string
	PeerID    PeerID
	RoomID    RoomID
	ExpiresAt time.Time
}
