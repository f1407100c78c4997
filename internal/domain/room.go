package domain

import (
	"errors"
	"strings"
)

const MaxIDLen = 64

var (
	ErrRoomIDEmpty = errors.New("room id empty")
	ErrPeerIDEmpty = errors.New("peer id empty")
	ErrIDTooLong   = errors.New("id too long")
)

type (
	RoomID string
	PeerID string
)

// ParseRoomID normalizes a client supplied room id. Room ids are case
// insensitive, so "Standup" and "standup" address the same room.
func ParseRoomID(s string) (RoomID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", ErrRoomIDEmpty
	}
	if len(s) > MaxIDLen {
		return "", ErrIDTooLong
	}
	return RoomID(s), nil
}

func ParsePeerID(s string) (PeerID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrPeerIDEmpty
	}
	if len(s) > MaxIDLen {
		return "", ErrIDTooLong
	}
	return PeerID(s), nil
}
