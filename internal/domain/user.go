// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"slices"
	"strings"
)

const (
	MaxDisplayNameLen  = 64
	DefaultDisplayName = "Guest"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// UserInfo is what an auth collaborator knows about a logged in user.
type UserInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email,omitempty"`
	Picture     string   `json:"picture,omitempty"`
	Rooms       []string `json:"rooms,omitempty"`
}

// OwnsRoom reports whether the user is listed as an owner of room.
func (u UserInfo) OwnsRoom(room RoomID) bool {
	return slices.ContainsFunc(u.Rooms, func(r string) bool {
		return strings.EqualFold(r, string(room))
	})
}

func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}

// NormalizePicture turns a bare base64 payload into a data URI and passes
// URLs through unchanged.
func NormalizePicture(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "http") || strings.HasPrefix(p, "data:") {
		return p
	}
	return "data:image/jpeg;base64, " + p
}
