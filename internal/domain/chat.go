package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const MaxChatTextLen = 4096

// ChatMessage lives only in the room's memory.
type ChatMessage struct {
	ID          string    `json:"id"`
	PeerID      PeerID    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	Picture     string    `json:"picture,omitempty"`
	Text        string    `json:"text"`
	Time        time.Time `json:"time"`
}

// FileShare announces a file a peer offers to the room. The payload is
// exchanged between clients; the server only keeps the link.
type FileShare struct {
	ID          string    `json:"id"`
	PeerID      PeerID    `json:"peerId"`
	DisplayName string    `json:"displayName"`
	MagnetURI   string    `json:"magnetUri"`
	Time        time.Time `json:"time"`
}

// NewMessageID returns a time ordered id, so history sorts by id.
func NewMessageID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
