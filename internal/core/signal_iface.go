package core

import "errors"

// Frame is a raw encoded message.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full buffer returns ErrBackpressure.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
