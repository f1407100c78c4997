package core

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropNotification
	KickPeer
)

// BackpressurePolicy decides what happens to a peer whose outgoing
// buffer is full.
type BackpressurePolicy interface {
	OnBackPressure(room *Room, peer *Peer) BackpressureAction
}

// DropPolicy drops the notification; the peer stays.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*Room, *Peer) BackpressureAction { return DropNotification }

// KickPolicy disconnects slow peers.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(*Room, *Peer) BackpressureAction { return KickPeer }

func ParseBackpressurePolicy(name string) BackpressurePolicy {
	if name == "kick" {
		return KickPolicy{}
	}
	return DropPolicy{}
}
