package core

import (
	"errors"
	"slices"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Notification methods pushed to clients.
const (
	NotifyRoomReady          = "roomReady"
	NotifyEnteredLobby       = "enteredLobby"
	NotifyPeerJoined         = "peerJoined"
	NotifyPeerLeft           = "peerLeft"
	NotifyPeerUpdated        = "peerUpdated"
	NotifyGotRole            = "gotRole"
	NotifyLostRole           = "lostRole"
	NotifyLockRoom           = "lockRoom"
	NotifyUnlockRoom         = "unlockRoom"
	NotifySpotlightsChanged  = "spotlightsChanged"
	NotifyRaisedHand         = "raisedHand"
	NotifyChatMessage        = "chatMessage"
	NotifyClearChat          = "moderator:clearChat"
	NotifySendFile           = "sendFile"
	NotifyClearFiles         = "moderator:clearFileSharing"
	NotifyModeratorMute      = "moderator:mute"
	NotifyModeratorStopVideo = "moderator:stopVideo"
	NotifyModeratorKick      = "moderator:kick"
	NotifyCloseMeeting       = "moderator:closeMeeting"
	NotifyLobbyPeerJoined    = "lobby:peerJoined"
	NotifyLobbyPeerClosed    = "lobby:peerClosed"
	NotifyLobbyPromoted      = "lobby:promotedPeer"
	NotifyLobbyDisplayName   = "lobby:changeDisplayName"
	NotifyNewConsumer        = "newConsumer"
	NotifyConsumerClosed     = "consumerClosed"
	NotifyConsumerPaused     = "consumerPaused"
	NotifyConsumerResumed    = "consumerResumed"
	NotifyTransportOffer     = "transportOffer"
	NotifyICECandidate       = "iceCandidate"
)

// RoomState is what a peer receives once it is admitted.
type RoomState struct {
	PeerID        domain.PeerID              `json:"peerId"`
	Token         string                     `json:"token,omitempty"`
	Returning     bool                       `json:"returning"`
	Authenticated bool                       `json:"authenticated"`
	Roles         []string                   `json:"roles"`
	Locked        bool                       `json:"locked"`
	Peers         []PeerInfo                 `json:"peers"`
	Spotlights    []domain.PeerID            `json:"spotlights"`
	LobbyPeers    []LobbyPeer                `json:"lobbyPeers,omitempty"`
	ChatHistory   []domain.ChatMessage       `json:"chatHistory"`
	FileHistory   []domain.FileShare         `json:"fileHistory"`
	Permissions   map[domain.Action][]string `json:"permissions"`
	AllRoles      []domain.Role              `json:"allRoles"`
}

type LobbyPeer struct {
	ID          domain.PeerID `json:"id"`
	DisplayName string        `json:"displayName"`
	Picture     string        `json:"picture,omitempty"`
}

type peerRef struct {
	PeerID domain.PeerID `json:"peerId"`
}

type roleChange struct {
	PeerID domain.PeerID `json:"peerId"`
	RoleID string        `json:"roleId"`
}

// send delivers a notification to one peer, applying the back-pressure
// policy when its buffer is full. Must run on the room queue.
func (r *Room) send(p *Peer, method string, data any) {
	err := p.Notify(method, data)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrBackpressure) {
		log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("method", method).Err(err).Msg("notify failed")
		return
	}
	switch r.backpressure.OnBackPressure(r, p) {
	case KickPeer:
		log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Msg("slow peer, kicking")
		r.evict(p)
	case DropNotification:
		log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("method", method).Msg("notification dropped")
	}
}

// broadcast sends to every active peer except the ones in skip.
func (r *Room) broadcast(method string, data any, skip ...*Peer) PublishResult {
	res := PublishResult{}
	for _, id := range slices.Clone(r.order) {
		p := r.peers[id]
		if p == nil || isSkipped(p, skip) {
			continue
		}
		r.send(p, method, data)
		res.SentTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("method", method).Int("sent_to", res.SentTo).Msg("broadcast")
	return res
}

// notifyAllowed sends to active peers allowed to do action.
func (r *Room) notifyAllowed(action domain.Action, method string, data any) {
	for _, id := range slices.Clone(r.order) {
		p := r.peers[id]
		if p != nil && r.policy.IsAllowed(r.view(), p, action) {
			r.send(p, method, data)
		}
	}
}

type PublishResult struct {
	SentTo int
}

func isSkipped(p *Peer, skip []*Peer) bool {
	for _, s := range skip {
		if s == p {
			return true
		}
	}
	return false
}
