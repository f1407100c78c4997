package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

type handlerFunc func(ctx context.Context, s *session, raw json.RawMessage) (any, error)

// followUpFunc runs after a successful response has been queued.
type followUpFunc func(ctx context.Context, s *session)

type empty struct{}

func (ctl *SignalWSController) registerHandlers() {
	ctl.handlers = map[string]handlerFunc{
		"ping":     handlePing,
		"roomInfo": handleRoomInfo,

		"changeDisplayName":          handleChangeDisplayName,
		"changePicture":              handleChangePicture,
		"raisedHand":                 handleRaisedHand,
		"chatMessage":                handleChatMessage,
		"sendFile":                   handleSendFile,
		"moderator:clearChat":        handleClearChat,
		"moderator:clearFileSharing": handleClearFiles,

		"lockRoom":               handleLockRoom,
		"unlockRoom":             handleUnlockRoom,
		"promotePeer":            handlePromotePeer,
		"promoteAllPeers":        handlePromoteAll,
		"setSpotlight":           handleSetSpotlight,
		"moderator:mute":         handleMute,
		"moderator:muteAll":      handleMuteAll,
		"moderator:stopVideo":    handleStopVideo,
		"moderator:stopAllVideo": handleStopAllVideo,
		"moderator:kickPeer":     handleKickPeer,
		"moderator:closeMeeting": handleCloseMeeting,
		"moderator:giveRole":     handleGiveRole,
		"moderator:removeRole":   handleRemoveRole,

		"createTransport":  handleCreateTransport,
		"connectTransport": handleConnectTransport,
		"applyAnswer":      handleApplyAnswer,
		"addIceCandidate":  handleAddICECandidate,
		"produce":          handleProduce,
		"closeProducer":    handleCloseProducer,
		"pauseProducer":    handlePauseProducer,
		"resumeProducer":   handleResumeProducer,
		"pauseConsumer":    handlePauseConsumer,
		"resumeConsumer":   handleResumeConsumer,
	}
	ctl.followUps = map[string]followUpFunc{
		// the answer must reach the client before server offers for
		// media that already exists
		"connectTransport": subscribeExisting,
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return v, nil
}

func handlePing(context.Context, *session, json.RawMessage) (any, error) {
	return empty{}, nil
}

func handleRoomInfo(_ context.Context, s *session, _ json.RawMessage) (any, error) {
	return s.room.Snapshot(), nil
}

type peerTarget struct {
	PeerID string `json:"peerId"`
}

func (t peerTarget) id() (domain.PeerID, error) {
	id, err := domain.ParsePeerID(t.PeerID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrBadRequest, err)
	}
	return id, nil
}

// targeted adapts a room call on another peer into a handler.
func targeted(fn func(ctx context.Context, s *session, target domain.PeerID) error) handlerFunc {
	return func(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
		t, err := decode[peerTarget](raw)
		if err != nil {
			return nil, err
		}
		id, err := t.id()
		if err != nil {
			return nil, err
		}
		return empty{}, fn(ctx, s, id)
	}
}

// plain adapts a room call without arguments into a handler.
func plain(fn func(ctx context.Context, s *session) error) handlerFunc {
	return func(ctx context.Context, s *session, _ json.RawMessage) (any, error) {
		return empty{}, fn(ctx, s)
	}
}
