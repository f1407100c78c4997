package signal

import (
	"context"
	"encoding/json"
)

func handleChangeDisplayName(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		DisplayName string `json:"displayName"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return empty{}, s.room.ChangeDisplayName(ctx, s.peer, p.DisplayName)
}

func handleChangePicture(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Picture string `json:"picture"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return empty{}, s.room.ChangePicture(ctx, s.peer, p.Picture)
}

func handleRaisedHand(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		RaisedHand bool `json:"raisedHand"`
	}](raw)
	if err != nil {
		return nil, err
	}
	return empty{}, s.room.RaiseHand(ctx, s.peer, p.RaisedHand)
}

func handleChatMessage(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Text string `json:"text"`
	}](raw)
	if err != nil {
		return nil, err
	}
	msg, err := s.room.SendChat(ctx, s.peer, p.Text)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func handleSendFile(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		MagnetURI string `json:"magnetUri"`
	}](raw)
	if err != nil {
		return nil, err
	}
	f, err := s.room.ShareFile(ctx, s.peer, p.MagnetURI)
	if err != nil {
		return nil, err
	}
	return f, nil
}

var (
	handleClearChat = plain(func(ctx context.Context, s *session) error {
		return s.room.ClearChat(ctx, s.peer)
	})
	handleClearFiles = plain(func(ctx context.Context, s *session) error {
		return s.room.ClearFiles(ctx, s.peer)
	})
)
