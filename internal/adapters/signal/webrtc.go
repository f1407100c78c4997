package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type transportRef struct {
	TransportID string `json:"transportId"`
}

func (t transportRef) check() error {
	if t.TransportID == "" {
		return fmt.Errorf("%w: transportId required", domain.ErrBadRequest)
	}
	return nil
}

func handleCreateTransport(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Consuming bool `json:"consuming"`
	}](raw)
	if err != nil {
		return nil, err
	}
	id, err := s.room.CreateTransport(ctx, s.peer, p.Consuming)
	if err != nil {
		return nil, err
	}
	return transportRef{TransportID: id}, nil
}

type sdpPayload struct {
	transportRef
	SDP core.SessionDescription `json:"sdp"`
}

func handleConnectTransport(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[sdpPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	answer, err := s.room.ConnectTransport(ctx, s.peer, p.TransportID, p.SDP)
	if err != nil {
		return nil, err
	}
	return struct {
		SDP core.SessionDescription `json:"sdp"`
	}{answer}, nil
}

func subscribeExisting(ctx context.Context, s *session) {
	if err := s.room.SubscribeExisting(ctx, s.peer); err != nil {
		s.logger.Warn().Err(err).Msg("subscribe existing media")
	}
}

func handleApplyAnswer(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[sdpPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return empty{}, s.room.ApplyAnswer(ctx, s.peer, p.TransportID, p.SDP)
}

func handleAddICECandidate(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		transportRef
		Candidate core.ICECandidate `json:"candidate"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return empty{}, s.room.AddICECandidate(ctx, s.peer, p.TransportID, p.Candidate)
}

func handleProduce(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		transportRef
		Source  string `json:"source"`
		TrackID string `json:"trackId"`
	}](raw)
	if err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	src, err := core.ParseSource(p.Source)
	if err != nil {
		return nil, err
	}
	id, err := s.room.Produce(ctx, s.peer, p.TransportID, core.ProduceOptions{Source: src, TrackID: p.TrackID})
	if err != nil {
		return nil, err
	}
	return struct {
		ProducerID string `json:"producerId"`
	}{id}, nil
}

// mediaRef adapts a room call on one producer or consumer into a handler.
func mediaRef(field string, fn func(ctx context.Context, s *session, id string) error) handlerFunc {
	return func(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
		p, err := decode[map[string]string](raw)
		if err != nil {
			return nil, err
		}
		id := p[field]
		if id == "" {
			return nil, fmt.Errorf("%w: %s required", domain.ErrBadRequest, field)
		}
		return empty{}, fn(ctx, s, id)
	}
}

var (
	handleCloseProducer = mediaRef("producerId", func(ctx context.Context, s *session, id string) error {
		return s.room.CloseProducer(ctx, s.peer, id)
	})
	handlePauseProducer = mediaRef("producerId", func(ctx context.Context, s *session, id string) error {
		return s.room.PauseProducer(ctx, s.peer, id)
	})
	handleResumeProducer = mediaRef("producerId", func(ctx context.Context, s *session, id string) error {
		return s.room.ResumeProducer(ctx, s.peer, id)
	})
	handlePauseConsumer = mediaRef("consumerId", func(ctx context.Context, s *session, id string) error {
		return s.room.PauseConsumer(ctx, s.peer, id)
	})
	handleResumeConsumer = mediaRef("consumerId", func(ctx context.Context, s *session, id string) error {
		return s.room.ResumeConsumer(ctx, s.peer, id)
	})
)
