package core

import (
	"context"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

// Source tells what a producer carries.
type Source string

const (
	SourceMic        Source = "mic"
	SourceWebcam     Source = "webcam"
	SourceScreen     Source = "screen"
	SourceExtraVideo Source = "extravideo"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceMic, SourceWebcam, SourceScreen, SourceExtraVideo:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: unknown source %q", domain.ErrBadRequest, s)
}

// Kind is the media kind implied by the source.
func (s Source) Kind() string {
	if s == SourceMic {
		return "audio"
	}
	return "video"
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type WorkerSettings struct {
	RTCMinPort  uint16
	RTCMaxPort  uint16
	ICEServers  []string
	AnnouncedIP string
}

// MediaEngine starts media workers. Everything below it belongs to the
// engine; the signaling side only holds handles.
type MediaEngine interface {
	CreateWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

type Worker interface {
	ID() string
	CreateRouter(ctx context.Context) (Router, error)
	// Died is closed or receives once when the worker stops unexpectedly.
	Died() <-chan error
	Close() error
}

type Router interface {
	ID() string
	CreateTransport(ctx context.Context, peer domain.PeerID) (Transport, error)
	Close() error
}

type ProduceOptions struct {
	Source  Source
	TrackID string
}

type Transport interface {
	ID() string
	// Connect applies the client's offer and returns the answer.
	Connect(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	// OnOffer receives server side offers made after local tracks changed.
	// The client answers with ApplyAnswer.
	OnOffer(func(SessionDescription))
	ApplyAnswer(ctx context.Context, answer SessionDescription) error
	AddICECandidate(ctx context.Context, c ICECandidate) error
	OnICECandidate(func(ICECandidate))
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, p Producer) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Source() Source
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Paused() bool
	Close() error
}
