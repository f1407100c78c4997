package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStatePaused
	TrackStateDelete
)

// RTPWriter is the sending side of a consumer, normally a
// *webrtc.TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one consumer of a relay.
type OutTrack struct {
	ConsumerID string
	Track      RTPWriter
	state      atomic.Int32 // zero is TrackStateOk
}

func NewOutTrack(consumerID string, track RTPWriter) *OutTrack {
	return &OutTrack{ConsumerID: consumerID, Track: track}
}

func (ot *OutTrack) GetState() TrackState { return TrackState(ot.state.Load()) }

func (ot *OutTrack) MarkOk() { ot.state.CompareAndSwap(int32(TrackStatePaused), int32(TrackStateOk)) }

func (ot *OutTrack) MarkPaused() { ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStatePaused)) }

// MarkDelete is final.
func (ot *OutTrack) MarkDelete() { ot.state.Store(int32(TrackStateDelete)) }
