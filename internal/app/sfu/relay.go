package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the receiving side of a producer, normally a
// *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay copies RTP from one producer to all of its consumers.
type Relay struct {
	ProducerID string
	Src        RTPReader

	mu        sync.RWMutex
	outTracks map[string]*OutTrack

	paused   atomic.Bool
	keyframe func()
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewRelay(producerID string, src RTPReader, keyframe func(), cancel context.CancelFunc) *Relay {
	return &Relay{
		ProducerID: producerID,
		Src:        src,
		outTracks:  make(map[string]*OutTrack),
		keyframe:   keyframe,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// loop reads packets from the source and forwards them until the source
// ends or ctx is canceled.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay stopped")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []string
	for id, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStatePaused:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer", id).Msg("relay write failed, dropping consumer")
				ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(ot *OutTrack) {
	r.mu.Lock()
	r.outTracks[ot.ConsumerID] = ot
	r.mu.Unlock()
	r.requestKeyframe()
}

func (r *Relay) outTrack(consumerID string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[consumerID]
	return ot, ok
}

// Consumers counts attached consumers that are not marked for delete.
func (r *Relay) Consumers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}

func (r *Relay) SetPaused(paused bool) {
	if r.paused.Swap(paused) && !paused {
		r.requestKeyframe()
	}
}

func (r *Relay) Paused() bool { return r.paused.Load() }

// Done is closed when the relay loop has returned.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) requestKeyframe() {
	if r.keyframe != nil {
		r.keyframe()
	}
}
