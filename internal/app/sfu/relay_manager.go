package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager owns the relays of one router, keyed by producer id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates the relay for producerID and starts its loop. An
// existing relay for the same producer is stopped first. keyframe is
// called when a consumer needs a fresh picture; it may be nil for audio.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src RTPReader, keyframe func()) *Relay {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(producerID, src, keyframe, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches a consumer track to the relay of producerID.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, track RTPWriter) (*OutTrack, error) {
	relay, ok := m.Relay(producerID)
	if !ok {
		return nil, fmt.Errorf("no relay for producer %s", producerID)
	}
	ot := NewOutTrack(consumerID, track)
	relay.AddOutTrack(ot)
	return ot, nil
}

// RemoveSubscriber marks the consumer's out track for delete.
func (m *RelayManager) RemoveSubscriber(producerID, consumerID string) {
	relay, ok := m.Relay(producerID)
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(consumerID); ok {
		ot.MarkDelete()
	}
}

// SetSubscriberPaused pauses or resumes one consumer. Resuming asks the
// producer for a keyframe.
func (m *RelayManager) SetSubscriberPaused(producerID, consumerID string, paused bool) bool {
	relay, ok := m.Relay(producerID)
	if !ok {
		return false
	}
	ot, ok := relay.outTrack(consumerID)
	if !ok {
		return false
	}
	if paused {
		ot.MarkPaused()
	} else {
		ot.MarkOk()
		relay.requestKeyframe()
	}
	return true
}

// RequestKeyframe forwards a consumer's picture loss report to the producer.
func (m *RelayManager) RequestKeyframe(producerID string) {
	if relay, ok := m.Relay(producerID); ok {
		relay.requestKeyframe()
	}
}

func (m *RelayManager) SetProducerPaused(producerID string, paused bool) bool {
	relay, ok := m.Relay(producerID)
	if ok {
		relay.SetPaused(paused)
	}
	return ok
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		r.cancel()
	}
}

func (m *RelayManager) Relay(producerID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[producerID]
	return r, ok
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
