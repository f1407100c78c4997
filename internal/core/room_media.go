package core

import (
	"context"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type transportEvent struct {
	TransportID string              `json:"transportId"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	Description *SessionDescription `json:"sdp,omitempty"`
}

type consumerEvent struct {
	ConsumerID string        `json:"consumerId"`
	ProducerID string        `json:"producerId,omitempty"`
	PeerID     domain.PeerID `json:"peerId,omitempty"`
	Source     Source        `json:"source,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Paused     bool          `json:"paused,omitempty"`
}

// CreateTransport opens a transport on the room's router. A consuming
// transport receives other peers' media once it is connected.
func (r *Room) CreateTransport(ctx context.Context, p *Peer, consuming bool) (string, error) {
	var id string
	err := r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		t, err := Call(ctx, r.opts.Call, "createTransport", func(ctx context.Context) (Transport, error) {
			return r.router.CreateTransport(ctx, p.id)
		})
		if err != nil {
			return err
		}
		tid := t.ID()
		t.OnICECandidate(func(c ICECandidate) {
			_ = p.Notify(NotifyICECandidate, transportEvent{TransportID: tid, Candidate: &c})
		})
		t.OnOffer(func(offer SessionDescription) {
			_ = p.Notify(NotifyTransportOffer, transportEvent{TransportID: tid, Description: &offer})
		})
		p.addTransport(t, consuming)
		id = tid
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("transport", tid).Bool("consuming", consuming).Msg("transport created")
		return nil
	})
	return id, err
}

// ConnectTransport applies the client's offer and returns the answer.
// Existing media is attached later by SubscribeExisting so that the
// answer reaches the client before any server offer.
func (r *Room) ConnectTransport(ctx context.Context, p *Peer, transportID string, offer SessionDescription) (SessionDescription, error) {
	var answer SessionDescription
	err := r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		e, err := r.peerTransport(p, transportID)
		if err != nil {
			return err
		}
		answer, err = Call(ctx, r.opts.Call, "connectTransport", func(ctx context.Context) (SessionDescription, error) {
			return e.t.Connect(ctx, offer)
		})
		if err != nil {
			return err
		}
		p.markConnected(transportID)
		return nil
	})
	return answer, err
}

// SubscribeExisting consumes every producer of the other active peers on
// p's consuming transport.
func (r *Room) SubscribeExisting(ctx context.Context, p *Peer) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		t, ok := p.consumingTransport()
		if !ok {
			return nil
		}
		for _, e := range r.producers {
			if e.owner == p || len(p.consumersOf(e.p.ID())) > 0 {
				continue
			}
			r.consume(ctx, p, t, e)
		}
		return nil
	})
}

func (r *Room) ApplyAnswer(ctx context.Context, p *Peer, transportID string, answer SessionDescription) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		e, err := r.peerTransport(p, transportID)
		if err != nil {
			return err
		}
		return CallErr(ctx, r.opts.Call, "applyAnswer", func(ctx context.Context) error {
			return e.t.ApplyAnswer(ctx, answer)
		})
	})
}

func (r *Room) AddICECandidate(ctx context.Context, p *Peer, transportID string, c ICECandidate) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		e, err := r.peerTransport(p, transportID)
		if err != nil {
			return err
		}
		return CallErr(ctx, r.opts.Call, "addIceCandidate", func(ctx context.Context) error {
			return e.t.AddICECandidate(ctx, c)
		})
	})
}

// Produce starts receiving a track from p and forwards it to every other
// active peer with a connected consuming transport.
func (r *Room) Produce(ctx context.Context, p *Peer, transportID string, opts ProduceOptions) (string, error) {
	var id string
	err := r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		switch opts.Source {
		case SourceScreen:
			if err := r.allow(p, domain.ShareScreen); err != nil {
				return err
			}
		case SourceExtraVideo:
			if err := r.allow(p, domain.ExtraVideo); err != nil {
				return err
			}
		}
		if opts.Source != SourceExtraVideo {
			if _, busy := p.producerBySource(opts.Source); busy {
				return fmt.Errorf("already producing %s: %w", opts.Source, domain.ErrBadRequest)
			}
		}
		e, err := r.peerTransport(p, transportID)
		if err != nil {
			return err
		}
		pr, err := Call(ctx, r.opts.Call, "produce", func(ctx context.Context) (Producer, error) {
			return e.t.Produce(ctx, opts)
		})
		if err != nil {
			return err
		}
		entry := &producerEntry{owner: p, p: pr}
		p.addProducer(pr)
		r.producers[pr.ID()] = entry
		id = pr.ID()
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("producer", id).Str("source", string(opts.Source)).Msg("producer created")

		for _, other := range r.activeList() {
			if other == p {
				continue
			}
			if t, ok := other.consumingTransport(); ok {
				r.consume(ctx, other, t, entry)
			}
		}
		return nil
	})
	return id, err
}

// consume failures only affect the consuming peer and are logged.
func (r *Room) consume(ctx context.Context, p *Peer, t Transport, e *producerEntry) {
	c, err := Call(ctx, r.opts.Call, "consume", func(ctx context.Context) (Consumer, error) {
		return t.Consume(ctx, e.p)
	})
	if err != nil {
		log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Str("producer", e.p.ID()).Err(err).Msg("consume failed")
		return
	}
	p.addConsumer(c)
	r.send(p, NotifyNewConsumer, consumerEvent{
		ConsumerID: c.ID(),
		ProducerID: e.p.ID(),
		PeerID:     e.owner.id,
		Source:     e.p.Source(),
		Kind:       e.p.Source().Kind(),
		Paused:     e.p.Paused(),
	})
}

func (r *Room) CloseProducer(ctx context.Context, p *Peer, producerID string) error {
	return r.Do(ctx, func() error {
		e, err := r.ownProducer(p, producerID)
		if err != nil {
			return err
		}
		r.closeProducer(e)
		return nil
	})
}

func (r *Room) closeProducer(e *producerEntry) {
	id := e.p.ID()
	delete(r.producers, id)
	e.owner.removeProducer(id)
	for _, other := range r.activeList() {
		for _, c := range other.consumersOf(id) {
			_ = c.Close()
			other.removeConsumer(c.ID())
			r.send(other, NotifyConsumerClosed, consumerEvent{ConsumerID: c.ID()})
		}
	}
	if err := e.p.Close(); err != nil {
		log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("producer", id).Err(err).Msg("producer close")
	}
}

func (r *Room) closeProducersOf(p *Peer) {
	for _, e := range r.producers {
		if e.owner == p {
			r.closeProducer(e)
		}
	}
}

func (r *Room) PauseProducer(ctx context.Context, p *Peer, producerID string) error {
	return r.Do(ctx, func() error {
		e, err := r.ownProducer(p, producerID)
		if err != nil {
			return err
		}
		return r.setProducerPaused(ctx, e, true)
	})
}

func (r *Room) ResumeProducer(ctx context.Context, p *Peer, producerID string) error {
	return r.Do(ctx, func() error {
		e, err := r.ownProducer(p, producerID)
		if err != nil {
			return err
		}
		return r.setProducerPaused(ctx, e, false)
	})
}

func (r *Room) setProducerPaused(ctx context.Context, e *producerEntry, paused bool) error {
	if e.p.Paused() == paused {
		return nil
	}
	op, method := "resumeProducer", NotifyConsumerResumed
	if paused {
		op, method = "pauseProducer", NotifyConsumerPaused
	}
	err := CallErr(ctx, r.opts.Call, op, func(ctx context.Context) error {
		if paused {
			return e.p.Pause(ctx)
		}
		return e.p.Resume(ctx)
	})
	if err != nil {
		return err
	}
	for _, other := range r.activeList() {
		for _, c := range other.consumersOf(e.p.ID()) {
			r.send(other, method, consumerEvent{ConsumerID: c.ID()})
		}
	}
	return nil
}

func (r *Room) PauseConsumer(ctx context.Context, p *Peer, consumerID string) error {
	return r.setConsumerPaused(ctx, p, consumerID, true)
}

func (r *Room) ResumeConsumer(ctx context.Context, p *Peer, consumerID string) error {
	return r.setConsumerPaused(ctx, p, consumerID, false)
}

func (r *Room) setConsumerPaused(ctx context.Context, p *Peer, consumerID string, paused bool) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(p); err != nil {
			return err
		}
		c, ok := p.consumer(consumerID)
		if !ok {
			return fmt.Errorf("consumer %s: %w", consumerID, domain.ErrNotFound)
		}
		return CallErr(ctx, r.opts.Call, "setConsumerPaused", func(ctx context.Context) error {
			if paused {
				return c.Pause(ctx)
			}
			return c.Resume(ctx)
		})
	})
}

// Mute pauses target's microphone and tells it so.
func (r *Room) Mute(ctx context.Context, actor *Peer, target domain.PeerID) error {
	return r.moderateMedia(ctx, actor, &target, SourceMic, NotifyModeratorMute)
}

func (r *Room) MuteAll(ctx context.Context, actor *Peer) error {
	return r.moderateMedia(ctx, actor, nil, SourceMic, NotifyModeratorMute)
}

// StopVideo pauses target's webcam and tells it so.
func (r *Room) StopVideo(ctx context.Context, actor *Peer, target domain.PeerID) error {
	return r.moderateMedia(ctx, actor, &target, SourceWebcam, NotifyModeratorStopVideo)
}

func (r *Room) StopAllVideo(ctx context.Context, actor *Peer) error {
	return r.moderateMedia(ctx, actor, nil, SourceWebcam, NotifyModeratorStopVideo)
}

// moderateMedia applies to target, or to everyone but the actor when
// target is nil.
func (r *Room) moderateMedia(ctx context.Context, actor *Peer, target *domain.PeerID, src Source, method string) error {
	return r.Do(ctx, func() error {
		if err := r.requireActive(actor); err != nil {
			return err
		}
		if err := r.allow(actor, domain.ModerateRoom); err != nil {
			return err
		}
		var targets []*Peer
		if target != nil {
			p, err := r.activePeer(*target)
			if err != nil {
				return err
			}
			targets = []*Peer{p}
		} else {
			for _, p := range r.activeList() {
				if p != actor {
					targets = append(targets, p)
				}
			}
		}
		for _, p := range targets {
			for _, pr := range p.producerList() {
				e, ok := r.producers[pr.ID()]
				if !ok || pr.Source() != src {
					continue
				}
				if err := r.setProducerPaused(ctx, e, true); err != nil {
					log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Err(err).Msg("moderator pause failed")
				}
			}
			r.send(p, method, peerRef{PeerID: actor.id})
		}
		return nil
	})
}

func (r *Room) peerTransport(p *Peer, id string) (*transportEntry, error) {
	e, ok := p.transport(id)
	if !ok {
		return nil, fmt.Errorf("transport %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (r *Room) ownProducer(p *Peer, id string) (*producerEntry, error) {
	if err := r.requireActive(p); err != nil {
		return nil, err
	}
	e, ok := r.producers[id]
	if !ok || e.owner != p {
		return nil, fmt.Errorf("producer %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}
