package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

type Producer struct {
	id        string
	source    core.Source
	trackID   string
	transport *Transport
	paused    atomic.Bool

	mu      sync.Mutex
	track   *webrtc.TrackRemote
	waiters []func(*webrtc.TrackRemote)
	closed  bool
}

func (p *Producer) ID() string          { return p.id }
func (p *Producer) Source() core.Source { return p.source }
func (p *Producer) Paused() bool        { return p.paused.Load() }

// matches reports whether track belongs to p: by id when the client named
// one, by kind otherwise.
func (p *Producer) matches(track *webrtc.TrackRemote) bool {
	if p.trackID != "" {
		return track.ID() == p.trackID
	}
	return track.Kind().String() == p.source.Kind()
}

func (p *Producer) bind(track *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.closed || p.track != nil {
		p.mu.Unlock()
		return
	}
	p.track = track
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	relays := p.transport.router.relays
	relays.StartRelay(context.Background(), p.id, track, p.keyframe(track))
	if p.paused.Load() {
		relays.SetProducerPaused(p.id, true)
	}
	for _, fn := range waiters {
		fn(track)
	}
}

func (p *Producer) keyframe(track *webrtc.TrackRemote) func() {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return nil
	}
	pc := p.transport.pc
	ssrc := uint32(track.SSRC())
	return func() {
		_ = pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}
}

// whenReady runs fn with the producer's track, now or once it arrives.
func (p *Producer) whenReady(fn func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.track == nil {
		p.waiters = append(p.waiters, fn)
		p.mu.Unlock()
		return
	}
	track := p.track
	p.mu.Unlock()
	fn(track)
}

func (p *Producer) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

func (p *Producer) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *Producer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.paused.Store(paused)
	p.transport.router.relays.SetProducerPaused(p.id, paused)
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.waiters = nil
	p.mu.Unlock()

	p.transport.forget(p)
	p.transport.router.removeProducer(p.id)
	return nil
}

type Consumer struct {
	id         string
	producerID string
	transport  *Transport
	paused     atomic.Bool

	mu     sync.Mutex
	sender *webrtc.RTPSender
	closed bool
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producerID }
func (c *Consumer) Paused() bool       { return c.paused.Load() }

func (c *Consumer) setSender(s *webrtc.RTPSender) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sender = s
	return true
}

func (c *Consumer) takeSender() *webrtc.RTPSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sender
	c.sender = nil
	return s
}

func (c *Consumer) Pause(ctx context.Context) error {
	return c.setPaused(ctx, true)
}

func (c *Consumer) Resume(ctx context.Context) error {
	return c.setPaused(ctx, false)
}

func (c *Consumer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.paused.Store(paused)
	c.transport.router.relays.SetSubscriberPaused(c.producerID, c.id, paused)
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.transport.detach(c)
	return nil
}
