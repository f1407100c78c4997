package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is one client peer connection. The client offers its own
// tracks through Connect; tracks sent to the client are announced by
// server offers through OnOffer.
type Transport struct {
	id     string
	peer   domain.PeerID
	router *Router
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	// negotiation is serialized separately from the field lock so that
	// pion callbacks never wait on an offer in progress.
	nego sync.Mutex

	mu        sync.Mutex
	onOffer   func(core.SessionDescription)
	onICE     func(core.ICECandidate)
	remote    map[string]*webrtc.TrackRemote
	waiting   []*Producer
	consumers map[string]*Consumer
	connected bool
	pending   bool
	closed    bool
}

func newTransport(r *Router, peer domain.PeerID, pc *webrtc.PeerConnection) *Transport {
	t := &Transport{
		id:        uuid.NewString(),
		peer:      peer,
		router:    r,
		pc:        pc,
		remote:    make(map[string]*webrtc.TrackRemote),
		consumers: make(map[string]*Consumer),
	}
	t.logger = log.With().Str("module", "rtc").Str("peer", string(peer)).Str("transport", t.id).Logger()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.mu.Lock()
		fn := t.onICE
		t.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(c.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		t.trackArrived(track)
	})
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) OnOffer(fn func(core.SessionDescription)) {
	t.mu.Lock()
	t.onOffer = fn
	t.mu.Unlock()
}

func (t *Transport) OnICECandidate(fn func(core.ICECandidate)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

// Connect applies a client offer. It is used for the first connection and
// for every later client side renegotiation. A server offer still waiting
// for its answer is rolled back and sent again on the next change.
func (t *Transport) Connect(ctx context.Context, offer core.SessionDescription) (core.SessionDescription, error) {
	t.nego.Lock()
	defer t.nego.Unlock()

	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return core.SessionDescription{}, fmt.Errorf("rollback: %w", err)
		}
		t.mu.Lock()
		t.pending = true
		t.mu.Unlock()
	}

	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(offer.Type), SDP: offer.SDP}
	if remote.Type != webrtc.SDPTypeOffer {
		return core.SessionDescription{}, fmt.Errorf("%w: expected offer, got %q", domain.ErrBadRequest, offer.Type)
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return core.SessionDescription{}, fmt.Errorf("%w: set remote: %w", domain.ErrBadRequest, err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return core.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return core.SessionDescription{}, fmt.Errorf("set local: %w", err)
	}
	// Candidates found after the deadline go out through OnICECandidate.
	select {
	case <-gathered:
	case <-ctx.Done():
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	local := t.pc.LocalDescription()
	return core.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (t *Transport) ApplyAnswer(ctx context.Context, answer core.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.nego.Lock()
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(answer.Type), SDP: answer.SDP}
	if desc.Type != webrtc.SDPTypeAnswer {
		t.nego.Unlock()
		return fmt.Errorf("%w: expected answer, got %q", domain.ErrBadRequest, answer.Type)
	}
	err := t.pc.SetRemoteDescription(desc)
	t.nego.Unlock()
	if err != nil {
		return fmt.Errorf("%w: set remote: %w", domain.ErrBadRequest, err)
	}

	t.mu.Lock()
	pending := t.pending
	t.mu.Unlock()
	if pending {
		t.logger.Debug().Msg("sending queued offer")
		t.negotiate()
	}
	return nil
}

func (t *Transport) AddICECandidate(ctx context.Context, c core.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.pc.AddICECandidate(toICEInit(c)); err != nil {
		return fmt.Errorf("%w: ice candidate: %w", domain.ErrBadRequest, err)
	}
	return nil
}

// negotiate sends a server offer, or queues one when the transport is not
// connected yet or an exchange is in flight. Queued offers collapse into
// one.
func (t *Transport) negotiate() {
	t.nego.Lock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.nego.Unlock()
		return
	}
	if !t.connected || t.pc.SignalingState() != webrtc.SignalingStateStable {
		t.pending = true
		t.mu.Unlock()
		t.nego.Unlock()
		t.logger.Debug().Msg("negotiation queued")
		return
	}
	t.pending = false
	fn := t.onOffer
	t.mu.Unlock()

	desc, err := t.createOffer()
	t.nego.Unlock()
	if err != nil {
		t.logger.Error().Err(err).Msg("server offer failed")
		return
	}
	if fn != nil {
		fn(desc)
	}
}

func (t *Transport) createOffer() (core.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return core.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return core.SessionDescription{}, fmt.Errorf("set local: %w", err)
	}
	return core.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// Produce registers a producer for one of the client's tracks. The relay
// starts once the track is received, which may be before or after this
// call.
func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &Producer{
		id:        uuid.NewString(),
		source:    opts.Source,
		trackID:   opts.TrackID,
		transport: t,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrPeerClosed)
	}
	track := t.takeRemote(p)
	if track == nil {
		t.waiting = append(t.waiting, p)
	}
	t.mu.Unlock()

	t.router.addProducer(p)
	if track != nil {
		p.bind(track)
	}
	t.logger.Info().Str("producer", p.id).Str("source", string(p.source)).Str("track_id", p.trackID).Bool("track_ready", track != nil).Msg("producer created")
	return p, nil
}

// takeRemote removes and returns an unclaimed remote track for p. Caller
// holds t.mu.
func (t *Transport) takeRemote(p *Producer) *webrtc.TrackRemote {
	for id, track := range t.remote {
		if p.matches(track) {
			delete(t.remote, id)
			return track
		}
	}
	return nil
}

func (t *Transport) trackArrived(track *webrtc.TrackRemote) {
	t.mu.Lock()
	var owner *Producer
	for i, p := range t.waiting {
		if p.matches(track) {
			owner = p
			t.waiting = append(t.waiting[:i], t.waiting[i+1:]...)
			break
		}
	}
	if owner == nil {
		t.remote[track.ID()] = track
	}
	t.mu.Unlock()
	if owner != nil {
		owner.bind(track)
	}
}

func (t *Transport) forget(p *Producer) {
	t.mu.Lock()
	for i, w := range t.waiting {
		if w == p {
			t.waiting = append(t.waiting[:i], t.waiting[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// Consume attaches a producer of the same router. When the producer has no
// track yet the consumer is attached as soon as it does.
func (t *Transport) Consume(ctx context.Context, cp core.Producer) (core.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.router.producer(cp.ID())
	if !ok {
		return nil, fmt.Errorf("%w: producer %s", domain.ErrNotFound, cp.ID())
	}
	c := &Consumer{id: uuid.NewString(), producerID: p.id, transport: t}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrPeerClosed)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	p.whenReady(func(track *webrtc.TrackRemote) { t.attach(c, track) })
	return c, nil
}

func (t *Transport) attach(c *Consumer, track *webrtc.TrackRemote) {
	logger := t.logger.With().Str("consumer", c.id).Str("producer", c.producerID).Logger()
	local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, c.id, c.producerID)
	if err != nil {
		logger.Error().Err(err).Msg("local track")
		return
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		logger.Error().Err(err).Msg("add track")
		return
	}
	if _, err := t.router.relays.AddSubscriber(c.producerID, c.id, local); err != nil {
		logger.Warn().Err(err).Msg("subscribe failed")
		_ = t.pc.RemoveTrack(sender)
		return
	}
	if !c.setSender(sender) {
		// closed while attaching
		t.router.relays.RemoveSubscriber(c.producerID, c.id)
		_ = t.pc.RemoveTrack(sender)
		return
	}
	if c.Paused() {
		t.router.relays.SetSubscriberPaused(c.producerID, c.id, true)
	}
	go t.readRTCP(sender, c.producerID)
	logger.Debug().Msg("consumer attached")
	t.negotiate()
}

// readRTCP forwards picture loss reports from the client to the producer.
func (t *Transport) readRTCP(sender *webrtc.RTPSender, producerID string) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				t.router.relays.RequestKeyframe(producerID)
			}
		}
	}
}

func (t *Transport) detach(c *Consumer) {
	t.mu.Lock()
	delete(t.consumers, c.id)
	closed := t.closed
	t.mu.Unlock()

	t.router.relays.RemoveSubscriber(c.producerID, c.id)
	sender := c.takeSender()
	if sender == nil || closed {
		return
	}
	if err := t.pc.RemoveTrack(sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		t.logger.Warn().Err(err).Str("consumer", c.id).Msg("remove track")
		return
	}
	t.negotiate()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = make(map[string]*Consumer)
	waiting := t.waiting
	t.waiting = nil
	t.mu.Unlock()

	for _, c := range consumers {
		t.router.relays.RemoveSubscriber(c.producerID, c.id)
	}
	for _, p := range waiting {
		t.router.removeProducer(p.id)
	}
	t.router.removeTransport(t.id)
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return err
	}
	t.logger.Info().Msg("transport closed")
	return nil
}

func toICEInit(c core.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICEInit(c webrtc.ICECandidateInit) core.ICECandidate {
	return core.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
