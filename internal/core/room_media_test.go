package core

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mediaPeer joins id and opens a connected receive transport plus a send
// transport.
func mediaPeer(t *testing.T, tr *testRoom, id domain.PeerID, opts ...joinOpt) (*Peer, *fakeConn, string) {
	t.Helper()
	ctx := context.Background()
	p, conn := tr.mustConnect(t, id, opts...)

	recv, err := tr.CreateTransport(ctx, p, true)
	require.NoError(t, err)
	answer, err := tr.ConnectTransport(ctx, p, recv, SessionDescription{Type: "offer", SDP: string(id)})
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, tr.SubscribeExisting(ctx, p))

	send, err := tr.CreateTransport(ctx, p, false)
	require.NoError(t, err)
	return p, conn, send
}

func TestRoomMedia_ProduceReachesOtherPeers(t *testing.T) {
	tr := newTestRoom(t, nil)
	ctx := context.Background()
	alice, aliceConn, aliceSend := mediaPeer(t, tr, "alice")
	_, bobConn, _ := mediaPeer(t, tr, "bob")

	pid, err := tr.Produce(ctx, alice, aliceSend, ProduceOptions{Source: SourceMic, TrackID: "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pid)

	var ev consumerEvent
	bobConn.last(t, NotifyNewConsumer, &ev)
	assert.Equal(t, pid, ev.ProducerID)
	assert.Equal(t, domain.PeerID("alice"), ev.PeerID)
	assert.Equal(t, "audio", ev.Kind)
	assert.NotContains(t, aliceConn.methods(), NotifyNewConsumer)

	_, err = tr.Produce(ctx, alice, aliceSend, ProduceOptions{Source: SourceMic})
	require.ErrorIs(t, err, domain.ErrBadRequest)

	carol, carolConn, _ := mediaPeer(t, tr, "carol")
	carolConn.last(t, NotifyNewConsumer, &ev)
	assert.Equal(t, pid, ev.ProducerID)

	require.NoError(t, tr.SubscribeExisting(ctx, carol))
	n := 0
	for _, m := range carolConn.methods() {
		if m == NotifyNewConsumer {
			n++
		}
	}
	assert.Equal(t, 1, n, "subscribing twice does not duplicate consumers")
}

func TestRoomMedia_PauseAndClose(t *testing.T) {
	tr := newTestRoom(t, nil)
	ctx := context.Background()
	alice, _, aliceSend := mediaPeer(t, tr, "alice")
	bob, bobConn, _ := mediaPeer(t, tr, "bob")

	pid, err := tr.Produce(ctx, alice, aliceSend, ProduceOptions{Source: SourceWebcam})
	require.NoError(t, err)
	var ev consumerEvent
	bobConn.last(t, NotifyNewConsumer, &ev)
	consumerID := ev.ConsumerID

	require.ErrorIs(t, tr.PauseProducer(ctx, bob, pid), domain.ErrNotFound, "only the owner pauses")
	require.NoError(t, tr.PauseProducer(ctx, alice, pid))
	bobConn.last(t, NotifyConsumerPaused, &ev)
	assert.Equal(t, consumerID, ev.ConsumerID)
	require.NoError(t, tr.ResumeProducer(ctx, alice, pid))
	assert.Contains(t, bobConn.methods(), NotifyConsumerResumed)

	require.NoError(t, tr.PauseConsumer(ctx, bob, consumerID))
	c, ok := bob.consumer(consumerID)
	require.True(t, ok)
	assert.True(t, c.Paused())
	require.ErrorIs(t, tr.PauseConsumer(ctx, bob, "missing"), domain.ErrNotFound)

	require.NoError(t, tr.CloseProducer(ctx, alice, pid))
	bobConn.last(t, NotifyConsumerClosed, &ev)
	assert.Equal(t, consumerID, ev.ConsumerID)
	assert.True(t, c.(*fakeConsumer).closed.Load())
	_, ok = bob.consumer(consumerID)
	assert.False(t, ok)
}

func TestRoomMedia_LeavingPeerClosesItsProducers(t *testing.T) {
	tr := newTestRoom(t, nil)
	ctx := context.Background()
	alice, _, aliceSend := mediaPeer(t, tr, "alice")
	_, bobConn, _ := mediaPeer(t, tr, "bob")

	_, err := tr.Produce(ctx, alice, aliceSend, ProduceOptions{Source: SourceScreen})
	require.NoError(t, err)
	alice.Close()
	tr.waitPeers(t, "bob")
	assert.Contains(t, bobConn.methods(), NotifyConsumerClosed)
}

func TestRoomMedia_ModeratorMute(t *testing.T) {
	tr := newTestRoom(t, nil)
	ctx := context.Background()
	mod, _, _ := mediaPeer(t, tr, "mod", withRoles(domain.RoleModerator))
	alice, aliceConn, aliceSend := mediaPeer(t, tr, "alice")

	pid, err := tr.Produce(ctx, alice, aliceSend, ProduceOptions{Source: SourceMic})
	require.NoError(t, err)

	require.ErrorIs(t, tr.Mute(ctx, alice, "mod"), domain.ErrForbidden)
	require.NoError(t, tr.Mute(ctx, mod, "alice"))
	pr, ok := alice.producer(pid)
	require.True(t, ok)
	assert.True(t, pr.Paused())
	assert.Contains(t, aliceConn.methods(), NotifyModeratorMute)

	require.NoError(t, tr.StopAllVideo(ctx, mod))
	assert.Contains(t, aliceConn.methods(), NotifyModeratorStopVideo)
}

func TestRoomMedia_EngineEvents(t *testing.T) {
	tr := newTestRoom(t, nil)
	ctx := context.Background()
	alice, conn := tr.mustConnect(t, "alice")
	tid, err := tr.CreateTransport(ctx, alice, true)
	require.NoError(t, err)

	e, ok := alice.transport(tid)
	require.True(t, ok)
	ft := e.t.(*fakeTransport)
	mid := "0"
	ft.onICE(ICECandidate{Candidate: "candidate:1", SDPMid: &mid})
	ft.onOffer(SessionDescription{Type: "offer", SDP: "v=0"})

	var ev transportEvent
	conn.last(t, NotifyICECandidate, &ev)
	assert.Equal(t, tid, ev.TransportID)
	require.NotNil(t, ev.Candidate)
	assert.Equal(t, "candidate:1", ev.Candidate.Candidate)
	conn.last(t, NotifyTransportOffer, &ev)
	require.NotNil(t, ev.Description)
	assert.Equal(t, "offer", ev.Description.Type)

	require.NoError(t, tr.ApplyAnswer(ctx, alice, tid, SessionDescription{Type: "answer", SDP: "v=0"}))
	assert.Len(t, ft.answers, 1)
	require.NoError(t, tr.AddICECandidate(ctx, alice, tid, ICECandidate{Candidate: "candidate:2"}))
	require.ErrorIs(t, tr.ApplyAnswer(ctx, alice, "nope", SessionDescription{}), domain.ErrNotFound)
}

func TestRoomMedia_EngineUnavailable(t *testing.T) {
	tr := newTestRoom(t, func(c *RoomConfig) {
		c.Options.Call = CallPolicy{Timeout: 50 * time.Millisecond, Retries: 2}
	})
	tr.router.fail = domain.ErrEngineUnavailable
	alice, _ := tr.mustConnect(t, "alice")

	_, err := tr.CreateTransport(context.Background(), alice, false)
	require.ErrorIs(t, err, domain.ErrEngineUnavailable)
	assert.Equal(t, domain.CodeEngineUnavailable, domain.Code(err))
}

func TestRoomMedia_RequiresActivePeer(t *testing.T) {
	tr := newTestRoom(t, nil)
	stranger := NewPeer("ghost", "r1", &fakeConn{})
	_, err := tr.CreateTransport(context.Background(), stranger, true)
	require.ErrorIs(t, err, domain.ErrNotJoined)
}
