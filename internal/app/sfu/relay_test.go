package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanReader struct{ ch chan *rtp.Packet }

func newChanReader() *chanReader { return &chanReader{ch: make(chan *rtp.Packet, 16)} }

func (r *chanReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-r.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func (r *chanReader) send(seq uint16) {
	r.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

type sink struct {
	mu   sync.Mutex
	seqs []uint16
	fail error
}

func (s *sink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *sink) got() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seqs...)
}

func eventuallyGot(t *testing.T, s *sink, want ...uint16) {
	t.Helper()
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, s.got()) }, time.Second, 2*time.Millisecond)
}

func TestRelay_ForwardsToConsumers(t *testing.T) {
	m := NewRelayManager()
	src := newChanReader()
	var keyframes atomic.Int32
	relay := m.StartRelay(context.Background(), "p1", src, func() { keyframes.Add(1) })

	a, b := &sink{}, &sink{}
	_, err := m.AddSubscriber("p1", "c1", a)
	require.NoError(t, err)
	_, err = m.AddSubscriber("p1", "c2", b)
	require.NoError(t, err)
	assert.Equal(t, int32(2), keyframes.Load())
	_, err = m.AddSubscriber("nope", "c3", &sink{})
	require.Error(t, err)

	src.send(1)
	eventuallyGot(t, a, 1)
	eventuallyGot(t, b, 1)

	require.True(t, m.SetSubscriberPaused("p1", "c2", true))
	src.send(2)
	eventuallyGot(t, a, 1, 2)
	assert.Equal(t, []uint16{1}, b.got())

	require.True(t, m.SetSubscriberPaused("p1", "c2", false))
	src.send(3)
	eventuallyGot(t, b, 1, 3)
	assert.Equal(t, int32(3), keyframes.Load())

	m.RemoveSubscriber("p1", "c1")
	src.send(4)
	eventuallyGot(t, b, 1, 3, 4)
	assert.Equal(t, []uint16{1, 2, 3}, a.got())
	assert.Equal(t, 1, relay.Consumers())

	close(src.ch)
	<-relay.Done()
	assert.Equal(t, 0, relay.Consumers())
}

func TestRelay_ProducerPause(t *testing.T) {
	m := NewRelayManager()
	src := newChanReader()
	m.StartRelay(context.Background(), "p1", src, nil)
	s := &sink{}
	_, err := m.AddSubscriber("p1", "c1", s)
	require.NoError(t, err)

	require.True(t, m.SetProducerPaused("p1", true))
	src.send(1)
	src.send(2)
	require.Eventually(t, func() bool { return len(src.ch) == 0 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.True(t, m.SetProducerPaused("p1", false))
	src.send(3)
	eventuallyGot(t, s, 3)
	assert.False(t, m.SetProducerPaused("p2", true))
}

func TestRelay_WriteErrorDropsConsumer(t *testing.T) {
	m := NewRelayManager()
	src := newChanReader()
	relay := m.StartRelay(context.Background(), "p1", src, nil)
	bad := &sink{fail: errors.New("closed pipe")}
	good := &sink{}
	_, _ = m.AddSubscriber("p1", "bad", bad)
	_, _ = m.AddSubscriber("p1", "good", good)

	src.send(1)
	eventuallyGot(t, good, 1)
	require.Eventually(t, func() bool { return relay.Consumers() == 1 }, time.Second, 2*time.Millisecond)
	_, ok := relay.outTrack("bad")
	assert.False(t, ok)
}

func TestRelayManager_StopRelay(t *testing.T) {
	m := NewRelayManager()
	src := newChanReader()
	relay := m.StartRelay(context.Background(), "p1", src, nil)
	ot, err := m.AddSubscriber("p1", "c1", &sink{})
	require.NoError(t, err)

	m.StopRelay("p1")
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, TrackStateDelete, ot.GetState())
	src.send(1)
	<-relay.Done()
	m.StopRelay("p1")
}

func TestOutTrack_DeleteIsFinal(t *testing.T) {
	ot := NewOutTrack("c1", &sink{})
	ot.MarkPaused()
	assert.Equal(t, TrackStatePaused, ot.GetState())
	ot.MarkDelete()
	ot.MarkOk()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}
