package app

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, workers int) (*RoomRegistry, *WorkerPool, []*fakeWorker) {
	t.Helper()
	pool, fakes := poolOf(t, workers, nil)
	reg := NewRoomRegistry(RoomRegistryConfig{
		Pool:    pool,
		Options: core.RoomOptions{Call: core.CallPolicy{Timeout: time.Second, Retries: 1}},
	})
	t.Cleanup(reg.Close)
	return reg, pool, fakes
}

func join(t *testing.T, room *core.Room, dir *PeerDirectory, id domain.PeerID) *core.Peer {
	t.Helper()
	res, err := room.Join(context.Background(), core.JoinRequest{PeerID: id, Conn: &nopConn{}, Directory: dir})
	require.NoError(t, err)
	return res.Peer
}

func TestRoomRegistry_ConcurrentCreateSharesOneRoom(t *testing.T) {
	reg, pool, fakes := newRegistry(t, 2)

	const n = 32
	rooms := make([]*core.Room, n)
	releases := make([]func(), n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, release, err := reg.GetOrCreate(context.Background(), "r1")
			assert.NoError(t, err)
			rooms[i], releases[i] = r, release
		}(i)
	}
	wg.Wait()

	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, int32(1), fakes[0].routers.Load()+fakes[1].routers.Load())
	assert.ElementsMatch(t, []int64{0, 1}, pool.Loads())

	for _, release := range releases {
		release()
	}
	assert.Equal(t, 0, reg.Len(), "unused room goes away with the last hold")
	assert.Equal(t, []int64{0, 0}, pool.Loads())
}

func TestRoomRegistry_EmptyRoomIsRecreatedFresh(t *testing.T) {
	reg, pool, _ := newRegistry(t, 1)
	dir := NewPeerDirectory()

	first, release, err := reg.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	alice := join(t, first, dir, "alice")
	release()
	assert.Equal(t, 1, reg.Len(), "a room with a peer survives release")

	alice.Close()
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.IsClosed())
	assert.Equal(t, []int64{0}, pool.Loads())

	second, release2, err := reg.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	defer release2()
	assert.NotSame(t, first, second)
	assert.Equal(t, 0, second.PeerCount())
}

func TestRoomRegistry_HeldRoomSurvivesEmpty(t *testing.T) {
	reg, _, _ := newRegistry(t, 1)
	dir := NewPeerDirectory()

	room, release, err := reg.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	alice := join(t, room, dir, "alice")
	release()

	again, hold, err := reg.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)
	require.Same(t, room, again)
	alice.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())
	assert.False(t, room.IsClosed())

	hold()
	assert.Equal(t, 0, reg.Len())
}

func TestRoomRegistry_RouterFailureReleasesWorker(t *testing.T) {
	reg, pool, fakes := newRegistry(t, 1)
	fakes[0].fail = domain.ErrWorkerDied

	_, _, err := reg.GetOrCreate(context.Background(), "r1")
	require.ErrorIs(t, err, domain.ErrWorkerDied)
	assert.Equal(t, []int64{0}, pool.Loads())
	assert.Equal(t, 0, reg.Len())
}

func TestRoomRegistry_ListAndStatus(t *testing.T) {
	hook := &recordingHook{name: "rec"}
	status := NewStatusNotifier(hook)
	pool, _ := poolOf(t, 2, nil)
	dir := NewPeerDirectory()
	reg := NewRoomRegistry(RoomRegistryConfig{
		Pool:    pool,
		Status:  status,
		Peers:   dir,
		Options: core.RoomOptions{Call: core.DefaultCallPolicy()},
	})

	b, releaseB, err := reg.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)
	_, releaseA, err := reg.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	join(t, b, dir, "bob")

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("a"), list[0].ID)
	assert.Equal(t, 1, list[1].Peers)
	assert.NotEqual(t, list[0].Worker, list[1].Worker)

	require.Eventually(t, func() bool {
		for _, s := range hook.snapshots() {
			if s.Event == PeersChanged && slices.ContainsFunc(s.Peers, func(e PeerEntry) bool {
				return e.PeerID == "bob" && e.RoomID == "b"
			}) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "status snapshots carry the peer list")

	releaseA()
	releaseB()
	require.Eventually(t, func() bool {
		return containsAll(hook.events(), RoomCreated, RoomDestroyed, PeersChanged)
	}, 2*time.Second, 5*time.Millisecond)
	reg.Close()
	status.Close()
}

func containsAll(got []StatusEvent, want ...StatusEvent) bool {
	for _, w := range want {
		if !slices.Contains(got, w) {
			return false
		}
	}
	return true
}
