package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/progress"
)

type stubSource struct {
	fps   []fingerprint.Fingerprint
	calls int
	err   error
}

func (s *stubSource) AllFingerprints(_ context.Context, fn func(fingerprint.Fingerprint) error) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	for _, fp := range s.fps {
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

func fp(hash string, size int64) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{Hash: hash, Size: size}
}

func TestCache_LocalLayer(t *testing.T) {
	own := progress.New(0)
	own.MarkCompleted(fp("aaa", 1), "/lib/a.epub", progress.FileUploaded)

	c := New(0, "", nil)
	require.NoError(t, c.Bootstrap(context.Background(), own))

	assert.True(t, c.Seen(fp("aaa", 1)))
	assert.False(t, c.Seen(fp("aaa", 2)), "same hash, different size is a different fingerprint")
	assert.False(t, c.Seen(fp("bbb", 1)))

	c.MarkUploaded(fp("bbb", 1))
	assert.True(t, c.Seen(fp("bbb", 1)))
}

func TestCache_PeerLayer(t *testing.T) {
	dir := t.TempDir()

	peer := progress.New(1)
	peer.MarkCompleted(fp("ccc", 3), "/lib/c.epub", progress.FileUploaded)
	require.NoError(t, progress.NewStore(dir, 1).Commit(peer))

	// Own shard's file must not land in the peer layer.
	own := progress.New(0)
	own.MarkCompleted(fp("ddd", 4), "/lib/d.epub", progress.FileUploaded)
	require.NoError(t, progress.NewStore(dir, 0).Commit(own))

	c := New(0, dir, nil)
	require.NoError(t, c.Bootstrap(context.Background(), nil))

	assert.True(t, c.Seen(fp("ccc", 3)))
	local, peers, _ := c.Stats()
	assert.Equal(t, 0, local)
	assert.Equal(t, 1, peers)
}

func TestCache_RemoteLayerAndRefresh(t *testing.T) {
	src := &stubSource{fps: []fingerprint.Fingerprint{fp("eee", 5)}}
	c := New(0, "", src, WithRefreshPolicy(10, time.Hour))
	require.NoError(t, c.Bootstrap(context.Background(), nil))
	require.Equal(t, 1, src.calls)

	assert.True(t, c.Seen(fp("eee", 5)))
	assert.False(t, c.Seen(fp("fff", 6)))

	// Under the count threshold: no refresh.
	src.fps = append(src.fps, fp("fff", 6))
	c.Processed(context.Background(), 9)
	assert.Equal(t, 1, src.calls)
	assert.False(t, c.Seen(fp("fff", 6)))

	// Crossing it triggers one.
	c.Processed(context.Background(), 1)
	assert.Equal(t, 2, src.calls)
	assert.True(t, c.Seen(fp("fff", 6)))
}

func TestCache_RefreshFailureKeepsSnapshot(t *testing.T) {
	src := &stubSource{fps: []fingerprint.Fingerprint{fp("ggg", 7)}}
	c := New(0, "", src, WithRefreshPolicy(1, time.Hour))
	require.NoError(t, c.Bootstrap(context.Background(), nil))

	src.err = assert.AnError
	c.Processed(context.Background(), 5)

	assert.True(t, c.Seen(fp("ggg", 7)), "stale snapshot survives a failed refresh")
}

func TestCache_TimeTrigger(t *testing.T) {
	src := &stubSource{}
	c := New(0, "", src, WithRefreshPolicy(1_000_000, 10*time.Millisecond))
	require.NoError(t, c.Bootstrap(context.Background(), nil))
	require.Equal(t, 1, src.calls)

	time.Sleep(20 * time.Millisecond)
	c.Processed(context.Background(), 1)
	assert.Equal(t, 2, src.calls)
}

func TestCache_TimeTriggerAfterFailedBootstrap(t *testing.T) {
	src := &stubSource{err: assert.AnError}
	c := New(0, "", src, WithRefreshPolicy(1_000_000, 10*time.Millisecond))
	require.Error(t, c.Bootstrap(context.Background(), nil))
	require.Equal(t, 1, src.calls)

	src.err = nil
	src.fps = []fingerprint.Fingerprint{fp("hhh", 8)}
	time.Sleep(20 * time.Millisecond)
	c.Processed(context.Background(), 1)

	assert.Equal(t, 2, src.calls, "elapsed trigger counts from the failed attempt")
	assert.True(t, c.Seen(fp("hhh", 8)))
}

func TestCache_NilLayersDisabled(t *testing.T) {
	c := New(0, "", nil)
	require.NoError(t, c.Bootstrap(context.Background(), nil))
	assert.False(t, c.Seen(fp("aaa", 1)))
	c.Processed(context.Background(), 10_000)
}

func TestCache_ReloadPeersOnDemand(t *testing.T) {
	dir := t.TempDir()
	c := New(0, dir, nil)
	require.NoError(t, c.Bootstrap(context.Background(), nil))
	assert.False(t, c.Seen(fp("hhh", 8)))

	// A peer finishes work after our bootstrap.
	peer := progress.New(2)
	peer.MarkCompleted(fp("hhh", 8), "/lib/h.epub", progress.FileUploaded)
	require.NoError(t, progress.NewStore(dir, 2).Commit(peer))

	c.ReloadPeers(context.Background())
	assert.True(t, c.Seen(fp("hhh", 8)))
}
