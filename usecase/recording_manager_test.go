package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/internal/capture/capturetest"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/internal/syncer"
	"github.com/precepto/recorder/internal/syncer/syncertest"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T) (*RecordingManager, *syncertest.Remote, *manualClock) {
	t.Helper()
	remote := syncertest.NewRemote()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	m := NewRecordingManager(remote,
		playback.NewCompositor(domain.DefaultContentType, zap.NewNop()),
		ManagerConfig{
			Sync:    syncer.Config{Interval: time.Hour},
			IdleTTL: time.Minute,
			Clock:   clock.Now,
		}, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, remote, clock
}

func TestRecordingManager_OpenReturnsSameService(t *testing.T) {
	m, _, _ := newManager(t)

	a, err := m.Open("rec-1")
	require.NoError(t, err)
	b, err := m.Open("rec-1")
	require.NoError(t, err)
	c, err := m.Open("rec-2")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, m.Len())

	got, ok := m.Get("rec-2")
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestRecordingManager_Close(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	svc, err := m.Open("rec-1")
	require.NoError(t, err)
	_, _, err = svc.AddChunk(ctx, []byte("A"), 0, 1)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, "rec-1"))
	_, ok := m.Get("rec-1")
	assert.False(t, ok)

	_, _, err = svc.AddChunk(ctx, []byte("B"), 1, 2)
	assert.ErrorIs(t, err, ErrRecordingClosed)
	assert.NoError(t, m.Close(ctx, "missing"))
}

func TestRecordingManager_SweepEvictsIdle(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	idle, err := m.Open("idle")
	require.NoError(t, err)
	busy, err := m.Open("busy")
	require.NoError(t, err)
	recent, err := m.Open("recent")
	require.NoError(t, err)
	_ = idle

	require.NoError(t, busy.StartCapture(ctx, &capturetest.Device{}))

	clock.Advance(2 * time.Minute)
	_, _, err = recent.AddChunk(ctx, []byte("A"), 0, 1)
	require.NoError(t, err)

	_, evicted := m.Sweep(ctx)
	assert.Equal(t, 1, evicted)

	_, ok := m.Get("idle")
	assert.False(t, ok)
	_, ok = m.Get("busy")
	assert.True(t, ok)
	_, ok = m.Get("recent")
	assert.True(t, ok)
}

func TestRecordingManager_SweepKeepsWatchedAndUnsynced(t *testing.T) {
	m, remote, clock := newManager(t)
	ctx := context.Background()

	watched, err := m.Open("watched")
	require.NoError(t, err)
	_, unsubscribe := watched.Artifacts()

	remote.FailAll(domain.ErrTransport)
	unsynced, err := m.Open("unsynced")
	require.NoError(t, err)
	_, _, err = unsynced.AddChunk(ctx, []byte("A"), 0, 1)
	require.NoError(t, err)

	_, err = m.Open("idle")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, evicted := m.Sweep(ctx)
	assert.Equal(t, 1, evicted)
	_, ok := m.Get("watched")
	assert.True(t, ok)
	_, ok = m.Get("unsynced")
	assert.True(t, ok)

	// once the client leaves and the store recovers, both can go
	unsubscribe()
	remote.FailAll(nil)
	_, err = unsynced.Flush(ctx)
	require.NoError(t, err)
	_, evicted = m.Sweep(ctx)
	assert.Equal(t, 2, evicted)
}

func TestRecordingManager_OpenReplacesClosedService(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	old, err := m.Open("rec-1")
	require.NoError(t, err)
	require.NoError(t, old.Close(ctx))
	assert.True(t, old.Closed())

	reopened, err := m.Open("rec-1")
	require.NoError(t, err)
	assert.NotSame(t, old, reopened)
	assert.False(t, reopened.Closed())

	_, _, err = reopened.AddChunk(ctx, []byte("A"), 0, 1)
	assert.NoError(t, err)
}

func TestRecordingManager_SweepCollectsRemovedChunks(t *testing.T) {
	m, remote, _ := newManager(t)
	ctx := context.Background()

	svc, err := m.Open("rec-1")
	require.NoError(t, err)
	_, _, err = svc.AddChunk(ctx, []byte("A"), 0, 1)
	require.NoError(t, err)
	_, err = svc.ApplyEdit(ctx, entities.AudioEdit{Kind: entities.EditDelete, StartTime: 0, EndTime: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, removals := remote.Snapshot()
		return len(removals) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		collected, _ := m.Sweep(ctx)
		return collected == 1
	}, time.Second, time.Millisecond)
}

func TestRecordingManager_Shutdown(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.Open("rec-1")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Zero(t, m.Len())

	_, err = m.Open("rec-2")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestRecordingCleanupService_Sweeps(t *testing.T) {
	m, _, clock := newManager(t)

	_, err := m.Open("rec-1")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	cleanup := NewRecordingCleanupService(m, 5*time.Millisecond, zap.NewNop())
	cleanup.Start()
	defer cleanup.Stop()

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
}
