package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/repositories"
	"github.com/precepto/recorder/internal/capture"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/internal/syncer"
)

var ErrManagerClosed = errors.New("recording manager closed")

// ManagerConfig applies to every recording opened through the manager
type ManagerConfig struct {
	CaptureInterval time.Duration
	Sync            syncer.Config
	// IdleTTL is how long an idle recording stays open
	IdleTTL time.Duration
	Clock   func() time.Time
}

type managedRecording struct {
	svc  *RecordingService
	done chan struct{}
}

// RecordingManager keeps one RecordingService per open recording
type RecordingManager struct {
	remote     repositories.RemoteChunkStore
	compositor *playback.Compositor
	cfg        ManagerConfig
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	recordings map[string]*managedRecording
	closed     bool
}

// NewRecordingManager creates an empty registry
func NewRecordingManager(remote repositories.RemoteChunkStore, compositor *playback.Compositor, cfg ManagerConfig, logger *zap.Logger) *RecordingManager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RecordingManager{
		remote:     remote,
		compositor: compositor,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		recordings: make(map[string]*managedRecording),
	}
}

// Open returns the service of recordingID, starting it if needed
func (m *RecordingManager) Open(recordingID string) (*RecordingService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if r, ok := m.recordings[recordingID]; ok && !r.svc.Closed() {
		r.svc.touch()
		return r.svc, nil
	}

	svc := NewRecordingService(RecordingConfig{
		RecordingID:     recordingID,
		CaptureInterval: m.cfg.CaptureInterval,
		Sync:            m.cfg.Sync,
		Clock:           m.cfg.Clock,
	}, m.remote, m.compositor, m.logger)

	r := &managedRecording{svc: svc, done: make(chan struct{})}
	m.recordings[recordingID] = r

	go func() {
		defer close(r.done)
		if err := svc.Run(m.ctx); err != nil {
			m.logger.Error("Recording stopped with error",
				zap.String("recordingID", recordingID),
				zap.Error(err))
		}
		m.forget(recordingID, r)
	}()

	m.logger.Info("Recording opened", zap.String("recordingID", recordingID))
	return svc, nil
}

// Get returns an open recording
func (m *RecordingManager) Get(recordingID string) (*RecordingService, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recordings[recordingID]
	if !ok {
		return nil, false
	}
	return r.svc, true
}

// Len returns the number of open recordings
func (m *RecordingManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recordings)
}

// Close closes one recording and removes it from the registry
func (m *RecordingManager) Close(ctx context.Context, recordingID string) error {
	m.mu.Lock()
	r, ok := m.recordings[recordingID]
	if ok {
		delete(m.recordings, recordingID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.closeRecording(ctx, r)
}

func (m *RecordingManager) closeRecording(ctx context.Context, r *managedRecording) error {
	if err := r.svc.Close(ctx); err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *RecordingManager) forget(recordingID string, r *managedRecording) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordings[recordingID] == r {
		delete(m.recordings, recordingID)
	}
}

// Sweep runs the garbage-collection pass on every recording and closes the
// ones idle for longer than the configured TTL. Recordings capturing audio,
// watched by a client or holding unsynced chunks are never evicted.
func (m *RecordingManager) Sweep(ctx context.Context) (collected, evicted int) {
	m.mu.Lock()
	recordings := make(map[string]*managedRecording, len(m.recordings))
	for id, r := range m.recordings {
		recordings[id] = r
	}
	m.mu.Unlock()

	now := m.cfg.Clock()
	for id, r := range recordings {
		n, err := r.svc.Collect(ctx)
		if err != nil {
			m.logger.Warn("Garbage collection failed", zap.String("recordingID", id), zap.Error(err))
			continue
		}
		collected += n

		if r.svc.CaptureState() != capture.StateIdle {
			continue
		}
		if now.Sub(r.svc.LastActivity()) < m.cfg.IdleTTL {
			continue
		}
		if r.svc.Watchers() > 0 {
			continue
		}
		pending, err := r.svc.Pending(ctx)
		if err != nil || len(pending) > 0 {
			m.logger.Debug("Keeping idle recording with unsynced chunks",
				zap.String("recordingID", id),
				zap.Int("pending", len(pending)))
			continue
		}

		m.logger.Info("Evicting idle recording",
			zap.String("recordingID", id),
			zap.Time("lastActivity", r.svc.LastActivity()))
		if err := m.Close(ctx, id); err != nil {
			m.logger.Warn("Failed to close idle recording", zap.String("recordingID", id), zap.Error(err))
			continue
		}
		evicted++
	}
	return collected, evicted
}

// Shutdown closes every recording. The manager refuses new recordings afterwards.
func (m *RecordingManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	recordings := make([]*managedRecording, 0, len(m.recordings))
	for _, r := range m.recordings {
		recordings = append(recordings, r)
	}
	clear(m.recordings)
	m.mu.Unlock()

	var errs []error
	for _, r := range recordings {
		if err := m.closeRecording(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	m.cancel()
	return errors.Join(errs...)
}
