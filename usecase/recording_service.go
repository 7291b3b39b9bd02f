package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/domain/repositories"
	"github.com/precepto/recorder/internal/capture"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/internal/syncer"
	"github.com/precepto/recorder/internal/timeline"
)

// ErrRecordingClosed is returned by every operation on a closed recording
var ErrRecordingClosed = errors.New("recording closed")

// RecordingConfig configures one RecordingService
type RecordingConfig struct {
	RecordingID     string
	CaptureInterval time.Duration
	Sync            syncer.Config
	IDs             timeline.IDGenerator
	Clock           func() time.Time
}

// RecordingService owns the timeline of one recording.
//
// Every read and write of the chunk store runs on a single goroutine started
// by Run; network calls happen outside of it and post their results back.
type RecordingService struct {
	id              string
	store           *timeline.Store
	editor          *timeline.Editor
	player          *playback.Player
	dispatcher      *syncer.Dispatcher
	captureInterval time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	running   atomic.Bool
	closeOnce sync.Once
	lastSeen  atomic.Int64

	captureMu   sync.Mutex
	controller  *capture.Controller
	starting    bool
	accumulated float64
}

var _ syncer.Ledger = (*RecordingService)(nil)

// NewRecordingService creates the service. Call Run before using it.
func NewRecordingService(cfg RecordingConfig, remote repositories.RemoteChunkStore, compositor *playback.Compositor, logger *zap.Logger) *RecordingService {
	if cfg.IDs == nil {
		cfg.IDs = timeline.NewUUIDGenerator()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	logger = logger.With(zap.String("recordingID", cfg.RecordingID))
	store := timeline.NewStore(cfg.IDs, logger)

	s := &RecordingService{
		id:              cfg.RecordingID,
		store:           store,
		editor:          timeline.NewEditor(store, logger),
		player:          playback.NewPlayer(compositor, logger),
		dispatcher:      syncer.NewDispatcher(cfg.RecordingID, remote, cfg.Sync, logger),
		captureInterval: cfg.CaptureInterval,
		clock:           cfg.Clock,
		logger:          logger,
		ops:             make(chan func()),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	s.touch()
	return s
}

// ID returns the recording id
func (s *RecordingService) ID() string {
	return s.id
}

// Run executes queued operations and the sync dispatcher until ctx is done
// or the service is closed.
func (s *RecordingService) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("recording service already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		s.loop(ctx)
		return nil
	})
	g.Go(func() error {
		err := s.dispatcher.Run(ctx, s)
		if errors.Is(err, ErrRecordingClosed) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func (s *RecordingService) loop(ctx context.Context) {
	defer close(s.done)
	defer s.player.Close()

	s.logger.Info("Recording opened")
	defer s.logger.Info("Recording closed")

	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish
func (s *RecordingService) do(ctx context.Context, fn func()) error {
	select {
	case <-s.quit:
		return ErrRecordingClosed
	default:
	}

	executed := make(chan struct{})
	op := func() {
		defer close(executed)
		fn()
	}

	select {
	case s.ops <- op:
	case <-s.done:
		return ErrRecordingClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-executed
	return nil
}

// changed runs on the loop after every mutation
func (s *RecordingService) changed() {
	s.player.Recompose(s.store.Version(), s.store.ActiveChunks())
	s.dispatcher.Notify()
}

func (s *RecordingService) touch() {
	s.lastSeen.Store(s.clock().UnixNano())
}

// LastActivity returns when a client last used the recording. Background
// syncing does not count.
func (s *RecordingService) LastActivity() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// AddChunk appends a chunk to the timeline. The bool is false when the
// chunk was rejected; see timeline.Store.AddChunk.
func (s *RecordingService) AddChunk(ctx context.Context, payload []byte, start, end float64) (entities.ChunkID, bool, error) {
	s.touch()
	var (
		id    entities.ChunkID
		added bool
	)
	err := s.do(ctx, func() {
		id, added = s.store.AddChunk(payload, start, end)
		if added {
			s.changed()
		}
	})
	return id, added, err
}

// ApplyEdit applies an insert, replace or delete edit
func (s *RecordingService) ApplyEdit(ctx context.Context, edit entities.AudioEdit) (entities.EditResult, error) {
	s.touch()
	var (
		result  entities.EditResult
		editErr error
	)
	err := s.do(ctx, func() {
		result, editErr = s.editor.Apply(edit)
		if editErr == nil && result.Changed {
			s.changed()
		}
	})
	if err != nil {
		return entities.EditResult{}, err
	}
	return result, editErr
}

// ActiveChunks returns an ordered snapshot of the non-deleted chunks
func (s *RecordingService) ActiveChunks(ctx context.Context) (iter.Seq[entities.AudioChunk], error) {
	s.touch()
	var chunks []entities.AudioChunk
	err := s.do(ctx, func() {
		chunks = slices.Collect(s.store.ActiveChunks())
	})
	if err != nil {
		return nil, err
	}
	return slices.Values(chunks), nil
}

// Snapshot returns the whole session, deleted chunks included
func (s *RecordingService) Snapshot(ctx context.Context) (entities.RecordingSession, error) {
	s.touch()
	var chunks []entities.AudioChunk
	if err := s.do(ctx, func() { chunks = s.store.Chunks() }); err != nil {
		return entities.RecordingSession{}, err
	}
	return entities.RecordingSession{
		RecordingID:         s.id,
		AccumulatedDuration: s.AccumulatedDuration(),
		Chunks:              chunks,
	}, nil
}

// FetchAll replaces the local timeline with the remote one. On error the
// local timeline is left untouched.
func (s *RecordingService) FetchAll(ctx context.Context, accessToken string) (int, error) {
	s.touch()
	chunks, err := s.dispatcher.FetchAll(ctx, accessToken)
	if err != nil {
		return 0, err
	}

	var (
		n   int
		end float64
	)
	err = s.do(ctx, func() {
		s.store.ReplaceSession(chunks)
		n = s.store.Len()
		end = timelineEnd(s.store.ActiveChunks())
		s.changed()
	})
	if err != nil {
		return 0, err
	}

	// later takes continue after the fetched timeline; edits never move the cursor
	s.captureMu.Lock()
	s.accumulated = max(s.accumulated, end)
	s.captureMu.Unlock()
	return n, nil
}

// DeleteAll discards the recording remotely, then locally
func (s *RecordingService) DeleteAll(ctx context.Context, accessToken string) error {
	s.touch()
	if err := s.dispatcher.DeleteAll(ctx, accessToken); err != nil {
		return err
	}
	return s.do(ctx, func() {
		s.store.ReplaceSession(nil)
		s.changed()
	})
}

// Combine flushes pending chunks, then asks the remote store to merge the
// recording.
func (s *RecordingService) Combine(ctx context.Context, accessToken string) error {
	s.touch()
	if left, err := s.Flush(ctx); err != nil {
		return err
	} else if left > 0 {
		s.logger.Warn("Combining with unsynced chunks", zap.Int("pending", left))
	}
	return s.dispatcher.Combine(ctx, accessToken)
}

// Flush runs one drain cycle immediately and returns how many chunks are
// still pending afterwards.
func (s *RecordingService) Flush(ctx context.Context) (int, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	removals, err := s.PendingRemovals(ctx)
	if err != nil {
		return 0, err
	}

	synced := s.dispatcher.Drain(ctx, pending)
	removed := s.dispatcher.Announce(ctx, removals)
	if err := s.Acknowledge(ctx, synced, removed); err != nil {
		return 0, err
	}
	return len(pending) - len(synced), nil
}

// Collect purges deleted chunks whose removal reached the remote store
func (s *RecordingService) Collect(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() { n = s.store.Collect() })
	return n, err
}

// Pending implements syncer.Ledger
func (s *RecordingService) Pending(ctx context.Context) ([]entities.AudioChunk, error) {
	var chunks []entities.AudioChunk
	err := s.do(ctx, func() { chunks = s.store.Pending() })
	return chunks, err
}

// PendingRemovals implements syncer.Ledger
func (s *RecordingService) PendingRemovals(ctx context.Context) ([]entities.ChunkID, error) {
	var ids []entities.ChunkID
	err := s.do(ctx, func() { ids = s.store.PendingRemovals() })
	return ids, err
}

// Acknowledge implements syncer.Ledger
func (s *RecordingService) Acknowledge(ctx context.Context, synced, removed []entities.ChunkID) error {
	return s.do(ctx, func() {
		for _, id := range synced {
			s.store.MarkSynced(id)
		}
		for _, id := range removed {
			s.store.MarkRemovalSynced(id)
		}
	})
}

// Closed reports whether Close was called. A closed recording answers
// every operation with ErrRecordingClosed.
func (s *RecordingService) Closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Watchers returns how many artifact subscriptions are live
func (s *RecordingService) Watchers() int {
	return s.player.Subscribers()
}

// Artifacts subscribes to the playable artifact of the recording
func (s *RecordingService) Artifacts() (<-chan playback.Update, func()) {
	return s.player.Subscribe()
}

// CurrentArtifact returns the latest composed artifact
func (s *RecordingService) CurrentArtifact() (playback.Update, bool) {
	return s.player.Current()
}

// StartCapture opens a capture segment on device. The segment starts at the
// capture cursor: the end of the last finalized segment, or of the fetched
// timeline.
func (s *RecordingService) StartCapture(ctx context.Context, device repositories.AudioDevice) error {
	s.touch()
	s.captureMu.Lock()
	if s.starting || (s.controller != nil && s.controller.State() != capture.StateIdle) {
		s.captureMu.Unlock()
		return fmt.Errorf("%w: capture already active", capture.ErrInvalidTransition)
	}
	if s.controller != nil {
		s.accumulated = max(s.accumulated, s.controller.AccumulatedDuration())
	}

	controller := capture.NewController(device, s.onSegment, s.logger,
		capture.WithClock(s.clock),
		capture.WithInterval(s.captureInterval),
		capture.WithTimelineOffset(s.accumulated),
		capture.WithFaultHandler(s.onFault),
	)
	s.controller = controller
	s.starting = true
	s.captureMu.Unlock()

	// the device may wait on a permission prompt; state queries must not
	err := controller.Start(ctx)

	s.captureMu.Lock()
	s.starting = false
	s.captureMu.Unlock()
	return err
}

// PauseCapture pauses the open segment
func (s *RecordingService) PauseCapture() error {
	s.touch()
	c, err := s.activeController()
	if err != nil {
		return err
	}
	return c.Pause()
}

// ResumeCapture resumes a paused segment
func (s *RecordingService) ResumeCapture() error {
	s.touch()
	c, err := s.activeController()
	if err != nil {
		return err
	}
	return c.Resume()
}

// StopCapture finalizes the open segment. By the time it returns, the
// segment is on the timeline.
func (s *RecordingService) StopCapture() (capture.Segment, bool, error) {
	s.touch()
	c, err := s.activeController()
	if err != nil {
		return capture.Segment{}, false, err
	}
	return c.Stop()
}

// CaptureState returns the state of the capture controller
func (s *RecordingService) CaptureState() capture.State {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.controller == nil {
		return capture.StateIdle
	}
	return s.controller.State()
}

// AccumulatedDuration is the end of the last finalized capture segment
func (s *RecordingService) AccumulatedDuration() float64 {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.controller == nil {
		return s.accumulated
	}
	return max(s.accumulated, s.controller.AccumulatedDuration())
}

func (s *RecordingService) activeController() (*capture.Controller, error) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if s.controller == nil {
		return nil, fmt.Errorf("%w: no capture started", capture.ErrInvalidTransition)
	}
	return s.controller, nil
}

func (s *RecordingService) onSegment(seg capture.Segment) {
	id, added, err := s.AddChunk(context.Background(), seg.Payload, seg.Start, seg.End)
	if err != nil {
		s.logger.Error("Captured segment lost", zap.Float64("start", seg.Start), zap.Error(err))
		return
	}
	if !added {
		s.logger.Warn("Captured segment rejected by timeline",
			zap.Float64("start", seg.Start),
			zap.Float64("end", seg.End),
			zap.String("existing", string(id)))
		return
	}
	s.logger.Info("Captured segment added",
		zap.String("chunkID", string(id)),
		zap.Float64("start", seg.Start),
		zap.Float64("end", seg.End))
}

func (s *RecordingService) onFault(err error) {
	s.logger.Error("Capture interrupted", zap.Error(err))
}

// Close stops capture, makes a last attempt to sync and stops the loop
func (s *RecordingService) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.captureMu.Lock()
		if s.controller != nil {
			err = s.controller.Close()
		}
		s.captureMu.Unlock()

		if s.running.Load() {
			if left, ferr := s.Flush(ctx); ferr != nil {
				s.logger.Warn("Final sync failed", zap.Error(ferr))
			} else if left > 0 {
				s.logger.Warn("Closing with unsynced chunks", zap.Int("pending", left))
			}
		}
		close(s.quit)
	})

	if !s.running.Load() {
		return err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func timelineEnd(chunks iter.Seq[entities.AudioChunk]) float64 {
	var end float64
	for c := range chunks {
		end = max(end, c.EndTime)
	}
	return end
}
