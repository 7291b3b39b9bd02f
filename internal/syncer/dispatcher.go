package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/domain/repositories"
)

const (
	// DefaultCombineTimeout bounds the server-side merge, which is slow
	DefaultCombineTimeout = 135 * time.Second
	DefaultInterval       = 5 * time.Second
	DefaultMaxInFlight    = 8
	DefaultMaxBackoff     = time.Minute
)

// Config tunes the background drain
type Config struct {
	// Interval is the cadence of drains when nothing else triggers one
	Interval time.Duration
	// MaxInFlight bounds concurrent publishes of one drain
	MaxInFlight int
	// MaxBackoff caps the pause of timed drains after failing cycles
	MaxBackoff     time.Duration
	CombineTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.CombineTimeout <= 0 {
		c.CombineTimeout = DefaultCombineTimeout
	}
	return c
}

// Ledger is the local side of the sync: it hands out work and records results.
// Implementations serialize these calls with every other mutation of the chunks.
type Ledger interface {
	Pending(ctx context.Context) ([]entities.AudioChunk, error)
	PendingRemovals(ctx context.Context) ([]entities.ChunkID, error)
	Acknowledge(ctx context.Context, synced, removed []entities.ChunkID) error
}

// Dispatcher propagates local chunk state of one recording to the remote store
type Dispatcher struct {
	recordingID string
	remote      repositories.RemoteChunkStore
	cfg         Config
	logger      *zap.Logger
	clock       func() time.Time

	wake chan struct{}
}

// NewDispatcher creates a dispatcher for recordingID
func NewDispatcher(recordingID string, remote repositories.RemoteChunkStore, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		recordingID: recordingID,
		remote:      remote,
		cfg:         cfg.withDefaults(),
		logger:      logger.With(zap.String("recordingID", recordingID)),
		clock:       time.Now,
		wake:        make(chan struct{}, 1),
	}
}

// Notify queues a drain. Notifications arriving before the drain runs coalesce.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Drain publishes every pending chunk and returns the ids whose publish
// returned without a transport error. Failed chunks are only logged; they
// stay pending and are picked up again by the next drain.
func (d *Dispatcher) Drain(ctx context.Context, chunks []entities.AudioChunk) []entities.ChunkID {
	// in-flight publishes are never cancelled
	ctx = context.WithoutCancel(ctx)

	ok := make([]bool, len(chunks))
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxInFlight)

	for i, c := range chunks {
		if c.Status != entities.ChunkStatusPending {
			continue
		}
		g.Go(func() error {
			if err := d.remote.PutChunk(ctx, d.recordingID, c); err != nil {
				d.logger.Warn("Chunk publish failed, will retry on next drain",
					zap.String("chunkID", string(c.ID)),
					zap.Error(err))
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var synced []entities.ChunkID
	for i, c := range chunks {
		if ok[i] {
			synced = append(synced, c.ID)
		}
	}
	return synced
}

// Announce tells the remote store about deleted chunks and returns the ids
// whose removal was published.
func (d *Dispatcher) Announce(ctx context.Context, ids []entities.ChunkID) []entities.ChunkID {
	ctx = context.WithoutCancel(ctx)

	ok := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxInFlight)

	for i, id := range ids {
		g.Go(func() error {
			if err := d.remote.RemoveChunk(ctx, d.recordingID, id); err != nil {
				d.logger.Warn("Chunk removal publish failed",
					zap.String("chunkID", string(id)),
					zap.Error(err))
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var removed []entities.ChunkID
	for i, id := range ids {
		if ok[i] {
			removed = append(removed, id)
		}
	}
	return removed
}

// FetchAll pulls the authoritative chunk list of the recording
func (d *Dispatcher) FetchAll(ctx context.Context, accessToken string) ([]entities.AudioChunk, error) {
	chunks, err := d.remote.GetAll(ctx, d.recordingID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks of %s: %w", d.recordingID, err)
	}
	return chunks, nil
}

// DeleteAll purges every remote chunk of the recording
func (d *Dispatcher) DeleteAll(ctx context.Context, accessToken string) error {
	if err := d.remote.DeleteAll(ctx, d.recordingID, accessToken); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", d.recordingID, err)
	}
	return nil
}

// Combine asks the remote store to merge the recording into its final artifact
func (d *Dispatcher) Combine(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CombineTimeout)
	defer cancel()

	started := d.clock()
	if err := d.remote.Combine(ctx, d.recordingID, accessToken); err != nil {
		return fmt.Errorf("failed to combine %s: %w", d.recordingID, err)
	}
	d.logger.Info("Recording combined", zap.Duration("took", d.clock().Sub(started)))
	return nil
}

// Run drains on every Notify and on its own cadence until ctx is done.
// After a cycle with failures, timed drains back off exponentially; drains
// requested through Notify always run immediately.
func (d *Dispatcher) Run(ctx context.Context, ledger Ledger) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.Interval
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var holdUntil time.Time

	d.logger.Info("Sync dispatcher started", zap.Duration("interval", d.cfg.Interval))
	defer d.logger.Info("Sync dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-ticker.C:
			if d.clock().Before(holdUntil) {
				continue
			}
		}

		failed, err := d.cycle(ctx, ledger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if failed > 0 {
			delay := bo.NextBackOff()
			holdUntil = d.clock().Add(delay)
			d.logger.Warn("Sync cycle left work behind",
				zap.Int("failed", failed),
				zap.Duration("backoff", delay))
		} else {
			bo.Reset()
			holdUntil = time.Time{}
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context, ledger Ledger) (int, error) {
	pending, err := ledger.Pending(ctx)
	if err != nil {
		return 0, err
	}
	removals, err := ledger.PendingRemovals(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 && len(removals) == 0 {
		return 0, nil
	}

	synced := d.Drain(ctx, pending)
	removed := d.Announce(ctx, removals)

	if err := ledger.Acknowledge(ctx, synced, removed); err != nil {
		return 0, err
	}

	d.logger.Debug("Sync cycle finished",
		zap.Int("published", len(synced)),
		zap.Int("pending", len(pending)),
		zap.Int("removed", len(removed)))

	return len(pending) - len(synced) + len(removals) - len(removed), nil
}
