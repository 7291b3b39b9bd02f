package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/repositories"
)

// DefaultInterval is the timeslice the device is asked to deliver frames at
const DefaultInterval = 250 * time.Millisecond

// ErrStreamEnded is reported when the device stream closes on its own
var ErrStreamEnded = errors.New("audio stream ended unexpectedly")

// Segment is a finalized capture segment placed on the recording timeline
type Segment struct {
	Payload []byte
	Start   float64
	End     float64
}

// Controller turns one audio device into timeline segments.
//
// Exactly one segment is open between Start and Stop. The device is released
// on every path that finalizes the segment, including stream faults.
type Controller struct {
	device    repositories.AudioDevice
	interval  time.Duration
	clock     func() time.Time
	onSegment func(Segment)
	onFault   func(error)
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	stream      repositories.AudioStream
	pumpDone    chan struct{}
	starting    bool
	abandoned   bool
	stopping    bool
	flushing    bool
	buf         bytes.Buffer
	received    int
	elapsed     time.Duration
	resumedAt   time.Time
	accumulated float64
}

// Option configures a Controller
type Option func(*Controller)

// WithClock injects the time source used to measure elapsed recording time
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithInterval sets the frame interval requested from the device
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimelineOffset starts the timeline cursor at offset seconds
func WithTimelineOffset(offset float64) Option {
	return func(c *Controller) {
		if offset > 0 {
			c.accumulated = offset
		}
	}
}

// WithFaultHandler is called after a mid-capture fault has been finalized
func WithFaultHandler(fn func(error)) Option {
	return func(c *Controller) { c.onFault = fn }
}

// NewController creates an idle controller emitting finalized segments to onSegment
func NewController(device repositories.AudioDevice, onSegment func(Segment), logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		device:    device,
		interval:  DefaultInterval,
		clock:     time.Now,
		onSegment: onSegment,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start acquires the device and opens a new segment. It blocks until the
// device grants or denies access; the controller stays queryable meanwhile.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	next, err := Apply(c.state, EventStart)
	if err == nil && c.starting {
		err = fmt.Errorf("%w: capture is starting", ErrInvalidTransition)
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.starting = true
	c.mu.Unlock()

	stream, err := c.device.Open(ctx, c.interval)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false

	if err != nil {
		c.abandoned = false
		c.logger.Warn("Failed to acquire audio device", zap.Error(err))
		return fmt.Errorf("failed to start capture: %w", err)
	}
	if c.abandoned {
		c.abandoned = false
		if cerr := stream.Close(); cerr != nil {
			c.logger.Warn("Audio device did not close cleanly", zap.Error(cerr))
		}
		return fmt.Errorf("%w: closed while starting", ErrInvalidTransition)
	}

	c.state = next
	c.stream = stream
	c.buf.Reset()
	c.elapsed = 0
	c.resumedAt = c.clock()
	c.pumpDone = make(chan struct{})

	go c.pump(stream, c.pumpDone)

	c.logger.Info("Capture started",
		zap.Float64("offset", c.accumulated),
		zap.Duration("interval", c.interval))
	return nil
}

// Pause halts buffering while keeping the segment and the device open
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := Apply(c.state, EventPause)
	if err != nil {
		return err
	}
	c.accrueLocked()
	c.state = next
	return nil
}

// Resume continues buffering into the open segment
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := Apply(c.state, EventResume)
	if err != nil {
		return err
	}
	c.resumedAt = c.clock()
	c.state = next
	return nil
}

// Stop finalizes the open segment, releases the device and emits the
// segment. A segment without audio is not emitted. The returned bool
// reports whether a segment was produced.
func (c *Controller) Stop() (Segment, bool, error) {
	c.mu.Lock()
	next, err := Apply(c.state, EventStop)
	if err != nil {
		c.mu.Unlock()
		return Segment{}, false, err
	}
	c.accrueLocked()
	c.flushing = c.state == StateRecording
	c.state = next
	c.stopping = true
	stream, done := c.stream, c.pumpDone
	c.mu.Unlock()

	closeErr := stream.Close()
	// frames already delivered are drained before finalizing
	<-done

	c.mu.Lock()
	seg, ok := c.finalizeLocked()
	c.mu.Unlock()

	if closeErr != nil {
		c.logger.Warn("Audio device did not close cleanly", zap.Error(closeErr))
	}
	c.emit(seg, ok)
	return seg, ok, nil
}

// Close stops an active capture. It is a no-op when idle. A Start still
// waiting on the device fails and releases it once granted.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.starting {
		c.abandoned = true
	}
	idle := c.state == StateIdle
	c.mu.Unlock()
	if idle {
		return nil
	}
	_, _, err := c.Stop()
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// State returns the current capture state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AccumulatedDuration is the timeline cursor: the end of the last finalized segment
func (c *Controller) AccumulatedDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulated
}

// Buffered returns the number of bytes in the open segment
func (c *Controller) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// FramesReceived counts every frame delivered by the device, including the
// ones dropped while paused
func (c *Controller) FramesReceived() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *Controller) pump(stream repositories.AudioStream, done chan struct{}) {
	defer close(done)

	for frame := range stream.Frames() {
		c.mu.Lock()
		c.received++
		if c.stream == stream && (c.state == StateRecording || c.flushing) {
			c.buf.Write(frame)
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.stream != stream || c.stopping {
		c.mu.Unlock()
		return
	}
	c.accrueLocked()
	c.state, _ = Apply(c.state, EventFault)
	seg, ok := c.finalizeLocked()
	c.mu.Unlock()

	if err := stream.Close(); err != nil {
		c.logger.Warn("Audio device did not close cleanly", zap.Error(err))
	}

	fault := stream.Err()
	if fault == nil {
		fault = ErrStreamEnded
	}
	c.logger.Error("Capture interrupted", zap.Error(fault), zap.Bool("segmentKept", ok))

	c.emit(seg, ok)
	if c.onFault != nil {
		c.onFault(fmt.Errorf("capture interrupted: %w", fault))
	}
}

func (c *Controller) accrueLocked() {
	if c.state == StateRecording {
		c.elapsed += c.clock().Sub(c.resumedAt)
	}
}

func (c *Controller) finalizeLocked() (Segment, bool) {
	payload := bytes.Clone(c.buf.Bytes())
	elapsed := c.elapsed.Seconds()

	c.buf.Reset()
	c.elapsed = 0
	c.stream = nil
	c.pumpDone = nil
	c.stopping = false
	c.flushing = false

	seg := Segment{
		Payload: payload,
		Start:   c.accumulated,
		End:     c.accumulated + elapsed,
	}
	if len(payload) == 0 || seg.End <= seg.Start {
		c.logger.Info("Discarding empty capture segment",
			zap.Int("bytes", len(payload)),
			zap.Float64("elapsed", elapsed))
		return Segment{}, false
	}
	c.accumulated = seg.End

	c.logger.Info("Capture segment finalized",
		zap.Float64("start", seg.Start),
		zap.Float64("end", seg.End),
		zap.Int("bytes", len(payload)))
	return seg, true
}

func (c *Controller) emit(seg Segment, ok bool) {
	if ok && c.onSegment != nil {
		c.onSegment(seg)
	}
}
