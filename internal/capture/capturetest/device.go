// Package capturetest provides a synthetic audio device for capture tests.
package capturetest

import (
	"context"
	"sync"
	"time"

	"github.com/precepto/recorder/domain/repositories"
)

// Stream is a synthetic audio stream fed by the test
type Stream struct {
	frames chan []byte

	mu     sync.Mutex
	err    error
	closed bool
}

func newStream() *Stream {
	return &Stream{frames: make(chan []byte, 64)}
}

// Frames implements repositories.AudioStream
func (s *Stream) Frames() <-chan []byte {
	return s.frames
}

// Err implements repositories.AudioStream
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements repositories.AudioStream
func (s *Stream) Close() error {
	s.end(nil)
	return nil
}

// Push delivers one frame. Frames pushed after the stream ended are dropped.
func (s *Stream) Push(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// Fail ends the stream with err, as a device unplugged mid-capture would
func (s *Stream) Fail(err error) {
	s.end(err)
}

// Closed reports whether the device was released
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}

// Device hands out synthetic streams, or OpenErr when set
type Device struct {
	mu      sync.Mutex
	OpenErr error
	streams []*Stream
}

var _ repositories.AudioDevice = (*Device)(nil)

// Open implements repositories.AudioDevice
func (d *Device) Open(ctx context.Context, interval time.Duration) (repositories.AudioStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newStream()
	d.streams = append(d.streams, s)
	return s, nil
}

// Last returns the most recently opened stream
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Opens returns how many times the device was acquired
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at an arbitrary instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the frozen time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
