package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/repositories"
)

// frameBuffer is how many frames may wait for the capture controller
const frameBuffer = 256

// Device is the browser microphone as seen through the WebSocket: binary
// frames from the client are fed into the stream of the open capture.
type Device struct {
	granted bool

	mu     sync.Mutex
	stream *deviceStream
}

var _ repositories.AudioDevice = (*Device)(nil)

// NewDevice creates a device. granted mirrors the permission the browser
// reported for its microphone.
func NewDevice(granted bool) *Device {
	return &Device{granted: granted}
}

// Open implements repositories.AudioDevice
func (d *Device) Open(ctx context.Context, interval time.Duration) (repositories.AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.granted {
		return nil, domain.ErrPermissionDenied
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil && !d.stream.isClosed() {
		return nil, domain.ErrDeviceUnavailable
	}
	d.stream = &deviceStream{frames: make(chan []byte, frameBuffer)}
	return d.stream, nil
}

// Feed hands a frame to the open stream. It returns false when no stream is
// open or the stream cannot keep up.
func (d *Device) Feed(frame []byte) bool {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return false
	}
	return s.push(frame)
}

// Fail ends the open stream with err, as when the client disconnects
func (d *Device) Fail(err error) {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s != nil {
		s.end(err)
	}
}

type deviceStream struct {
	mu     sync.Mutex
	frames chan []byte
	err    error
	closed bool
}

func (s *deviceStream) Frames() <-chan []byte {
	return s.frames
}

func (s *deviceStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deviceStream) Close() error {
	s.end(nil)
	return nil
}

func (s *deviceStream) push(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *deviceStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.frames)
}

func (s *deviceStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
