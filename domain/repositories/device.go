package repositories

import (
	"context"
	"time"
)

// AudioDevice is an audio input that can be acquired by one capture session at a time
type AudioDevice interface {
	// Open acquires the device. It blocks until access is granted or denied
	// and returns domain.ErrPermissionDenied or domain.ErrDeviceUnavailable.
	Open(ctx context.Context, interval time.Duration) (AudioStream, error)
}

// AudioStream delivers encoded audio frames roughly every interval
type AudioStream interface {
	// Frames is closed when the stream ends, either through Close or a fault.
	Frames() <-chan []byte
	// Err returns the fault that ended the stream, if any.
	Err() error
	// Close releases the device. It is safe to call more than once.
	Close() error
}
