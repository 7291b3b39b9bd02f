package entities

import (
	"errors"
	"fmt"
)

// ChunkID is an opaque chunk identifier. It is never reused.
type ChunkID string

// ChunkStatus represents the synchronization status of a chunk
type ChunkStatus string

const (
	// ChunkStatusPending is a chunk created locally and not yet acknowledged remotely
	ChunkStatusPending ChunkStatus = "pending"
	// ChunkStatusSynced is a chunk acknowledged by the remote store
	ChunkStatusSynced ChunkStatus = "synced"
	// ChunkStatusDeleted is a soft-removed chunk, retained until its removal propagates
	ChunkStatusDeleted ChunkStatus = "deleted"
	// ChunkStatusModified is reserved for chunks superseded by a replacement
	ChunkStatusModified ChunkStatus = "modified"
)

// AudioChunk is a time-bounded piece of the recording timeline.
type AudioChunk struct {
	ID        ChunkID     `json:"id"`
	StartTime float64     `json:"start_time"`
	EndTime   float64     `json:"end_time"`
	Payload   []byte      `json:"-"`
	Status    ChunkStatus `json:"status"`
}

// Duration returns the length of the chunk in seconds
func (c AudioChunk) Duration() float64 {
	return c.EndTime - c.StartTime
}

// IsActive reports whether the chunk contributes to playback.
func (c AudioChunk) IsActive() bool {
	return c.Status != ChunkStatusDeleted
}

// Within reports whether the chunk is fully nested in [start, end].
func (c AudioChunk) Within(start, end float64) bool {
	return c.StartTime >= start && c.EndTime <= end
}

// Validate validates the chunk data
func (c AudioChunk) Validate() error {
	if c.ID == "" {
		return errors.New("chunk id is required")
	}
	if c.StartTime < 0 {
		return fmt.Errorf("chunk %s starts before the timeline: %v", c.ID, c.StartTime)
	}
	if c.EndTime <= c.StartTime {
		return fmt.Errorf("chunk %s has empty interval [%v, %v)", c.ID, c.StartTime, c.EndTime)
	}
	switch c.Status {
	case ChunkStatusPending, ChunkStatusSynced, ChunkStatusDeleted, ChunkStatusModified:
	default:
		return fmt.Errorf("chunk %s has invalid status %q", c.ID, c.Status)
	}
	return nil
}
