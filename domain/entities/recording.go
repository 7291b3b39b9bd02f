package entities

import (
	"errors"
	"fmt"
	"sort"
)

// RecordingSession is a point-in-time view of one recording take
type RecordingSession struct {
	RecordingID         string       `json:"recording_id"`
	AccumulatedDuration float64      `json:"accumulated_duration"`
	Chunks              []AudioChunk `json:"chunks"`
}

// ActiveChunks returns the chunks that contribute to playback
func (s *RecordingSession) ActiveChunks() []AudioChunk {
	active := make([]AudioChunk, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		if c.IsActive() {
			active = append(active, c)
		}
	}
	return active
}

// PendingCount returns how many chunks still wait for the remote store
func (s *RecordingSession) PendingCount() int {
	n := 0
	for _, c := range s.Chunks {
		if c.Status == ChunkStatusPending {
			n++
		}
	}
	return n
}

// TimelineEnd returns the furthest end time among active chunks
func (s *RecordingSession) TimelineEnd() float64 {
	var end float64
	for _, c := range s.Chunks {
		if c.IsActive() && c.EndTime > end {
			end = c.EndTime
		}
	}
	return end
}

// Validate validates the session data
func (s *RecordingSession) Validate() error {
	if s.RecordingID == "" {
		return errors.New("recording_id is required")
	}
	if s.AccumulatedDuration < 0 {
		return errors.New("accumulated duration cannot be negative")
	}

	if !sort.SliceIsSorted(s.Chunks, func(i, j int) bool {
		return s.Chunks[i].StartTime < s.Chunks[j].StartTime
	}) {
		return errors.New("chunks are not ordered by start time")
	}

	starts := make(map[float64]ChunkID)
	for _, c := range s.Chunks {
		if err := c.Validate(); err != nil {
			return err
		}
		if !c.IsActive() {
			continue
		}
		if other, ok := starts[c.StartTime]; ok {
			return fmt.Errorf("chunks %s and %s share start time %v", other, c.ID, c.StartTime)
		}
		starts[c.StartTime] = c.ID
	}
	return nil
}
