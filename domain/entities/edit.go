package entities

import (
	"fmt"

	"github.com/precepto/recorder/domain"
)

// EditKind defines the operation an edit applies to the timeline
type EditKind string

const (
	EditInsert  EditKind = "insert"
	EditReplace EditKind = "replace"
	EditDelete  EditKind = "delete"
)

// AudioEdit is a request to change the timeline over [StartTime, EndTime].
type AudioEdit struct {
	Kind      EditKind `json:"kind"`
	StartTime float64  `json:"start_time"`
	EndTime   float64  `json:"end_time"`
	Payload   []byte   `json:"-"`
}

// Validate checks that the edit can be applied at all.
func (e AudioEdit) Validate() error {
	if e.StartTime < 0 || e.EndTime <= e.StartTime {
		return fmt.Errorf("%w: empty interval [%v, %v)", domain.ErrInvalidEdit, e.StartTime, e.EndTime)
	}
	switch e.Kind {
	case EditInsert, EditReplace:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: %s requires a payload", domain.ErrInvalidEdit, e.Kind)
		}
	case EditDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidEdit, e.Kind)
	}
	return nil
}

// EditResult describes what an edit did to the timeline.
// Changed is false when the edit region matched nothing.
type EditResult struct {
	Deleted []ChunkID `json:"deleted,omitempty"`
	Added   ChunkID   `json:"added,omitempty"`
	// Rejected is the chunk already starting at the edit start, which kept
	// the new payload off the timeline.
	Rejected ChunkID `json:"rejected,omitempty"`
	Changed  bool    `json:"changed"`
}
