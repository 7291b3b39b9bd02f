package timeline

import (
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/entities"
)

// Editor applies insert, replace and delete edits to a Store.
//
// A chunk is affected by an edit only when it lies entirely inside the edit
// interval. Partially overlapping chunks are never split or trimmed.
type Editor struct {
	store  *Store
	logger *zap.Logger
}

// NewEditor creates an editor bound to store
func NewEditor(store *Store, logger *zap.Logger) *Editor {
	return &Editor{store: store, logger: logger}
}

// Apply validates edit and dispatches it by kind.
func (e *Editor) Apply(edit entities.AudioEdit) (entities.EditResult, error) {
	if err := edit.Validate(); err != nil {
		return entities.EditResult{}, err
	}

	var result entities.EditResult
	switch edit.Kind {
	case entities.EditDelete:
		result = e.Delete(edit.StartTime, edit.EndTime)
	case entities.EditReplace:
		result = e.Replace(edit.StartTime, edit.EndTime, edit.Payload)
	case entities.EditInsert:
		result = e.Insert(edit.StartTime, edit.EndTime, edit.Payload)
	}

	if !result.Changed {
		e.logger.Debug("Edit region matched no chunk",
			zap.String("kind", string(edit.Kind)),
			zap.Float64("start", edit.StartTime),
			zap.Float64("end", edit.EndTime))
	}
	return result, nil
}

// Delete marks every chunk nested in [start, end] deleted.
func (e *Editor) Delete(start, end float64) entities.EditResult {
	var result entities.EditResult
	for _, id := range e.affected(start, end) {
		if e.store.MarkDeleted(id) {
			result.Deleted = append(result.Deleted, id)
		}
	}
	result.Changed = len(result.Deleted) > 0
	return result
}

// Replace deletes the nested chunks, then adds payload over [start, end).
// A chunk that only partially overlaps and starts at start survives and
// keeps the payload out; see EditResult.Rejected.
func (e *Editor) Replace(start, end float64, payload []byte) entities.EditResult {
	result := e.Delete(start, end)
	e.add(&result, payload, start, end)
	return result
}

// Insert adds payload over [start, end) without touching existing chunks.
// Overlap with existing chunks is the caller's responsibility.
func (e *Editor) Insert(start, end float64, payload []byte) entities.EditResult {
	var result entities.EditResult
	e.add(&result, payload, start, end)
	return result
}

func (e *Editor) add(result *entities.EditResult, payload []byte, start, end float64) {
	id, added := e.store.AddChunk(payload, start, end)
	if !added {
		result.Rejected = id
		e.logger.Warn("Edit payload rejected, a chunk already starts there",
			zap.String("existing", string(id)),
			zap.Float64("start", start),
			zap.Float64("end", end))
		return
	}
	result.Added = id
	result.Changed = true
}

func (e *Editor) affected(start, end float64) []entities.ChunkID {
	var ids []entities.ChunkID
	for c := range e.store.ActiveChunks() {
		if c.StartTime > end {
			break
		}
		if c.Within(start, end) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
