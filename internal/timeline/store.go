package timeline

import (
	"bytes"
	"iter"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/entities"
)

type record struct {
	chunk entities.AudioChunk
	// removalSynced is set once the deletion has been announced to the remote store
	removalSynced bool
}

// Store is the ordered chunk collection of one recording.
//
// Records live in an arena keyed by id; order indexes them by start time.
// Deleted chunks stay in the arena until their removal has propagated and
// Collect purges them. Store is not safe for concurrent use: it is owned by
// a single control flow which serializes every mutation.
type Store struct {
	records map[entities.ChunkID]*record
	order   []entities.ChunkID
	newID   IDGenerator
	version uint64
	logger  *zap.Logger
}

// NewStore creates an empty store
func NewStore(newID IDGenerator, logger *zap.Logger) *Store {
	if newID == nil {
		newID = NewUUIDGenerator()
	}
	return &Store{
		records: make(map[entities.ChunkID]*record),
		newID:   newID,
		logger:  logger,
	}
}

// AddChunk creates a pending chunk over [start, end) and returns its id.
//
// An empty or negative interval is rejected and the empty id is returned.
// If a non-deleted chunk already starts at start, nothing is added and the
// existing id is returned. The bool reports whether a chunk was created.
func (s *Store) AddChunk(payload []byte, start, end float64) (entities.ChunkID, bool) {
	if start < 0 || end <= start {
		s.logger.Debug("Rejected chunk with empty interval",
			zap.Float64("start", start),
			zap.Float64("end", end))
		return "", false
	}

	if existing, ok := s.activeAt(start); ok {
		s.logger.Debug("Rejected chunk sharing a start time",
			zap.String("existingID", string(existing)),
			zap.Float64("start", start))
		return existing, false
	}

	id := s.newID()
	if _, taken := s.records[id]; taken {
		s.logger.Error("Chunk id generator repeated an id", zap.String("chunkID", string(id)))
		return "", false
	}

	s.records[id] = &record{chunk: entities.AudioChunk{
		ID:        id,
		StartTime: start,
		EndTime:   end,
		Payload:   bytes.Clone(payload),
		Status:    entities.ChunkStatusPending,
	}}

	// upper bound keeps insertion order among equal start times
	pos := sort.Search(len(s.order), func(i int) bool {
		return s.records[s.order[i]].chunk.StartTime > start
	})
	s.order = slices.Insert(s.order, pos, id)
	s.version++

	return id, true
}

func (s *Store) activeAt(start float64) (entities.ChunkID, bool) {
	pos := sort.Search(len(s.order), func(i int) bool {
		return s.records[s.order[i]].chunk.StartTime >= start
	})
	for ; pos < len(s.order); pos++ {
		c := s.records[s.order[pos]].chunk
		if c.StartTime != start {
			break
		}
		if c.IsActive() {
			return c.ID, true
		}
	}
	return "", false
}

// ActiveChunks yields non-deleted chunks in ascending start order.
// The sequence is lazy and can be iterated again to observe the current state.
func (s *Store) ActiveChunks() iter.Seq[entities.AudioChunk] {
	return func(yield func(entities.AudioChunk) bool) {
		for _, id := range s.order {
			r := s.records[id]
			if !r.chunk.IsActive() {
				continue
			}
			if !yield(r.chunk) {
				return
			}
		}
	}
}

// Chunks returns every chunk, deleted ones included, in start order
func (s *Store) Chunks() []entities.AudioChunk {
	out := make([]entities.AudioChunk, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].chunk)
	}
	return out
}

// Get returns the chunk with the given id
func (s *Store) Get(id entities.ChunkID) (entities.AudioChunk, bool) {
	r, ok := s.records[id]
	if !ok {
		return entities.AudioChunk{}, false
	}
	return r.chunk, true
}

// Len returns the number of chunks held, deleted ones included
func (s *Store) Len() int {
	return len(s.order)
}

// Version changes every time the set of active chunks changes.
func (s *Store) Version() uint64 {
	return s.version
}

// MarkSynced moves a pending chunk to synced. Other statuses are left alone,
// so a chunk deleted while its publish was in flight stays deleted.
func (s *Store) MarkSynced(id entities.ChunkID) bool {
	r, ok := s.records[id]
	if !ok || r.chunk.Status != entities.ChunkStatusPending {
		return false
	}
	r.chunk.Status = entities.ChunkStatusSynced
	return true
}

// MarkDeleted soft-removes a chunk. Marking a deleted chunk again is a no-op.
func (s *Store) MarkDeleted(id entities.ChunkID) bool {
	r, ok := s.records[id]
	if !ok || r.chunk.Status == entities.ChunkStatusDeleted {
		return false
	}
	r.chunk.Status = entities.ChunkStatusDeleted
	r.removalSynced = false
	s.version++
	return true
}

// Pending returns chunks not yet acknowledged by the remote store
func (s *Store) Pending() []entities.AudioChunk {
	var out []entities.AudioChunk
	for _, id := range s.order {
		if c := s.records[id].chunk; c.Status == entities.ChunkStatusPending {
			out = append(out, c)
		}
	}
	return out
}

// PendingRemovals returns deleted chunks whose removal has not propagated yet
func (s *Store) PendingRemovals() []entities.ChunkID {
	var out []entities.ChunkID
	for _, id := range s.order {
		r := s.records[id]
		if r.chunk.Status == entities.ChunkStatusDeleted && !r.removalSynced {
			out = append(out, id)
		}
	}
	return out
}

// MarkRemovalSynced records that the remote store was told about a deletion
func (s *Store) MarkRemovalSynced(id entities.ChunkID) bool {
	r, ok := s.records[id]
	if !ok || r.chunk.Status != entities.ChunkStatusDeleted || r.removalSynced {
		return false
	}
	r.removalSynced = true
	return true
}

// Collect purges deleted chunks with no outstanding sync obligation and
// returns how many were discarded.
func (s *Store) Collect() int {
	before := len(s.order)
	s.order = slices.DeleteFunc(s.order, func(id entities.ChunkID) bool {
		r := s.records[id]
		if r.chunk.Status == entities.ChunkStatusDeleted && r.removalSynced {
			delete(s.records, id)
			return true
		}
		return false
	})
	return before - len(s.order)
}

// ReplaceSession swaps the whole sequence for chunks fetched from the remote
// store. Incoming chunks are synced by definition; local pending or deleted
// state that is not part of the incoming set is discarded.
func (s *Store) ReplaceSession(chunks []entities.AudioChunk) {
	records := make(map[entities.ChunkID]*record, len(chunks))
	order := make([]entities.ChunkID, 0, len(chunks))

	for _, c := range chunks {
		if c.ID == "" || c.StartTime < 0 || c.EndTime <= c.StartTime {
			s.logger.Warn("Skipping invalid remote chunk",
				zap.String("chunkID", string(c.ID)),
				zap.Float64("start", c.StartTime),
				zap.Float64("end", c.EndTime))
			continue
		}
		if _, dup := records[c.ID]; dup {
			s.logger.Warn("Skipping duplicate remote chunk", zap.String("chunkID", string(c.ID)))
			continue
		}
		c.Status = entities.ChunkStatusSynced
		records[c.ID] = &record{chunk: c}
		order = append(order, c.ID)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return records[order[i]].chunk.StartTime < records[order[j]].chunk.StartTime
	})
	unique := order[:0]
	for _, id := range order {
		if n := len(unique); n > 0 && records[unique[n-1]].chunk.StartTime == records[id].chunk.StartTime {
			s.logger.Warn("Skipping remote chunk sharing a start time", zap.String("chunkID", string(id)))
			delete(records, id)
			continue
		}
		unique = append(unique, id)
	}
	order = unique

	dropped := 0
	for id, r := range s.records {
		if _, kept := records[id]; !kept && r.chunk.Status != entities.ChunkStatusSynced {
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn("Remote fetch discarded unsynced local chunks", zap.Int("count", dropped))
	}

	s.records = records
	s.order = order
	s.version++
}
