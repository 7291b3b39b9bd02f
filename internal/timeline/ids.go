package timeline

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/precepto/recorder/domain/entities"
)

// IDGenerator hands out chunk ids. Ids must never repeat within a store.
type IDGenerator func() entities.ChunkID

// NewUUIDGenerator returns the production generator backed by random UUIDs
func NewUUIDGenerator() IDGenerator {
	return func() entities.ChunkID {
		return entities.ChunkID(uuid.NewString())
	}
}

// SequentialIDs returns a deterministic generator: prefix-1, prefix-2, ...
func SequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() entities.ChunkID {
		return entities.ChunkID(fmt.Sprintf("%s-%d", prefix, n.Add(1)))
	}
}
