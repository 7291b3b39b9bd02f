package playback

import (
	"cmp"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/entities"
)

// Artifact is one contiguous playable rendering of the timeline
type Artifact struct {
	Data        []byte
	ContentType string
	ChunkCount  int
	// Duration is the summed length of the composed chunks in seconds
	Duration float64
}

// Handle is an ephemeral, revocable reference to a published artifact
type Handle string

// Compose concatenates chunk payloads in ascending start order.
// It has no hidden state: the same ordered chunks always give the same bytes.
func Compose(chunks iter.Seq[entities.AudioChunk]) *Artifact {
	ordered := slices.SortedStableFunc(chunks, func(a, b entities.AudioChunk) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})

	size := 0
	for _, c := range ordered {
		size += len(c.Payload)
	}

	artifact := &Artifact{Data: make([]byte, 0, size)}
	for _, c := range ordered {
		if !c.IsActive() {
			continue
		}
		artifact.Data = append(artifact.Data, c.Payload...)
		artifact.ChunkCount++
		artifact.Duration += c.Duration()
	}
	return artifact
}

// Compositor composes artifacts and keeps the published ones reachable by
// handle until they are released.
type Compositor struct {
	mu          sync.RWMutex
	artifacts   map[Handle]*Artifact
	contentType string
	logger      *zap.Logger
}

// NewCompositor creates a compositor stamping artifacts with contentType
func NewCompositor(contentType string, logger *zap.Logger) *Compositor {
	return &Compositor{
		artifacts:   make(map[Handle]*Artifact),
		contentType: contentType,
		logger:      logger,
	}
}

// Compose renders chunks with the compositor's content type
func (c *Compositor) Compose(chunks iter.Seq[entities.AudioChunk]) *Artifact {
	artifact := Compose(chunks)
	artifact.ContentType = c.contentType
	return artifact
}

// Publish registers artifact and returns a fresh handle for it
func (c *Compositor) Publish(artifact *Artifact) Handle {
	h := Handle(uuid.NewString())
	c.mu.Lock()
	c.artifacts[h] = artifact
	c.mu.Unlock()
	return h
}

// Lookup returns the artifact behind h, if it has not been released
func (c *Compositor) Lookup(h Handle) (*Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[h]
	return a, ok
}

// Release revokes h. Releasing twice is a no-op.
func (c *Compositor) Release(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.artifacts[h]; !ok {
		return false
	}
	delete(c.artifacts, h)
	return true
}

// Len returns the number of live handles
func (c *Compositor) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.artifacts)
}

// Close revokes every handle
func (c *Compositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.artifacts); n > 0 {
		c.logger.Info("Releasing artifacts on shutdown", zap.Int("count", n))
	}
	clear(c.artifacts)
}
