// Package syncertest provides an in-memory remote chunk store for tests.
package syncertest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/domain/repositories"
)

// Remote records every call and can be told to fail
type Remote struct {
	mu sync.Mutex

	Chunks   map[entities.ChunkID]entities.AudioChunk
	Puts     []entities.ChunkID
	Removals []entities.ChunkID
	Combines int
	Deletes  int
	Tokens   []string

	failPuts map[entities.ChunkID]int
	failAll  error
	GetErr   error
}

var _ repositories.RemoteChunkStore = (*Remote)(nil)

// NewRemote returns an empty remote store
func NewRemote() *Remote {
	return &Remote{
		Chunks:   make(map[entities.ChunkID]entities.AudioChunk),
		failPuts: make(map[entities.ChunkID]int),
	}
}

// FailPut makes the next n publishes of id fail with a transport error
func (r *Remote) FailPut(id entities.ChunkID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPuts[id] = n
}

// FailAll makes every call fail with err until called with nil
func (r *Remote) FailAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = err
}

// Seed stores chunks as if they had been synced earlier
func (r *Remote) Seed(chunks ...entities.AudioChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		r.Chunks[c.ID] = c
	}
}

// PutCount returns how many times id was published
func (r *Remote) PutCount(id entities.ChunkID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.Puts {
		if p == id {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the published chunk ids and removals
func (r *Remote) Snapshot() (puts, removals []entities.ChunkID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.Puts), slices.Clone(r.Removals)
}

// SeenTokens returns the access tokens of every request so far
func (r *Remote) SeenTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.Tokens)
}

func (r *Remote) PutChunk(ctx context.Context, recordingID string, chunk entities.AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Puts = append(r.Puts, chunk.ID)
	if r.failAll != nil {
		return r.failAll
	}
	if n := r.failPuts[chunk.ID]; n > 0 {
		r.failPuts[chunk.ID] = n - 1
		return fmt.Errorf("%w: publish %s", domain.ErrTransport, chunk.ID)
	}
	chunk.Status = entities.ChunkStatusSynced
	r.Chunks[chunk.ID] = chunk
	return nil
}

func (r *Remote) RemoveChunk(ctx context.Context, recordingID string, id entities.ChunkID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	r.Removals = append(r.Removals, id)
	delete(r.Chunks, id)
	return nil
}

func (r *Remote) GetAll(ctx context.Context, recordingID, accessToken string) ([]entities.AudioChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tokens = append(r.Tokens, accessToken)
	if r.failAll != nil {
		return nil, r.failAll
	}
	if r.GetErr != nil {
		return nil, r.GetErr
	}
	out := make([]entities.AudioChunk, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		out = append(out, c)
	}
	return out, nil
}

func (r *Remote) DeleteAll(ctx context.Context, recordingID, accessToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tokens = append(r.Tokens, accessToken)
	if r.failAll != nil {
		return r.failAll
	}
	r.Deletes++
	clear(r.Chunks)
	return nil
}

func (r *Remote) Combine(ctx context.Context, recordingID, accessToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tokens = append(r.Tokens, accessToken)
	if r.failAll != nil {
		return r.failAll
	}
	r.Combines++
	return nil
}
