package repositories

import (
	"context"

	"github.com/precepto/recorder/domain/entities"
)

// RemoteChunkStore is the durable chunk persistence keyed by recording id and chunk id
type RemoteChunkStore interface {
	PutChunk(ctx context.Context, recordingID string, chunk entities.AudioChunk) error
	RemoveChunk(ctx context.Context, recordingID string, id entities.ChunkID) error
	GetAll(ctx context.Context, recordingID, accessToken string) ([]entities.AudioChunk, error)
	DeleteAll(ctx context.Context, recordingID, accessToken string) error
	// Combine asks the store to merge all chunks server-side. It is slow.
	Combine(ctx context.Context, recordingID, accessToken string) error
}

// StoredChunk is a chunk as persisted by the remote store
type StoredChunk struct {
	RecordingID string
	ChunkID     string
	ContentType string
	StartTime   float64
	EndTime     float64
	Data        []byte
}

// ChunkRepository is the storage behind the remote store service
type ChunkRepository interface {
	Save(ctx context.Context, chunk StoredChunk) error
	Remove(ctx context.Context, recordingID, chunkID string) error
	// List returns the chunks of a recording ordered by start time
	List(ctx context.Context, recordingID string) ([]StoredChunk, error)
	DeleteAll(ctx context.Context, recordingID string) (int64, error)
	SaveCombined(ctx context.Context, recordingID, contentType string, data []byte, chunkCount int) error
}
