package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/repositories"
)

const (
	chunksCollection   = "audio_chunks"
	combinedCollection = "combined_recordings"
)

type chunkDocument struct {
	RecordingID string    `bson:"recording_id"`
	ChunkID     string    `bson:"chunk_id"`
	ContentType string    `bson:"content_type"`
	StartTime   float64   `bson:"start_time"`
	EndTime     float64   `bson:"end_time"`
	Data        []byte    `bson:"data"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// ChunkRepository stores audio chunks, one document per chunk
type ChunkRepository struct {
	chunks   *mongo.Collection
	combined *mongo.Collection
	logger   *zap.Logger
}

// NewChunkRepository creates a new MongoDB chunk repository
func NewChunkRepository(db *mongo.Database, logger *zap.Logger) repositories.ChunkRepository {
	repo := &ChunkRepository{
		chunks:   db.Collection(chunksCollection),
		combined: db.Collection(combinedCollection),
		logger:   logger,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := repo.ensureIndexes(ctx); err != nil {
			logger.Error("Failed to create chunk indexes", zap.Error(err))
		}
	}()

	return repo
}

func (r *ChunkRepository) ensureIndexes(ctx context.Context) error {
	_, err := r.chunks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "recording_id", Value: 1}, {Key: "chunk_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "recording_id", Value: 1}, {Key: "start_time", Value: 1}},
		},
	})
	if err != nil {
		return err
	}
	_, err = r.combined.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "recording_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Save implements repositories.ChunkRepository. Saving the same chunk id
// again overwrites it, so redelivered publishes are harmless.
func (r *ChunkRepository) Save(ctx context.Context, chunk repositories.StoredChunk) error {
	if chunk.RecordingID == "" || chunk.ChunkID == "" {
		return errors.New("recording ID and chunk ID cannot be empty")
	}

	filter := bson.M{"recording_id": chunk.RecordingID, "chunk_id": chunk.ChunkID}
	doc := chunkDocument{
		RecordingID: chunk.RecordingID,
		ChunkID:     chunk.ChunkID,
		ContentType: chunk.ContentType,
		StartTime:   chunk.StartTime,
		EndTime:     chunk.EndTime,
		Data:        chunk.Data,
		UpdatedAt:   time.Now(),
	}

	_, err := r.chunks.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save chunk %s: %w", chunk.ChunkID, err)
	}
	return nil
}

// Remove implements repositories.ChunkRepository
func (r *ChunkRepository) Remove(ctx context.Context, recordingID, chunkID string) error {
	_, err := r.chunks.DeleteOne(ctx, bson.M{"recording_id": recordingID, "chunk_id": chunkID})
	if err != nil {
		return fmt.Errorf("failed to remove chunk %s: %w", chunkID, err)
	}
	return nil
}

// List implements repositories.ChunkRepository
func (r *ChunkRepository) List(ctx context.Context, recordingID string) ([]repositories.StoredChunk, error) {
	if recordingID == "" {
		return nil, errors.New("recording ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}})
	cursor, err := r.chunks.Find(ctx, bson.M{"recording_id": recordingID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", recordingID, err)
	}
	defer cursor.Close(ctx)

	var docs []chunkDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode chunks of %s: %w", recordingID, err)
	}

	out := make([]repositories.StoredChunk, 0, len(docs))
	for _, d := range docs {
		out = append(out, repositories.StoredChunk{
			RecordingID: d.RecordingID,
			ChunkID:     d.ChunkID,
			ContentType: d.ContentType,
			StartTime:   d.StartTime,
			EndTime:     d.EndTime,
			Data:        d.Data,
		})
	}
	return out, nil
}

// DeleteAll implements repositories.ChunkRepository
func (r *ChunkRepository) DeleteAll(ctx context.Context, recordingID string) (int64, error) {
	result, err := r.chunks.DeleteMany(ctx, bson.M{"recording_id": recordingID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks of %s: %w", recordingID, err)
	}
	if _, err := r.combined.DeleteOne(ctx, bson.M{"recording_id": recordingID}); err != nil {
		return result.DeletedCount, fmt.Errorf("failed to delete combined recording %s: %w", recordingID, err)
	}
	return result.DeletedCount, nil
}

// SaveCombined implements repositories.ChunkRepository
func (r *ChunkRepository) SaveCombined(ctx context.Context, recordingID, contentType string, data []byte, chunkCount int) error {
	update := bson.M{
		"$set": bson.M{
			"content_type": contentType,
			"data":         data,
			"chunk_count":  chunkCount,
			"combined_at":  time.Now(),
		},
	}
	_, err := r.combined.UpdateOne(ctx,
		bson.M{"recording_id": recordingID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save combined recording %s: %w", recordingID, err)
	}

	r.logger.Info("Combined recording saved",
		zap.String("recordingID", recordingID),
		zap.Int("chunks", chunkCount),
		zap.Int("bytes", len(data)))
	return nil
}
