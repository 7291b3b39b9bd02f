package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/domain/repositories"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultCombineTimeout = 135 * time.Second
)

// Client talks to the remote chunk store over a Messenger
type Client struct {
	messenger      repositories.Messenger
	contentType    string
	requestTimeout time.Duration
	combineTimeout time.Duration
	logger         *zap.Logger
}

// Options tunes a Client; zero values fall back to defaults
type Options struct {
	ContentType    string
	RequestTimeout time.Duration
	CombineTimeout time.Duration
}

// NewClient creates a remote chunk store client
func NewClient(messenger repositories.Messenger, opts Options, logger *zap.Logger) repositories.RemoteChunkStore {
	if opts.ContentType == "" {
		opts.ContentType = domain.DefaultContentType
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.CombineTimeout <= 0 {
		opts.CombineTimeout = DefaultCombineTimeout
	}
	return &Client{
		messenger:      messenger,
		contentType:    opts.ContentType,
		requestTimeout: opts.RequestTimeout,
		combineTimeout: opts.CombineTimeout,
		logger:         logger,
	}
}

// PutChunk implements repositories.RemoteChunkStore
func (c *Client) PutChunk(ctx context.Context, recordingID string, chunk entities.AudioChunk) error {
	meta, err := json.Marshal(domain.ChunkMetadata{
		StartTime: chunk.StartTime,
		EndTime:   chunk.EndTime,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chunk metadata: %w", err)
	}

	headers := map[string]string{
		domain.HeaderRecordingID: recordingID,
		domain.HeaderChunkID:     string(chunk.ID),
		domain.HeaderContentType: c.contentType,
		domain.HeaderMetadata:    string(meta),
	}
	if err := c.messenger.Publish(domain.SubjectChunkPut, chunk.Payload, headers); err != nil {
		return transportError(domain.SubjectChunkPut, err)
	}
	return nil
}

// RemoveChunk implements repositories.RemoteChunkStore
func (c *Client) RemoveChunk(ctx context.Context, recordingID string, id entities.ChunkID) error {
	headers := map[string]string{
		domain.HeaderRecordingID: recordingID,
		domain.HeaderChunkID:     string(id),
	}
	if err := c.messenger.Publish(domain.SubjectChunkRemove, nil, headers); err != nil {
		return transportError(domain.SubjectChunkRemove, err)
	}
	return nil
}

// GetAll implements repositories.RemoteChunkStore
func (c *Client) GetAll(ctx context.Context, recordingID, accessToken string) ([]entities.AudioChunk, error) {
	reply, err := c.request(ctx, domain.SubjectChunkGetAll, recordingID, accessToken, c.requestTimeout)
	if err != nil {
		return nil, err
	}

	var remote []domain.RemoteChunk
	if err := json.Unmarshal(reply, &remote); err != nil {
		// the store answers with a status envelope when it refuses the request
		var env domain.StatusEnvelope
		if json.Unmarshal(reply, &env) == nil && env.Status != "" && !env.OK() {
			return nil, fmt.Errorf("%w: %s", domain.ErrRemoteRejected, env.Message)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedResponse, domain.SubjectChunkGetAll, err)
	}

	chunks := make([]entities.AudioChunk, 0, len(remote))
	for _, rc := range remote {
		chunks = append(chunks, entities.AudioChunk{
			ID:        entities.ChunkID(rc.ID),
			StartTime: rc.StartTime,
			EndTime:   rc.EndTime,
			Payload:   rc.Data,
			Status:    entities.ChunkStatusSynced,
		})
	}

	c.logger.Debug("Fetched remote chunks",
		zap.String("recordingID", recordingID),
		zap.Int("count", len(chunks)))

	return chunks, nil
}

// DeleteAll implements repositories.RemoteChunkStore
func (c *Client) DeleteAll(ctx context.Context, recordingID, accessToken string) error {
	reply, err := c.request(ctx, domain.SubjectChunkDelete, recordingID, accessToken, c.requestTimeout)
	if err != nil {
		return err
	}
	return decodeStatus(domain.SubjectChunkDelete, reply)
}

// Combine implements repositories.RemoteChunkStore
func (c *Client) Combine(ctx context.Context, recordingID, accessToken string) error {
	reply, err := c.request(ctx, domain.SubjectChunkCombine, recordingID, accessToken, c.combineTimeout)
	if err != nil {
		return err
	}
	return decodeStatus(domain.SubjectChunkCombine, reply)
}

func (c *Client) request(ctx context.Context, subject, recordingID, accessToken string, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(domain.RecordingRequest{
		AccessToken: accessToken,
		RecordingID: recordingID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", subject, err)
	}

	reply, err := c.messenger.Request(ctx, subject, payload, timeout)
	if err != nil {
		return nil, transportError(subject, err)
	}
	return reply, nil
}

func decodeStatus(subject string, reply []byte) error {
	var env domain.StatusEnvelope
	if err := json.Unmarshal(reply, &env); err != nil || env.Status == "" {
		if err == nil {
			err = errors.New("missing status")
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedResponse, subject, err)
	}
	if !env.OK() {
		return fmt.Errorf("%w: %s: %s", domain.ErrRemoteRejected, subject, env.Message)
	}
	return nil
}

func transportError(subject string, err error) error {
	if errors.Is(err, domain.ErrTransport) {
		return fmt.Errorf("%s: %w", subject, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransport, subject, err)
}
