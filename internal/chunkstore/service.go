// Package chunkstore is the remote side of the chunk subjects: it persists
// published chunks and answers fetch, delete and combine requests.
package chunkstore

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/repositories"
)

// DefaultQueue is the queue group shared by store replicas
const DefaultQueue = "chunkstore"

var ErrUnauthorized = errors.New("unauthorized")

// TokenValidator checks the access token forwarded with a request
type TokenValidator func(token string) error

// Service serves the chunk subjects from a ChunkRepository
type Service struct {
	repo      repositories.ChunkRepository
	authorize TokenValidator
	timeout   time.Duration
	logger    *zap.Logger

	mu            sync.Mutex
	unsubscribers []func() error
}

// NewService creates the service. A nil validator accepts every token.
func NewService(repo repositories.ChunkRepository, authorize TokenValidator, timeout time.Duration, logger *zap.Logger) *Service {
	if authorize == nil {
		authorize = func(string) error { return nil }
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		repo:      repo,
		authorize: authorize,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start subscribes every handler on sub
func (s *Service) Start(sub repositories.Subscriber, queue string) error {
	handlers := map[string]repositories.MessageHandler{
		domain.SubjectChunkPut:     s.handlePut,
		domain.SubjectChunkRemove:  s.handleRemove,
		domain.SubjectChunkGetAll:  s.handleGetAll,
		domain.SubjectChunkDelete:  s.handleDelete,
		domain.SubjectChunkCombine: s.handleCombine,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subject := range slices.Sorted(maps.Keys(handlers)) {
		unsub, err := sub.Subscribe(subject, queue, handlers[subject])
		if err != nil {
			s.stopLocked()
			return err
		}
		s.unsubscribers = append(s.unsubscribers, unsub)
	}
	return nil
}

// Stop unsubscribes all handlers
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	for _, unsub := range s.unsubscribers {
		if err := unsub(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	s.unsubscribers = nil
}

func (s *Service) handlePut(ctx context.Context, msg repositories.Message) {
	recordingID := msg.Headers[domain.HeaderRecordingID]
	chunkID := msg.Headers[domain.HeaderChunkID]
	if recordingID == "" || chunkID == "" {
		s.logger.Error("Chunk publish without ids", zap.Any("headers", msg.Headers))
		return
	}

	var meta domain.ChunkMetadata
	if err := json.Unmarshal([]byte(msg.Headers[domain.HeaderMetadata]), &meta); err != nil {
		s.logger.Error("Invalid chunk metadata",
			zap.String("recordingID", recordingID),
			zap.String("chunkID", chunkID),
			zap.Error(err))
		return
	}
	if meta.EndTime <= meta.StartTime {
		s.logger.Error("Chunk with empty interval",
			zap.String("chunkID", chunkID),
			zap.Float64("start", meta.StartTime),
			zap.Float64("end", meta.EndTime))
		return
	}

	contentType := msg.Headers[domain.HeaderContentType]
	if contentType == "" {
		contentType = domain.DefaultContentType
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.repo.Save(ctx, repositories.StoredChunk{
		RecordingID: recordingID,
		ChunkID:     chunkID,
		ContentType: contentType,
		StartTime:   meta.StartTime,
		EndTime:     meta.EndTime,
		Data:        msg.Data,
	})
	if err != nil {
		s.logger.Error("Failed to store chunk", zap.String("chunkID", chunkID), zap.Error(err))
		return
	}

	s.logger.Debug("Stored chunk",
		zap.String("recordingID", recordingID),
		zap.String("chunkID", chunkID),
		zap.Int("bytes", len(msg.Data)))
}

func (s *Service) handleRemove(ctx context.Context, msg repositories.Message) {
	recordingID := msg.Headers[domain.HeaderRecordingID]
	chunkID := msg.Headers[domain.HeaderChunkID]
	if recordingID == "" || chunkID == "" {
		s.logger.Error("Chunk removal without ids", zap.Any("headers", msg.Headers))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Remove(ctx, recordingID, chunkID); err != nil {
		s.logger.Error("Failed to remove chunk", zap.String("chunkID", chunkID), zap.Error(err))
	}
}

func (s *Service) handleGetAll(ctx context.Context, msg repositories.Message) {
	req, ok := s.decodeRequest(msg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stored, err := s.repo.List(ctx, req.RecordingID)
	if err != nil {
		s.logger.Error("Failed to list chunks", zap.String("recordingID", req.RecordingID), zap.Error(err))
		s.respondStatus(msg, domain.StatusError, "failed to list chunks")
		return
	}

	chunks := make([]domain.RemoteChunk, 0, len(stored))
	for _, c := range stored {
		chunks = append(chunks, domain.RemoteChunk{
			ID:        c.ChunkID,
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Data:      c.Data,
		})
	}

	s.respond(msg, chunks)
}

func (s *Service) handleDelete(ctx context.Context, msg repositories.Message) {
	req, ok := s.decodeRequest(msg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.repo.DeleteAll(ctx, req.RecordingID)
	if err != nil {
		s.logger.Error("Failed to delete chunks", zap.String("recordingID", req.RecordingID), zap.Error(err))
		s.respondStatus(msg, domain.StatusError, "failed to delete chunks")
		return
	}

	s.logger.Info("Deleted recording chunks",
		zap.String("recordingID", req.RecordingID),
		zap.Int64("count", n))
	s.respondStatus(msg, domain.StatusOK, "")
}

func (s *Service) handleCombine(ctx context.Context, msg repositories.Message) {
	req, ok := s.decodeRequest(msg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, contentType, count, err := s.combine(ctx, req.RecordingID)
	if err != nil {
		s.logger.Error("Failed to combine recording", zap.String("recordingID", req.RecordingID), zap.Error(err))
		s.respondStatus(msg, domain.StatusError, err.Error())
		return
	}

	if err := s.repo.SaveCombined(ctx, req.RecordingID, contentType, data, count); err != nil {
		s.logger.Error("Failed to save combined recording", zap.String("recordingID", req.RecordingID), zap.Error(err))
		s.respondStatus(msg, domain.StatusError, "failed to save combined recording")
		return
	}

	s.respondStatus(msg, domain.StatusOK, "")
}

// combine concatenates the stored chunks in start order
func (s *Service) combine(ctx context.Context, recordingID string) ([]byte, string, int, error) {
	stored, err := s.repo.List(ctx, recordingID)
	if err != nil {
		return nil, "", 0, err
	}
	if len(stored) == 0 {
		return nil, "", 0, fmt.Errorf("recording %s has no chunks", recordingID)
	}

	slices.SortStableFunc(stored, func(a, b repositories.StoredChunk) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})

	var buf bytes.Buffer
	for _, c := range stored {
		buf.Write(c.Data)
	}
	return buf.Bytes(), stored[0].ContentType, len(stored), nil
}

func (s *Service) decodeRequest(msg repositories.Message) (domain.RecordingRequest, bool) {
	var req domain.RecordingRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.RecordingID == "" {
		s.logger.Warn("Invalid recording request", zap.String("subject", msg.Subject), zap.Error(err))
		s.respondStatus(msg, domain.StatusError, "invalid request")
		return req, false
	}
	if err := s.authorize(req.AccessToken); err != nil {
		s.logger.Warn("Rejected recording request",
			zap.String("subject", msg.Subject),
			zap.String("recordingID", req.RecordingID),
			zap.Error(err))
		s.respondStatus(msg, domain.StatusError, ErrUnauthorized.Error())
		return req, false
	}
	return req, true
}

func (s *Service) respondStatus(msg repositories.Message, status, message string) {
	s.respond(msg, domain.StatusEnvelope{Status: status, Message: message})
}

func (s *Service) respond(msg repositories.Message, v any) {
	if msg.Respond == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
