package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RecordingCleanupService periodically sweeps the open recordings
type RecordingCleanupService struct {
	manager  *RecordingManager
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	stopped  chan struct{}
}

// NewRecordingCleanupService creates a new recording cleanup service
func NewRecordingCleanupService(manager *RecordingManager, interval time.Duration, logger *zap.Logger) *RecordingCleanupService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecordingCleanupService{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *RecordingCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Recording cleanup service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *RecordingCleanupService) Stop() {
	close(s.stopChan)
	<-s.stopped
	s.logger.Info("Recording cleanup service stopped")
}

func (s *RecordingCleanupService) cleanupLoop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *RecordingCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	collected, evicted := s.manager.Sweep(ctx)
	if collected > 0 || evicted > 0 {
		s.logger.Info("Recording cleanup completed",
			zap.Int("collected", collected),
			zap.Int("evicted", evicted),
			zap.Int("open", s.manager.Len()))
	}
}
