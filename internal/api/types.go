package api

import "github.com/precepto/recorder/internal/websocket"

// HealthResponse reports liveness and load
type HealthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Clients    int    `json:"clients"`
	Recordings int    `json:"recordings"`
}

// ChunksResponse lists the active chunks of an open recording
type ChunksResponse struct {
	RecordingID string                `json:"recording_id"`
	Chunks      []websocket.ChunkInfo `json:"chunks"`
	Duration    float64               `json:"duration"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
