package domain

// Subjects on the messaging channel consumed by the recorder.
const (
	SubjectChunkPut     = "chunk.put"
	SubjectChunkGetAll  = "chunk.get_all"
	SubjectChunkDelete  = "chunk.delete"
	SubjectChunkCombine = "chunk.combine"
	SubjectChunkRemove  = "chunk.remove"
)

// Header keys carried by chunk publishes.
const (
	HeaderRecordingID = "recording-id"
	HeaderChunkID     = "chunk-id"
	HeaderContentType = "content-type"
	HeaderMetadata    = "metadata"
)

// DefaultContentType is what browsers hand us from MediaRecorder.
const DefaultContentType = "audio/webm"

// Envelope statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ChunkMetadata is the JSON value of the metadata header on chunk.put
type ChunkMetadata struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// RecordingRequest is the payload of every request/response subject
type RecordingRequest struct {
	AccessToken string `json:"access_token"`
	RecordingID string `json:"recording_id"`
}

// RemoteChunk is one element of the chunk.get_all reply. Data is base64 in JSON.
type RemoteChunk struct {
	ID        string  `json:"id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Data      []byte  `json:"data"`
}

// StatusEnvelope is the reply of chunk.delete and chunk.combine
type StatusEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the remote store accepted the request.
func (e StatusEnvelope) OK() bool {
	return e.Status == StatusOK
}
