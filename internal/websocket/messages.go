package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/precepto/recorder/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server
const (
	MessageTypeRecordingOpen   MessageType = "recording_open"
	MessageTypeRecordingStart  MessageType = "recording_start"
	MessageTypeRecordingPause  MessageType = "recording_pause"
	MessageTypeRecordingResume MessageType = "recording_resume"
	MessageTypeRecordingStop   MessageType = "recording_stop"
	MessageTypeEdit            MessageType = "edit"
	MessageTypeFetch           MessageType = "fetch"
	MessageTypeCombine         MessageType = "combine"
	MessageTypeDiscard         MessageType = "discard"
	MessageTypePing            MessageType = "ping"
)

// Server to client. MessageTypeChunks is also a client request.
const (
	MessageTypeAck      MessageType = "ack"
	MessageTypeError    MessageType = "error"
	MessageTypeArtifact MessageType = "artifact"
	MessageTypeChunks   MessageType = "chunks"
	MessageTypePong     MessageType = "pong"
)

// Microphone permission as reported by the browser
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type" validate:"required"`
	Timestamp string      `json:"timestamp,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

// RecordingOpenMessage attaches the connection to a recording without capturing
type RecordingOpenMessage struct {
	BaseMessage
	RecordingID string `json:"recording_id" validate:"required,max=128"`
}

// RecordingStartMessage opens a capture segment. Audio follows as binary frames.
type RecordingStartMessage struct {
	BaseMessage
	RecordingID string `json:"recording_id" validate:"required,max=128"`
	Permission  string `json:"permission" validate:"required,oneof=granted denied"`
}

// ControlMessage carries no payload: pause, resume, stop, fetch, combine,
// discard, chunks and ping.
type ControlMessage struct {
	BaseMessage
}

// EditMessage is an insert, replace or delete on the open recording
type EditMessage struct {
	BaseMessage
	Kind      string  `json:"kind" validate:"required,oneof=insert replace delete"`
	StartTime float64 `json:"start_time" validate:"gte=0"`
	EndTime   float64 `json:"end_time" validate:"gtfield=StartTime"`
	AudioData string  `json:"audio_data" validate:"required_unless=Kind delete"` // base64 encoded
}

// Edit converts the message into a timeline edit
func (m *EditMessage) Edit() (entities.AudioEdit, error) {
	edit := entities.AudioEdit{
		Kind:      entities.EditKind(m.Kind),
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
	}
	if m.AudioData != "" {
		payload, err := base64.StdEncoding.DecodeString(m.AudioData)
		if err != nil {
			return entities.AudioEdit{}, fmt.Errorf("audio_data is not valid base64: %w", err)
		}
		edit.Payload = payload
	}
	return edit, nil
}

// AckMessage confirms a client request
type AckMessage struct {
	BaseMessage
	ReplyTo     MessageType `json:"reply_to"`
	RecordingID string      `json:"recording_id,omitempty"`
	Result      any         `json:"result,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	ReplyTo MessageType `json:"reply_to,omitempty"`
	Code    string      `json:"error_code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
}

// ArtifactMessage announces a new playable artifact
type ArtifactMessage struct {
	BaseMessage
	RecordingID string  `json:"recording_id"`
	URL         string  `json:"url"`
	Version     uint64  `json:"version"`
	ChunkCount  int     `json:"chunk_count"`
	Duration    float64 `json:"duration"`
	Size        int     `json:"size"`
}

// ChunkInfo describes one chunk without its audio
type ChunkInfo struct {
	ID        string  `json:"id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Status    string  `json:"status"`
	Size      int     `json:"size"`
}

// ChunksMessage lists the active chunks of a recording
type ChunksMessage struct {
	BaseMessage
	RecordingID string      `json:"recording_id"`
	Chunks      []ChunkInfo `json:"chunks"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
}

// NewChunkInfo strips the payload from a chunk
func NewChunkInfo(c entities.AudioChunk) ChunkInfo {
	return ChunkInfo{
		ID:        string(c.ID),
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
		Status:    string(c.Status),
		Size:      len(c.Payload),
	}
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct {
	validate *validator.Validate
}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{validate: validator.New()}
}

// ValidateMessage decodes and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (any, error) {
	// First parse as base message to get type
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	var msg any
	switch base.Type {
	case MessageTypeRecordingOpen:
		msg = &RecordingOpenMessage{}
	case MessageTypeRecordingStart:
		msg = &RecordingStartMessage{}
	case MessageTypeEdit:
		msg = &EditMessage{}
	case MessageTypeRecordingPause, MessageTypeRecordingResume, MessageTypeRecordingStop,
		MessageTypeFetch, MessageTypeCombine, MessageTypeDiscard, MessageTypeChunks, MessageTypePing:
		msg = &ControlMessage{}
	case "":
		return nil, fmt.Errorf("message type is required")
	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}

	if err := json.Unmarshal(messageBytes, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
	}
	if err := v.validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
	}
	return msg, nil
}

func newBase(t MessageType, replyTo BaseMessage) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: replyTo.MessageID,
	}
}

// CreateAckMessage acknowledges request
func CreateAckMessage(request BaseMessage, recordingID string, result any) *AckMessage {
	return &AckMessage{
		BaseMessage: newBase(MessageTypeAck, request),
		ReplyTo:     request.Type,
		RecordingID: recordingID,
		Result:      result,
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(request BaseMessage, code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError, request),
		ReplyTo:     request.Type,
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(ping BaseMessage) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong, ping)}
}
