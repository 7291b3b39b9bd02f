package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/internal/syncer"
	"github.com/precepto/recorder/internal/syncer/syncertest"
	"github.com/precepto/recorder/usecase"
)

type testEnv struct {
	hub     *Hub
	manager *usecase.RecordingManager
	remote  *syncertest.Remote
	server  *httptest.Server
}

func setupTestHub(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	remote := syncertest.NewRemote()
	manager := usecase.NewRecordingManager(remote,
		playback.NewCompositor(domain.DefaultContentType, logger),
		usecase.ManagerConfig{Sync: syncer.Config{Interval: time.Hour}},
		logger)
	hub := NewHub(manager, "/api/v1/artifacts/", 0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocketWithAuth(hub, c, "user-1", "token-1", logger)
	})
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = manager.Shutdown(context.Background())
	})
	return &testEnv{hub: hub, manager: manager, remote: remote, server: server}
}

func (env *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to send %v: %v", msg["type"], err)
	}
}

// readUntil reads messages until one of type want arrives
func readUntil(t *testing.T, ws *websocket.Conn, want MessageType) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("No %s message received: %v", want, err)
		}
		if msg["type"] == string(want) {
			return msg
		}
	}
}

// collect reads until one message of every wanted type has arrived, in any order
func collect(t *testing.T, ws *websocket.Conn, want ...MessageType) map[MessageType]map[string]any {
	t.Helper()
	got := make(map[MessageType]map[string]any)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < len(want) {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("Expected %v, got only %d of them: %v", want, len(got), err)
		}
		typ := MessageType(fmt.Sprint(msg["type"]))
		if slices.Contains(want, typ) {
			if _, seen := got[typ]; !seen {
				got[typ] = msg
			}
		}
	}
	return got
}

func TestHub_CaptureRoundTrip(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_start", "recording_id": "rec-1", "permission": "granted", "message_id": "m1"})
	ack := readUntil(t, ws, MessageTypeAck)
	if ack["reply_to"] != "recording_start" || ack["message_id"] != "m1" {
		t.Fatalf("Unexpected ack: %v", ack)
	}

	for _, frame := range []string{"ab", "cd"} {
		if err := ws.WriteMessage(websocket.BinaryMessage, []byte(frame)); err != nil {
			t.Fatalf("Failed to send frame: %v", err)
		}
	}
	time.Sleep(10 * time.Millisecond)

	send(t, ws, map[string]any{"type": "recording_stop"})
	replies := collect(t, ws, MessageTypeAck, MessageTypeArtifact)
	ack = replies[MessageTypeAck]
	result, _ := ack["result"].(map[string]any)
	if result["capture_state"] != "idle" {
		t.Errorf("Expected idle capture state, got %v", result["capture_state"])
	}
	if _, ok := result["segment"]; !ok {
		t.Errorf("Expected a finalized segment in %v", result)
	}

	artifact := replies[MessageTypeArtifact]
	url, _ := artifact["url"].(string)
	if !strings.HasPrefix(url, "/api/v1/artifacts/") {
		t.Errorf("Unexpected artifact url %q", url)
	}
	if artifact["size"] != float64(4) {
		t.Errorf("Expected artifact of 4 bytes, got %v", artifact["size"])
	}

	send(t, ws, map[string]any{"type": "chunks"})
	chunks := readUntil(t, ws, MessageTypeChunks)
	list, _ := chunks["chunks"].([]any)
	if len(list) != 1 {
		t.Fatalf("Expected 1 chunk, got %v", chunks["chunks"])
	}
	first, _ := list[0].(map[string]any)
	if first["start_time"] != float64(0) {
		t.Errorf("Expected chunk at 0, got %v", first["start_time"])
	}

	send(t, ws, map[string]any{"type": "edit", "kind": "delete", "start_time": 0, "end_time": 1000})
	ack = readUntil(t, ws, MessageTypeAck)
	result, _ = ack["result"].(map[string]any)
	if result["changed"] != true {
		t.Errorf("Expected edit to change the timeline, got %v", ack)
	}
}

func TestHub_EditInsertWithAudio(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_open", "recording_id": "rec-2"})
	readUntil(t, ws, MessageTypeAck)

	send(t, ws, map[string]any{"type": "edit", "kind": "insert", "start_time": 0, "end_time": 2, "audio_data": "SGVsbG8="})
	ack := readUntil(t, ws, MessageTypeAck)
	result, _ := ack["result"].(map[string]any)
	if result["added"] == nil {
		t.Errorf("Expected an added chunk, got %v", ack)
	}

	svc, ok := env.manager.Get("rec-2")
	if !ok {
		t.Fatal("Recording should be open")
	}
	seq, err := svc.ActiveChunks(context.Background())
	if err != nil {
		t.Fatalf("ActiveChunks failed: %v", err)
	}
	chunks := slices.Collect(seq)
	if len(chunks) != 1 || string(chunks[0].Payload) != "Hello" {
		t.Errorf("Unexpected chunks %+v", chunks)
	}
}

func TestHub_ReopensEvictedRecording(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_open", "recording_id": "rec-4"})
	readUntil(t, ws, MessageTypeAck)
	evicted, ok := env.manager.Get("rec-4")
	if !ok {
		t.Fatal("Recording should be open")
	}
	if err := env.manager.Close(context.Background(), "rec-4"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	send(t, ws, map[string]any{"type": "edit", "kind": "insert", "start_time": 0, "end_time": 1, "audio_data": "SGVsbG8="})
	ack := readUntil(t, ws, MessageTypeAck)
	result, _ := ack["result"].(map[string]any)
	if result["changed"] != true {
		t.Fatalf("Edit on a reopened recording should apply, got %v", ack)
	}

	send(t, ws, map[string]any{"type": "recording_open", "recording_id": "rec-4", "message_id": "again"})
	ack = readUntil(t, ws, MessageTypeAck)
	if ack["message_id"] != "again" {
		t.Fatalf("Unexpected ack %v", ack)
	}

	svc, ok := env.manager.Get("rec-4")
	if !ok || svc == evicted || svc.Closed() {
		t.Fatal("Expected a fresh recording service after eviction")
	}

	// the same start is taken now; the ack names the chunk in the way
	send(t, ws, map[string]any{"type": "edit", "kind": "insert", "start_time": 0, "end_time": 2, "audio_data": "SGVsbG8="})
	ack = readUntil(t, ws, MessageTypeAck)
	result, _ = ack["result"].(map[string]any)
	if result["changed"] != false || result["rejected"] == nil {
		t.Errorf("Expected a rejected insert, got %v", ack)
	}
}

func TestHub_PermissionDenied(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_start", "recording_id": "rec-1", "permission": "denied"})
	msg := readUntil(t, ws, MessageTypeError)
	if msg["error_code"] != "permission_denied" {
		t.Errorf("Expected permission_denied, got %v", msg["error_code"])
	}
}

func TestHub_RequiresRecording(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_pause"})
	msg := readUntil(t, ws, MessageTypeError)
	if msg["error_code"] != "no_recording" {
		t.Errorf("Expected no_recording, got %v", msg["error_code"])
	}
}

func TestHub_InvalidMessages(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	for _, raw := range []string{
		`{invalid json}`,
		`{"type":"recording_start","recording_id":"r"}`,
		`{"type":"unknown"}`,
	} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
		msg := readUntil(t, ws, MessageTypeError)
		if msg["error_code"] != "invalid_message" {
			t.Errorf("Expected invalid_message for %s, got %v", raw, msg["error_code"])
		}
	}
}

func TestHub_Ping(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "ping", "message_id": "p1"})
	pong := readUntil(t, ws, MessageTypePong)
	if pong["message_id"] != "p1" {
		t.Errorf("Expected pong for p1, got %v", pong)
	}
}

func TestHub_FetchForwardsToken(t *testing.T) {
	env := setupTestHub(t)
	env.remote.Seed(entities.AudioChunk{ID: "r-1", StartTime: 0, EndTime: 3, Payload: []byte("abc")})
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_open", "recording_id": "rec-1"})
	readUntil(t, ws, MessageTypeAck)

	send(t, ws, map[string]any{"type": "fetch"})
	ack := readUntil(t, ws, MessageTypeAck)
	result, _ := ack["result"].(map[string]any)
	if result["chunks"] != float64(1) {
		t.Errorf("Expected 1 fetched chunk, got %v", ack)
	}
	chunks := readUntil(t, ws, MessageTypeChunks)
	if list, _ := chunks["chunks"].([]any); len(list) != 1 {
		t.Errorf("Expected 1 chunk listed, got %v", chunks)
	}
	if tokens := env.remote.SeenTokens(); !slices.Contains(tokens, "token-1") {
		t.Errorf("Access token was not forwarded: %v", tokens)
	}
}

func TestHub_DisconnectFinalizesCapture(t *testing.T) {
	env := setupTestHub(t)
	ws := env.dial(t)

	send(t, ws, map[string]any{"type": "recording_start", "recording_id": "rec-3", "permission": "granted"})
	readUntil(t, ws, MessageTypeAck)
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("partial")); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc, ok := env.manager.Get("rec-3")
		if ok {
			seq, err := svc.ActiveChunks(context.Background())
			if err == nil && len(slices.Collect(seq)) == 1 {
				if svc.CaptureState().String() != "idle" {
					t.Errorf("Capture should be idle after disconnect")
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Partial capture was not finalized after disconnect")
}

func TestHub_ActiveClients(t *testing.T) {
	env := setupTestHub(t)
	env.dial(t)
	env.dial(t)

	deadline := time.Now().Add(time.Second)
	for len(env.hub.ActiveClients()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 active clients, got %d", len(env.hub.ActiveClients()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrPermissionDenied, "permission_denied"},
		{domain.ErrTransport, "transport_error"},
		{usecase.ErrRecordingClosed, "recording_closed"},
		{context.DeadlineExceeded, "timeout"},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func BenchmarkMessageValidation(b *testing.B) {
	validator := NewMessageValidator()
	raw, _ := json.Marshal(map[string]any{
		"type": "edit", "kind": "replace", "start_time": 1, "end_time": 2, "audio_data": "SGVsbG8=",
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := validator.ValidateMessage(raw); err != nil {
			b.Errorf("Validation failed: %v", err)
		}
	}
}
