package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/internal/capture"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 2 * 1024 * 1024 // edits carry base64 audio

	// Time allowed for a control request against the recording.
	requestTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains the set of active clients
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	recordings      *usecase.RecordingManager
	validator       *MessageValidator
	artifactBaseURL string
	combineTimeout  time.Duration

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub. artifactBaseURL prefixes artifact
// handles in the URLs pushed to clients.
func NewHub(recordings *usecase.RecordingManager, artifactBaseURL string, combineTimeout time.Duration, logger *zap.Logger) *Hub {
	if combineTimeout <= 0 {
		combineTimeout = 135 * time.Second
	}
	return &Hub{
		clients:         make(map[string]*Client),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		done:            make(chan struct{}),
		recordings:      recordings,
		validator:       NewMessageValidator(),
		artifactBaseURL: artifactBaseURL,
		combineTimeout:  combineTimeout,
		logger:          logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("clientID", client.id),
				zap.String("userID", client.userID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				client.closeSend()
			}
			h.mu.Unlock()
			return
		}
	}
}

// ActiveClients returns the ids of connected clients
func (h *Hub) ActiveClients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and a recording.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send     chan WriteData
	sendMu   sync.Mutex
	sendDone bool

	id          string
	userID      string
	accessToken string

	logger *zap.Logger

	mu          sync.Mutex
	recording   *usecase.RecordingService
	device      *Device
	unsubscribe func()
	dropped     int
}

func newClient(hub *Hub, conn *websocket.Conn, userID, accessToken string, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan WriteData, 256),
		id:          id,
		userID:      userID,
		accessToken: accessToken,
		logger:      logger.With(zap.String("clientID", id), zap.String("userID", userID)),
	}
}

// HandleWebSocketWithAuth handles websocket requests of an authenticated user.
// accessToken is forwarded to the remote store on fetch, combine and discard.
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, userID, accessToken string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, userID, accessToken, logger)
	select {
	case client.hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the recording.
func (c *Client) readPump() {
	defer func() {
		c.detach(capture.ErrStreamEnded)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processAudioFrame(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues v for the client. Messages are dropped once the
// connection is gone or when the client does not read fast enough.
func (c *Client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
	default:
		c.logger.Warn("Client send buffer full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

// processMessage processes incoming control messages
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		var base BaseMessage
		_ = json.Unmarshal(message, &base)
		c.sendJSON(CreateErrorMessage(base, "invalid_message", "Message failed validation", err.Error()))
		return
	}

	switch m := msg.(type) {
	case *RecordingOpenMessage:
		c.handleOpen(m)
	case *RecordingStartMessage:
		c.handleStart(m)
	case *EditMessage:
		c.handleEdit(m)
	case *ControlMessage:
		c.handleControl(m)
	}
}

// processAudioFrame feeds binary microphone data to the open capture
func (c *Client) processAudioFrame(frame []byte) {
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()

	if device == nil {
		c.logger.Warn("Received audio frame but no capture is open", zap.Int("size", len(frame)))
		return
	}
	if !device.Feed(frame) {
		c.mu.Lock()
		c.dropped++
		dropped := c.dropped
		c.mu.Unlock()
		c.logger.Warn("Dropped audio frame", zap.Int("size", len(frame)), zap.Int("dropped", dropped))
	}
}

func (c *Client) handleOpen(m *RecordingOpenMessage) {
	svc, err := c.attach(m.RecordingID)
	if err != nil {
		c.replyError(m.BaseMessage, err)
		return
	}
	c.sendJSON(CreateAckMessage(m.BaseMessage, svc.ID(), map[string]any{
		"capture_state": svc.CaptureState().String(),
	}))
}

func (c *Client) handleStart(m *RecordingStartMessage) {
	svc, err := c.attach(m.RecordingID)
	if err != nil {
		c.replyError(m.BaseMessage, err)
		return
	}

	device := NewDevice(m.Permission == PermissionGranted)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := svc.StartCapture(ctx, device); err != nil {
		c.replyError(m.BaseMessage, err)
		return
	}

	c.mu.Lock()
	c.device = device
	c.mu.Unlock()

	c.logger.Info("Capture started", zap.String("recordingID", svc.ID()))
	c.sendJSON(CreateAckMessage(m.BaseMessage, svc.ID(), map[string]any{
		"capture_state": svc.CaptureState().String(),
		"offset":        svc.AccumulatedDuration(),
	}))
}

func (c *Client) handleEdit(m *EditMessage) {
	svc, ok := c.current(m.BaseMessage)
	if !ok {
		return
	}
	edit, err := m.Edit()
	if err != nil {
		c.sendJSON(CreateErrorMessage(m.BaseMessage, "invalid_message", "Invalid audio data", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := svc.ApplyEdit(ctx, edit)
	if err != nil {
		c.replyError(m.BaseMessage, err)
		return
	}
	c.sendJSON(CreateAckMessage(m.BaseMessage, svc.ID(), result))
}

func (c *Client) handleControl(m *ControlMessage) {
	if m.Type == MessageTypePing {
		c.sendJSON(CreatePongMessage(m.BaseMessage))
		return
	}

	svc, ok := c.current(m.BaseMessage)
	if !ok {
		return
	}

	switch m.Type {
	case MessageTypeRecordingPause:
		c.replyResult(m.BaseMessage, svc, captureResult(svc), svc.PauseCapture())

	case MessageTypeRecordingResume:
		c.replyResult(m.BaseMessage, svc, captureResult(svc), svc.ResumeCapture())

	case MessageTypeRecordingStop:
		seg, produced, err := svc.StopCapture()
		c.mu.Lock()
		c.device = nil
		c.mu.Unlock()

		result := captureResult(svc)
		if produced {
			result["segment"] = map[string]float64{"start_time": seg.Start, "end_time": seg.End}
		}
		c.replyResult(m.BaseMessage, svc, result, err)

	case MessageTypeChunks:
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		c.sendChunks(ctx, m.BaseMessage, svc)

	// remote requests can take long; audio frames must keep flowing meanwhile
	case MessageTypeFetch:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			n, err := svc.FetchAll(ctx, c.accessToken)
			if err != nil {
				c.replyError(m.BaseMessage, err)
				return
			}
			c.sendJSON(CreateAckMessage(m.BaseMessage, svc.ID(), map[string]int{"chunks": n}))
			c.sendChunks(ctx, m.BaseMessage, svc)
		}()

	case MessageTypeCombine:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.hub.combineTimeout)
			defer cancel()
			c.replyResult(m.BaseMessage, svc, nil, svc.Combine(ctx, c.accessToken))
		}()

	case MessageTypeDiscard:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			c.replyResult(m.BaseMessage, svc, nil, svc.DeleteAll(ctx, c.accessToken))
		}()
	}
}

func (c *Client) sendChunks(ctx context.Context, request BaseMessage, svc *usecase.RecordingService) {
	seq, err := svc.ActiveChunks(ctx)
	if err != nil {
		c.replyError(request, err)
		return
	}
	chunks := []ChunkInfo{}
	for chunk := range seq {
		chunks = append(chunks, NewChunkInfo(chunk))
	}
	c.sendJSON(&ChunksMessage{
		BaseMessage: newBase(MessageTypeChunks, request),
		RecordingID: svc.ID(),
		Chunks:      chunks,
	})
}

func captureResult(svc *usecase.RecordingService) map[string]any {
	return map[string]any{
		"capture_state": svc.CaptureState().String(),
		"accumulated":   svc.AccumulatedDuration(),
	}
}

func (c *Client) replyResult(request BaseMessage, svc *usecase.RecordingService, result any, err error) {
	if err != nil {
		c.replyError(request, err)
		return
	}
	c.sendJSON(CreateAckMessage(request, svc.ID(), result))
}

func (c *Client) replyError(request BaseMessage, err error) {
	code := errorCode(err)
	c.logger.Warn("Request failed",
		zap.String("type", string(request.Type)),
		zap.String("code", code),
		zap.Error(err))
	c.sendJSON(CreateErrorMessage(request, code, err.Error(), ""))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, capture.ErrInvalidTransition):
		return "invalid_state"
	case errors.Is(err, domain.ErrInvalidEdit):
		return "invalid_edit"
	case errors.Is(err, domain.ErrTransport):
		return "transport_error"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, domain.ErrRemoteRejected):
		return "remote_rejected"
	case errors.Is(err, usecase.ErrRecordingClosed), errors.Is(err, usecase.ErrManagerClosed):
		return "recording_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "internal_error"
}

// current returns the attached recording, reopening it when it was closed,
// or replies with an error
func (c *Client) current(request BaseMessage) (*usecase.RecordingService, bool) {
	c.mu.Lock()
	svc := c.recording
	c.mu.Unlock()
	if svc == nil {
		c.sendJSON(CreateErrorMessage(request, "no_recording", "Open a recording first", ""))
		return nil, false
	}
	if svc.Closed() {
		// evicted or closed behind our back
		reopened, err := c.attach(svc.ID())
		if err != nil {
			c.replyError(request, err)
			return nil, false
		}
		svc = reopened
	}
	return svc, true
}

// attach binds the client to recordingID and forwards its artifacts
func (c *Client) attach(recordingID string) (*usecase.RecordingService, error) {
	c.mu.Lock()
	if c.recording != nil && c.recording.ID() == recordingID && !c.recording.Closed() {
		svc := c.recording
		c.mu.Unlock()
		return svc, nil
	}
	c.mu.Unlock()

	c.detach(capture.ErrStreamEnded)

	svc, err := c.hub.recordings.Open(recordingID)
	if err != nil {
		return nil, err
	}
	updates, unsubscribe := svc.Artifacts()

	c.mu.Lock()
	c.recording = svc
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	go c.forwardArtifacts(svc.ID(), updates)

	c.logger.Info("Attached to recording", zap.String("recordingID", recordingID))
	return svc, nil
}

// detach leaves the current recording. An open capture is ended with
// reason, which finalizes what was captured so far.
func (c *Client) detach(reason error) {
	c.mu.Lock()
	device, unsubscribe := c.device, c.unsubscribe
	c.device, c.unsubscribe, c.recording = nil, nil, nil
	c.mu.Unlock()

	if device != nil {
		device.Fail(reason)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Client) forwardArtifacts(recordingID string, updates <-chan playback.Update) {
	for u := range updates {
		c.sendJSON(&ArtifactMessage{
			BaseMessage: newBase(MessageTypeArtifact, BaseMessage{}),
			RecordingID: recordingID,
			URL:         c.hub.artifactBaseURL + string(u.Handle),
			Version:     u.Version,
			ChunkCount:  u.Artifact.ChunkCount,
			Duration:    u.Artifact.Duration,
			Size:        len(u.Artifact.Data),
		})
	}
}
