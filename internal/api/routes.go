package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/precepto/recorder/internal/auth"
	"github.com/precepto/recorder/internal/playback"
	"github.com/precepto/recorder/internal/websocket"
	"github.com/precepto/recorder/usecase"
)

// ArtifactPath is where published artifacts are served from
const ArtifactPath = "/api/v1/artifacts/"

// TokenValidator validates bearer tokens of capture clients
type TokenValidator interface {
	ValidateToken(token string) (*auth.JWTClaims, error)
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, recordings *usecase.RecordingManager, compositor *playback.Compositor, tokens TokenValidator, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:     "ok",
			Service:    "recorder",
			Clients:    len(hub.ActiveClients()),
			Recordings: recordings.Len(),
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/artifacts/:handle", func(c echo.Context) error {
		return getArtifact(c, compositor)
	})
	v1.GET("/recordings/:id/chunks", func(c echo.Context) error {
		return getRecordingChunks(c, recordings, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c, tokens, logger)
	})
}

func getArtifact(c echo.Context, compositor *playback.Compositor) error {
	artifact, ok := compositor.Lookup(playback.Handle(c.Param("handle")))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "artifact_not_found",
			Message: "Artifact was revoked or never existed",
		})
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, artifact.ContentType, artifact.Data)
}

func getRecordingChunks(c echo.Context, recordings *usecase.RecordingManager, logger *zap.Logger) error {
	recordingID := c.Param("id")
	svc, ok := recordings.Get(recordingID)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "recording_not_found",
			Message: "Recording is not open",
		})
	}

	seq, err := svc.ActiveChunks(c.Request().Context())
	if err != nil {
		logger.Warn("Failed to list chunks",
			zap.String("recordingID", recordingID),
			zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "recording_unavailable",
			Message: err.Error(),
		})
	}

	resp := ChunksResponse{RecordingID: recordingID, Chunks: []websocket.ChunkInfo{}}
	for chunk := range seq {
		resp.Chunks = append(resp.Chunks, websocket.NewChunkInfo(chunk))
		resp.Duration += chunk.Duration()
	}
	return c.JSON(http.StatusOK, resp)
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on a WebSocket handshake, so access_token is accepted as well.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}
	return c.QueryParam("access_token")
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, c echo.Context, tokens TokenValidator, logger *zap.Logger) error {
	token := bearerToken(c)
	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	claims, err := tokens.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != auth.RoleUser {
		logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only user tokens are allowed for WebSocket connections",
		})
	}

	if claims.UserID == "" {
		logger.Error("WebSocket connection rejected: missing user ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "User ID not found in token",
		})
	}

	logger.Info("WebSocket connection authenticated", zap.String("user_id", claims.UserID))

	// the raw token travels on to the remote store with fetch, combine and discard
	return websocket.HandleWebSocketWithAuth(hub, c, claims.UserID, token, logger)
}
