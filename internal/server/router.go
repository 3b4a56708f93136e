package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/dispatch"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	hostContextKey           = "activity_panel_host"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingManager       = errors.New("activity manager dependency required")
	errMissingTokenManager  = errors.New("token validator dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// PanelManager is the activity stream state the bridge exposes.
type PanelManager interface {
	Load(ctx context.Context, entityType string, entityID int64) int
	Entity() (string, int64, bool)
	Rescan() (dispatch.RequestID, bool)
	ActivityIDs(limit int) []activity.ID
	ActivityData(id activity.ID) (activity.Event, bool)
	Note(noteID activity.NoteID) (activity.NoteThread, bool)
	RequestActivityThumbnails(activityID activity.ID) []dispatch.RequestID
	RequestAttachmentThumbnail(activityID activity.ID, groupID string, attachment activity.ThreadRecord) (dispatch.RequestID, bool)
	RequestUserThumbnail(userType string, userID int64, imageURL string) (dispatch.RequestID, bool)
}

// TokenValidator authenticates bridge requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the bridge's collaborators. Logger and HeartbeatInterval are optional.
type Dependencies struct {
	Manager           PanelManager
	TokenValidator    TokenValidator
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

// NewHTTPHandler builds the gin engine serving the panel bridge routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.TokenValidator == nil {
		return nil, errMissingTokenManager
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		manager:   deps.Manager,
		tokens:    deps.TokenValidator,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/entity/load", handler.handleLoadEntity)
	protected.POST("/activities/rescan", handler.handleRescan)
	protected.GET("/activities", handler.handleListActivities)
	protected.GET("/activities/stream", handler.handleStream)
	protected.GET("/activities/:id", handler.handleGetActivity)
	protected.POST("/activities/:id/thumbnails", handler.handleActivityThumbnails)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.POST("/attachments/thumbnail", handler.handleAttachmentThumbnail)
	protected.POST("/users/thumbnail", handler.handleUserThumbnail)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	manager   PanelManager
	tokens    TokenValidator
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

type loadEntityRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
}

type loadEntityResponse struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Cached     int    `json:"cached"`
	RequestID  string `json:"request_id"`
}

func (h *httpHandler) handleLoadEntity(c *gin.Context) {
	var request loadEntityRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.EntityID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entityType := strings.TrimSpace(request.EntityType)
	if !activity.ValidEntityType(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	cached := h.manager.Load(c.Request.Context(), entityType, request.EntityID)
	requestID, _ := h.manager.Rescan()
	h.logger.Info("entity loaded",
		zap.String("host", c.GetString(hostContextKey)),
		zap.String("entity_type", entityType),
		zap.Int64("entity_id", request.EntityID),
		zap.Int("cached", cached))

	c.JSON(http.StatusOK, loadEntityResponse{
		EntityType: entityType,
		EntityID:   request.EntityID,
		Cached:     cached,
		RequestID:  string(requestID),
	})
}

func (h *httpHandler) handleRescan(c *gin.Context) {
	requestID, ok := h.manager.Rescan()
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no_entity_loaded"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": string(requestID)})
}

type activityListResponse struct {
	EntityType  string  `json:"entity_type"`
	EntityID    int64   `json:"entity_id"`
	ActivityIDs []int64 `json:"activity_ids"`
}

func (h *httpHandler) handleListActivities(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	entityType, entityID, _ := h.manager.Entity()
	ids := h.manager.ActivityIDs(limit)
	response := activityListResponse{
		EntityType:  entityType,
		EntityID:    entityID,
		ActivityIDs: make([]int64, 0, len(ids)),
	}
	for _, id := range ids {
		response.ActivityIDs = append(response.ActivityIDs, id.Int64())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetActivity(c *gin.Context) {
	id, ok := activityIDParam(c)
	if !ok {
		return
	}
	event, found := h.manager.ActivityData(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity_not_found"})
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	noteID, err := activity.NewNoteID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	thread, found := h.manager.Note(noteID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"note_id": noteID.Int64(), "thread": thread})
}

func (h *httpHandler) handleActivityThumbnails(c *gin.Context) {
	id, ok := activityIDParam(c)
	if !ok {
		return
	}
	if _, found := h.manager.ActivityData(id); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity_not_found"})
		return
	}
	requestIDs := h.manager.RequestActivityThumbnails(id)
	c.JSON(http.StatusAccepted, gin.H{"request_ids": requestIDStrings(requestIDs)})
}

type attachmentThumbnailRequest struct {
	ActivityID int64                 `json:"activity_id"`
	GroupID    string                `json:"group_id"`
	Attachment activity.ThreadRecord `json:"attachment"`
}

func (h *httpHandler) handleAttachmentThumbnail(c *gin.Context) {
	var request attachmentThumbnailRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	activityID, err := activity.NewID(request.ActivityID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_activity_id"})
		return
	}
	if !activity.ValidEntityType(request.Attachment.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return
	}
	requestID, scheduled := h.manager.RequestAttachmentThumbnail(activityID, request.GroupID, request.Attachment)
	respondScheduled(c, requestID, scheduled)
}

type userThumbnailRequest struct {
	UserType string `json:"user_type"`
	UserID   int64  `json:"user_id"`
	ImageURL string `json:"image_url"`
}

func (h *httpHandler) handleUserThumbnail(c *gin.Context) {
	var request userThumbnailRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userType := strings.TrimSpace(request.UserType)
	if userType == "" {
		userType = activity.EntityTypeHumanUser
	}
	if !activity.ValidEntityType(userType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return
	}
	requestID, scheduled := h.manager.RequestUserThumbnail(userType, request.UserID, request.ImageURL)
	respondScheduled(c, requestID, scheduled)
}

type realtimeEventPayload struct {
	Topic       string            `json:"topic"`
	ActivityIDs []int64           `json:"activityIds,omitempty"`
	NoteID      int64             `json:"noteId,omitempty"`
	Thumbnail   *thumbnailPayload `json:"thumbnail,omitempty"`
	Timestamp   string            `json:"timestamp"`
	Source      string            `json:"source"`
}

type thumbnailPayload struct {
	ActivityID        int64  `json:"activityId"`
	Classification    string `json:"classification"`
	EntityType        string `json:"entityType"`
	EntityID          int64  `json:"entityId"`
	AttachmentGroupID string `json:"attachmentGroupId,omitempty"`
	Image             string `json:"image"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	topic, ok := h.streamTopic(c)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no_entity_loaded"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, topic)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := h.writeEvent(c, realtimeEventHeartbeat, realtimeEventPayload{
		Topic:     topic,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    realtimeSourceBridge,
	}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			if err := h.writeEvent(c, message.EventType, toEventPayload(message)); err != nil {
				h.logger.Debug("realtime stream write failed", zap.String("topic", topic), zap.Error(err))
				return
			}
			flusher.Flush()
		case tick := <-ticker.C:
			if err := h.writeEvent(c, realtimeEventHeartbeat, realtimeEventPayload{
				Topic:     topic,
				Timestamp: tick.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBridge,
			}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *httpHandler) streamTopic(c *gin.Context) (string, bool) {
	if rawType := strings.TrimSpace(c.Query("entity_type")); rawType != "" {
		entityID, err := strconv.ParseInt(c.Query("entity_id"), 10, 64)
		if err != nil {
			return "", false
		}
		topic := EntityTopic(rawType, entityID)
		return topic, topic != ""
	}
	entityType, entityID, loaded := h.manager.Entity()
	if !loaded {
		return "", false
	}
	return EntityTopic(entityType, entityID), true
}

func (h *httpHandler) writeEvent(c *gin.Context, eventType string, payload realtimeEventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

func toEventPayload(message RealtimeMessage) realtimeEventPayload {
	payload := realtimeEventPayload{
		Topic:       message.Topic,
		ActivityIDs: message.ActivityIDs,
		NoteID:      message.NoteID,
		Timestamp:   message.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:      realtimeSourceBridge,
	}
	if thumbnail := message.Thumbnail; thumbnail != nil {
		payload.Thumbnail = &thumbnailPayload{
			ActivityID:        thumbnail.ActivityID,
			Classification:    thumbnail.Classification,
			EntityType:        thumbnail.EntityType,
			EntityID:          thumbnail.EntityID,
			AttachmentGroupID: thumbnail.AttachmentGroupID,
			Image:             base64.StdEncoding.EncodeToString(thumbnail.Image),
		}
	}
	return payload
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	host, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(hostContextKey, host)
	c.Next()
}

func activityIDParam(c *gin.Context) (activity.ID, bool) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err == nil {
		if id, idErr := activity.NewID(raw); idErr == nil {
			return id, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_activity_id"})
	return activity.NoActivityID, false
}

func respondScheduled(c *gin.Context, requestID dispatch.RequestID, scheduled bool) {
	if !scheduled {
		c.JSON(http.StatusOK, gin.H{"scheduled": false})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled": true, "request_id": string(requestID)})
}

func requestIDStrings(ids []dispatch.RequestID) []string {
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		values = append(values, string(id))
	}
	return values
}
