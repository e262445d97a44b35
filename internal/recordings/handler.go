package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/middleware"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/pkg/queue"
	"github.com/pagetrail/recorder/pkg/response"
)

// UnknownURL is stored when the first event carries no page href.
const UnknownURL = "Unknown URL"

// Store is the recording persistence the handler needs.
type Store interface {
	Create(ctx context.Context, rec *models.Recording) (bool, error)
	GetByRecordingID(ctx context.Context, recordingID string) (*models.Recording, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.RecordingSummary, error)
}

// Blobs reads archived event blobs.
type Blobs interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// DownloadURLExpiry is how long a pre-signed blob URL stays valid.
const DownloadURLExpiry = 15 * time.Minute

// DownloadURLResponse is returned by GET /api/recording/get/:id/download-url.
type DownloadURLResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

// Archiver schedules moving a recording's events to object storage.
type Archiver interface {
	EnqueueArchive(ctx context.Context, payload queue.ArchivePayload) error
}

// CreateRequest is the body for POST /api/recording/create.
type CreateRequest struct {
	RecordingID string            `json:"recordingId"`
	UserID      string            `json:"userId"`
	Timestamp   int64             `json:"timestamp"`
	Events      []json.RawMessage `json:"events"`
}

// CreateResponse is returned by POST /api/recording/create.
type CreateResponse struct {
	Message     string `json:"message"`
	RecordingID string `json:"recordingId"`
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo      Store
	blobs     Blobs    // optional: nil when S3 is not configured
	archiver  Archiver // optional
	threshold int
	logger    *zap.Logger
}

// NewHandler creates a recordings handler. Recordings with more than
// archiveThreshold events are queued for archiving; a negative threshold
// disables it.
func NewHandler(repo Store, blobs Blobs, archiver Archiver, archiveThreshold int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, blobs: blobs, archiver: archiver, threshold: archiveThreshold, logger: logger}
}

// Create handles POST /api/recording/create. Replaying an already stored
// recordingId answers 201 without touching the stored copy.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid data format")
		return
	}
	if req.RecordingID == "" || req.Timestamp == 0 || req.Events == nil {
		response.BadRequest(c, "invalid data format")
		return
	}
	var userID *uuid.UUID
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			response.BadRequest(c, "invalid userId")
			return
		}
		userID = &id
	}

	rec := &models.Recording{
		RecordingID: req.RecordingID,
		UserID:      userID,
		Timestamp:   req.Timestamp,
		URL:         pageURL(req.Events),
		Events:      req.Events,
	}
	created, err := h.repo.Create(c.Request.Context(), rec)
	if err != nil {
		h.logger.Error("save recording", zap.String("recording_id", req.RecordingID), zap.Error(err))
		response.Internal(c, "internal server error")
		return
	}
	if !created {
		h.logger.Info("recording already stored", zap.String("recording_id", req.RecordingID))
	} else {
		h.logger.Info("recording saved", zap.String("recording_id", req.RecordingID), zap.Int("events", len(req.Events)), zap.String("url", rec.URL))
		h.maybeArchive(c.Request.Context(), rec)
	}
	response.Created(c, CreateResponse{Message: "recording saved successfully", RecordingID: req.RecordingID})
}

func (h *Handler) maybeArchive(ctx context.Context, rec *models.Recording) {
	if h.archiver == nil || h.threshold < 0 || len(rec.Events) <= h.threshold {
		return
	}
	if err := h.archiver.EnqueueArchive(ctx, queue.ArchivePayload{RecordingID: rec.RecordingID}); err != nil {
		h.logger.Warn("enqueue archive failed", zap.String("recording_id", rec.RecordingID), zap.Error(err))
	}
}

// pageURL returns events[0].data.href, or UnknownURL.
func pageURL(events []json.RawMessage) string {
	if len(events) == 0 {
		return UnknownURL
	}
	var first struct {
		Data struct {
			Href string `json:"href"`
		} `json:"data"`
	}
	if err := json.Unmarshal(events[0], &first); err != nil || first.Data.Href == "" {
		return UnknownURL
	}
	return first.Data.Href
}

// List handles GET /api/recording/get: the caller's recordings, newest first.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list recordings", zap.Error(err))
		response.Internal(c, "server error while fetching user recordings")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /api/recording/get/:id. Owners and admins may read a recording.
func (h *Handler) GetByID(c *gin.Context) {
	ctx := c.Request.Context()
	rec, ok := h.authorized(c)
	if !ok {
		return
	}

	if rec.Events == nil && rec.S3Key != "" {
		if h.blobs == nil {
			response.ServiceUnavailable(c, "archived recording storage unavailable")
			return
		}
		raw, err := h.blobs.GetBlob(ctx, rec.S3Key)
		if err != nil {
			h.logger.Error("read archived events", zap.String("recording_id", rec.RecordingID), zap.Error(err))
			response.Internal(c, "server error while fetching recording")
			return
		}
		if err := json.Unmarshal(raw, &rec.Events); err != nil {
			h.logger.Error("decode archived events", zap.String("recording_id", rec.RecordingID), zap.Error(err))
			response.Internal(c, "server error while fetching recording")
			return
		}
	}
	if rec.Events == nil {
		rec.Events = []models.Event{}
	}
	response.OK(c, rec)
}

// DownloadURL handles GET /api/recording/get/:id/download-url: a pre-signed
// link to the archived event blob.
func (h *Handler) DownloadURL(c *gin.Context) {
	rec, ok := h.authorized(c)
	if !ok {
		return
	}
	if rec.S3Key == "" {
		response.NotFound(c, "recording is not archived")
		return
	}
	if h.blobs == nil {
		response.ServiceUnavailable(c, "archived recording storage unavailable")
		return
	}
	url, err := h.blobs.PresignGet(c.Request.Context(), rec.S3Key, DownloadURLExpiry)
	if err != nil {
		h.logger.Error("presign recording", zap.String("recording_id", rec.RecordingID), zap.Error(err))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, DownloadURLResponse{URL: url, ExpiresIn: int(DownloadURLExpiry.Seconds())})
}

// authorized loads the :id recording and checks the caller may read it. On
// false the response has been written.
func (h *Handler) authorized(c *gin.Context) (*models.Recording, bool) {
	rec, err := h.repo.GetByRecordingID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "recording not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get recording", zap.Error(err))
		response.Internal(c, "server error while fetching recording")
		return nil, false
	}

	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role, _ := c.Get(middleware.ContextUserRole)
	owner := rec.UserID != nil && *rec.UserID == userID
	if !owner && role != string(models.RoleAdmin) {
		response.Forbidden(c, "not authorized to view this recording")
		return nil, false
	}
	return rec, true
}
