// Package control is the agent's user-facing HTTP surface: it starts and
// stops recordings, shows login state and pending uploads, and accepts the
// capture WebSocket from pages.
package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/backend"
	"github.com/pagetrail/recorder/internal/background"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
	"github.com/pagetrail/recorder/internal/upload"
	"github.com/pagetrail/recorder/pkg/kv"
	"github.com/pagetrail/recorder/pkg/response"
)

// Lister lists recordings waiting for upload.
type Lister interface {
	List(ctx context.Context) ([]models.IndexEntry, error)
}

// Drainer uploads pending recordings for a user.
type Drainer interface {
	Drain(ctx context.Context, userID string) (upload.Result, error)
}

// LoginRequest is the body for POST /login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// DrainResponse is the body returned by POST /drain.
type DrainResponse struct {
	Uploaded []string `json:"uploaded"`
	Failed   []string `json:"failed"`
	Cleaned  []string `json:"cleaned"`
}

// Handler serves the control surface.
type Handler struct {
	bus     *relay.Bus
	pending Lister
	drainer Drainer
	store   kv.Store
	capture gin.HandlerFunc
	logger  *zap.Logger
}

// NewHandler creates a control handler. capture serves GET /capture and may be nil.
func NewHandler(bus *relay.Bus, pending Lister, drainer Drainer, store kv.Store, capture gin.HandlerFunc, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bus: bus, pending: pending, drainer: drainer, store: store, capture: capture, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/status", h.Status)
	r.POST("/recording/start", h.StartRecording)
	r.POST("/recording/stop", h.StopRecording)
	r.GET("/login-state", h.LoginState)
	r.POST("/login", h.Login)
	r.POST("/logout", h.Logout)
	r.GET("/pending", h.Pending)
	r.POST("/drain", h.Drain)
	if h.capture != nil {
		r.GET("/capture", h.capture)
	}
}

func (h *Handler) request(ctx context.Context, to relay.Context, typ relay.Type, payload any) (relay.Message, error) {
	msg, err := relay.NewMessage(typ, payload)
	if err != nil {
		return relay.Message{}, err
	}
	return h.bus.Request(ctx, relay.ContextControl, to, msg)
}

// Status handles GET /status. When the recorder is not reachable the stored
// copy kept by the coordinator is returned.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	resp, err := h.request(ctx, relay.ContextRecorder, relay.TypeGetRecordingStatus, nil)
	if err == nil {
		var st relay.RecordingStatus
		if err := resp.Decode(&st); err == nil {
			response.OK(c, st)
			return
		}
	}
	if !errors.Is(err, relay.ErrUnreachable) && err != nil {
		h.logger.Warn("recording status request failed", zap.Error(err))
	}
	st, err := background.LoadRecordingStatus(ctx, h.store)
	if err != nil {
		h.logger.Error("load recording status", zap.Error(err))
		response.Internal(c, "failed to read recording status")
		return
	}
	response.OK(c, st)
}

// StartRecording handles POST /recording/start.
func (h *Handler) StartRecording(c *gin.Context) {
	ack, ok := h.ack(c, relay.TypeStartRecording)
	if !ok {
		return
	}
	if !ack.Success {
		response.Conflict(c, ack.Error)
		return
	}
	response.OK(c, models.RecordingStatus{IsRecording: true, RecordingID: ack.RecordingID})
}

// StopRecording handles POST /recording/stop.
func (h *Handler) StopRecording(c *gin.Context) {
	ack, ok := h.ack(c, relay.TypeStopRecording)
	if !ok {
		return
	}
	if !ack.Success {
		response.Internal(c, ack.Error)
		return
	}
	response.OK(c, models.RecordingStatus{IsRecording: false, RecordingID: ack.RecordingID})
}

func (h *Handler) ack(c *gin.Context, typ relay.Type) (relay.Ack, bool) {
	var ack relay.Ack
	resp, err := h.request(c.Request.Context(), relay.ContextRecorder, typ, nil)
	if errors.Is(err, relay.ErrUnreachable) {
		response.ServiceUnavailable(c, "no page is attached to the recorder")
		return ack, false
	}
	if err != nil {
		h.logger.Error("recorder request failed", zap.String("type", string(typ)), zap.Error(err))
		response.Internal(c, err.Error())
		return ack, false
	}
	if err := resp.Decode(&ack); err != nil {
		response.Internal(c, err.Error())
		return ack, false
	}
	return ack, true
}

// LoginState handles GET /login-state.
func (h *Handler) LoginState(c *gin.Context) {
	st, err := h.loginState(c.Request.Context())
	if err != nil {
		h.logger.Warn("login state request failed", zap.Error(err))
		response.ServiceUnavailable(c, "coordinator unavailable")
		return
	}
	response.OK(c, st)
}

func (h *Handler) loginState(ctx context.Context) (models.SessionState, error) {
	var st models.SessionState
	resp, err := h.request(ctx, relay.ContextCoordinator, relay.TypeGetLoginState, nil)
	if err != nil {
		return st, err
	}
	err = resp.Decode(&st)
	return st, err
}

// Login handles POST /login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	resp, err := h.request(c.Request.Context(), relay.ContextCoordinator, relay.TypeLogin, relay.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		var se *backend.StatusError
		switch {
		case errors.As(err, &se) && se.Code == http.StatusForbidden:
			response.Forbidden(c, se.Message)
		case errors.As(err, &se) && se.Code == http.StatusUnauthorized:
			response.Unauthorized(c, se.Message)
		case errors.Is(err, relay.ErrUnreachable):
			response.ServiceUnavailable(c, "coordinator unavailable")
		default:
			h.logger.Error("login failed", zap.Error(err))
			response.BadGateway(c, err.Error())
		}
		return
	}
	var st models.SessionState
	if err := resp.Decode(&st); err != nil {
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, st)
}

// Logout handles POST /logout.
func (h *Handler) Logout(c *gin.Context) {
	resp, err := h.request(c.Request.Context(), relay.ContextCoordinator, relay.TypeLogout, nil)
	if err != nil {
		response.ServiceUnavailable(c, "coordinator unavailable")
		return
	}
	var ack relay.Ack
	if err := resp.Decode(&ack); err != nil || !ack.Success {
		response.Internal(c, "logout failed")
		return
	}
	response.OK(c, gin.H{"message": "logged out"})
}

// Pending handles GET /pending.
func (h *Handler) Pending(c *gin.Context) {
	entries, err := h.pending.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list pending recordings", zap.Error(err))
		response.Internal(c, "failed to list pending recordings")
		return
	}
	if entries == nil {
		entries = []models.IndexEntry{}
	}
	response.OK(c, entries)
}

// Drain handles POST /drain: upload everything pending for the logged-in user.
func (h *Handler) Drain(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := h.loginState(ctx)
	if err != nil {
		response.ServiceUnavailable(c, "coordinator unavailable")
		return
	}
	if !st.CanUpload() {
		response.Unauthorized(c, "log in to upload recordings")
		return
	}
	res, err := h.drainer.Drain(ctx, st.UserID)
	if err != nil {
		h.logger.Error("drain failed", zap.Error(err))
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, DrainResponse{Uploaded: nonNil(res.Uploaded), Failed: nonNil(res.Failed), Cleaned: nonNil(res.Cleaned)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
