// Package background is the privileged agent context: it owns the backend
// credentials, answers login queries and forwards finished recordings.
package background

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/backend"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
	"github.com/pagetrail/recorder/pkg/kv"
)

// Keys of the stored recording status.
const (
	KeyIsRecording        = "isRecording"
	KeyCurrentRecordingID = "currentRecordingId"
)

// Backend is the slice of the backend client the coordinator uses.
type Backend interface {
	CreateRecording(ctx context.Context, payload models.UploadPayload) error
	Login(ctx context.Context, email, password string) (*backend.LoginResult, error)
	Logout(ctx context.Context) error
}

// Session is the login tracker as seen by the coordinator.
type Session interface {
	Check(ctx context.Context) models.SessionState
	Cached(ctx context.Context) (models.SessionState, error)
	Logout(ctx context.Context) error
}

// Coordinator handles relay messages addressed to the privileged context.
type Coordinator struct {
	backend Backend
	session Session
	store   kv.Store
	bus     *relay.Bus
	logger  *zap.Logger
}

// NewCoordinator creates the privileged coordinator.
func NewCoordinator(b Backend, s Session, store kv.Store, bus *relay.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{backend: b, session: s, store: store, bus: bus, logger: logger}
}

// Register attaches the coordinator to the bus.
func (c *Coordinator) Register() (unregister func()) {
	return c.bus.Register(relay.ContextCoordinator, c.Handle)
}

// Handle processes one relay message.
func (c *Coordinator) Handle(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
	switch msg.Type {
	case relay.TypeGetLoginState:
		st, err := c.session.Cached(ctx)
		if err != nil {
			c.logger.Warn("read cached login state", zap.Error(err))
			return models.LoggedOut, nil
		}
		return st, nil

	case relay.TypeLogin:
		var cred relay.Credentials
		if err := msg.Decode(&cred); err != nil {
			return nil, err
		}
		if _, err := c.backend.Login(ctx, cred.Email, cred.Password); err != nil {
			c.logger.Info("login rejected", zap.String("email", cred.Email), zap.Error(err))
			return nil, err
		}
		return c.session.Check(ctx), nil

	case relay.TypeLogout:
		if err := c.backend.Logout(ctx); err != nil {
			c.logger.Warn("backend logout failed", zap.Error(err))
		}
		if err := c.session.Logout(ctx); err != nil {
			return relay.Ack{Success: false, Error: err.Error()}, nil
		}
		return relay.Ack{Success: true}, nil

	case relay.TypeRecordingStatusChanged:
		var st relay.RecordingStatus
		if err := msg.Decode(&st); err != nil {
			c.logger.Warn("malformed recording status", zap.Error(err))
			return nil, nil
		}
		if err := SaveRecordingStatus(ctx, c.store, st); err != nil {
			c.logger.Error("store recording status", zap.Error(err))
		}
		return nil, nil

	case relay.TypeSendRecordingToServer:
		var req relay.SendRecording
		if err := msg.Decode(&req); err != nil {
			return relay.Ack{Success: false, Error: err.Error()}, nil
		}
		return c.sendRecording(ctx, req.Data), nil

	case relay.TypeLoginState:
		return nil, nil

	default:
		return nil, fmt.Errorf("coordinator: unsupported message %q from %s", msg.Type, from)
	}
}

// sendRecording forwards one payload; success means the backend answered 201.
func (c *Coordinator) sendRecording(ctx context.Context, p models.UploadPayload) relay.Ack {
	if p.RecordingID == "" || p.UserID == "" {
		return relay.Ack{Success: false, Error: "recordingId and userId are required"}
	}
	if err := c.backend.CreateRecording(ctx, p); err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) {
			c.logger.Warn("backend rejected recording", zap.String("recording_id", p.RecordingID), zap.Int("status", se.Code))
		} else {
			c.logger.Error("send recording to server", zap.String("recording_id", p.RecordingID), zap.Error(err))
		}
		return relay.Ack{Success: false, Error: err.Error(), RecordingID: p.RecordingID}
	}
	return relay.Ack{Success: true, RecordingID: p.RecordingID}
}

// SaveRecordingStatus stores the display copy of the recorder state.
func SaveRecordingStatus(ctx context.Context, store kv.Store, st models.RecordingStatus) error {
	var current any
	if st.RecordingID != "" {
		current = st.RecordingID
	}
	return kv.SetJSON(ctx, store, map[string]any{
		KeyIsRecording:        st.IsRecording,
		KeyCurrentRecordingID: current,
	})
}

// LoadRecordingStatus reads the stored display copy. Missing keys read as idle.
func LoadRecordingStatus(ctx context.Context, store kv.Store) (models.RecordingStatus, error) {
	var st models.RecordingStatus
	if _, err := kv.GetJSON(ctx, store, KeyIsRecording, &st.IsRecording); err != nil {
		return st, err
	}
	var id *string
	if _, err := kv.GetJSON(ctx, store, KeyCurrentRecordingID, &id); err != nil {
		return st, err
	}
	if id != nil {
		st.RecordingID = *id
	}
	return st, nil
}
