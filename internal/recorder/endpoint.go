package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/capture"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
)

const loginDrainTimeout = 5 * time.Minute

// Endpoint connects a Machine to the relay as the recorder context.
type Endpoint struct {
	machine *Machine
	drainer Drainer
	bus     *relay.Bus
	logger  *zap.Logger
}

// NewEndpoint wires m to bus: status changes go to the coordinator and
// LOGIN_STATE messages update the session mirror and trigger a drain.
func NewEndpoint(m *Machine, drainer Drainer, bus *relay.Bus, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Endpoint{machine: m, drainer: drainer, bus: bus, logger: logger}
	m.OnStatus(e.publishStatus)
	return e
}

// Register attaches the endpoint to the bus.
func (e *Endpoint) Register() (unregister func()) {
	return e.bus.Register(relay.ContextRecorder, e.Handle)
}

func (e *Endpoint) publishStatus(st models.RecordingStatus) {
	msg, err := relay.NewMessage(relay.TypeRecordingStatusChanged, st)
	if err != nil {
		e.logger.Error("encode status", zap.Error(err))
		return
	}
	e.bus.Send(relay.ContextRecorder, relay.ContextCoordinator, msg)
}

// Handle processes one relay message addressed to the recorder.
func (e *Endpoint) Handle(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
	switch msg.Type {
	case relay.TypeLoginState:
		var st relay.LoginState
		if err := msg.Decode(&st); err != nil {
			e.logger.Warn("malformed login state, treating as logged out", zap.Error(err))
			st = models.LoggedOut
		}
		e.machine.SetSession(st)
		e.logger.Info("login state updated", zap.Bool("logged_in", st.IsLoggedIn), zap.String("user_id", st.UserID))
		if st.CanUpload() && e.drainer != nil {
			go e.drain(st.UserID)
		}
		return relay.Ack{Success: true}, nil

	case relay.TypeStartRecording:
		id, err := e.machine.Start(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrNoPage) || errors.Is(err, ErrStopping) {
				return relay.Ack{Success: false, Error: err.Error()}, nil
			}
			return nil, err
		}
		on := true
		return relay.Ack{Success: true, IsRecording: &on, RecordingID: id}, nil

	case relay.TypeStopRecording:
		id := e.machine.Status().RecordingID
		if err := e.machine.Stop(ctx); err != nil {
			return relay.Ack{Success: false, Error: err.Error(), RecordingID: id}, nil
		}
		off := false
		return relay.Ack{Success: true, IsRecording: &off, RecordingID: id}, nil

	case relay.TypeGetRecordingStatus:
		return e.machine.Status(), nil

	default:
		return nil, fmt.Errorf("recorder: unsupported message %q", msg.Type)
	}
}

func (e *Endpoint) drain(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), loginDrainTimeout)
	defer cancel()
	res, err := e.drainer.Drain(ctx, userID)
	if err != nil {
		e.logger.Warn("drain after login failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	e.logger.Info("drain after login", zap.String("user_id", userID), zap.Strings("uploaded", res.Uploaded), zap.Strings("failed", res.Failed))
}
