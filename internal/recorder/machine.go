// Package recorder owns the recording lifecycle: capture attach/detach, the
// in-memory event buffer, debounced flushes into the durable index, and the
// hand-off to the upload coordinator once a recording is complete.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/capture"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/upload"
)

const (
	// DefaultTeardownTimeout bounds the best-effort flush on forced teardown.
	DefaultTeardownTimeout = time.Second
	flushTimeout           = 30 * time.Second
)

// ErrStopping is returned by Start while the previous recording has not
// finished stopping, e.g. after a failed flush.
var ErrStopping = errors.New("recorder: previous recording is still stopping")

// State of the recording state machine.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Drainer uploads pending recordings for a user.
type Drainer interface {
	Drain(ctx context.Context, userID string) (upload.Result, error)
}

// Config tunes the machine. Zero values fall back to defaults.
type Config struct {
	FlushDebounce   time.Duration
	TeardownTimeout time.Duration
	Options         capture.Options
}

// Machine drives Idle -> Active -> Stopping -> Idle.
type Machine struct {
	mu      sync.Mutex
	state   State
	entry   models.IndexEntry
	handle  capture.Handle
	session models.SessionState

	stopMu   sync.Mutex // one Stop/Teardown at a time
	flushMu  sync.Mutex // one in-flight flush
	buffer   Buffer
	debounce *debouncer

	index   *Index
	source  capture.Source
	drainer Drainer
	notify  func(models.RecordingStatus)
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewMachine creates an idle machine.
func NewMachine(index *Index, source capture.Source, drainer Drainer, cfg Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushDebounce <= 0 {
		cfg.FlushDebounce = DefaultFlushDebounce
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.Options == (capture.Options{}) {
		cfg.Options = capture.DefaultOptions()
	}
	m := &Machine{
		index:   index,
		source:  source,
		drainer: drainer,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
	m.debounce = newDebouncer(cfg.FlushDebounce, m.debouncedFlush)
	return m
}

// OnStatus sets the callback that receives every status change.
func (m *Machine) OnStatus(fn func(models.RecordingStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// SetSession updates the mirrored login state.
func (m *Machine) SetSession(s models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// Session returns the mirrored login state.
func (m *Machine) Session() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the UI-facing view of the state.
func (m *Machine) Status() models.RecordingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Machine) statusLocked() models.RecordingStatus {
	return models.RecordingStatus{IsRecording: m.state != StateIdle, RecordingID: m.entry.RecordingID}
}

// LiveRecordingID returns the id of the recording that may still receive
// events, or "" when idle. A recording in Stopping counts as live.
func (m *Machine) LiveRecordingID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return ""
	}
	return m.entry.RecordingID
}

// Start begins a new recording and returns its id. Starting while a recording
// is active is a no-op that returns the current id; starting while the
// previous one is stuck in Stopping fails with ErrStopping.
func (m *Machine) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state == StateStopping {
		id := m.entry.RecordingID
		m.mu.Unlock()
		m.logger.Warn("start rejected, previous recording still stopping", zap.String("recording_id", id))
		return "", ErrStopping
	}
	if m.state != StateIdle {
		id, state := m.entry.RecordingID, m.state
		m.mu.Unlock()
		m.logger.Warn("recording already active", zap.String("recording_id", id), zap.Stringer("state", state))
		return id, nil
	}
	id := NewRecordingID(m.now())
	m.buffer.Reset()
	handle, err := m.source.Record(m.cfg.Options, m.onEvent)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("start recording failed", zap.Error(err))
		return "", err
	}
	page := handle.Page()
	m.entry = models.IndexEntry{
		RecordingID: id,
		CreatedAt:   m.now().UnixMilli(),
		SourceURL:   page.URL,
		SourceTitle: page.Title,
	}
	m.handle = handle
	m.state = StateActive
	status, notify := m.statusLocked(), m.notify
	m.mu.Unlock()

	m.logger.Info("recording started", zap.String("recording_id", id), zap.String("url", page.URL))
	if notify != nil {
		notify(status)
	}
	return id, nil
}

func (m *Machine) onEvent(ev models.Event) {
	m.mu.Lock()
	active := m.state == StateActive
	if active {
		m.buffer.Append(ev)
	}
	m.mu.Unlock()
	if active {
		m.debounce.Trigger()
	}
}

func (m *Machine) debouncedFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	_ = m.Flush(ctx)
}

// Flush makes the buffered events of the current recording durable. It is a
// no-op when nothing is pending. Only one flush runs at a time; the buffer is
// trimmed only after the write succeeded.
func (m *Machine) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	entry := m.entry
	m.mu.Unlock()
	if entry.RecordingID == "" {
		return nil
	}
	events := m.buffer.Snapshot()
	if len(events) == 0 {
		return nil
	}
	total, err := m.index.AppendEvents(ctx, entry, events)
	if err != nil {
		m.logger.Error("save events failed", zap.String("recording_id", entry.RecordingID), zap.Int("pending", len(events)), zap.Error(err))
		return err
	}
	m.buffer.Drop(len(events))
	m.logger.Debug("events saved", zap.String("recording_id", entry.RecordingID), zap.Int("flushed", len(events)), zap.Int("total", total))
	return nil
}

// Stop finalizes the active recording. It returns once the recording is
// durable; if the flush fails the machine stays in Stopping and Stop may be
// retried. When the mirrored session can upload, a drain runs before return.
func (m *Machine) Stop(ctx context.Context) error {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		m.logger.Warn("no active recording to stop")
		return nil
	}
	m.state = StateStopping
	handle := m.handle
	m.handle = nil
	id := m.entry.RecordingID
	m.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	m.debounce.Cancel()

	if err := m.Flush(ctx); err != nil {
		return fmt.Errorf("flush recording %s: %w", id, err)
	}

	m.mu.Lock()
	m.state = StateIdle
	m.entry = models.IndexEntry{}
	session, notify := m.session, m.notify
	m.mu.Unlock()

	m.logger.Info("recording stopped", zap.String("recording_id", id))
	if notify != nil {
		notify(models.RecordingStatus{IsRecording: false, RecordingID: id})
	}

	if !session.CanUpload() {
		m.logger.Info("user not logged in, recording kept for later upload", zap.String("recording_id", id))
		return nil
	}
	if m.drainer != nil {
		res, err := m.drainer.Drain(ctx, session.UserID)
		if err != nil {
			m.logger.Warn("upload after stop failed", zap.String("recording_id", id), zap.Error(err))
		} else {
			m.logger.Info("upload after stop", zap.Strings("uploaded", res.Uploaded), zap.Strings("failed", res.Failed))
		}
	}
	return nil
}

// Teardown handles the page going away mid-recording. The flush is
// best-effort and bounded by TeardownTimeout; whatever did not make it is
// dropped. No upload is attempted.
func (m *Machine) Teardown(ctx context.Context) {
	m.teardown(ctx, nil)
}

// TeardownHandle tears down the recording only if it is still the one
// captured through h. A detach that arrives after that recording was stopped
// and another one started is ignored.
func (m *Machine) TeardownHandle(ctx context.Context, h capture.Handle) {
	if h == nil {
		return
	}
	m.teardown(ctx, h)
}

func (m *Machine) teardown(ctx context.Context, want capture.Handle) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()

	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	if want != nil && m.handle != want {
		id := m.entry.RecordingID
		m.mu.Unlock()
		m.logger.Debug("stale detach ignored", zap.String("recording_id", id))
		return
	}
	m.state = StateStopping
	handle := m.handle
	m.handle = nil
	id := m.entry.RecordingID
	m.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	m.debounce.Cancel()

	tctx, cancel := context.WithTimeout(ctx, m.cfg.TeardownTimeout)
	defer cancel()
	if err := m.Flush(tctx); err != nil {
		m.logger.Warn("teardown flush incomplete, events lost", zap.String("recording_id", id), zap.Int("lost", m.buffer.Len()), zap.Error(err))
	}
	m.buffer.Reset()

	m.mu.Lock()
	m.state = StateIdle
	m.entry = models.IndexEntry{}
	notify := m.notify
	m.mu.Unlock()

	m.logger.Info("recording torn down", zap.String("recording_id", id))
	if notify != nil {
		notify(models.RecordingStatus{IsRecording: false, RecordingID: id})
	}
}
