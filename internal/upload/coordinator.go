// Package upload drains pending recordings to the backend through the privileged relay context.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/models"
)

// ErrRejected is returned by a Transport when the backend did not confirm the upload.
var ErrRejected = errors.New("upload: not confirmed by backend")

// Pending is the view of the persistence index the coordinator needs.
type Pending interface {
	List(ctx context.Context) ([]models.IndexEntry, error)
	Events(ctx context.Context, id string) ([]models.Event, bool, error)
	RemoveMany(ctx context.Context, ids []string) error
}

// Transport hands one payload to whoever holds the backend credentials.
// A nil error means the backend confirmed the recording.
type Transport interface {
	Send(ctx context.Context, payload models.UploadPayload) error
}

// Result lists what one drain did.
type Result struct {
	Uploaded []string
	Failed   []string
	Cleaned  []string // index entries without a blob
	Skipped  string   // recording still being written
}

// Coordinator uploads pending recordings one at a time.
type Coordinator struct {
	pending   Pending
	transport Transport
	live      func() string
	mu        sync.Mutex // one drain at a time
	logger    *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(pending Pending, transport Transport, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{pending: pending, transport: transport, logger: logger}
}

// SkipLive sets the source of the recording id that is still receiving
// events. Drains leave that recording in the index: it is uploaded by the
// drain that follows its stop.
func (c *Coordinator) SkipLive(fn func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = fn
}

// Drain uploads every finished recording for userID in index order. Failed
// uploads stay pending for the next drain; only confirmed ids (and entries
// whose blob is gone) are removed, in one index rewrite at the end.
func (c *Coordinator) Drain(ctx context.Context, userID string) (Result, error) {
	var res Result
	if userID == "" {
		c.logger.Warn("drain skipped, no user id")
		return res, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.pending.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}
	// read after List: any listed entry that is not live has stopped taking writes
	if c.live != nil {
		res.Skipped = c.live()
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.RecordingID == res.Skipped {
			c.logger.Debug("recording still live, left pending", zap.String("recording_id", entry.RecordingID))
			continue
		}
		events, ok, err := c.pending.Events(ctx, entry.RecordingID)
		if err != nil {
			c.logger.Warn("read recording blob failed", zap.String("recording_id", entry.RecordingID), zap.Error(err))
			res.Failed = append(res.Failed, entry.RecordingID)
			continue
		}
		if !ok {
			c.logger.Warn("index entry without blob, cleaning up", zap.String("recording_id", entry.RecordingID))
			res.Cleaned = append(res.Cleaned, entry.RecordingID)
			continue
		}
		payload := models.UploadPayload{
			UserID:      userID,
			RecordingID: entry.RecordingID,
			Timestamp:   entry.CreatedAt,
			Events:      events,
		}
		if err := c.transport.Send(ctx, payload); err != nil {
			c.logger.Error("send recording failed", zap.String("recording_id", entry.RecordingID), zap.Error(err))
			res.Failed = append(res.Failed, entry.RecordingID)
			continue
		}
		c.logger.Info("recording uploaded", zap.String("recording_id", entry.RecordingID), zap.Int("events", len(events)))
		res.Uploaded = append(res.Uploaded, entry.RecordingID)
	}

	done := append(append([]string(nil), res.Uploaded...), res.Cleaned...)
	if err := c.pending.RemoveMany(ctx, done); err != nil {
		return res, fmt.Errorf("remove uploaded: %w", err)
	}
	if len(done) > 0 {
		c.logger.Info("pending recordings removed", zap.Int("removed", len(done)), zap.Int("remaining", len(entries)-len(done)))
	}
	return res, nil
}
