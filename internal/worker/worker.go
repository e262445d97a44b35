package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/recordings"
	"github.com/pagetrail/recorder/pkg/queue"
	"github.com/pagetrail/recorder/pkg/storage"
)

// Recordings is the recording storage the processor needs.
type Recordings interface {
	GetByRecordingID(ctx context.Context, recordingID string) (*models.Recording, error)
	MarkArchived(ctx context.Context, recordingID, s3Key string) error
}

// BlobStore writes archived event blobs.
type BlobStore interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	DeleteBlob(ctx context.Context, key string) error
}

// Jobs is the job queue the processor consumes.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ArchiveProcessor moves the events of stored recordings to object storage.
type ArchiveProcessor struct {
	recs    Recordings
	blobs   BlobStore
	queue   Jobs
	backoff time.Duration
	logger  *zap.Logger
}

// NewArchiveProcessor creates an archive processor.
func NewArchiveProcessor(recs Recordings, blobs BlobStore, q Jobs, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{recs: recs, blobs: blobs, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	rec, err := p.recs.GetByRecordingID(ctx, payload.RecordingID)
	if errors.Is(err, recordings.ErrNotFound) {
		p.logger.Warn("archive target gone", zap.String("recording_id", payload.RecordingID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recording %s: %w", payload.RecordingID, err)
	}
	if rec.S3Key != "" {
		p.logger.Info("recording already archived", zap.String("recording_id", rec.RecordingID))
		return nil
	}

	data, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	owner := ""
	if rec.UserID != nil {
		owner = rec.UserID.String()
	}
	key := storage.RecordingKey(owner, rec.RecordingID)
	if err := p.blobs.PutBlob(ctx, key, data); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.recs.MarkArchived(ctx, rec.RecordingID, key); err != nil {
		p.logger.Error("mark recording archived failed", zap.Error(err), zap.String("recording_id", rec.RecordingID))
		// The row still holds the events; drop the orphan copy.
		if delErr := p.blobs.DeleteBlob(ctx, key); delErr != nil {
			p.logger.Warn("delete orphan blob", zap.String("s3_key", key), zap.Error(delErr))
		}
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("recording archived", zap.String("recording_id", rec.RecordingID), zap.String("s3_key", key), zap.Int("bytes", len(data)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
			continue
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
