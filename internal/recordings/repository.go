package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagetrail/recorder/internal/models"
)

// ErrNotFound is returned when no recording has the requested id.
var ErrNotFound = errors.New("recording not found")

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a recording. It reports false when a recording with the same
// recording_id already exists; the stored row is left untouched.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) (bool, error) {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return false, fmt.Errorf("marshal events: %w", err)
	}
	const q = `INSERT INTO recordings (recording_id, user_id, timestamp, url, events, event_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recording_id) DO NOTHING
		RETURNING id, created_at`
	err = r.pool.QueryRow(ctx, q, rec.RecordingID, rec.UserID, rec.Timestamp, rec.URL, events, len(rec.Events)).
		Scan(&rec.ID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetByRecordingID returns a recording with its events. Archived recordings
// come back with no events and S3Key set.
func (r *Repository) GetByRecordingID(ctx context.Context, recordingID string) (*models.Recording, error) {
	const q = `SELECT id, recording_id, user_id, timestamp, url, COALESCE(events, 'null'::jsonb), COALESCE(s3_key,''), created_at
		FROM recordings WHERE recording_id = $1`
	var rec models.Recording
	var events []byte
	err := r.pool.QueryRow(ctx, q, recordingID).
		Scan(&rec.ID, &rec.RecordingID, &rec.UserID, &rec.Timestamp, &rec.URL, &events, &rec.S3Key, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &rec.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return &rec, nil
}

// ListByUser returns the user's recordings, newest first, without events.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.RecordingSummary, error) {
	const q = `SELECT recording_id, url, timestamp FROM recordings WHERE user_id = $1 ORDER BY timestamp DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.RecordingSummary{}
	for rows.Next() {
		var s models.RecordingSummary
		if err := rows.Scan(&s.RecordingID, &s.URL, &s.Timestamp); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// MarkArchived records where the events were archived and drops them from the row.
func (r *Repository) MarkArchived(ctx context.Context, recordingID, s3Key string) error {
	const q = `UPDATE recordings SET s3_key = $2, events = NULL WHERE recording_id = $1`
	tag, err := r.pool.Exec(ctx, q, recordingID, s3Key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
