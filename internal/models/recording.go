package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one record produced by the capture library (snapshot, mutation or meta).
// The pipeline never looks inside it; it is counted, buffered and sent as-is.
type Event = json.RawMessage

// IndexEntry describes a recording that has not been confirmed uploaded yet.
type IndexEntry struct {
	RecordingID string `json:"id"`
	CreatedAt   int64  `json:"timestamp"` // unix milliseconds
	SourceURL   string `json:"url"`
	SourceTitle string `json:"title"`
}

// UploadPayload is the body of POST /api/recording/create.
type UploadPayload struct {
	UserID      string  `json:"userId"`
	RecordingID string  `json:"recordingId"`
	Timestamp   int64   `json:"timestamp"`
	Events      []Event `json:"events"`
}

// Recording is a stored session on the backend.
type Recording struct {
	ID          uuid.UUID  `json:"id"`
	RecordingID string     `json:"recordingId"`
	UserID      *uuid.UUID `json:"userId,omitempty"`
	Timestamp   int64      `json:"timestamp"`
	URL         string     `json:"url"`
	Events      []Event    `json:"events"`
	S3Key       string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// RecordingSummary is the list view of a recording (no events).
type RecordingSummary struct {
	RecordingID string `json:"recordingId"`
	URL         string `json:"url"`
	Timestamp   int64  `json:"timestamp"`
}
