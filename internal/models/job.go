package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Job kinds form a closed set so the registry stays exhaustive.
const (
	JobKindImage = "image"
	JobKindVideo = "video"
	JobKindAudio = "audio"
)

// Job lifecycle statuses.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// GenerationJob is an asynchronous unit of paid work. It is created
// atomically with the ledger entry that pays for it; its CostCoins always
// equals the magnitude on that entry.
type GenerationJob struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	CostCoins int64     `json:"cost_coins" db:"cost_coins"`
	Status    string    `json:"status" db:"status"`
	Input     Document  `json:"input" db:"input"`
	Output    Document  `json:"output,omitempty" db:"output"` // nil until completion
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ValidJobKind reports whether kind is in the closed kind set.
func ValidJobKind(kind string) bool {
	switch kind {
	case JobKindImage, JobKindVideo, JobKindAudio:
		return true
	}
	return false
}

// ValidJobStatus reports whether status is a known lifecycle status.
func ValidJobStatus(status string) bool {
	switch status {
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess, JobStatusFailed:
		return true
	}
	return false
}

// TerminalJobStatus reports whether a job can no longer transition.
func TerminalJobStatus(status string) bool {
	return status == JobStatusSuccess || status == JobStatusFailed
}

// Document type for JSONB fields
type Document map[string]any

// Value implements driver.Valuer for Document
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for Document
func (d *Document) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, d)
}
