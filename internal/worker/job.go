package worker

import (
	"context"
	"time"

	"certmailer/internal/docstore"
	"certmailer/internal/models"
	"certmailer/internal/roster"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Finished reports whether the job will not change any more.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Request is everything one batch needs.
type Request struct {
	UserID   int64
	SourceID docstore.SourceID
	Roster   roster.Roster
	Template models.Template
}

// Snapshot is a point-in-time view of a job, safe to hand out.
type Snapshot struct {
	ID         string           `json:"id"`
	UserID     int64            `json:"user_id"`
	SourceID   string           `json:"source_id"`
	Status     Status           `json:"status"`
	Fraction   float64          `json:"fraction"`
	Label      string           `json:"label"`
	Total      int              `json:"total"`
	Eligible   int              `json:"eligible"`
	Run        *models.BatchRun `json:"run,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  time.Time        `json:"started_at,omitzero"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
}

type job struct {
	req    Request
	snap   Snapshot
	cancel context.CancelFunc
}
