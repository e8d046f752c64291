package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// CollectRun records one fetch-and-store execution for a target.
type CollectRun struct {
	ID           int64      `json:"id" db:"id"`
	TargetID     uuid.UUID  `json:"target_id" db:"target_id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	SnapshotsNew int        `json:"snapshots_new" db:"snapshots_new"`
	AdsNew       int        `json:"ads_new" db:"ads_new"`
	ErrorsCount  int        `json:"errors_count" db:"errors_count"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
}
