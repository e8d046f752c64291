package models

import (
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobCollect JobKind = "collect" // fetch-and-store
	JobBudget  JobKind = "budget"  // budget exhaustion check
)

// ScheduledJob binds one (target, kind) pair to a periodic trigger. The
// scheduler guarantees at most one in-flight execution per pair; overlapping
// triggers are dropped, never queued.
type ScheduledJob struct {
	TargetID uuid.UUID     `json:"target_id"`
	Kind     JobKind       `json:"kind"`
	NextRun  time.Time     `json:"next_run_utc"`
	Interval time.Duration `json:"interval"`
}
