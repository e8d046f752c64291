package models

import (
	"time"

	"github.com/google/uuid"
)

// BudgetState tracks budget exhaustion per target. Exhausted is monotone
// within a UTC day: it can flip true mid-cycle but only a day rollover
// clears it. Mutated exclusively by the budget monitor.
type BudgetState struct {
	TargetID          uuid.UUID  `json:"target_id" db:"target_id"`
	Advertiser        string     `json:"advertiser" db:"advertiser"`
	Exhausted         bool       `json:"exhausted" db:"exhausted"`
	ConsecutiveMisses int        `json:"consecutive_misses" db:"consecutive_misses"`
	Threshold         int        `json:"threshold" db:"threshold"`
	LastCheckedAt     time.Time  `json:"last_checked_at_utc" db:"last_checked_at_utc"`
	LastSeenAt        *time.Time `json:"last_seen_at_utc" db:"last_seen_at_utc"`
	CycleDate         string     `json:"cycle_date" db:"cycle_date"` // UTC day, YYYY-MM-DD
	UpdatedAt         time.Time  `json:"updated_at_utc" db:"updated_at_utc"`
}

// BudgetEvent is emitted only when the exhausted flag actually changes value.
type BudgetEvent struct {
	TargetID   uuid.UUID `json:"target_id"`
	Advertiser string    `json:"advertiser"`
	Exhausted  bool      `json:"exhausted"`
	At         time.Time `json:"at_utc"`
}

// PresenceRow is one observation of an advertiser in a budget check.
type PresenceRow struct {
	ID         int64     `json:"id" db:"id"`
	TargetID   uuid.UUID `json:"target_id" db:"target_id"`
	Advertiser string    `json:"advertiser" db:"advertiser"`
	ObservedAt time.Time `json:"observed_at_utc" db:"observed_at_utc"`
	Appeared   bool      `json:"appeared" db:"appeared"`
}

// AdvertiserPresence summarizes hourly presence over a trailing day.
type AdvertiserPresence struct {
	Advertiser   string `json:"advertiser"`
	HoursPresent int    `json:"hours_present"`
	FirstHour    int    `json:"first_hour"`
	LastHour     int    `json:"last_hour"`
}
