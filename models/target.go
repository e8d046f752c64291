package models

import (
	"time"

	"github.com/google/uuid"
)

// Target is a tracked (keyword, location) pair. LocationInput is stored
// exactly as the user supplied it; normalization happens at request time so
// mapping-table changes apply to future fetches without a data migration.
type Target struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Keyword       string    `json:"keyword" db:"keyword"`
	LocationInput string    `json:"location_input" db:"location_input"`
	GL            string    `json:"gl" db:"gl"` // provider country code, e.g. "us"
	HL            string    `json:"hl" db:"hl"` // provider language code, e.g. "en"
	CreatedAt     time.Time `json:"created_at" db:"created_at"`

	BudgetTracking   bool   `json:"budget_tracking" db:"budget_tracking"`
	BudgetAdvertiser string `json:"budget_advertiser" db:"budget_advertiser"`
	BudgetThreshold  int    `json:"budget_threshold" db:"budget_threshold"`
}

// Devices captured on every search run.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
)
