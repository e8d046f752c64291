package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SourceKind string

const (
	SourceSearch       SourceKind = "search"
	SourceTransparency SourceKind = "ads_transparency"
)

// Snapshot is one captured result set for a target. Immutable once written;
// corrections are made by inserting a newer snapshot. Location holds the
// normalized location/region actually sent to the provider, not the raw input.
type Snapshot struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	TargetID   uuid.UUID       `json:"target_id" db:"target_id"`
	Source     SourceKind      `json:"source" db:"source"`
	Device     string          `json:"device" db:"device"`
	Location   string          `json:"location" db:"location"`
	CapturedAt time.Time       `json:"captured_at_utc" db:"captured_at_utc"`
	Raw        json.RawMessage `json:"raw" db:"raw"`
}

// AdRecord is derived from a snapshot payload, never constructed on its own.
type AdRecord struct {
	ID              int64     `json:"id" db:"id"`
	SnapshotID      uuid.UUID `json:"snapshot_id" db:"snapshot_id"`
	TargetID        uuid.UUID `json:"target_id" db:"target_id"`
	Advertiser      string    `json:"advertiser" db:"advertiser"`
	AdID            string    `json:"ad_id" db:"ad_id"`
	Device          string    `json:"device" db:"device"`
	Block           string    `json:"block" db:"block"` // top or bottom
	Headline        string    `json:"headline" db:"headline"`
	Description     string    `json:"description" db:"description"`
	DisplayedLink   string    `json:"displayed_link" db:"displayed_link"`
	DestinationLink string    `json:"destination_link" db:"destination_link"`
	Position        int       `json:"position" db:"position"`
	CapturedAt      time.Time `json:"captured_at_utc" db:"captured_at_utc"`
}

// Presence delta of an advertiser between the current window and the
// immediately preceding equal-length window.
const (
	DeltaEntered = "entered"
	DeltaHeld    = "held"
	DeltaLeft    = "left"
)

// AuctionInsightRecord summarizes one advertiser's presence inside a window.
type AuctionInsightRecord struct {
	Advertiser  string    `json:"advertiser"`
	SnapshotID  uuid.UUID `json:"snapshot_id"` // first snapshot the advertiser was seen in
	FirstSeenAt time.Time `json:"first_seen_at_utc"`
	Appearances int       `json:"appearances"` // snapshots containing the advertiser
	Creatives   int       `json:"creatives"`   // distinct ad records
	Delta       string    `json:"delta"`
}

// DiffResult is the outcome of a windowed auction-insight diff. When no
// snapshots exist in the window, Records is empty and Message says so;
// placeholder data is never fabricated.
type DiffResult struct {
	Records []AuctionInsightRecord `json:"records"`
	Message string                 `json:"message,omitempty"`
}

// CompetitorStat aggregates search-ad appearances per advertiser.
type CompetitorStat struct {
	Advertiser  string  `json:"advertiser"`
	Appearances int     `json:"appearances"`
	TopShare    float64 `json:"top_share"`
	BottomShare float64 `json:"bottom_share"`
}
