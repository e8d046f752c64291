package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"ppcwatch/models"
)

// Store is the persistence surface shared by the SQLite and Postgres
// implementations. All timestamps passed in and returned are UTC.
type Store interface {
	// AddTargets inserts targets, skipping any (keyword, location_input)
	// pair already present. The return value counts rows actually
	// written, not rows requested.
	AddTargets(ctx context.Context, targets []*models.Target) (int, error)
	ListTargets(ctx context.Context) ([]models.Target, error)
	GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error)
	// BudgetTargets lists targets with budget tracking enabled.
	BudgetTargets(ctx context.Context) ([]models.Target, error)

	// InsertSnapshot writes a snapshot and its derived ad records in one
	// transaction. A snapshot with the same (target, source, device,
	// captured_at) identity is skipped and false is returned; the ad
	// records are skipped with it.
	InsertSnapshot(ctx context.Context, snap *models.Snapshot, ads []models.AdRecord) (bool, error)
	SnapshotsBetween(ctx context.Context, targetID uuid.UUID, source models.SourceKind, from, to time.Time) ([]models.Snapshot, error)
	AdRecordsBetween(ctx context.Context, targetID uuid.UUID, from, to time.Time) ([]models.AdRecord, error)
	CompetitorStats(ctx context.Context, targetID uuid.UUID, since time.Time) ([]models.CompetitorStat, error)

	GetBudgetState(ctx context.Context, targetID uuid.UUID, advertiser string) (*models.BudgetState, error)
	PutBudgetState(ctx context.Context, state *models.BudgetState) error
	// ResetBudgetCycles clears exhausted flags and miss counters for
	// every state not already on cycleDate. Returns rows reset.
	ResetBudgetCycles(ctx context.Context, cycleDate string) (int64, error)
	RecordPresence(ctx context.Context, row *models.PresenceRow) error
	PresenceSince(ctx context.Context, targetID uuid.UUID, since time.Time) ([]models.AdvertiserPresence, error)

	CreateRun(ctx context.Context, run *models.CollectRun) (int64, error)
	UpdateRun(ctx context.Context, run *models.CollectRun) error
	Log(ctx context.Context, runID *int64, level, message string) error

	SaveCrawl(ctx context.Context, c *models.Crawl) error
	LatestCrawl(ctx context.Context, adRecordID int64) (*models.Crawl, error)
	// UncrawledAdRecords lists recent ad records carrying a destination
	// link that no crawl row references yet.
	UncrawledAdRecords(ctx context.Context, limit int) ([]models.AdRecord, error)

	Close() error
}
