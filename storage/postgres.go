package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"ppcwatch/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		id UUID PRIMARY KEY,
		keyword TEXT NOT NULL,
		location_input TEXT NOT NULL,
		gl TEXT,
		hl TEXT,
		created_at TIMESTAMPTZ,
		budget_tracking BOOLEAN DEFAULT FALSE,
		budget_advertiser TEXT DEFAULT '',
		budget_threshold INTEGER DEFAULT 0,
		UNIQUE(keyword, location_input)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id UUID PRIMARY KEY,
		target_id UUID NOT NULL REFERENCES targets(id),
		source TEXT NOT NULL,
		device TEXT NOT NULL,
		location TEXT,
		captured_at_utc TIMESTAMPTZ NOT NULL,
		raw JSONB,
		UNIQUE(target_id, source, device, captured_at_utc)
	);

	CREATE TABLE IF NOT EXISTS ad_records (
		id BIGSERIAL PRIMARY KEY,
		snapshot_id UUID NOT NULL REFERENCES snapshots(id),
		target_id UUID NOT NULL,
		advertiser TEXT NOT NULL,
		ad_id TEXT,
		device TEXT,
		block TEXT,
		headline TEXT,
		description TEXT,
		displayed_link TEXT,
		destination_link TEXT,
		position INTEGER,
		captured_at_utc TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budget_states (
		target_id UUID NOT NULL,
		advertiser TEXT NOT NULL,
		exhausted BOOLEAN DEFAULT FALSE,
		consecutive_misses INTEGER DEFAULT 0,
		threshold INTEGER NOT NULL,
		last_checked_at_utc TIMESTAMPTZ,
		last_seen_at_utc TIMESTAMPTZ,
		cycle_date TEXT,
		updated_at_utc TIMESTAMPTZ,
		PRIMARY KEY (target_id, advertiser)
	);

	CREATE TABLE IF NOT EXISTS presence (
		id BIGSERIAL PRIMARY KEY,
		target_id UUID NOT NULL,
		advertiser TEXT NOT NULL,
		observed_at_utc TIMESTAMPTZ NOT NULL,
		appeared BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collect_runs (
		id BIGSERIAL PRIMARY KEY,
		target_id UUID,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		status TEXT,
		snapshots_new INTEGER DEFAULT 0,
		ads_new INTEGER DEFAULT 0,
		errors_count INTEGER DEFAULT 0,
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT,
		timestamp TIMESTAMPTZ,
		level TEXT,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS crawls (
		id BIGSERIAL PRIMARY KEY,
		ad_record_id BIGINT NOT NULL REFERENCES ad_records(id),
		destination_url TEXT,
		final_url TEXT,
		http_status INTEGER,
		title TEXT,
		h1 TEXT,
		h2s JSONB,
		has_form BOOLEAN,
		pricing_mentions BOOLEAN,
		financing_mentions BOOLEAN,
		offers JSONB,
		fetched_at_utc TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_target ON snapshots(target_id, source, captured_at_utc);
	CREATE INDEX IF NOT EXISTS idx_ads_target ON ad_records(target_id, captured_at_utc);
	CREATE INDEX IF NOT EXISTS idx_ads_snapshot ON ad_records(snapshot_id);
	CREATE INDEX IF NOT EXISTS idx_presence_target ON presence(target_id, observed_at_utc);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) AddTargets(ctx context.Context, targets []*models.Target) (int, error) {
	inserted := 0
	for _, t := range targets {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}

		tag, err := s.pool.Exec(ctx, `
			INSERT INTO targets (id, keyword, location_input, gl, hl, created_at,
				budget_tracking, budget_advertiser, budget_threshold)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (keyword, location_input) DO NOTHING`,
			t.ID, t.Keyword, t.LocationInput, t.GL, t.HL, t.CreatedAt,
			t.BudgetTracking, t.BudgetAdvertiser, t.BudgetThreshold)
		if err != nil {
			return inserted, err
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func (s *PostgresStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	return s.queryTargets(ctx, `
		SELECT id, keyword, location_input, gl, hl, created_at,
			budget_tracking, budget_advertiser, budget_threshold
		FROM targets ORDER BY created_at`)
}

func (s *PostgresStore) BudgetTargets(ctx context.Context) ([]models.Target, error) {
	return s.queryTargets(ctx, `
		SELECT id, keyword, location_input, gl, hl, created_at,
			budget_tracking, budget_advertiser, budget_threshold
		FROM targets WHERE budget_tracking ORDER BY created_at`)
}

func (s *PostgresStore) queryTargets(ctx context.Context, query string, args ...any) ([]models.Target, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.Keyword, &t.LocationInput, &t.GL, &t.HL, &t.CreatedAt,
			&t.BudgetTracking, &t.BudgetAdvertiser, &t.BudgetThreshold); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *PostgresStore) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	var t models.Target
	err := s.pool.QueryRow(ctx, `
		SELECT id, keyword, location_input, gl, hl, created_at,
			budget_tracking, budget_advertiser, budget_threshold
		FROM targets WHERE id = $1`, id).Scan(
		&t.ID, &t.Keyword, &t.LocationInput, &t.GL, &t.HL, &t.CreatedAt,
		&t.BudgetTracking, &t.BudgetAdvertiser, &t.BudgetThreshold)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *models.Snapshot, ads []models.AdRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO snapshots (id, target_id, source, device, location, captured_at_utc, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id, source, device, captured_at_utc) DO NOTHING`,
		snap.ID, snap.TargetID, snap.Source, snap.Device, snap.Location,
		snap.CapturedAt.UTC(), []byte(snap.Raw))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, ad := range ads {
		_, err := tx.Exec(ctx, `
			INSERT INTO ad_records (snapshot_id, target_id, advertiser, ad_id, device, block,
				headline, description, displayed_link, destination_link, position, captured_at_utc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			snap.ID, snap.TargetID, ad.Advertiser, ad.AdID, ad.Device, ad.Block,
			ad.Headline, ad.Description, ad.DisplayedLink, ad.DestinationLink, ad.Position,
			snap.CapturedAt.UTC())
		if err != nil {
			return false, err
		}
	}

	return true, tx.Commit(ctx)
}

func (s *PostgresStore) SnapshotsBetween(ctx context.Context, targetID uuid.UUID, source models.SourceKind, from, to time.Time) ([]models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_id, source, device, location, captured_at_utc, raw
		FROM snapshots
		WHERE target_id = $1 AND source = $2 AND captured_at_utc >= $3 AND captured_at_utc < $4
		ORDER BY captured_at_utc`,
		targetID, source, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		var raw []byte
		if err := rows.Scan(&snap.ID, &snap.TargetID, &snap.Source, &snap.Device,
			&snap.Location, &snap.CapturedAt, &raw); err != nil {
			return nil, err
		}
		snap.Raw = raw
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) AdRecordsBetween(ctx context.Context, targetID uuid.UUID, from, to time.Time) ([]models.AdRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, snapshot_id, target_id, advertiser, ad_id, device, block,
			headline, description, displayed_link, destination_link, position, captured_at_utc
		FROM ad_records
		WHERE target_id = $1 AND captured_at_utc >= $2 AND captured_at_utc < $3
		ORDER BY captured_at_utc, position`,
		targetID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgAdRecords(rows)
}

func scanPgAdRecords(rows pgx.Rows) ([]models.AdRecord, error) {
	var ads []models.AdRecord
	for rows.Next() {
		var ad models.AdRecord
		err := rows.Scan(&ad.ID, &ad.SnapshotID, &ad.TargetID, &ad.Advertiser, &ad.AdID,
			&ad.Device, &ad.Block, &ad.Headline, &ad.Description, &ad.DisplayedLink,
			&ad.DestinationLink, &ad.Position, &ad.CapturedAt)
		if err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, rows.Err()
}

func (s *PostgresStore) CompetitorStats(ctx context.Context, targetID uuid.UUID, since time.Time) ([]models.CompetitorStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.advertiser,
			COUNT(*),
			AVG(CASE WHEN a.block = 'top' THEN 1.0 ELSE 0.0 END),
			AVG(CASE WHEN a.block = 'bottom' THEN 1.0 ELSE 0.0 END)
		FROM ad_records a
		JOIN snapshots s ON s.id = a.snapshot_id
		WHERE a.target_id = $1 AND s.source = $2 AND a.captured_at_utc >= $3
		GROUP BY a.advertiser
		ORDER BY COUNT(*) DESC, a.advertiser`,
		targetID, models.SourceSearch, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.CompetitorStat
	for rows.Next() {
		var st models.CompetitorStat
		if err := rows.Scan(&st.Advertiser, &st.Appearances, &st.TopShare, &st.BottomShare); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) GetBudgetState(ctx context.Context, targetID uuid.UUID, advertiser string) (*models.BudgetState, error) {
	var st models.BudgetState
	err := s.pool.QueryRow(ctx, `
		SELECT target_id, advertiser, exhausted, consecutive_misses, threshold,
			last_checked_at_utc, last_seen_at_utc, cycle_date, updated_at_utc
		FROM budget_states WHERE target_id = $1 AND advertiser = $2`,
		targetID, advertiser).Scan(
		&st.TargetID, &st.Advertiser, &st.Exhausted, &st.ConsecutiveMisses, &st.Threshold,
		&st.LastCheckedAt, &st.LastSeenAt, &st.CycleDate, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) PutBudgetState(ctx context.Context, st *models.BudgetState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_states (target_id, advertiser, exhausted, consecutive_misses, threshold,
			last_checked_at_utc, last_seen_at_utc, cycle_date, updated_at_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (target_id, advertiser) DO UPDATE SET
			exhausted = EXCLUDED.exhausted,
			consecutive_misses = EXCLUDED.consecutive_misses,
			threshold = EXCLUDED.threshold,
			last_checked_at_utc = EXCLUDED.last_checked_at_utc,
			last_seen_at_utc = EXCLUDED.last_seen_at_utc,
			cycle_date = EXCLUDED.cycle_date,
			updated_at_utc = EXCLUDED.updated_at_utc`,
		st.TargetID, st.Advertiser, st.Exhausted, st.ConsecutiveMisses, st.Threshold,
		st.LastCheckedAt, st.LastSeenAt, st.CycleDate, st.UpdatedAt)
	return err
}

func (s *PostgresStore) ResetBudgetCycles(ctx context.Context, cycleDate string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE budget_states
		SET exhausted = FALSE, consecutive_misses = 0, cycle_date = $1, updated_at_utc = $2
		WHERE cycle_date != $1`,
		cycleDate, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordPresence(ctx context.Context, row *models.PresenceRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (target_id, advertiser, observed_at_utc, appeared)
		VALUES ($1, $2, $3, $4)`,
		row.TargetID, row.Advertiser, row.ObservedAt.UTC(), row.Appeared)
	return err
}

func (s *PostgresStore) PresenceSince(ctx context.Context, targetID uuid.UUID, since time.Time) ([]models.AdvertiserPresence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT advertiser,
			COUNT(DISTINCT EXTRACT(HOUR FROM observed_at_utc)),
			MIN(EXTRACT(HOUR FROM observed_at_utc))::INTEGER,
			MAX(EXTRACT(HOUR FROM observed_at_utc))::INTEGER
		FROM presence
		WHERE target_id = $1 AND observed_at_utc >= $2 AND appeared
		GROUP BY advertiser
		ORDER BY 2 DESC, advertiser`,
		targetID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AdvertiserPresence
	for rows.Next() {
		var p models.AdvertiserPresence
		if err := rows.Scan(&p.Advertiser, &p.HoursPresent, &p.FirstHour, &p.LastHour); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.CollectRun) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO collect_runs (target_id, started_at, status)
		VALUES ($1, $2, $3)
		RETURNING id`,
		run.TargetID, run.StartedAt, run.Status).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.CollectRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE collect_runs SET finished_at = $1, status = $2, snapshots_new = $3,
			ads_new = $4, errors_count = $5, error_message = $6
		WHERE id = $7`,
		run.FinishedAt, run.Status, run.SnapshotsNew, run.AdsNew,
		run.ErrorsCount, run.ErrorMessage, run.ID)
	return err
}

func (s *PostgresStore) Log(ctx context.Context, runID *int64, level, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message)
		VALUES ($1, $2, $3, $4)`,
		runID, time.Now().UTC(), level, message)
	return err
}

func (s *PostgresStore) SaveCrawl(ctx context.Context, c *models.Crawl) error {
	h2s, _ := json.Marshal(c.H2s)
	offers, _ := json.Marshal(c.Offers)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO crawls (ad_record_id, destination_url, final_url, http_status, title, h1, h2s,
			has_form, pricing_mentions, financing_mentions, offers, fetched_at_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		c.AdRecordID, c.DestinationURL, c.FinalURL, c.HTTPStatus, c.Title, c.H1, h2s,
		c.HasForm, c.PricingMentions, c.FinancingMentions, offers, c.FetchedAt.UTC()).Scan(&c.ID)
	return err
}

func (s *PostgresStore) LatestCrawl(ctx context.Context, adRecordID int64) (*models.Crawl, error) {
	var c models.Crawl
	var h2s, offers []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, ad_record_id, destination_url, final_url, http_status, title, h1, h2s,
			has_form, pricing_mentions, financing_mentions, offers, fetched_at_utc
		FROM crawls WHERE ad_record_id = $1 ORDER BY fetched_at_utc DESC LIMIT 1`,
		adRecordID).Scan(
		&c.ID, &c.AdRecordID, &c.DestinationURL, &c.FinalURL, &c.HTTPStatus, &c.Title, &c.H1, &h2s,
		&c.HasForm, &c.PricingMentions, &c.FinancingMentions, &offers, &c.FetchedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(h2s) > 0 {
		_ = json.Unmarshal(h2s, &c.H2s)
	}
	if len(offers) > 0 {
		_ = json.Unmarshal(offers, &c.Offers)
	}
	return &c, nil
}

func (s *PostgresStore) UncrawledAdRecords(ctx context.Context, limit int) ([]models.AdRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.snapshot_id, a.target_id, a.advertiser, a.ad_id, a.device, a.block,
			a.headline, a.description, a.displayed_link, a.destination_link, a.position, a.captured_at_utc
		FROM ad_records a
		LEFT JOIN crawls c ON c.ad_record_id = a.id
		WHERE c.id IS NULL AND a.destination_link != ''
		ORDER BY a.captured_at_utc DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgAdRecords(rows)
}
