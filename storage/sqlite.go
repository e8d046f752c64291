package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"ppcwatch/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		keyword TEXT NOT NULL,
		location_input TEXT NOT NULL,
		gl TEXT,
		hl TEXT,
		created_at DATETIME,
		budget_tracking BOOLEAN DEFAULT FALSE,
		budget_advertiser TEXT DEFAULT '',
		budget_threshold INTEGER DEFAULT 0,
		UNIQUE(keyword, location_input)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		source TEXT NOT NULL,
		device TEXT NOT NULL,
		location TEXT,
		captured_at_utc DATETIME NOT NULL,
		raw JSON,
		UNIQUE(target_id, source, device, captured_at_utc),
		FOREIGN KEY (target_id) REFERENCES targets(id)
	);

	CREATE TABLE IF NOT EXISTS ad_records (
		id INTEGER PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		advertiser TEXT NOT NULL,
		ad_id TEXT,
		device TEXT,
		block TEXT,
		headline TEXT,
		description TEXT,
		displayed_link TEXT,
		destination_link TEXT,
		position INTEGER,
		captured_at_utc DATETIME NOT NULL,
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
	);

	CREATE TABLE IF NOT EXISTS budget_states (
		target_id TEXT NOT NULL,
		advertiser TEXT NOT NULL,
		exhausted BOOLEAN DEFAULT FALSE,
		consecutive_misses INTEGER DEFAULT 0,
		threshold INTEGER NOT NULL,
		last_checked_at_utc DATETIME,
		last_seen_at_utc DATETIME,
		cycle_date TEXT,
		updated_at_utc DATETIME,
		PRIMARY KEY (target_id, advertiser)
	);

	CREATE TABLE IF NOT EXISTS presence (
		id INTEGER PRIMARY KEY,
		target_id TEXT NOT NULL,
		advertiser TEXT NOT NULL,
		observed_at_utc DATETIME NOT NULL,
		appeared BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collect_runs (
		id INTEGER PRIMARY KEY,
		target_id TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		snapshots_new INTEGER DEFAULT 0,
		ads_new INTEGER DEFAULT 0,
		errors_count INTEGER DEFAULT 0,
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS crawls (
		id INTEGER PRIMARY KEY,
		ad_record_id INTEGER NOT NULL,
		destination_url TEXT,
		final_url TEXT,
		http_status INTEGER,
		title TEXT,
		h1 TEXT,
		h2s JSON,
		has_form BOOLEAN,
		pricing_mentions BOOLEAN,
		financing_mentions BOOLEAN,
		offers JSON,
		fetched_at_utc DATETIME,
		FOREIGN KEY (ad_record_id) REFERENCES ad_records(id)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_target ON snapshots(target_id, source, captured_at_utc);
	CREATE INDEX IF NOT EXISTS idx_ads_target ON ad_records(target_id, captured_at_utc);
	CREATE INDEX IF NOT EXISTS idx_ads_snapshot ON ad_records(snapshot_id);
	CREATE INDEX IF NOT EXISTS idx_presence_target ON presence(target_id, observed_at_utc);
	CREATE INDEX IF NOT EXISTS idx_runs_target ON collect_runs(target_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_crawls_ad ON crawls(ad_record_id, fetched_at_utc);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) AddTargets(ctx context.Context, targets []*models.Target) (int, error) {
	inserted := 0
	for _, t := range targets {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}

		result, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO targets (id, keyword, location_input, gl, hl, created_at,
				budget_tracking, budget_advertiser, budget_threshold)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), t.Keyword, t.LocationInput, t.GL, t.HL, t.CreatedAt,
			t.BudgetTracking, t.BudgetAdvertiser, t.BudgetThreshold)
		if err != nil {
			return inserted, err
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			inserted++
		}
	}
	return inserted, nil
}

const targetColumns = `id, keyword, location_input, gl, hl, created_at,
	budget_tracking, budget_advertiser, budget_threshold`

func scanTarget(row interface{ Scan(...any) error }) (*models.Target, error) {
	var t models.Target
	var id string
	err := row.Scan(&id, &t.Keyword, &t.LocationInput, &t.GL, &t.HL, &t.CreatedAt,
		&t.BudgetTracking, &t.BudgetAdvertiser, &t.BudgetThreshold)
	if err != nil {
		return nil, err
	}
	t.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTargets(ctx context.Context) ([]models.Target, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY created_at`)
}

func (s *SQLiteStore) BudgetTargets(ctx context.Context) ([]models.Target, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM targets WHERE budget_tracking = TRUE ORDER BY created_at`)
}

func (s *SQLiteStore) queryTargets(ctx context.Context, query string, args ...any) ([]models.Target, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

func (s *SQLiteStore) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id.String())
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *models.Snapshot, ads []models.AdRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (id, target_id, source, device, location, captured_at_utc, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.TargetID.String(), snap.Source, snap.Device,
		snap.Location, snap.CapturedAt.UTC(), []byte(snap.Raw))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		// Same logical capture already stored; nothing to do.
		return false, nil
	}

	for _, ad := range ads {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ad_records (snapshot_id, target_id, advertiser, ad_id, device, block,
				headline, description, displayed_link, destination_link, position, captured_at_utc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ID.String(), snap.TargetID.String(), ad.Advertiser, ad.AdID, ad.Device, ad.Block,
			ad.Headline, ad.Description, ad.DisplayedLink, ad.DestinationLink, ad.Position,
			snap.CapturedAt.UTC())
		if err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

func (s *SQLiteStore) SnapshotsBetween(ctx context.Context, targetID uuid.UUID, source models.SourceKind, from, to time.Time) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_id, source, device, location, captured_at_utc, raw
		FROM snapshots
		WHERE target_id = ? AND source = ? AND captured_at_utc >= ? AND captured_at_utc < ?
		ORDER BY captured_at_utc`,
		targetID.String(), source, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		var id, tid string
		var raw []byte
		if err := rows.Scan(&id, &tid, &snap.Source, &snap.Device, &snap.Location, &snap.CapturedAt, &raw); err != nil {
			return nil, err
		}
		if snap.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if snap.TargetID, err = uuid.Parse(tid); err != nil {
			return nil, err
		}
		snap.Raw = json.RawMessage(raw)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) AdRecordsBetween(ctx context.Context, targetID uuid.UUID, from, to time.Time) ([]models.AdRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, target_id, advertiser, ad_id, device, block,
			headline, description, displayed_link, destination_link, position, captured_at_utc
		FROM ad_records
		WHERE target_id = ? AND captured_at_utc >= ? AND captured_at_utc < ?
		ORDER BY captured_at_utc, position`,
		targetID.String(), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAdRecords(rows)
}

func scanAdRecords(rows *sql.Rows) ([]models.AdRecord, error) {
	var ads []models.AdRecord
	for rows.Next() {
		var ad models.AdRecord
		var sid, tid string
		err := rows.Scan(&ad.ID, &sid, &tid, &ad.Advertiser, &ad.AdID, &ad.Device, &ad.Block,
			&ad.Headline, &ad.Description, &ad.DisplayedLink, &ad.DestinationLink, &ad.Position, &ad.CapturedAt)
		if err != nil {
			return nil, err
		}
		if ad.SnapshotID, err = uuid.Parse(sid); err != nil {
			return nil, err
		}
		if ad.TargetID, err = uuid.Parse(tid); err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, rows.Err()
}

func (s *SQLiteStore) CompetitorStats(ctx context.Context, targetID uuid.UUID, since time.Time) ([]models.CompetitorStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.advertiser,
			COUNT(*),
			AVG(CASE WHEN a.block = 'top' THEN 1.0 ELSE 0.0 END),
			AVG(CASE WHEN a.block = 'bottom' THEN 1.0 ELSE 0.0 END)
		FROM ad_records a
		JOIN snapshots s ON s.id = a.snapshot_id
		WHERE a.target_id = ? AND s.source = ? AND a.captured_at_utc >= ?
		GROUP BY a.advertiser
		ORDER BY COUNT(*) DESC, a.advertiser`,
		targetID.String(), models.SourceSearch, since.UTC())
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

func (s *SQLiteStore) GetBudgetState(ctx context.Context, targetID uuid.UUID, advertiser string) (*models.BudgetState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target_id, advertiser, exhausted, consecutive_misses, threshold,
			last_checked_at_utc, last_seen_at_utc, cycle_date, updated_at_utc
		FROM budget_states WHERE target_id = ? AND advertiser = ?`,
		targetID.String(), advertiser)

	var st models.BudgetState
	var tid string
	var lastSeen sql.NullTime
	err := row.Scan(&tid, &st.Advertiser, &st.Exhausted, &st.ConsecutiveMisses, &st.Threshold,
		&st.LastCheckedAt, &lastSeen, &st.CycleDate, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.TargetID, err = uuid.Parse(tid); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		st.LastSeenAt = &t
	}
	return &st, nil
}

func (s *SQLiteStore) PutBudgetState(ctx context.Context, st *models.BudgetState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_states (target_id, advertiser, exhausted, consecutive_misses, threshold,
			last_checked_at_utc, last_seen_at_utc, cycle_date, updated_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, advertiser) DO UPDATE SET
			exhausted = excluded.exhausted,
			consecutive_misses = excluded.consecutive_misses,
			threshold = excluded.threshold,
			last_checked_at_utc = excluded.last_checked_at_utc,
			last_seen_at_utc = excluded.last_seen_at_utc,
			cycle_date = excluded.cycle_date,
			updated_at_utc = excluded.updated_at_utc`,
		st.TargetID.String(), st.Advertiser, st.Exhausted, st.ConsecutiveMisses, st.Threshold,
		st.LastCheckedAt, st.LastSeenAt, st.CycleDate, st.UpdatedAt)
	return err
}

func (s *SQLiteStore) ResetBudgetCycles(ctx context.Context, cycleDate string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE budget_states
		SET exhausted = FALSE, consecutive_misses = 0, cycle_date = ?, updated_at_utc = ?
		WHERE cycle_date != ?`,
		cycleDate, time.Now().UTC(), cycleDate)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) RecordPresence(ctx context.Context, row *models.PresenceRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (target_id, advertiser, observed_at_utc, appeared)
		VALUES (?, ?, ?, ?)`,
		row.TargetID.String(), row.Advertiser, row.ObservedAt.UTC(), row.Appeared)
	return err
}

func (s *SQLiteStore) PresenceSince(ctx context.Context, targetID uuid.UUID, since time.Time) ([]models.AdvertiserPresence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT advertiser,
			COUNT(DISTINCT strftime('%H', observed_at_utc)),
			MIN(CAST(strftime('%H', observed_at_utc) AS INTEGER)),
			MAX(CAST(strftime('%H', observed_at_utc) AS INTEGER))
		FROM presence
		WHERE target_id = ? AND observed_at_utc >= ? AND appeared
		GROUP BY advertiser
		ORDER BY COUNT(DISTINCT strftime('%H', observed_at_utc)) DESC, advertiser`,
		targetID.String(), since.UTC())
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

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.CollectRun) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO collect_runs (target_id, started_at, status, snapshots_new, ads_new, errors_count, error_message)
		VALUES (?, ?, ?, 0, 0, 0, '')`,
		run.TargetID.String(), run.StartedAt, run.Status)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.CollectRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collect_runs SET finished_at = ?, status = ?, snapshots_new = ?,
			ads_new = ?, errors_count = ?, error_message = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.SnapshotsNew, run.AdsNew, run.ErrorsCount, run.ErrorMessage, run.ID)
	return err
}

func (s *SQLiteStore) Log(ctx context.Context, runID *int64, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)`,
		runID, time.Now().UTC(), level, message)
	return err
}

func (s *SQLiteStore) SaveCrawl(ctx context.Context, c *models.Crawl) error {
	h2s, _ := json.Marshal(c.H2s)
	offers, _ := json.Marshal(c.Offers)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO crawls (ad_record_id, destination_url, final_url, http_status, title, h1, h2s,
			has_form, pricing_mentions, financing_mentions, offers, fetched_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.AdRecordID, c.DestinationURL, c.FinalURL, c.HTTPStatus, c.Title, c.H1, h2s,
		c.HasForm, c.PricingMentions, c.FinancingMentions, offers, c.FetchedAt.UTC())
	if err != nil {
		return err
	}
	c.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) LatestCrawl(ctx context.Context, adRecordID int64) (*models.Crawl, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ad_record_id, destination_url, final_url, http_status, title, h1, h2s,
			has_form, pricing_mentions, financing_mentions, offers, fetched_at_utc
		FROM crawls WHERE ad_record_id = ? ORDER BY fetched_at_utc DESC LIMIT 1`, adRecordID)

	var c models.Crawl
	var h2s, offers []byte
	err := row.Scan(&c.ID, &c.AdRecordID, &c.DestinationURL, &c.FinalURL, &c.HTTPStatus, &c.Title, &c.H1, &h2s,
		&c.HasForm, &c.PricingMentions, &c.FinancingMentions, &offers, &c.FetchedAt)
	if err == sql.ErrNoRows {
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

func (s *SQLiteStore) UncrawledAdRecords(ctx context.Context, limit int) ([]models.AdRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.snapshot_id, a.target_id, a.advertiser, a.ad_id, a.device, a.block,
			a.headline, a.description, a.displayed_link, a.destination_link, a.position, a.captured_at_utc
		FROM ad_records a
		LEFT JOIN crawls c ON c.ad_record_id = a.id
		WHERE c.id IS NULL AND a.destination_link != ''
		ORDER BY a.captured_at_utc DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAdRecords(rows)
}
