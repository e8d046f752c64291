package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"ppcwatch/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func addTarget(t *testing.T, store *SQLiteStore, keyword, location string) *models.Target {
	t.Helper()
	target := &models.Target{Keyword: keyword, LocationInput: location, GL: "us", HL: "en"}
	n, err := store.AddTargets(context.Background(), []*models.Target{target})
	if err != nil {
		t.Fatalf("adding target: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new target, got %d", n)
	}
	return target
}

func TestAddTargetsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []*models.Target{
		{Keyword: "running shoes", LocationInput: "85001"},
		{Keyword: "hiking boots", LocationInput: "85001"},
		{Keyword: "running shoes", LocationInput: "85001"},
	}
	n, err := store.AddTargets(ctx, batch)
	if err != nil {
		t.Fatalf("AddTargets: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 new targets from batch with duplicate, got %d", n)
	}

	n, err = store.AddTargets(ctx, []*models.Target{
		{Keyword: "running shoes", LocationInput: "85001"},
	})
	if err != nil {
		t.Fatalf("AddTargets: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-adding existing target: expected 0 new, got %d", n)
	}

	targets, err := store.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets stored, got %d", len(targets))
	}

	// Same keyword in a different location is a distinct target.
	n, err = store.AddTargets(ctx, []*models.Target{
		{Keyword: "running shoes", LocationInput: "10001"},
	})
	if err != nil {
		t.Fatalf("AddTargets: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected new target for different location, got %d", n)
	}
}

func TestInsertSnapshotDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	target := addTarget(t, store, "emergency plumber", "85001")

	capturedAt := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	snap := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceSearch,
		Device:     models.DeviceDesktop,
		Location:   "Phoenix, Arizona, United States",
		CapturedAt: capturedAt,
		Raw:        json.RawMessage(`{"ads": []}`),
	}
	ads := []models.AdRecord{
		{Advertiser: "acmeplumbing.com", AdID: "a-1", Block: "top", Position: 1, Device: models.DeviceDesktop},
		{Advertiser: "rapidrooter.com", AdID: "a-2", Block: "top", Position: 2, Device: models.DeviceDesktop},
	}

	inserted, err := store.InsertSnapshot(ctx, snap, ads)
	if err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should report true")
	}

	// Same identity again, fresh ID. Must be skipped along with its ads.
	dup := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceSearch,
		Device:     models.DeviceDesktop,
		CapturedAt: capturedAt,
		Raw:        json.RawMessage(`{"ads": ["different"]}`),
	}
	inserted, err = store.InsertSnapshot(ctx, dup, ads)
	if err != nil {
		t.Fatalf("InsertSnapshot duplicate: %v", err)
	}
	if inserted {
		t.Fatal("duplicate identity must not insert")
	}

	records, err := store.AdRecordsBetween(ctx, target.ID, capturedAt.Add(-time.Hour), capturedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("AdRecordsBetween: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 ad records after dedupe, got %d", len(records))
	}

	// A different device at the same instant is a distinct capture.
	mobile := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceSearch,
		Device:     models.DeviceMobile,
		CapturedAt: capturedAt,
		Raw:        json.RawMessage(`{}`),
	}
	inserted, err = store.InsertSnapshot(ctx, mobile, nil)
	if err != nil {
		t.Fatalf("InsertSnapshot mobile: %v", err)
	}
	if !inserted {
		t.Fatal("different device should insert")
	}
}

func TestSnapshotsBetweenWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	target := addTarget(t, store, "emergency plumber", "85001")

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 24 * time.Hour, 48 * time.Hour} {
		snap := &models.Snapshot{
			TargetID:   target.ID,
			Source:     models.SourceTransparency,
			Device:     models.DeviceDesktop,
			CapturedAt: base.Add(offset),
			Raw:        json.RawMessage(`{}`),
		}
		if _, err := store.InsertSnapshot(ctx, snap, nil); err != nil {
			t.Fatalf("InsertSnapshot: %v", err)
		}
	}

	// Half-open window: the upper bound is excluded.
	snaps, err := store.SnapshotsBetween(ctx, target.ID, models.SourceTransparency,
		base.Add(12*time.Hour), base.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("SnapshotsBetween: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot in window, got %d", len(snaps))
	}
	if !snaps[0].CapturedAt.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("captured at: got %v", snaps[0].CapturedAt)
	}

	// Other sources stay out of the result.
	snaps, err = store.SnapshotsBetween(ctx, target.ID, models.SourceSearch, base, base.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("SnapshotsBetween: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected no search snapshots, got %d", len(snaps))
	}
}

func TestBudgetStateRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	target := addTarget(t, store, "emergency plumber", "85001")

	got, err := store.GetBudgetState(ctx, target.ID, "acmeplumbing.com")
	if err != nil {
		t.Fatalf("GetBudgetState: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil state before first put")
	}

	seen := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	st := &models.BudgetState{
		TargetID:          target.ID,
		Advertiser:        "acmeplumbing.com",
		Exhausted:         true,
		ConsecutiveMisses: 2,
		Threshold:         2,
		LastCheckedAt:     seen.Add(2 * time.Hour),
		LastSeenAt:        &seen,
		CycleDate:         "2026-08-20",
		UpdatedAt:         seen.Add(2 * time.Hour),
	}
	if err := store.PutBudgetState(ctx, st); err != nil {
		t.Fatalf("PutBudgetState: %v", err)
	}

	got, err = store.GetBudgetState(ctx, target.ID, "acmeplumbing.com")
	if err != nil {
		t.Fatalf("GetBudgetState: %v", err)
	}
	if got == nil {
		t.Fatal("expected stored state")
	}
	if !got.Exhausted || got.ConsecutiveMisses != 2 || got.CycleDate != "2026-08-20" {
		t.Errorf("state mismatch: %+v", got)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("last seen: got %v, want %v", got.LastSeenAt, seen)
	}

	// Day rollover clears the flag and the counter but not the state row.
	reset, err := store.ResetBudgetCycles(ctx, "2026-08-21")
	if err != nil {
		t.Fatalf("ResetBudgetCycles: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 state reset, got %d", reset)
	}
	got, err = store.GetBudgetState(ctx, target.ID, "acmeplumbing.com")
	if err != nil {
		t.Fatalf("GetBudgetState: %v", err)
	}
	if got.Exhausted || got.ConsecutiveMisses != 0 || got.CycleDate != "2026-08-21" {
		t.Errorf("state after reset: %+v", got)
	}

	// Already on the new cycle; a second rollover is a no-op.
	reset, err = store.ResetBudgetCycles(ctx, "2026-08-21")
	if err != nil {
		t.Fatalf("ResetBudgetCycles: %v", err)
	}
	if reset != 0 {
		t.Fatalf("expected no resets, got %d", reset)
	}
}

func TestUncrawledAdRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	target := addTarget(t, store, "emergency plumber", "85001")

	capturedAt := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)
	snap := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceSearch,
		Device:     models.DeviceDesktop,
		CapturedAt: capturedAt,
		Raw:        json.RawMessage(`{}`),
	}
	ads := []models.AdRecord{
		{Advertiser: "acmeplumbing.com", AdID: "a-1", DestinationLink: "https://acmeplumbing.com/landing", Position: 1},
		{Advertiser: "findapro.example.net", AdID: "a-2", Position: 2}, // no destination
	}
	if _, err := store.InsertSnapshot(ctx, snap, ads); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}

	pending, err := store.UncrawledAdRecords(ctx, 10)
	if err != nil {
		t.Fatalf("UncrawledAdRecords: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 uncrawled record, got %d", len(pending))
	}
	if pending[0].Advertiser != "acmeplumbing.com" {
		t.Errorf("advertiser: got %q", pending[0].Advertiser)
	}

	crawl := &models.Crawl{
		AdRecordID:      pending[0].ID,
		DestinationURL:  pending[0].DestinationLink,
		FinalURL:        "https://acmeplumbing.com/landing",
		HTTPStatus:      200,
		Title:           "Acme Plumbing",
		H1:              "Emergency Plumbing",
		H2s:             []string{"Why Us", "Pricing"},
		HasForm:         true,
		PricingMentions: true,
		Offers:          []string{"save 20%"},
		FetchedAt:       capturedAt.Add(time.Minute),
	}
	if err := store.SaveCrawl(ctx, crawl); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}
	if crawl.ID == 0 {
		t.Fatal("SaveCrawl should assign an ID")
	}

	pending, err = store.UncrawledAdRecords(ctx, 10)
	if err != nil {
		t.Fatalf("UncrawledAdRecords: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no uncrawled records after crawl, got %d", len(pending))
	}

	got, err := store.LatestCrawl(ctx, crawl.AdRecordID)
	if err != nil {
		t.Fatalf("LatestCrawl: %v", err)
	}
	if got == nil || got.Title != "Acme Plumbing" || !got.HasForm {
		t.Fatalf("crawl roundtrip mismatch: %+v", got)
	}
	if len(got.H2s) != 2 || got.H2s[1] != "Pricing" {
		t.Errorf("h2s: got %v", got.H2s)
	}
}

func TestCompetitorStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	target := addTarget(t, store, "emergency plumber", "85001")

	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		snap := &models.Snapshot{
			TargetID:   target.ID,
			Source:     models.SourceSearch,
			Device:     models.DeviceDesktop,
			CapturedAt: base.Add(time.Duration(i) * time.Hour),
			Raw:        json.RawMessage(`{}`),
		}
		ads := []models.AdRecord{
			{Advertiser: "acmeplumbing.com", Block: "top", Position: 1},
		}
		if i == 0 {
			ads = append(ads, models.AdRecord{Advertiser: "findapro.example.net", Block: "bottom", Position: 5})
		}
		if _, err := store.InsertSnapshot(ctx, snap, ads); err != nil {
			t.Fatalf("InsertSnapshot: %v", err)
		}
	}

	stats, err := store.CompetitorStats(ctx, target.ID, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CompetitorStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 advertisers, got %d", len(stats))
	}
	if stats[0].Advertiser != "acmeplumbing.com" || stats[0].Appearances != 2 {
		t.Errorf("top stat: %+v", stats[0])
	}
	if stats[0].TopShare != 1.0 {
		t.Errorf("top share: got %v, want 1.0", stats[0].TopShare)
	}
	if stats[1].BottomShare != 1.0 {
		t.Errorf("bottom share: got %v, want 1.0", stats[1].BottomShare)
	}
}

func TestBudgetTargets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tracked := &models.Target{
		Keyword:          "emergency plumber",
		LocationInput:    "85001",
		BudgetTracking:   true,
		BudgetAdvertiser: "acmeplumbing.com",
		BudgetThreshold:  2,
	}
	plain := &models.Target{Keyword: "drain cleaning", LocationInput: "85001"}
	if _, err := store.AddTargets(ctx, []*models.Target{tracked, plain}); err != nil {
		t.Fatalf("AddTargets: %v", err)
	}

	got, err := store.BudgetTargets(ctx)
	if err != nil {
		t.Fatalf("BudgetTargets: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 tracked target, got %d", len(got))
	}
	if got[0].ID != tracked.ID || got[0].BudgetAdvertiser != "acmeplumbing.com" || got[0].BudgetThreshold != 2 {
		t.Errorf("tracked target: %+v", got[0])
	}
}

func TestGetTargetMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetTarget(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown target, got %+v", got)
	}
}
