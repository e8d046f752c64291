package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"ppcwatch/models"
	"ppcwatch/redact"
	"ppcwatch/storage"
)

// InsightsService computes windowed auction-insight diffs from stored
// transparency snapshots. Like the collector, every error it returns has
// already passed through the redactor.
type InsightsService struct {
	store storage.Store
	red   *redact.Redactor

	// now is replaced in tests.
	now func() time.Time
}

func NewInsightsService(store storage.Store, red *redact.Redactor) *InsightsService {
	return &InsightsService{store: store, red: red, now: time.Now}
}

// Diff compares advertiser presence in the last windowDays days against the
// immediately preceding window of equal length. Both windows are computed in
// UTC. When the current window holds no snapshots the result carries an
// explanatory message and no records; data is never fabricated.
func (s *InsightsService) Diff(ctx context.Context, targetID uuid.UUID, windowDays int) (*models.DiffResult, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d days", windowDays)
	}

	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -windowDays)
	prevCutoff := cutoff.AddDate(0, 0, -windowDays)

	snaps, err := s.store.SnapshotsBetween(ctx, targetID, models.SourceTransparency, cutoff, now)
	if err != nil {
		return nil, s.red.RedactError(fmt.Errorf("load snapshots: %w", err))
	}
	if len(snaps) == 0 {
		return &models.DiffResult{
			Message: fmt.Sprintf("No snapshot data for the last %d days. Run targets on this job first, or try a longer window.", windowDays),
		}, nil
	}

	current, err := s.advertiserStats(ctx, targetID, snaps, cutoff, now)
	if err != nil {
		return nil, err
	}

	prevSnaps, err := s.store.SnapshotsBetween(ctx, targetID, models.SourceTransparency, prevCutoff, cutoff)
	if err != nil {
		return nil, s.red.RedactError(fmt.Errorf("load previous snapshots: %w", err))
	}
	previous, err := s.advertiserStats(ctx, targetID, prevSnaps, prevCutoff, cutoff)
	if err != nil {
		return nil, err
	}

	var records []models.AuctionInsightRecord
	for name, cur := range current {
		rec := *cur
		if _, ok := previous[name]; ok {
			rec.Delta = models.DeltaHeld
		} else {
			rec.Delta = models.DeltaEntered
		}
		records = append(records, rec)
	}
	// Advertisers present last window but gone now. Their first-seen and
	// counts describe the previous window; there is nothing current to
	// report.
	for name, prev := range previous {
		if _, ok := current[name]; ok {
			continue
		}
		rec := *prev
		rec.Delta = models.DeltaLeft
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].FirstSeenAt.Equal(records[j].FirstSeenAt) {
			return records[i].FirstSeenAt.Before(records[j].FirstSeenAt)
		}
		return records[i].Advertiser < records[j].Advertiser
	})

	return &models.DiffResult{Records: records}, nil
}

// advertiserStats aggregates ad records for the given snapshots into
// per-advertiser summaries. Only records belonging to the snapshots are
// counted, so search captures in the same window stay out.
func (s *InsightsService) advertiserStats(ctx context.Context, targetID uuid.UUID, snaps []models.Snapshot, from, to time.Time) (map[string]*models.AuctionInsightRecord, error) {
	stats := make(map[string]*models.AuctionInsightRecord)
	if len(snaps) == 0 {
		return stats, nil
	}

	snapIDs := make(map[uuid.UUID]bool, len(snaps))
	for _, snap := range snaps {
		snapIDs[snap.ID] = true
	}

	ads, err := s.store.AdRecordsBetween(ctx, targetID, from, to)
	if err != nil {
		return nil, s.red.RedactError(fmt.Errorf("load ad records: %w", err))
	}

	type seen struct {
		snapshots map[uuid.UUID]bool
		creatives map[string]bool
	}
	track := make(map[string]*seen)

	for _, ad := range ads {
		if !snapIDs[ad.SnapshotID] {
			continue
		}
		name := strings.ToLower(ad.Advertiser)
		if name == "" || name == "unknown" {
			continue
		}

		rec, ok := stats[name]
		if !ok {
			rec = &models.AuctionInsightRecord{
				Advertiser:  name,
				SnapshotID:  ad.SnapshotID,
				FirstSeenAt: ad.CapturedAt,
			}
			stats[name] = rec
			track[name] = &seen{snapshots: map[uuid.UUID]bool{}, creatives: map[string]bool{}}
		}
		if ad.CapturedAt.Before(rec.FirstSeenAt) {
			rec.FirstSeenAt = ad.CapturedAt
			rec.SnapshotID = ad.SnapshotID
		}
		track[name].snapshots[ad.SnapshotID] = true
		track[name].creatives[ad.AdID] = true
	}

	for name, rec := range stats {
		rec.Appearances = len(track[name].snapshots)
		rec.Creatives = len(track[name].creatives)
	}
	return stats, nil
}

// Competitors aggregates search-ad presence per advertiser over the trailing
// number of days.
func (s *InsightsService) Competitors(ctx context.Context, targetID uuid.UUID, days int) ([]models.CompetitorStat, error) {
	if days <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d days", days)
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	stats, err := s.store.CompetitorStats(ctx, targetID, since)
	if err != nil {
		return nil, s.red.RedactError(err)
	}
	return stats, nil
}

// Presence reports hourly advertiser presence for a target over the last 24
// hours, built from budget-check observations.
func (s *InsightsService) Presence(ctx context.Context, targetID uuid.UUID) ([]models.AdvertiserPresence, error) {
	since := s.now().UTC().Add(-24 * time.Hour)
	rows, err := s.store.PresenceSince(ctx, targetID, since)
	if err != nil {
		return nil, s.red.RedactError(err)
	}
	return rows, nil
}
