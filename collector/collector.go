// Package collector orchestrates fetch-and-store runs: it normalizes target
// locations, pulls search and transparency captures from the provider,
// derives ad records and persists everything idempotently. Every error it
// returns has already passed through the redactor.
package collector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"ppcwatch/geo"
	"ppcwatch/models"
	"ppcwatch/redact"
	"ppcwatch/serpapi"
	"ppcwatch/storage"
)

type Collector struct {
	store    storage.Store
	client   *serpapi.Client
	geo      *geo.Normalizer
	red      *redact.Redactor
	archiver *storage.Archiver // nil when archival is disabled

	defaultGL string
	defaultHL string

	// now is replaced in tests.
	now func() time.Time
}

func New(store storage.Store, client *serpapi.Client, normalizer *geo.Normalizer, red *redact.Redactor, defaultGL, defaultHL string) *Collector {
	return &Collector{
		store:     store,
		client:    client,
		geo:       normalizer,
		red:       red,
		defaultGL: defaultGL,
		defaultHL: defaultHL,
		now:       time.Now,
	}
}

// SetArchiver enables raw payload archival to object storage.
func (c *Collector) SetArchiver(a *storage.Archiver) {
	c.archiver = a
}

// AddTargets registers one target per keyword at the given location and
// returns how many were actually new. The location is normalized up front so
// a bad input fails here instead of on the first scheduled run.
func (c *Collector) AddTargets(ctx context.Context, keywords []string, location string) (int, error) {
	if _, err := c.geo.Location(location); err != nil {
		return 0, c.red.RedactError(err)
	}

	targets := make([]*models.Target, 0, len(keywords))
	for _, kw := range keywords {
		targets = append(targets, &models.Target{
			Keyword:       kw,
			LocationInput: location,
			GL:            c.defaultGL,
			HL:            c.defaultHL,
		})
	}

	n, err := c.store.AddTargets(ctx, targets)
	if err != nil {
		return n, c.red.RedactError(err)
	}
	return n, nil
}

// RunTarget executes one collection cycle for a target: search captures for
// both devices plus a transparency capture, all stamped with the same capture
// time. Returns the IDs of the snapshots actually inserted.
func (c *Collector) RunTarget(ctx context.Context, targetID uuid.UUID) ([]uuid.UUID, error) {
	target, err := c.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, c.red.RedactError(err)
	}
	if target == nil {
		return nil, fmt.Errorf("target %s not found", targetID)
	}

	capturedAt := c.now().UTC().Truncate(time.Second)
	run := &models.CollectRun{TargetID: target.ID, StartedAt: capturedAt, Status: models.RunStatusRunning}
	run.ID, err = c.store.CreateRun(ctx, run)
	if err != nil {
		return nil, c.red.RedactError(err)
	}

	c.logRun(ctx, run.ID, "info", fmt.Sprintf("collecting %q (%s)", target.Keyword, target.LocationInput))

	inserted, runErr := c.collect(ctx, target, capturedAt, run)

	finished := c.now().UTC()
	run.FinishedAt = &finished
	run.Status = models.RunStatusCompleted
	if runErr != nil {
		run.Status = models.RunStatusFailed
		run.ErrorMessage = c.red.Redact(runErr.Error())
		c.logRun(ctx, run.ID, "error", run.ErrorMessage)
	} else {
		c.logRun(ctx, run.ID, "info", fmt.Sprintf("%d new snapshots, %d new ad records", run.SnapshotsNew, run.AdsNew))
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		log.Printf("Collector: updating run %d: %v", run.ID, c.red.RedactError(err))
	}

	if runErr != nil {
		return inserted, c.red.RedactError(runErr)
	}
	return inserted, nil
}

func (c *Collector) collect(ctx context.Context, target *models.Target, capturedAt time.Time, run *models.CollectRun) ([]uuid.UUID, error) {
	location, err := c.geo.Location(target.LocationInput)
	if err != nil {
		run.ErrorsCount++
		return nil, err
	}
	regionCode, err := c.geo.RegionCode(target.GL)
	if err != nil {
		run.ErrorsCount++
		return nil, err
	}

	var inserted []uuid.UUID

	for _, device := range []string{models.DeviceDesktop, models.DeviceMobile} {
		result, err := c.client.Search(ctx, target.Keyword, location, target.GL, target.HL, device)
		if err != nil {
			run.ErrorsCount++
			return inserted, fmt.Errorf("search %s: %w", device, err)
		}

		snap := &models.Snapshot{
			TargetID:   target.ID,
			Source:     models.SourceSearch,
			Device:     device,
			Location:   location,
			CapturedAt: capturedAt,
			Raw:        result.Raw,
		}
		id, ok, err := c.persist(ctx, snap, searchAdRecords(result.Ads, device))
		if err != nil {
			run.ErrorsCount++
			return inserted, err
		}
		if ok {
			inserted = append(inserted, id)
			run.SnapshotsNew++
			run.AdsNew += len(result.Ads)
		}
	}

	result, err := c.client.Transparency(ctx, target.Keyword, regionCode)
	if err != nil {
		run.ErrorsCount++
		return inserted, fmt.Errorf("transparency: %w", err)
	}
	snap := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceTransparency,
		Device:     models.DeviceDesktop,
		Location:   regionCode,
		CapturedAt: capturedAt,
		Raw:        result.Raw,
	}
	id, ok, err := c.persist(ctx, snap, creativeAdRecords(result.Creatives))
	if err != nil {
		run.ErrorsCount++
		return inserted, err
	}
	if ok {
		inserted = append(inserted, id)
		run.SnapshotsNew++
		run.AdsNew += len(result.Creatives)
	}

	return inserted, nil
}

// logRun records a per-run log line next to the run row. A logging failure
// never fails the run; it only makes the daemon log.
func (c *Collector) logRun(ctx context.Context, runID int64, level, message string) {
	if err := c.store.Log(ctx, &runID, level, message); err != nil {
		log.Printf("Collector: run %d log: %v", runID, c.red.RedactError(err))
	}
}

func (c *Collector) persist(ctx context.Context, snap *models.Snapshot, ads []models.AdRecord) (uuid.UUID, bool, error) {
	ok, err := c.store.InsertSnapshot(ctx, snap, ads)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("insert snapshot: %w", err)
	}
	if !ok {
		log.Printf("Collector: snapshot %s/%s/%s at %s already stored, skipping",
			snap.TargetID, snap.Source, snap.Device, snap.CapturedAt.Format(time.RFC3339))
		return uuid.Nil, false, nil
	}

	if c.archiver != nil {
		if err := c.archiver.ArchiveSnapshot(ctx, snap); err != nil {
			// Archival is best effort; the database copy is canonical.
			log.Printf("Collector: archiving snapshot %s: %v", snap.ID, c.red.RedactError(err))
		}
	}
	return snap.ID, true, nil
}

// RunAll runs every registered target in sequence. A failed target is logged
// and does not stop the rest.
func (c *Collector) RunAll(ctx context.Context) error {
	targets, err := c.store.ListTargets(ctx)
	if err != nil {
		return c.red.RedactError(err)
	}

	var failures int
	for _, target := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.RunTarget(ctx, target.ID); err != nil {
			failures++
			log.Printf("Collector: target %s (%s): %v", target.ID, target.Keyword, err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d targets failed", failures, len(targets))
	}
	return nil
}

// AdvertisersFor reports advertisers currently holding search ads for the
// target. This backs the budget monitor's presence checks.
func (c *Collector) AdvertisersFor(ctx context.Context, target *models.Target) ([]string, error) {
	location, err := c.geo.Location(target.LocationInput)
	if err != nil {
		return nil, c.red.RedactError(err)
	}

	result, err := c.client.Search(ctx, target.Keyword, location, target.GL, target.HL, models.DeviceDesktop)
	if err != nil {
		return nil, c.red.RedactError(err)
	}

	advertisers := make([]string, 0, len(result.Ads))
	for _, ad := range result.Ads {
		advertisers = append(advertisers, ad.Advertiser)
	}
	return advertisers, nil
}

func searchAdRecords(ads []serpapi.Ad, device string) []models.AdRecord {
	records := make([]models.AdRecord, 0, len(ads))
	for _, ad := range ads {
		records = append(records, models.AdRecord{
			Advertiser:      ad.Advertiser,
			AdID:            ad.AdID,
			Device:          device,
			Block:           ad.Block,
			Headline:        ad.Headline,
			Description:     ad.Description,
			DisplayedLink:   ad.DisplayedLink,
			DestinationLink: ad.DestinationLink,
			Position:        ad.Position,
		})
	}
	return records
}

func creativeAdRecords(creatives []serpapi.Creative) []models.AdRecord {
	records := make([]models.AdRecord, 0, len(creatives))
	for _, cr := range creatives {
		records = append(records, models.AdRecord{
			Advertiser:      cr.Advertiser,
			AdID:            cr.AdID,
			Headline:        cr.Title,
			DisplayedLink:   cr.PreviewURL,
			DestinationLink: cr.FinalURL,
		})
	}
	return records
}
