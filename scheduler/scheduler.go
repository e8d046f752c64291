// Package scheduler drives periodic collect and budget jobs. Each (target,
// job kind) pair holds at most one in-flight execution; a trigger that lands
// while the previous run is still going is dropped, never queued, so a slow
// provider cannot back up into a thundering herd.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"ppcwatch/config"
	"ppcwatch/models"
	"ppcwatch/storage"
)

// CollectRunner executes one collection cycle for a target.
type CollectRunner interface {
	RunTarget(ctx context.Context, targetID uuid.UUID) ([]uuid.UUID, error)
}

// BudgetRunner executes budget checks and the daily cycle rollover.
type BudgetRunner interface {
	Check(ctx context.Context, target *models.Target) (*models.BudgetState, error)
	Rollover(ctx context.Context)
}

type jobKey struct {
	targetID uuid.UUID
	kind     models.JobKind
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	store   storage.Store
	collect CollectRunner
	budget  BudgetRunner
	cron    *cron.Cron
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	jobs     map[jobKey]*models.ScheduledJob
	inflight map[jobKey]bool

	// now is replaced in tests.
	now func() time.Time
}

func New(cfg config.SchedulerConfig, store storage.Store, collect CollectRunner, budget BudgetRunner) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		collect:  collect,
		budget:   budget,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		stopCh:   make(chan struct{}),
		jobs:     make(map[jobKey]*models.ScheduledJob),
		inflight: make(map[jobKey]bool),
		now:      time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("initial job sync: %w", err)
	}

	// Budget cycles reset at UTC midnight regardless of check cadence.
	if _, err := s.cron.AddFunc("0 0 * * *", func() { s.budget.Rollover(ctx) }); err != nil {
		return fmt.Errorf("rollover cron: %w", err)
	}

	if s.cfg.Cron != "" {
		log.Printf("Scheduler: collect cron %q", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() { s.triggerAll(ctx, models.JobCollect) })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	s.cron.Start()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	syncTicker := time.NewTicker(time.Minute)
	defer syncTicker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchDue(ctx)
		case <-syncTicker.C:
			if err := s.Sync(ctx); err != nil {
				log.Printf("Scheduler: job sync: %v", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sync rebuilds the job table from the target list. Known jobs keep their
// next-run time; new targets get a job per applicable kind, removed targets
// lose theirs.
func (s *Scheduler) Sync(ctx context.Context) error {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return err
	}
	budgetTargets, err := s.store.BudgetTargets(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[jobKey]bool)
	now := s.now().UTC()

	if s.cfg.Cron == "" {
		for _, target := range targets {
			s.ensureJob(want, jobKey{target.ID, models.JobCollect}, now, s.cfg.CollectInterval)
		}
	}
	for _, target := range budgetTargets {
		// Tracking without a watched advertiser has nothing to check.
		if target.BudgetAdvertiser == "" {
			continue
		}
		s.ensureJob(want, jobKey{target.ID, models.JobBudget}, now, s.cfg.BudgetInterval)
	}

	for key := range s.jobs {
		if !want[key] {
			delete(s.jobs, key)
		}
	}
	return nil
}

func (s *Scheduler) ensureJob(want map[jobKey]bool, key jobKey, now time.Time, interval time.Duration) {
	want[key] = true
	if _, ok := s.jobs[key]; ok {
		return
	}
	s.jobs[key] = &models.ScheduledJob{
		TargetID: key.targetID,
		Kind:     key.kind,
		NextRun:  now,
		Interval: interval,
	}
}

// dispatchDue starts every due job that is not already running. The next-run
// time advances either way: an overlapping trigger is dropped, not deferred.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []jobKey
	for key, job := range s.jobs {
		if job.NextRun.After(now) {
			continue
		}
		job.NextRun = now.Add(job.Interval)
		if s.inflight[key] {
			log.Printf("Scheduler: %s job for %s still running, dropping trigger", key.kind, key.targetID)
			continue
		}
		s.inflight[key] = true
		due = append(due, key)
	}
	s.mu.Unlock()

	for _, key := range due {
		key := key
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(key)
			s.execute(ctx, key)
		}()
	}
}

// Trigger runs a job immediately, subject to the same single-flight rule as
// scheduled triggers. Returns an error when a run is already in flight.
func (s *Scheduler) Trigger(ctx context.Context, targetID uuid.UUID, kind models.JobKind) error {
	key := jobKey{targetID, kind}

	s.mu.Lock()
	if s.inflight[key] {
		s.mu.Unlock()
		return fmt.Errorf("%s job for target %s is already running", kind, targetID)
	}
	s.inflight[key] = true
	s.mu.Unlock()

	defer s.release(key)
	s.execute(ctx, key)
	return nil
}

func (s *Scheduler) triggerAll(ctx context.Context, kind models.JobKind) {
	s.mu.Lock()
	var keys []jobKey
	for key := range s.jobs {
		if key.kind == kind {
			keys = append(keys, key)
		}
	}
	// Cron-driven collect runs have no per-target job entries.
	s.mu.Unlock()

	if kind == models.JobCollect && len(keys) == 0 {
		targets, err := s.store.ListTargets(ctx)
		if err != nil {
			log.Printf("Scheduler: listing targets: %v", err)
			return
		}
		for _, target := range targets {
			keys = append(keys, jobKey{target.ID, kind})
		}
	}

	for _, key := range keys {
		if err := s.Trigger(ctx, key.targetID, key.kind); err != nil {
			log.Printf("Scheduler: %v", err)
		}
	}
}

func (s *Scheduler) release(key jobKey) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Scheduler) execute(ctx context.Context, key jobKey) {
	switch key.kind {
	case models.JobCollect:
		inserted, err := s.collect.RunTarget(ctx, key.targetID)
		if err != nil {
			log.Printf("Scheduler: collect %s: %v", key.targetID, err)
			return
		}
		log.Printf("Scheduler: collect %s: %d new snapshots", key.targetID, len(inserted))
	case models.JobBudget:
		target, err := s.store.GetTarget(ctx, key.targetID)
		if err != nil || target == nil {
			log.Printf("Scheduler: budget %s: target lookup failed: %v", key.targetID, err)
			return
		}
		if _, err := s.budget.Check(ctx, target); err != nil {
			log.Printf("Scheduler: budget %s: %v", key.targetID, err)
		}
	}
}
