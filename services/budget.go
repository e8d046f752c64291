package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ppcwatch/models"
	"ppcwatch/storage"
)

// AdvertiserFetcher reports which advertisers currently hold ads for a
// target. The collector implements it on top of the provider client.
type AdvertiserFetcher interface {
	AdvertisersFor(ctx context.Context, target *models.Target) ([]string, error)
}

// BudgetMonitor tracks budget exhaustion for watched advertisers. An
// advertiser absent from a configured number of consecutive checks is flagged
// exhausted for the rest of the UTC day. The flag never clears mid-cycle; a
// reappearing advertiser only resets the miss counter.
type BudgetMonitor struct {
	store            storage.Store
	fetcher          AdvertiserFetcher
	defaultThreshold int
	events           chan models.BudgetEvent

	// now is replaced in tests.
	now func() time.Time
}

func NewBudgetMonitor(store storage.Store, fetcher AdvertiserFetcher, defaultThreshold int) *BudgetMonitor {
	return &BudgetMonitor{
		store:            store,
		fetcher:          fetcher,
		defaultThreshold: defaultThreshold,
		events:           make(chan models.BudgetEvent, 64),
		now:              time.Now,
	}
}

// Events delivers a BudgetEvent each time an exhausted flag changes value.
// Unchanged checks emit nothing.
func (m *BudgetMonitor) Events() <-chan models.BudgetEvent {
	return m.events
}

// Check runs one budget observation for the target. A failed fetch bumps the
// check timestamp and returns the error; the exhausted flag and miss counter
// keep their previous values so transient provider failures cannot flip
// state.
func (m *BudgetMonitor) Check(ctx context.Context, target *models.Target) (*models.BudgetState, error) {
	if !target.BudgetTracking || target.BudgetAdvertiser == "" {
		return nil, fmt.Errorf("target %s has no budget advertiser configured", target.ID)
	}

	now := m.now().UTC()
	today := now.Format("2006-01-02")

	st, err := m.loadState(ctx, target, today, now)
	if err != nil {
		return nil, err
	}

	advertisers, fetchErr := m.fetcher.AdvertisersFor(ctx, target)
	if fetchErr != nil {
		st.LastCheckedAt = now
		st.UpdatedAt = now
		if putErr := m.store.PutBudgetState(ctx, st); putErr != nil {
			return nil, fmt.Errorf("save state after failed fetch: %w", putErr)
		}
		return st, fmt.Errorf("budget check for %q: %w", target.Keyword, fetchErr)
	}

	// A new UTC day starts a fresh cycle even if the daily rollover has
	// not fired yet.
	if st.CycleDate != today {
		m.transition(st, false, now)
		st.ConsecutiveMisses = 0
		st.CycleDate = today
	}

	appeared := advertiserPresent(advertisers, target.BudgetAdvertiser)
	if err := m.store.RecordPresence(ctx, &models.PresenceRow{
		TargetID:   target.ID,
		Advertiser: target.BudgetAdvertiser,
		ObservedAt: now,
		Appeared:   appeared,
	}); err != nil {
		log.Printf("Budget: recording presence for %s: %v", target.ID, err)
	}

	if appeared {
		st.ConsecutiveMisses = 0
		st.LastSeenAt = &now
	} else {
		st.ConsecutiveMisses++
		if st.ConsecutiveMisses >= st.Threshold {
			m.transition(st, true, now)
		}
	}

	st.LastCheckedAt = now
	st.UpdatedAt = now
	if err := m.store.PutBudgetState(ctx, st); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	return st, nil
}

func (m *BudgetMonitor) loadState(ctx context.Context, target *models.Target, today string, now time.Time) (*models.BudgetState, error) {
	st, err := m.store.GetBudgetState(ctx, target.ID, target.BudgetAdvertiser)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st != nil {
		return st, nil
	}

	threshold := target.BudgetThreshold
	if threshold <= 0 {
		threshold = m.defaultThreshold
	}
	return &models.BudgetState{
		TargetID:   target.ID,
		Advertiser: target.BudgetAdvertiser,
		Threshold:  threshold,
		CycleDate:  today,
		UpdatedAt:  now,
	}, nil
}

// transition flips the exhausted flag and emits an event, but only when the
// value actually changes.
func (m *BudgetMonitor) transition(st *models.BudgetState, exhausted bool, at time.Time) {
	if st.Exhausted == exhausted {
		return
	}
	st.Exhausted = exhausted

	event := models.BudgetEvent{
		TargetID:   st.TargetID,
		Advertiser: st.Advertiser,
		Exhausted:  exhausted,
		At:         at,
	}
	select {
	case m.events <- event:
	default:
		log.Printf("Budget: event channel full, dropping %+v", event)
	}
}

// Rollover clears every exhausted flag at the UTC day boundary. Driven by
// the scheduler's daily cron.
func (m *BudgetMonitor) Rollover(ctx context.Context) {
	today := m.now().UTC().Format("2006-01-02")
	reset, err := m.store.ResetBudgetCycles(ctx, today)
	if err != nil {
		log.Printf("Budget: cycle rollover: %v", err)
		return
	}
	if reset > 0 {
		log.Printf("Budget: new cycle %s, reset %d states", today, reset)
	}
}

// advertiserPresent matches the watched advertiser against the fetched list.
// Transparency results may carry a display name rather than a bare domain,
// so containment in either direction counts.
func advertiserPresent(advertisers []string, watched string) bool {
	watched = strings.ToLower(strings.TrimSpace(watched))
	if watched == "" {
		return false
	}
	for _, a := range advertisers {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if a == watched || strings.Contains(a, watched) || strings.Contains(watched, a) {
			return true
		}
	}
	return false
}
