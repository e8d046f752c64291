package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"ppcwatch/models"
	"ppcwatch/storage"
)

type fakeFetcher struct {
	advertisers []string
	err         error
	calls       int
}

func (f *fakeFetcher) AdvertisersFor(ctx context.Context, target *models.Target) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.advertisers, nil
}

func newBudgetTarget(t *testing.T, store *storage.SQLiteStore) *models.Target {
	t.Helper()
	target := &models.Target{
		Keyword:          "emergency plumber",
		LocationInput:    "85001",
		BudgetTracking:   true,
		BudgetAdvertiser: "acmeplumbing.com",
		BudgetThreshold:  2,
	}
	if _, err := store.AddTargets(context.Background(), []*models.Target{target}); err != nil {
		t.Fatalf("adding target: %v", err)
	}
	return target
}

func drainEvents(m *BudgetMonitor) []models.BudgetEvent {
	var events []models.BudgetEvent
	for {
		select {
		case ev := <-m.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestBudgetThresholdFlip(t *testing.T) {
	store := newTestStore(t)
	target := newBudgetTarget(t, store)
	fetcher := &fakeFetcher{advertisers: []string{"rapidrooter.com"}}

	m := NewBudgetMonitor(store, fetcher, 2)
	now := time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	// First miss: below threshold, no flag, no event.
	st, err := m.Check(ctx, target)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Exhausted || st.ConsecutiveMisses != 1 {
		t.Fatalf("after first miss: %+v", st)
	}
	if events := drainEvents(m); len(events) != 0 {
		t.Fatalf("no event expected below threshold, got %v", events)
	}

	// Second miss reaches the threshold: flag set, one event.
	now = now.Add(time.Hour)
	st, err = m.Check(ctx, target)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Exhausted || st.ConsecutiveMisses != 2 {
		t.Fatalf("after second miss: %+v", st)
	}
	events := drainEvents(m)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if !events[0].Exhausted || events[0].Advertiser != "acmeplumbing.com" {
		t.Errorf("event: %+v", events[0])
	}

	// Third miss: flag already set, no further event.
	now = now.Add(time.Hour)
	if _, err := m.Check(ctx, target); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if events := drainEvents(m); len(events) != 0 {
		t.Fatalf("flag unchanged, expected no event, got %v", events)
	}

	// Reappearance resets the miss counter but the flag stays for the
	// rest of the cycle.
	now = now.Add(time.Hour)
	fetcher.advertisers = []string{"acmeplumbing.com", "rapidrooter.com"}
	st, err = m.Check(ctx, target)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Exhausted {
		t.Error("flag must stay set until the cycle rolls over")
	}
	if st.ConsecutiveMisses != 0 {
		t.Errorf("misses after reappearance: got %d, want 0", st.ConsecutiveMisses)
	}
	if st.LastSeenAt == nil || !st.LastSeenAt.Equal(now) {
		t.Errorf("last seen: got %v", st.LastSeenAt)
	}
	if events := drainEvents(m); len(events) != 0 {
		t.Fatalf("no event on reappearance, got %v", events)
	}
}

func TestBudgetFailedFetchLeavesFlag(t *testing.T) {
	store := newTestStore(t)
	target := newBudgetTarget(t, store)
	fetcher := &fakeFetcher{advertisers: []string{}}

	m := NewBudgetMonitor(store, fetcher, 2)
	now := time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	// Drive to exhausted.
	for i := 0; i < 2; i++ {
		if _, err := m.Check(ctx, target); err != nil {
			t.Fatalf("Check: %v", err)
		}
		now = now.Add(time.Hour)
	}
	drainEvents(m)

	fetcher.err = errors.New("provider down")
	st, err := m.Check(ctx, target)
	if err == nil {
		t.Fatal("expected error from failed fetch")
	}
	if st == nil {
		t.Fatal("state should still be returned")
	}
	if !st.Exhausted || st.ConsecutiveMisses != 2 {
		t.Fatalf("failed fetch must not touch flag or counter: %+v", st)
	}
	if !st.LastCheckedAt.Equal(now) {
		t.Errorf("check timestamp should advance on failure: got %v, want %v", st.LastCheckedAt, now)
	}
	if events := drainEvents(m); len(events) != 0 {
		t.Fatalf("no event on failed fetch, got %v", events)
	}

	// Stored state matches.
	saved, err := store.GetBudgetState(ctx, target.ID, target.BudgetAdvertiser)
	if err != nil {
		t.Fatalf("GetBudgetState: %v", err)
	}
	if !saved.Exhausted || !saved.LastCheckedAt.Equal(now) {
		t.Fatalf("persisted state: %+v", saved)
	}
}

func TestBudgetCycleRollover(t *testing.T) {
	store := newTestStore(t)
	target := newBudgetTarget(t, store)
	fetcher := &fakeFetcher{advertisers: []string{}}

	m := NewBudgetMonitor(store, fetcher, 2)
	now := time.Date(2026, 8, 27, 22, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Check(ctx, target); err != nil {
			t.Fatalf("Check: %v", err)
		}
		now = now.Add(30 * time.Minute)
	}
	drainEvents(m)

	// Next check lands on the following UTC day: the flag clears before
	// the new observation is applied, and the clear emits an event.
	now = time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC)
	st, err := m.Check(ctx, target)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Exhausted {
		t.Error("new cycle must start unexhausted")
	}
	if st.ConsecutiveMisses != 1 {
		t.Errorf("misses in new cycle: got %d, want 1", st.ConsecutiveMisses)
	}
	if st.CycleDate != "2026-08-28" {
		t.Errorf("cycle date: got %q", st.CycleDate)
	}
	events := drainEvents(m)
	if len(events) != 1 || events[0].Exhausted {
		t.Fatalf("expected one clearing event, got %v", events)
	}
}

func TestBudgetUntrackedTarget(t *testing.T) {
	store := newTestStore(t)
	m := NewBudgetMonitor(store, &fakeFetcher{}, 2)
	target := &models.Target{Keyword: "x", LocationInput: "y"}
	if _, err := m.Check(context.Background(), target); err == nil {
		t.Fatal("expected error for target without budget tracking")
	}
}

func TestAdvertiserPresent(t *testing.T) {
	cases := []struct {
		advertisers []string
		watched     string
		want        bool
	}{
		{[]string{"acmeplumbing.com"}, "acmeplumbing.com", true},
		{[]string{"Acme Plumbing LLC acmeplumbing.com"}, "acmeplumbing.com", true},
		{[]string{"rapidrooter.com"}, "acmeplumbing.com", false},
		{nil, "acmeplumbing.com", false},
		{[]string{"acmeplumbing.com"}, "", false},
	}
	for _, tc := range cases {
		if got := advertiserPresent(tc.advertisers, tc.watched); got != tc.want {
			t.Errorf("advertiserPresent(%v, %q) = %v, want %v", tc.advertisers, tc.watched, got, tc.want)
		}
	}
}
