package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ppcwatch/models"
)

const landingPage = `<!DOCTYPE html>
<html>
<head><title>Acme Plumbing - Emergency Service</title></head>
<body>
	<h1>24/7 Emergency Plumbing in Phoenix</h1>
	<h2>Upfront Pricing</h2>
	<h2>Why Choose Us</h2>
	<p>Drain cleaning from $49. Save 20% on water heater installs, limited time only.</p>
	<p>Flexible financing available with no interest for 12 months.</p>
	<form action="/quote"><input name="phone"></form>
</body>
</html>`

func TestCrawlAdExtractsLandingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(landingPage))
	}))
	defer srv.Close()

	store := newTestStore(t)
	target := seedTarget(t, store, "emergency plumber")
	ctx := context.Background()

	snap := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceSearch,
		Device:     models.DeviceDesktop,
		CapturedAt: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
		Raw:        json.RawMessage(`{}`),
	}
	ads := []models.AdRecord{{Advertiser: "acmeplumbing.com", AdID: "a-1", DestinationLink: srv.URL, Position: 1}}
	if _, err := store.InsertSnapshot(ctx, snap, ads); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	pending, err := store.UncrawledAdRecords(ctx, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("UncrawledAdRecords: %v (%d records)", err, len(pending))
	}

	svc := NewCrawlService(store, srv.Client())
	crawl, err := svc.CrawlAd(ctx, &pending[0])
	if err != nil {
		t.Fatalf("CrawlAd: %v", err)
	}

	if crawl.HTTPStatus != 200 {
		t.Errorf("status: got %d", crawl.HTTPStatus)
	}
	if crawl.Title != "Acme Plumbing - Emergency Service" {
		t.Errorf("title: got %q", crawl.Title)
	}
	if crawl.H1 != "24/7 Emergency Plumbing in Phoenix" {
		t.Errorf("h1: got %q", crawl.H1)
	}
	if len(crawl.H2s) != 2 || crawl.H2s[0] != "Upfront Pricing" {
		t.Errorf("h2s: got %v", crawl.H2s)
	}
	if !crawl.HasForm {
		t.Error("form not detected")
	}
	if !crawl.PricingMentions {
		t.Error("pricing language not detected")
	}
	if !crawl.FinancingMentions {
		t.Error("financing language not detected")
	}
	if len(crawl.Offers) == 0 {
		t.Fatal("no offers extracted")
	}
	found := false
	for _, offer := range crawl.Offers {
		if offer == "save 20%" {
			found = true
		}
	}
	if !found {
		t.Errorf("offers missing save 20%%: %v", crawl.Offers)
	}

	// Persisted and visible through the store.
	saved, err := store.LatestCrawl(ctx, pending[0].ID)
	if err != nil {
		t.Fatalf("LatestCrawl: %v", err)
	}
	if saved == nil || saved.Title != crawl.Title {
		t.Fatalf("crawl not persisted: %+v", saved)
	}
	pending, err = store.UncrawledAdRecords(ctx, 1)
	if err != nil {
		t.Fatalf("UncrawledAdRecords: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("record should no longer be pending, got %d", len(pending))
	}
}

func TestCrawlAdNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := newTestStore(t)
	target := seedTarget(t, store, "emergency plumber")
	ctx := context.Background()

	snap := &models.Snapshot{
		TargetID:   target.ID,
		Source:     models.SourceSearch,
		Device:     models.DeviceDesktop,
		CapturedAt: time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
		Raw:        json.RawMessage(`{}`),
	}
	ads := []models.AdRecord{{Advertiser: "gone.example.com", AdID: "a-1", DestinationLink: srv.URL + "/dead", Position: 1}}
	if _, err := store.InsertSnapshot(ctx, snap, ads); err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	pending, _ := store.UncrawledAdRecords(ctx, 1)

	crawl, err := NewCrawlService(store, srv.Client()).CrawlAd(ctx, &pending[0])
	if err != nil {
		t.Fatalf("CrawlAd: %v", err)
	}
	if crawl.HTTPStatus != 404 {
		t.Errorf("status: got %d", crawl.HTTPStatus)
	}
	if crawl.Title != "" || crawl.HasForm {
		t.Errorf("no fields should be extracted from an error page: %+v", crawl)
	}
}

func TestCrawlAdNoDestination(t *testing.T) {
	svc := NewCrawlService(newTestStore(t), http.DefaultClient)
	if _, err := svc.CrawlAd(context.Background(), &models.AdRecord{ID: 1}); err == nil {
		t.Fatal("expected error for missing destination link")
	}
}
