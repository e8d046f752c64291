package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"ppcwatch/collector"
	"ppcwatch/config"
	"ppcwatch/geo"
	"ppcwatch/httputil"
	"ppcwatch/logging"
	"ppcwatch/models"
	"ppcwatch/redact"
	"ppcwatch/scheduler"
	"ppcwatch/serpapi"
	"ppcwatch/services"
	"ppcwatch/storage"
	"ppcwatch/workers"
)

var (
	addKeywords = flag.String("add", "", "Comma-separated keywords to register as targets, then exit")
	addLocation = flag.String("location", "", "Location for -add (ZIP code or free text)")
	collectNow  = flag.Bool("collect", false, "Run collection for all targets once and exit")
	diffTarget  = flag.String("diff", "", "Print the auction-insight diff for a target ID and exit")
	diffDays    = flag.Int("days", 7, "Window in days for -diff")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logFile, err := logging.Setup("ppcwatch.log")
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting ppcwatch...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		store = pg
		log.Println("Connected to Postgres")
	} else {
		lite, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to open SQLite: %v", err)
		}
		store = lite
		log.Printf("SQLite database: %s", cfg.DBPath)
	}
	defer store.Close()

	red := redact.NewRedactor(cfg.SerpAPI.APIKey)
	clients := httputil.NewClients(cfg.SerpAPI.Timeout, cfg.Crawl.ProxyURL)
	normalizer := geo.NewNormalizer(cfg.PostalTable, cfg.RegionTable)
	client := serpapi.NewClient(cfg.SerpAPI, clients.API, red)

	coll := collector.New(store, client, normalizer, red, cfg.DefaultGL, cfg.DefaultHL)
	if cfg.Archive.Enabled() {
		archiver, err := storage.NewArchiver(ctx, cfg.Archive)
		if err != nil {
			log.Fatalf("Failed to set up archive: %v", err)
		}
		coll.SetArchiver(archiver)
		log.Printf("Archiving snapshots to %s", cfg.Archive.Bucket)
	}

	insights := services.NewInsightsService(store, red)
	monitor := services.NewBudgetMonitor(store, coll, cfg.Budget.DefaultThreshold)

	// One-shot commands.
	switch {
	case *addKeywords != "":
		if *addLocation == "" {
			log.Fatal("-add requires -location")
		}
		keywords := splitKeywords(*addKeywords)
		n, err := coll.AddTargets(ctx, keywords, *addLocation)
		if err != nil {
			log.Fatalf("Adding targets failed: %v", err)
		}
		log.Printf("Added %d new targets (%d requested)", n, len(keywords))
		return

	case *collectNow:
		log.Println("Running collection...")
		if err := coll.RunAll(ctx); err != nil {
			log.Fatalf("Collection failed: %v", err)
		}
		log.Println("Collection complete!")
		return

	case *diffTarget != "":
		targetID, err := uuid.Parse(*diffTarget)
		if err != nil {
			log.Fatalf("Invalid target ID: %v", err)
		}
		result, err := insights.Diff(ctx, targetID, *diffDays)
		if err != nil {
			log.Fatalf("Diff failed: %v", err)
		}
		printDiff(result.Records, result.Message)
		return
	}

	// Daemon mode.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := scheduler.New(cfg.Scheduler, store, coll, monitor)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	go func() {
		for event := range monitor.Events() {
			state := "recovered"
			if event.Exhausted {
				state = "exhausted"
			}
			log.Printf("Budget: %s is %s for target %s", event.Advertiser, state, event.TargetID)
		}
	}()

	crawlWorker := workers.NewCrawlWorker(store, services.NewCrawlService(store, clients.Crawl))
	go crawlWorker.Run(ctx, cfg.Crawl.Batch, cfg.Crawl.Interval)
	log.Println("Crawl worker started")

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("Goodbye!")
}

func splitKeywords(raw string) []string {
	var keywords []string
	for _, kw := range strings.Split(raw, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

func printDiff(records []models.AuctionInsightRecord, message string) {
	if message != "" {
		fmt.Println(message)
		return
	}
	fmt.Printf("%-40s %-8s %-12s %-10s %s\n", "ADVERTISER", "DELTA", "APPEARANCES", "CREATIVES", "FIRST SEEN")
	for _, rec := range records {
		fmt.Printf("%-40s %-8s %-12d %-10d %s\n",
			rec.Advertiser, rec.Delta, rec.Appearances, rec.Creatives,
			rec.FirstSeenAt.Format("2006-01-02 15:04"))
	}
}
