package workers

import (
	"context"
	"log"
	"time"

	"ppcwatch/services"
	"ppcwatch/storage"
)

// CrawlWorker walks recent ad records that have a destination link but no
// crawl yet and fetches their landing pages in small batches.
type CrawlWorker struct {
	store     storage.Store
	crawler   *services.CrawlService
	triggerCh chan struct{}
}

func NewCrawlWorker(store storage.Store, crawler *services.CrawlService) *CrawlWorker {
	return &CrawlWorker{
		store:     store,
		crawler:   crawler,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate batch outside the regular interval.
func (w *CrawlWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run processes batches until the context is cancelled.
func (w *CrawlWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Crawl worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx, batchSize)
		case <-w.triggerCh:
			w.processBatch(ctx, batchSize)
		}
	}
}

func (w *CrawlWorker) processBatch(ctx context.Context, batchSize int) {
	ads, err := w.store.UncrawledAdRecords(ctx, batchSize)
	if err != nil {
		log.Printf("Crawl: listing pending ads: %v", err)
		return
	}
	if len(ads) == 0 {
		return
	}

	log.Printf("Crawl: processing %d landing pages", len(ads))
	for i := range ads {
		if ctx.Err() != nil {
			return
		}
		crawl, err := w.crawler.CrawlAd(ctx, &ads[i])
		if err != nil {
			log.Printf("Crawl: ad %d (%s): %v", ads[i].ID, ads[i].Advertiser, err)
			continue
		}
		log.Printf("Crawl: ad %d -> %d (%d h2s, form=%v)", ads[i].ID, crawl.HTTPStatus, len(crawl.H2s), crawl.HasForm)

		// Rate limit between page fetches.
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}
