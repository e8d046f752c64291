package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"ppcwatch/models"
	"ppcwatch/storage"
)

var (
	pricingRe   = regexp.MustCompile(`(?i)(\$\s?\d|price|pricing|per month|/mo\b)`)
	financingRe = regexp.MustCompile(`(?i)(financ|0%\s?apr|monthly payment|no interest|pay later)`)
	offerRe     = regexp.MustCompile(`(?i)(save \d+%|\d+% off|free [a-z]+|limited time|special offer|no obligation)`)
)

// CrawlService fetches ad landing pages and extracts the fields competitors
// actually sell with: headings, forms, pricing and financing language,
// promotional offers.
type CrawlService struct {
	store storage.Store
	httpc *http.Client

	// now is replaced in tests.
	now func() time.Time
}

func NewCrawlService(store storage.Store, httpc *http.Client) *CrawlService {
	return &CrawlService{store: store, httpc: httpc, now: time.Now}
}

// CrawlAd fetches the ad's destination page, extracts landing-page fields
// and persists the result.
func (s *CrawlService) CrawlAd(ctx context.Context, ad *models.AdRecord) (*models.Crawl, error) {
	if ad.DestinationLink == "" {
		return nil, fmt.Errorf("ad record %d has no destination link", ad.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ad.DestinationLink, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ad.DestinationLink, err)
	}
	defer resp.Body.Close()

	crawl := &models.Crawl{
		AdRecordID:     ad.ID,
		DestinationURL: ad.DestinationLink,
		FinalURL:       resp.Request.URL.String(),
		HTTPStatus:     resp.StatusCode,
		FetchedAt:      s.now().UTC(),
	}

	if resp.StatusCode == http.StatusOK {
		if err := s.parsePage(resp.Body, crawl); err != nil {
			return nil, err
		}
	}

	if err := s.store.SaveCrawl(ctx, crawl); err != nil {
		return nil, fmt.Errorf("save crawl: %w", err)
	}
	return crawl, nil
}

func (s *CrawlService) parsePage(r io.Reader, crawl *models.Crawl) error {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	crawl.Title = strings.TrimSpace(doc.Find("title").First().Text())
	crawl.H1 = strings.TrimSpace(doc.Find("h1").First().Text())
	doc.Find("h2").Each(func(i int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			crawl.H2s = append(crawl.H2s, text)
		}
	})
	crawl.HasForm = doc.Find("form").Length() > 0

	text := doc.Find("body").Text()
	crawl.PricingMentions = pricingRe.MatchString(text)
	crawl.FinancingMentions = financingRe.MatchString(text)

	seen := map[string]bool{}
	for _, match := range offerRe.FindAllString(text, -1) {
		offer := strings.ToLower(strings.Join(strings.Fields(match), " "))
		if !seen[offer] {
			seen[offer] = true
			crawl.Offers = append(crawl.Offers, offer)
		}
	}
	return nil
}
