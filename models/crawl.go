package models

import "time"

// Crawl holds landing-page fields extracted from an ad's destination URL.
type Crawl struct {
	ID                int64     `json:"id" db:"id"`
	AdRecordID        int64     `json:"ad_record_id" db:"ad_record_id"`
	DestinationURL    string    `json:"destination_url" db:"destination_url"`
	FinalURL          string    `json:"final_url" db:"final_url"`
	HTTPStatus        int       `json:"http_status" db:"http_status"`
	Title             string    `json:"title" db:"title"`
	H1                string    `json:"h1" db:"h1"`
	H2s               []string  `json:"h2s" db:"h2s"`
	HasForm           bool      `json:"has_form" db:"has_form"`
	PricingMentions   bool      `json:"pricing_mentions" db:"pricing_mentions"`
	FinancingMentions bool      `json:"financing_mentions" db:"financing_mentions"`
	Offers            []string  `json:"offers" db:"offers"`
	FetchedAt         time.Time `json:"fetched_at_utc" db:"fetched_at_utc"`
}
