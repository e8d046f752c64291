// Package serpapi is the client for the upstream data provider. Callers hand
// it already-normalized location and region parameters; raw identifiers never
// reach the wire. Failure bodies are redacted before they enter an error
// value, so no caller can leak the credential by logging an error.
package serpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ppcwatch/config"
	"ppcwatch/redact"
)

const maxErrorBody = 500

// APIError is a non-success provider response. Body is pre-redacted.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	red     *redact.Redactor

	// retryWait is shortened in tests.
	retryWait time.Duration
}

func NewClient(cfg config.SerpAPIConfig, httpc *http.Client, red *redact.Redactor) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		httpc:     httpc,
		red:       red,
		retryWait: 500 * time.Millisecond,
	}
}

// SearchResult is one search-results capture. Raw is the opaque payload as
// returned; Ads are the fields extracted from it.
type SearchResult struct {
	Raw json.RawMessage
	Ads []Ad
}

// TransparencyResult is one ads-transparency capture.
type TransparencyResult struct {
	Raw       json.RawMessage
	Creatives []Creative
}

// Search runs the search-results engine. location must already be the
// provider-accepted form (see the geo package); a bare ZIP here is a caller
// bug and will surface as a provider 400.
func (c *Client) Search(ctx context.Context, q, location, gl, hl, device string) (*SearchResult, error) {
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", q)
	params.Set("location", location)
	params.Set("gl", gl)
	params.Set("hl", hl)
	params.Set("device", device)

	raw, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	return &SearchResult{Raw: raw, Ads: extractAds(raw)}, nil
}

// Transparency runs the ads-transparency engine. regionCode must be the
// numeric provider code ("2840"), not a country code.
func (c *Client) Transparency(ctx context.Context, text, regionCode string) (*TransparencyResult, error) {
	params := url.Values{}
	params.Set("engine", "google_ads_transparency_center")
	params.Set("text", text)
	params.Set("region", regionCode)
	params.Set("num", "100")

	raw, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	return &TransparencyResult{Raw: raw, Creatives: extractCreatives(raw)}, nil
}

// get issues the request with exactly one automatic retry on transport
// errors and 5xx responses. These are idempotent read-only fetches, so a
// single retry is safe; anything more hammers a rate-limited API.
func (c *Client) get(ctx context.Context, params url.Values) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("SERPAPI_API_KEY is not set")
	}
	params.Set("api_key", c.apiKey)
	reqURL := c.baseURL + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, c.red.RedactError(err)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = c.red.RedactError(fmt.Errorf("provider request: %w", err))
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = c.red.RedactError(fmt.Errorf("provider response: %w", readErr))
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = c.apiError(resp.StatusCode, body)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, c.apiError(resp.StatusCode, body)
		}

		// The provider can answer 200 with an error message in the body.
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: c.red.Redact(envelope.Error)}
		}

		return json.RawMessage(body), nil
	}

	return nil, lastErr
}

// apiError builds an APIError from a raw failure body. The raw body is
// redacted first: the provider may echo the credential back at us.
func (c *Client) apiError(status int, body []byte) *APIError {
	msg := string(body)
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
		msg = envelope.Error
	}

	return &APIError{StatusCode: status, Body: c.red.Redact(msg)}
}
