package serpapi

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Ad is a paid search result extracted from a search payload.
type Ad struct {
	AdID            string
	Advertiser      string
	Headline        string
	Description     string
	DisplayedLink   string
	DestinationLink string
	Block           string // top or bottom
	Position        int
}

// Creative is an ads-transparency record extracted from a transparency
// payload.
type Creative struct {
	AdID       string
	Advertiser string
	Title      string
	Format     string
	FirstSeen  string
	LastSeen   string
	PreviewURL string
	FinalURL   string
}

// extractAds pulls paid ads out of a search payload. The payload shape is
// treated as opaque beyond these fields; both the "ads" and "paid" top-level
// keys are handled.
func extractAds(raw []byte) []Ad {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	var items []map[string]any
	for _, key := range []string{"ads", "paid"} {
		if v, ok := doc[key]; ok {
			if json.Unmarshal(v, &items) == nil && len(items) > 0 {
				break
			}
		}
	}

	var out []Ad
	for i, item := range items {
		link := str(item, "link", "destination_link")
		displayed := str(item, "displayed_link", "display_link")

		block := str(item, "block")
		if block == "" {
			if i < 4 {
				block = "top"
			} else {
				block = "bottom"
			}
		}

		adID := str(item, "ad_id")
		if adID == "" {
			adID = strconv.Itoa(intField(item, "position", i+1))
		}

		out = append(out, Ad{
			AdID:            adID,
			Advertiser:      DomainFromLink(firstNonEmpty(displayed, link)),
			Headline:        str(item, "title", "headline"),
			Description:     str(item, "description", "snippet"),
			DisplayedLink:   displayed,
			DestinationLink: link,
			Block:           block,
			Position:        intField(item, "position", i+1),
		})
	}
	return out
}

// Keys tried in order when locating the creatives list. The provider has
// shipped several response shapes for this engine.
var creativeListKeys = []string{"ads", "creatives", "results", "advertiser_ads"}
var creativeWrapKeys = []string{"advertiser_results", "advertisers", "search_results"}

func extractCreatives(raw []byte) []Creative {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	for _, key := range creativeListKeys {
		if out := creativesFromValue(doc[key]); len(out) > 0 {
			return out
		}
	}

	// Wrapped shape: advertiser hits each carrying their own ad list.
	for _, key := range creativeWrapKeys {
		wrap, ok := doc[key].([]any)
		if !ok {
			continue
		}
		var out []Creative
		for _, item := range wrap {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for _, sub := range creativeListKeys {
				out = append(out, creativesFromValue(m[sub])...)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	// Last resort: any list of dicts that looks like ad creatives.
	return creativesAnywhere(doc, 0)
}

func creativesFromValue(v any) []Creative {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Creative
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, normalizeCreative(m))
	}
	return out
}

func creativesAnywhere(v any, depth int) []Creative {
	if depth > 6 {
		return nil
	}
	switch node := v.(type) {
	case map[string]any:
		for _, val := range node {
			if list, ok := val.([]any); ok && len(list) > 0 {
				if first, ok := list[0].(map[string]any); ok && looksLikeCreative(first) {
					if out := creativesFromValue(val); len(out) > 0 {
						return out
					}
				}
			}
			if out := creativesAnywhere(val, depth+1); len(out) > 0 {
				return out
			}
		}
	case []any:
		for _, item := range node {
			if out := creativesAnywhere(item, depth+1); len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

func looksLikeCreative(m map[string]any) bool {
	for _, k := range []string{"ad_id", "creative_id", "id", "title", "headline"} {
		if s := str(m, k); s != "" {
			return true
		}
	}
	return false
}

func normalizeCreative(m map[string]any) Creative {
	finalURL := str(m, "final_url", "destination_url")
	advertiser := str(m, "advertiser", "advertiser_name")
	if advertiser == "" {
		advertiser = DomainFromLink(finalURL)
	}

	format := str(m, "format", "creative_format")
	if format == "" {
		format = "unknown"
	}

	return Creative{
		AdID:       str(m, "ad_id", "creative_id", "id"),
		Advertiser: advertiser,
		Title:      str(m, "title", "headline"),
		Format:     format,
		FirstSeen:  str(m, "first_seen", "start_date"),
		LastSeen:   str(m, "last_seen", "end_date"),
		PreviewURL: str(m, "preview_url", "preview_link"),
		FinalURL:   finalURL,
	}
}

// DomainFromLink reduces a URL to its host for use as an advertiser identity.
func DomainFromLink(link string) string {
	link = strings.ToLower(strings.TrimSpace(link))
	if link == "" {
		return "unknown"
	}
	for _, prefix := range []string{"https://", "http://", "www."} {
		link = strings.TrimPrefix(link, prefix)
	}
	if i := strings.IndexAny(link, "/:?"); i >= 0 {
		link = link[:i]
	}
	if link == "" {
		return "unknown"
	}
	return link
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func intField(m map[string]any, key string, fallback int) int {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
