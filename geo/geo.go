// Package geo converts user-supplied location identifiers into the forms the
// upstream provider accepts. Search requests need a city-level location
// string ("Phoenix, Arizona, United States"); ads-transparency requests need
// a numeric region code ("2840" for the US). Both mappings are pure lookups:
// an unmapped input is an error, never a guess, because a silently wrong
// geography corrupts every downstream comparison.
package geo

import (
	"fmt"
	"strings"
)

// NormalizationError reports an unmapped location or region identifier. It is
// user-actionable and never retried.
type NormalizationError struct {
	Input string
	Kind  string // "postal code" or "region code"
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("unrecognized %s: %q", e.Kind, e.Input)
}

// Normalizer holds immutable mapping tables injected at construction.
type Normalizer struct {
	postal  map[string]string // ZIP -> "City, State, Country"
	regions map[string]string // ISO country code -> provider numeric code
}

func NewNormalizer(postal, regions map[string]string) *Normalizer {
	n := &Normalizer{
		postal:  make(map[string]string, len(postal)+len(defaultPostal)),
		regions: make(map[string]string, len(regions)+len(defaultRegions)),
	}
	for k, v := range defaultPostal {
		n.postal[k] = v
	}
	for k, v := range postal {
		n.postal[strings.TrimSpace(k)] = v
	}
	for k, v := range defaultRegions {
		n.regions[k] = v
	}
	for k, v := range regions {
		n.regions[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return n
}

// Location maps a raw location input to a provider-accepted location string.
// Bare US postal codes (5 or 9 digits) go through the postal table; anything
// else is assumed to already be a place name and passes through.
func (n *Normalizer) Location(raw string) (string, error) {
	loc := strings.TrimSpace(raw)
	if loc == "" {
		return "", &NormalizationError{Input: raw, Kind: "postal code"}
	}
	if !isDigits(loc) {
		return loc, nil
	}
	if len(loc) != 5 && len(loc) != 9 {
		return "", &NormalizationError{Input: loc, Kind: "postal code"}
	}
	place, ok := n.postal[loc]
	if !ok {
		return "", &NormalizationError{Input: loc, Kind: "postal code"}
	}
	return place, nil
}

// RegionCode maps a two-letter country code to the provider's numeric region
// code. Already-numeric input passes through unchanged.
func (n *Normalizer) RegionCode(country string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(country))
	if c == "" {
		return "", &NormalizationError{Input: country, Kind: "region code"}
	}
	if isDigits(c) {
		return c, nil
	}
	code, ok := n.regions[c]
	if !ok {
		return "", &NormalizationError{Input: country, Kind: "region code"}
	}
	return code, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var defaultPostal = map[string]string{
	"85001": "Phoenix, Arizona, United States",
	"10001": "New York, New York, United States",
	"90210": "Beverly Hills, California, United States",
	"60601": "Chicago, Illinois, United States",
	"75201": "Dallas, Texas, United States",
	"33101": "Miami, Florida, United States",
}

// Provider region codes are the country's UN M49 numeric code prefixed with 2.
var defaultRegions = map[string]string{
	"US": "2840",
	"CA": "2124",
	"GB": "2826",
	"AU": "2036",
	"DE": "2276",
	"FR": "2250",
	"ES": "2724",
	"IT": "2380",
	"NL": "2528",
	"MX": "2484",
	"BR": "2076",
	"JP": "2392",
	"IN": "2356",
}
