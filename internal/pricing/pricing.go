// Package pricing maps endpoints to price bands for payment challenges.
//
// A table maps endpoint-prefix patterns to {min, max, expirySeconds} bands,
// with a default band for unmatched endpoints. A challenge always quotes the
// band's max: the client is never asked to lock less than the worst-case
// estimate.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/meterd/x402gw/internal/money"
)

// ErrInvalidBand means a band is malformed (min > max, max <= 0, or a bad
// amount string).
var ErrInvalidBand = errors.New("pricing: invalid price band")

// DefaultExpirySeconds bounds how long a challenge stays honorable.
const DefaultExpirySeconds = 300

// Band is the price range for a group of endpoints, in micro-units.
type Band struct {
	Min           int64 `json:"min"`
	Max           int64 `json:"max"`
	ExpirySeconds int64 `json:"expirySeconds"`
}

// Table matches endpoint prefixes to bands. Longest prefix wins.
type Table struct {
	prefixes []string // sorted longest-first
	bands    map[string]Band
	fallback Band
}

// NewTable builds a pricing table. Bands are validated up front so a bad
// pricing policy is a startup error, not a per-request one.
func NewTable(bands map[string]Band, fallback Band) (*Table, error) {
	if err := validateBand(fallback); err != nil {
		return nil, fmt.Errorf("default band: %w", err)
	}
	t := &Table{
		bands:    make(map[string]Band, len(bands)),
		fallback: fallback,
	}
	for prefix, band := range bands {
		if err := validateBand(band); err != nil {
			return nil, fmt.Errorf("band %q: %w", prefix, err)
		}
		t.bands[prefix] = band
		t.prefixes = append(t.prefixes, prefix)
	}
	// Longest prefix first so /ai/chat beats /ai.
	sort.Slice(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i]) > len(t.prefixes[j])
	})
	return t, nil
}

func validateBand(b Band) error {
	if b.Max <= 0 || b.Min < 0 || b.Min > b.Max {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidBand, b.Min, b.Max)
	}
	return nil
}

// Match returns the band for an endpoint, falling back to the default band
// for unmatched endpoints. The returned band's ExpirySeconds is never zero.
func (t *Table) Match(endpoint string) Band {
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(endpoint, prefix) {
			return withExpiry(t.bands[prefix])
		}
	}
	return withExpiry(t.fallback)
}

func withExpiry(b Band) Band {
	if b.ExpirySeconds <= 0 {
		b.ExpirySeconds = DefaultExpirySeconds
	}
	return b
}

// wire form for config: amounts as decimal strings.
type bandJSON struct {
	Min           string `json:"min"`
	Max           string `json:"max"`
	ExpirySeconds int64  `json:"expirySeconds"`
}

// ParseTable parses a JSON pricing table of the form
//
//	{"bands": {"/ai/": {"min": "0.01", "max": "0.05", "expirySeconds": 300}},
//	 "default": {"min": "0.001", "max": "0.01"}}
func ParseTable(data []byte) (*Table, error) {
	var raw struct {
		Bands   map[string]bandJSON `json:"bands"`
		Default bandJSON            `json:"default"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("pricing: parse table: %w", err)
	}

	fallback, err := bandFromJSON(raw.Default)
	if err != nil {
		return nil, fmt.Errorf("default band: %w", err)
	}
	bands := make(map[string]Band, len(raw.Bands))
	for prefix, bj := range raw.Bands {
		band, err := bandFromJSON(bj)
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", prefix, err)
		}
		bands[prefix] = band
	}
	return NewTable(bands, fallback)
}

func bandFromJSON(bj bandJSON) (Band, error) {
	min, ok := money.Parse(bj.Min)
	if !ok {
		return Band{}, fmt.Errorf("%w: min %q", ErrInvalidBand, bj.Min)
	}
	max, ok := money.Parse(bj.Max)
	if !ok {
		return Band{}, fmt.Errorf("%w: max %q", ErrInvalidBand, bj.Max)
	}
	return Band{Min: min, Max: max, ExpirySeconds: bj.ExpirySeconds}, nil
}
