// Package model defines the domain types shared across the market pipeline,
// the planner, and the API layer.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SourceKind distinguishes how a source's endpoint is read.
type SourceKind string

const (
	// KindScrape marks sources whose endpoint serves an HTML price table.
	KindScrape SourceKind = "scrape"
	// KindStructuredAPI marks sources whose endpoint serves JSON.
	KindStructuredAPI SourceKind = "structured-api"
)

// ParseSourceKind converts a string into a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "scrape":
		return KindScrape, nil
	case "structured-api", "structured_api":
		return KindStructuredAPI, nil
	default:
		return "", eris.Errorf("unknown source kind: %q (valid: scrape, structured-api)", s)
	}
}

// FieldMapping tells the JSON normalizer where to find items and fields in a
// structured-api payload. Paths are dotted (e.g., "data.prices").
type FieldMapping struct {
	ItemsPath    string `json:"items_path" yaml:"items_path"`
	CropField    string `json:"crop_field" yaml:"crop_field"`
	VarietyField string `json:"variety_field,omitempty" yaml:"variety_field,omitempty"`
	PriceField   string `json:"price_field" yaml:"price_field"`
	UnitField    string `json:"unit_field,omitempty" yaml:"unit_field,omitempty"`
	DateField    string `json:"date_field,omitempty" yaml:"date_field,omitempty"`
}

// Source is a configured external origin of market price data.
type Source struct {
	ID         int64         `json:"id"`
	Name       string        `json:"name"` // unique
	URL        string        `json:"url"`
	Kind       SourceKind    `json:"kind"`
	Region     string        `json:"region,omitempty"`
	Enabled    bool          `json:"enabled"`
	LastSynced *time.Time    `json:"last_synced,omitempty"`
	Mapping    *FieldMapping `json:"mapping,omitempty"`
}

// PriceRecord is one canonical observed price point for a crop on a date.
// SourceID is nil for manual entries. Variety and Unit use "" for absent.
type PriceRecord struct {
	ID        int64     `json:"id,omitempty"`
	SourceID  *int64    `json:"source_id,omitempty"`
	Crop      string    `json:"crop"`
	Variety   string    `json:"variety,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Price     float64   `json:"price"`
	Date      time.Time `json:"date"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Validate checks the domain invariants for a record about to be persisted.
// now bounds the observation date; future-dated records are rejected.
func (r PriceRecord) Validate(now time.Time) error {
	if r.Crop == "" {
		return eris.New("price record: empty crop")
	}
	if r.Price <= 0 {
		return eris.Errorf("price record: non-positive price %v for %s", r.Price, r.Crop)
	}
	if r.Date.After(dateOnly(now)) {
		return eris.Errorf("price record: future date %s for %s", r.Date.Format("2006-01-02"), r.Crop)
	}
	return nil
}

// dateOnly truncates a timestamp to midnight UTC.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PayloadKind tags the shape of a fetched payload.
type PayloadKind string

const (
	// PayloadHTML is a raw HTML document.
	PayloadHTML PayloadKind = "html"
	// PayloadJSON is a decoded JSON document.
	PayloadJSON PayloadKind = "json"
)

// RawPayload is the tagged result of fetching a source. Exactly one of Body
// (html) or Value (json) is populated, per Kind.
type RawPayload struct {
	Kind  PayloadKind
	Body  []byte
	Value any
}

// AggregateRow is one grouped (crop, date) summary from the price store.
type AggregateRow struct {
	Crop     string    `json:"crop"`
	AvgPrice float64   `json:"avg_price"`
	MinPrice float64   `json:"min_price"`
	MaxPrice float64   `json:"max_price"`
	Date     time.Time `json:"date"`
}

// HistoryRow is one time-series point for a crop.
type HistoryRow struct {
	Date       time.Time `json:"date"`
	Price      float64   `json:"price"`
	SourceName string    `json:"source,omitempty"`
}
