// Package market implements the price ingestion pipeline: normalizing raw
// source payloads into canonical records and orchestrating sync runs across
// the configured sources.
package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// NormalizeResult carries the canonical records extracted from one payload
// plus the count of rows/items skipped for shape or value problems. Sync is
// best-effort: skips are counted, never fatal.
type NormalizeResult struct {
	Records []model.PriceRecord
	Skipped int
}

// Normalizer maps one raw payload into canonical price records. now is the
// sync run's start time, used when a row carries no usable date.
type Normalizer interface {
	Normalize(payload *model.RawPayload, src model.Source, now time.Time) (*NormalizeResult, error)
}

// ForKind returns the normalizer for a source kind. defaultUnit fills in when
// a row does not carry one.
func ForKind(kind model.SourceKind, defaultUnit string) Normalizer {
	if kind == model.KindStructuredAPI {
		return &JSONPathNormalizer{DefaultUnit: defaultUnit}
	}
	return &HTMLTableNormalizer{DefaultUnit: defaultUnit}
}

// JSONPathNormalizer extracts records from a decoded JSON document using the
// source's field mapping of dotted paths.
type JSONPathNormalizer struct {
	DefaultUnit string
}

func (n *JSONPathNormalizer) Normalize(payload *model.RawPayload, src model.Source, now time.Time) (*NormalizeResult, error) {
	result := &NormalizeResult{}
	log := zap.L().With(zap.String("source", src.Name))

	if src.Mapping == nil {
		log.Warn("structured-api source has no field mapping, extracting nothing")
		return result, nil
	}

	items, ok := deepGet(payload.Value, src.Mapping.ItemsPath).([]any)
	if !ok {
		log.Warn("items path did not resolve to a list",
			zap.String("items_path", src.Mapping.ItemsPath),
		)
		return result, nil
	}

	sourceID := src.ID
	for _, item := range items {
		crop, _ := deepGet(item, src.Mapping.CropField).(string)
		if strings.TrimSpace(crop) == "" {
			result.Skipped++
			continue
		}

		price, ok := coercePrice(deepGet(item, src.Mapping.PriceField))
		if !ok {
			result.Skipped++
			continue
		}

		variety, _ := deepGet(item, src.Mapping.VarietyField).(string)
		unit, _ := deepGet(item, src.Mapping.UnitField).(string)
		if unit == "" {
			unit = n.DefaultUnit
		}

		date := now.UTC().Truncate(24 * time.Hour)
		if src.Mapping.DateField != "" {
			if raw, ok := deepGet(item, src.Mapping.DateField).(string); ok {
				if parsed, err := time.Parse("2006-01-02", raw); err == nil {
					date = parsed
				}
			}
		}

		result.Records = append(result.Records, model.PriceRecord{
			SourceID: &sourceID,
			Crop:     strings.TrimSpace(crop),
			Variety:  strings.TrimSpace(variety),
			Unit:     strings.TrimSpace(unit),
			Price:    price,
			Date:     date,
		})
	}

	return result, nil
}

// deepGet resolves a dotted path against nested JSON maps. An empty path
// returns the object itself; any miss returns nil.
func deepGet(obj any, path string) any {
	if path == "" {
		return obj
	}
	cur := obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// coercePrice accepts a JSON number or a numeric string (with thousands
// separators) and returns a positive price.
func coercePrice(v any) (float64, bool) {
	switch p := v.(type) {
	case float64:
		if p > 0 {
			return p, true
		}
		return 0, false
	case string:
		return parsePrice(p)
	default:
		return 0, false
	}
}

// parsePrice strips thousands separators and parses a decimal price string.
// Non-numeric or non-positive values are rejected.
func parsePrice(s string) (float64, bool) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if cleaned == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	return d.InexactFloat64(), true
}
