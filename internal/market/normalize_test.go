package market

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense/agrisense-cli/internal/model"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func jsonPayload(t *testing.T, raw string) *model.RawPayload {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return &model.RawPayload{Kind: model.PayloadJSON, Value: v}
}

func jsonSource(mapping *model.FieldMapping) model.Source {
	return model.Source{
		ID:      7,
		Name:    "agri-api",
		Kind:    model.KindStructuredAPI,
		Mapping: mapping,
	}
}

func TestJSONPathNormalizer_NestedItemsPath(t *testing.T) {
	payload := jsonPayload(t, `{
		"data": {"prices": [
			{"crop_name": "Rice", "price": "42.5", "date": "2024-05-01"},
			{"crop_name": "Wheat", "price": 31.25, "unit": "quintal"}
		]}
	}`)
	src := jsonSource(&model.FieldMapping{
		ItemsPath:  "data.prices",
		CropField:  "crop_name",
		PriceField: "price",
		UnitField:  "unit",
		DateField:  "date",
	})

	n := &JSONPathNormalizer{DefaultUnit: "kg"}
	res, err := n.Normalize(payload, src, testNow)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Zero(t, res.Skipped)

	rice := res.Records[0]
	assert.Equal(t, "Rice", rice.Crop)
	assert.InDelta(t, 42.5, rice.Price, 1e-9)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), rice.Date)
	assert.Equal(t, "kg", rice.Unit)
	require.NotNil(t, rice.SourceID)
	assert.Equal(t, int64(7), *rice.SourceID)

	wheat := res.Records[1]
	assert.InDelta(t, 31.25, wheat.Price, 1e-9)
	assert.Equal(t, "quintal", wheat.Unit)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), wheat.Date, "missing date falls back to the run date")
}

func TestJSONPathNormalizer_SkipsBadItems(t *testing.T) {
	payload := jsonPayload(t, `{"items": [
		{"crop": "Rice", "price": "abc"},
		{"crop": "", "price": "10"},
		{"price": "10"},
		{"crop": "Maize", "price": "-4"},
		{"crop": "Onion", "price": "1,250.50"}
	]}`)
	src := jsonSource(&model.FieldMapping{
		ItemsPath:  "items",
		CropField:  "crop",
		PriceField: "price",
	})

	res, err := (&JSONPathNormalizer{DefaultUnit: "kg"}).Normalize(payload, src, testNow)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, "Onion", res.Records[0].Crop)
	assert.InDelta(t, 1250.50, res.Records[0].Price, 1e-9)
}

func TestJSONPathNormalizer_RootLevelList(t *testing.T) {
	payload := jsonPayload(t, `[
		{"crop": "Rice", "price": 42.5},
		{"crop": "Wheat", "price": 31.0}
	]`)
	src := jsonSource(&model.FieldMapping{
		ItemsPath:  "",
		CropField:  "crop",
		PriceField: "price",
	})

	res, err := (&JSONPathNormalizer{DefaultUnit: "kg"}).Normalize(payload, src, testNow)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "Rice", res.Records[0].Crop)
	assert.Equal(t, "Wheat", res.Records[1].Crop)
}

func TestJSONPathNormalizer_NoMapping(t *testing.T) {
	payload := jsonPayload(t, `{"items": []}`)
	res, err := (&JSONPathNormalizer{}).Normalize(payload, jsonSource(nil), testNow)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestJSONPathNormalizer_ItemsPathMiss(t *testing.T) {
	payload := jsonPayload(t, `{"data": {"rates": []}}`)
	src := jsonSource(&model.FieldMapping{
		ItemsPath:  "data.prices",
		CropField:  "crop",
		PriceField: "price",
	})
	res, err := (&JSONPathNormalizer{}).Normalize(payload, src, testNow)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Zero(t, res.Skipped)
}

func TestJSONPathNormalizer_MalformedPayload(t *testing.T) {
	src := jsonSource(&model.FieldMapping{
		ItemsPath:  "items",
		CropField:  "crop",
		PriceField: "price",
	})
	res, err := (&JSONPathNormalizer{}).Normalize(&model.RawPayload{Kind: model.PayloadJSON}, src, testNow)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestDeepGet(t *testing.T) {
	obj := map[string]any{
		"data": map[string]any{"prices": []any{1.0}},
		"name": "x",
	}
	assert.Equal(t, "x", deepGet(obj, "name"))
	assert.Equal(t, []any{1.0}, deepGet(obj, "data.prices"))
	assert.Nil(t, deepGet(obj, "data.missing"))
	assert.Nil(t, deepGet(obj, "name.deeper"))
	assert.Equal(t, obj, deepGet(obj, ""), "empty path resolves to the object itself")
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"42.5", 42.5, true},
		{"1,250.50", 1250.50, true},
		{" 18 ", 18, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"N/A", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parsePrice(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 1e-9, "input %q", tc.in)
		}
	}
}
