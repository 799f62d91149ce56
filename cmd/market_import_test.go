package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImportRows(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := [][]string{
		{"Wheat", "Lokwan", "quintal", "2,450", "2024-05-15"},
		{"Rice", "", "kg", "42.50"},
		{"", "x", "kg", "10", "2024-05-15"},
		{"Maize", "", "kg", "free", "2024-05-15"},
		{"Maize", "", "kg", "-5", "2024-05-15"},
		{"short"},
	}

	records, skipped := parseImportRows(rows, now)
	require.Len(t, records, 2)
	assert.Equal(t, 4, skipped)

	wheat := records[0]
	assert.Equal(t, "Wheat", wheat.Crop)
	assert.Equal(t, "Lokwan", wheat.Variety)
	assert.Equal(t, "quintal", wheat.Unit)
	assert.InDelta(t, 2450, wheat.Price, 1e-9)
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), wheat.Date)

	rice := records[1]
	assert.Equal(t, now, rice.Date, "missing date falls back to now")
}

func TestParseImportRows_Empty(t *testing.T) {
	records, skipped := parseImportRows(nil, time.Now())
	assert.Empty(t, records)
	assert.Zero(t, skipped)
}
