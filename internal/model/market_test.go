package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceKind(t *testing.T) {
	k, err := ParseSourceKind("scrape")
	require.NoError(t, err)
	assert.Equal(t, KindScrape, k)

	k, err = ParseSourceKind("structured-api")
	require.NoError(t, err)
	assert.Equal(t, KindStructuredAPI, k)

	k, err = ParseSourceKind("structured_api")
	require.NoError(t, err)
	assert.Equal(t, KindStructuredAPI, k)

	_, err = ParseSourceKind("csv")
	assert.Error(t, err)
}

func TestPriceRecord_Validate(t *testing.T) {
	now := time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)

	ok := PriceRecord{Crop: "Rice", Price: 42.5, Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	assert.NoError(t, ok.Validate(now))

	// Same-day observation is allowed even when now has a time-of-day component.
	today := PriceRecord{Crop: "Rice", Price: 42.5, Date: time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)}
	assert.NoError(t, today.Validate(now))

	future := PriceRecord{Crop: "Rice", Price: 42.5, Date: time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC)}
	assert.ErrorContains(t, future.Validate(now), "future date")

	free := PriceRecord{Crop: "Rice", Price: 0, Date: now}
	assert.ErrorContains(t, free.Validate(now), "non-positive")

	anon := PriceRecord{Price: 10, Date: now}
	assert.ErrorContains(t, anon.Validate(now), "empty crop")
}
