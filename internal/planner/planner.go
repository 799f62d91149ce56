// Package planner produces deterministic crop activity calendars from fixed
// per-crop stage tables keyed by day offsets from sowing.
package planner

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// Activity is one scheduled task in a crop calendar.
type Activity struct {
	Task string    `json:"task"`
	Date time.Time `json:"date"`
}

// stage is a named activity at a fixed day offset from sowing.
type stage struct {
	name   string
	offset int
}

var cropStages = map[string][]stage{
	"Wheat": {
		{"Sowing", 0},
		{"First Irrigation", 20},
		{"Fertilizer (Urea)", 30},
		{"Second Irrigation", 40},
		{"Weeding", 50},
		{"Pesticide Spray", 70},
		{"Harvesting", 120},
	},
	"Rice": {
		{"Nursery Preparation", 0},
		{"Transplanting", 20},
		{"First Fertilizer Dose", 30},
		{"Irrigation", 40},
		{"Weeding", 60},
		{"Second Fertilizer Dose", 70},
		{"Harvesting", 150},
	},
	"Maize": {
		{"Sowing", 0},
		{"First Irrigation", 15},
		{"Fertilizer (DAP)", 20},
		{"Second Irrigation", 30},
		{"Pesticide Spray", 45},
		{"Harvesting", 100},
	},
}

// ErrUnknownCrop is returned by Schedule for crops without a stage table.
var ErrUnknownCrop = eris.New("planner: unknown crop")

// Crops lists the crops with a stage table, sorted.
func Crops() []string {
	names := make([]string, 0, len(cropStages))
	for name := range cropStages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schedule resolves a crop's stage table against a sowing date. The returned
// activities are in stage order, each dated sowDate plus the stage offset.
func Schedule(crop string, sowDate time.Time) ([]Activity, error) {
	stages, ok := cropStages[crop]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCrop, "%q", crop)
	}
	activities := make([]Activity, 0, len(stages))
	for _, st := range stages {
		activities = append(activities, Activity{
			Task: st.name,
			Date: sowDate.AddDate(0, 0, st.offset),
		})
	}
	return activities, nil
}
