package model

import "time"

// CropPlan is one stored planning entry: either a row persisted from an
// AI-generated schedule or a manually created plan.
type CropPlan struct {
	ID          int64     `json:"id"`
	CropName    string    `json:"crop_name"`
	SowDate     time.Time `json:"sow_date"`
	HarvestDate time.Time `json:"harvest_date"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PlanStep is one step of an AI-generated crop schedule, as returned by the
// advisory model and echoed back to the caller after persistence.
type PlanStep struct {
	ID           int64  `json:"id,omitempty"`
	Date         string `json:"date"`
	Event        string `json:"event"`
	Reason       string `json:"reason,omitempty"`
	Significance string `json:"significance,omitempty"`
}
