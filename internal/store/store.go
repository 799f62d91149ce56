// Package store persists market sources, price records, crop plans, and the
// per-source sync log. Postgres and SQLite drivers are provided; the driver is
// selected by configuration.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// ErrSourceNotFound is returned when an operation targets an unknown source id.
var ErrSourceNotFound = eris.New("store: source not found")

// UpsertResult reports the outcome of a price batch commit.
type UpsertResult struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
	// Dropped counts records rejected by domain invariants (non-positive
	// price, future date) and removed from the batch before commit.
	Dropped int64 `json:"dropped"`
}

// SourceRegistry holds configured price sources. No network or parsing logic.
type SourceRegistry interface {
	// ListEnabled returns enabled sources in id order.
	ListEnabled(ctx context.Context) ([]model.Source, error)

	// GetSource returns a source by id, ErrSourceNotFound if absent.
	GetSource(ctx context.Context, id int64) (*model.Source, error)

	// MarkSynced advances last_synced for a source. The stored value is
	// monotonically non-decreasing: an older timestamp is a no-op.
	// Unknown ids yield ErrSourceNotFound.
	MarkSynced(ctx context.Context, id int64, ts time.Time) error

	// UpsertSource inserts or updates a source by its unique name and
	// returns its id. Used when seeding configuration.
	UpsertSource(ctx context.Context, src model.Source) (int64, error)
}

// PriceStore persists canonical price records and answers the query surface.
type PriceStore interface {
	// UpsertPrices commits a batch transactionally, keyed by
	// (source, crop, variety, unit, date) with last-write-wins. Records
	// violating domain invariants are dropped from the batch and counted,
	// not fatal.
	UpsertPrices(ctx context.Context, records []model.PriceRecord) (*UpsertResult, error)

	// InsertPrice stores one administrative record (manual entry).
	InsertPrice(ctx context.Context, rec model.PriceRecord) error

	// Aggregate returns per-(crop, date) summaries, date descending, at most
	// limit rows. crop is a case-insensitive substring filter; "" matches all.
	Aggregate(ctx context.Context, crop string, limit int) ([]model.AggregateRow, error)

	// History returns the price series for a crop since the given date,
	// date ascending.
	History(ctx context.Context, crop string, since time.Time) ([]model.HistoryRow, error)
}

// PlanStore persists crop planning entries.
type PlanStore interface {
	SavePlan(ctx context.Context, plan model.CropPlan) (*model.CropPlan, error)
	ListPlans(ctx context.Context, limit int) ([]model.CropPlan, error)
}

// SyncEntry is one recorded sync attempt.
type SyncEntry struct {
	ID          int64      `json:"id"`
	Source      string     `json:"source"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RowsSynced  int64      `json:"rows_synced"`
	RowsSkipped int64      `json:"rows_skipped"`
	Error       string     `json:"error,omitempty"`
}

// SyncLog records per-source sync attempts for observability.
type SyncLog interface {
	StartSync(ctx context.Context, source string) (int64, error)
	CompleteSync(ctx context.Context, syncID int64, rowsSynced int64, rowsSkipped int) error
	FailSync(ctx context.Context, syncID int64, errMsg string) error
	LastSuccess(ctx context.Context, source string) (*time.Time, error)

	// ListSyncEntries returns recent sync attempts, newest first.
	ListSyncEntries(ctx context.Context, limit int) ([]SyncEntry, error)
}

// Store is the full persistence surface backed by one database.
type Store interface {
	SourceRegistry
	PriceStore
	PlanStore
	SyncLog

	Migrate(ctx context.Context) error
	Close() error
}

// splitValid partitions a batch into records satisfying the domain invariants
// and a dropped count. Observation dates are truncated to date-only.
func splitValid(records []model.PriceRecord, now time.Time) ([]model.PriceRecord, int64) {
	valid := make([]model.PriceRecord, 0, len(records))
	var dropped int64
	for _, r := range records {
		if err := r.Validate(now); err != nil {
			dropped++
			continue
		}
		r.Date = truncateToDate(r.Date)
		valid = append(valid, r)
	}
	return valid, dropped
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
