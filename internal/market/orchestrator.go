package market

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agrisense/agrisense-cli/internal/fetcher"
	"github.com/agrisense/agrisense-cli/internal/model"
	"github.com/agrisense/agrisense-cli/internal/store"
)

// ErrRunInProgress is returned by Run when a sync run is already active.
var ErrRunInProgress = eris.New("market: sync run already in progress")

// RunState is the terminal state of a sync run.
type RunState string

const (
	StateRunning         RunState = "running"
	StateCompleted       RunState = "completed"
	StatePartiallyFailed RunState = "partially_failed"
)

// SourceReport records the outcome of syncing one source.
type SourceReport struct {
	SourceID int64
	Name     string
	Inserted int64
	Updated  int64
	Dropped  int64
	Skipped  int
	Err      string
}

// Failed reports whether the source's sync ended in an error.
func (r SourceReport) Failed() bool { return r.Err != "" }

// RunReport summarizes a full sync run across all enabled sources.
type RunReport struct {
	ID        string
	StartedAt time.Time
	Elapsed   time.Duration
	State     RunState
	Synced    int
	Failed    int
	Sources   []SourceReport
}

// Orchestrator drives sync runs: it fans out over the enabled sources,
// fetches and normalizes each one, and upserts the results. Source failures
// are isolated; one bad source never aborts the run.
type Orchestrator struct {
	registry    store.SourceRegistry
	prices      store.PriceStore
	syncLog     store.SyncLog
	fetch       fetcher.Fetcher
	defaultUnit string
	workers     int

	inFlight atomic.Bool
	now      func() time.Time
}

// Options tunes an Orchestrator. Zero values fall back to defaults.
type Options struct {
	// DefaultUnit fills in when a source row carries no unit.
	DefaultUnit string
	// Workers bounds concurrent source syncs. Defaults to 4.
	Workers int
}

func NewOrchestrator(registry store.SourceRegistry, prices store.PriceStore, syncLog store.SyncLog, fetch fetcher.Fetcher, opts Options) *Orchestrator {
	if opts.DefaultUnit == "" {
		opts.DefaultUnit = "kg"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Orchestrator{
		registry:    registry,
		prices:      prices,
		syncLog:     syncLog,
		fetch:       fetch,
		defaultUnit: opts.DefaultUnit,
		workers:     opts.Workers,
		now:         time.Now,
	}
}

// Run executes one sync pass over all enabled sources and returns a report.
// At most one run may be active per Orchestrator; overlapping calls get
// ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.inFlight.Store(false)

	start := o.now().UTC()
	report := &RunReport{
		ID:        uuid.NewString(),
		StartedAt: start,
		State:     StateRunning,
	}
	log := zap.L().With(zap.String("run_id", report.ID))

	sources, err := o.registry.ListEnabled(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "market: listing enabled sources")
	}
	if len(sources) == 0 {
		log.Info("no enabled market sources, nothing to sync")
		report.State = StateCompleted
		report.Elapsed = o.now().UTC().Sub(start)
		return report, nil
	}

	log.Info("starting market sync",
		zap.Int("sources", len(sources)),
		zap.Int("workers", o.workers),
	)

	reports := make([]SourceReport, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			reports[i] = o.syncSource(gctx, src, start)
			return nil
		})
	}
	_ = g.Wait()

	report.Sources = reports
	for _, sr := range reports {
		if sr.Failed() {
			report.Failed++
		} else {
			report.Synced++
		}
	}
	report.State = StateCompleted
	if report.Failed > 0 {
		report.State = StatePartiallyFailed
	}
	report.Elapsed = o.now().UTC().Sub(start)

	log.Info("market sync finished",
		zap.String("state", string(report.State)),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// syncSource fetches, normalizes, and stores one source. Errors are captured
// in the report and the sync log rather than propagated.
func (o *Orchestrator) syncSource(ctx context.Context, src model.Source, start time.Time) SourceReport {
	sr := SourceReport{SourceID: src.ID, Name: src.Name}
	log := zap.L().With(zap.String("source", src.Name))

	syncID, err := o.syncLog.StartSync(ctx, src.Name)
	if err != nil {
		log.Error("failed to open sync log entry", zap.Error(err))
		sr.Err = err.Error()
		return sr
	}

	fail := func(err error) SourceReport {
		log.Error("source sync failed", zap.Error(err))
		sr.Err = err.Error()
		if logErr := o.syncLog.FailSync(ctx, syncID, err.Error()); logErr != nil {
			log.Error("failed to record sync failure", zap.Error(logErr))
		}
		return sr
	}

	payload, err := o.fetch.Fetch(ctx, src)
	if err != nil {
		return fail(eris.Wrapf(err, "fetching %s", src.Name))
	}

	normalized, err := ForKind(src.Kind, o.defaultUnit).Normalize(payload, src, start)
	if err != nil {
		return fail(err)
	}
	sr.Skipped = normalized.Skipped

	res, err := o.prices.UpsertPrices(ctx, normalized.Records)
	if err != nil {
		return fail(eris.Wrapf(err, "storing prices for %s", src.Name))
	}
	sr.Inserted = res.Inserted
	sr.Updated = res.Updated
	sr.Dropped = res.Dropped

	if err := o.registry.MarkSynced(ctx, src.ID, start); err != nil {
		return fail(eris.Wrapf(err, "marking %s synced", src.Name))
	}
	if err := o.syncLog.CompleteSync(ctx, syncID, res.Inserted+res.Updated, normalized.Skipped+int(res.Dropped)); err != nil {
		log.Error("failed to close sync log entry", zap.Error(err))
	}

	log.Info("source synced",
		zap.Int64("inserted", res.Inserted),
		zap.Int64("updated", res.Updated),
		zap.Int64("dropped", res.Dropped),
		zap.Int("skipped", normalized.Skipped),
	)
	return sr
}
