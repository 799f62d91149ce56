package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisense/agrisense-cli/internal/db"
	"github.com/agrisense/agrisense-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}, now: time.Now}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS market_sources (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	url         TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'scrape',
	region      TEXT NOT NULL DEFAULT '',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	mapping     JSONB,
	last_synced TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS market_prices (
	id         BIGSERIAL PRIMARY KEY,
	source_id  BIGINT REFERENCES market_sources(id),
	crop       TEXT NOT NULL,
	variety    TEXT NOT NULL DEFAULT '',
	unit       TEXT NOT NULL DEFAULT '',
	price      DOUBLE PRECISION NOT NULL,
	obs_date   DATE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_market_prices_identity
	ON market_prices (COALESCE(source_id, 0), crop, variety, unit, obs_date);
CREATE INDEX IF NOT EXISTS idx_market_prices_crop ON market_prices (crop);
CREATE INDEX IF NOT EXISTS idx_market_prices_date ON market_prices (obs_date);

CREATE TABLE IF NOT EXISTS market_sync_log (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	rows_synced  BIGINT NOT NULL DEFAULT 0,
	rows_skipped BIGINT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_market_sync_log_source ON market_sync_log (source, started_at DESC);

CREATE TABLE IF NOT EXISTS crop_plans (
	id           BIGSERIAL PRIMARY KEY,
	crop_name    TEXT NOT NULL,
	sow_date     DATE NOT NULL,
	harvest_date DATE NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

// priceConflictKeys matches the uq_market_prices_identity index expressions.
var priceConflictKeys = []string{"COALESCE(source_id, 0)", "crop", "variety", "unit", "obs_date"}

func (s *PostgresStore) UpsertPrices(ctx context.Context, records []model.PriceRecord) (*UpsertResult, error) {
	now := s.now().UTC()
	valid, dropped := splitValid(records, now)
	if dropped > 0 {
		zap.L().Warn("dropped invalid price records from batch",
			zap.Int64("dropped", dropped),
			zap.Int("batch", len(records)),
		)
	}

	result := &UpsertResult{Dropped: dropped}
	if len(valid) == 0 {
		return result, nil
	}

	rows := make([][]any, len(valid))
	for i, r := range valid {
		rows[i] = []any{r.SourceID, r.Crop, r.Variety, r.Unit, r.Price, r.Date, now}
	}

	stats, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "market_prices",
		Columns:      []string{"source_id", "crop", "variety", "unit", "price", "obs_date", "created_at"},
		ConflictKeys: priceConflictKeys,
		UpdateCols:   []string{"price", "created_at"},
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert prices")
	}

	result.Inserted = stats.Inserted
	result.Updated = stats.Updated
	return result, nil
}

func (s *PostgresStore) InsertPrice(ctx context.Context, rec model.PriceRecord) error {
	if err := rec.Validate(s.now().UTC()); err != nil {
		return err
	}
	_, err := s.UpsertPrices(ctx, []model.PriceRecord{rec})
	return err
}

func (s *PostgresStore) Aggregate(ctx context.Context, crop string, limit int) ([]model.AggregateRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT crop, AVG(price), MIN(price), MAX(price), obs_date
		 FROM market_prices
		 WHERE ($1 = '' OR crop ILIKE '%' || $1 || '%')
		 GROUP BY crop, obs_date
		 ORDER BY obs_date DESC
		 LIMIT $2`,
		crop, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: aggregate query")
	}
	defer rows.Close()

	var out []model.AggregateRow
	for rows.Next() {
		var r model.AggregateRow
		if err := rows.Scan(&r.Crop, &r.AvgPrice, &r.MinPrice, &r.MaxPrice, &r.Date); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: aggregate rows")
}

func (s *PostgresStore) History(ctx context.Context, crop string, since time.Time) ([]model.HistoryRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.obs_date, p.price, COALESCE(src.name, '')
		 FROM market_prices p
		 LEFT JOIN market_sources src ON src.id = p.source_id
		 WHERE p.crop ILIKE '%' || $1 || '%' AND p.obs_date >= $2
		 ORDER BY p.obs_date ASC`,
		crop, truncateToDate(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: history query")
	}
	defer rows.Close()

	var out []model.HistoryRow
	for rows.Next() {
		var r model.HistoryRow
		if err := rows.Scan(&r.Date, &r.Price, &r.SourceName); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: history rows")
}

func (s *PostgresStore) ListEnabled(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, url, kind, region, enabled, mapping, last_synced
		 FROM market_sources WHERE enabled ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list enabled sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: source rows")
}

func (s *PostgresStore) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, url, kind, region, enabled, mapping, last_synced
		 FROM market_sources WHERE id = $1`,
		id,
	)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	return src, nil
}

func (s *PostgresStore) MarkSynced(ctx context.Context, id int64, ts time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE market_sources SET last_synced = $2
		 WHERE id = $1 AND (last_synced IS NULL OR last_synced <= $2)`,
		id, ts.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark synced %d", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Either the source is unknown or the timestamp is older than the
	// stored one. Only the former is an error.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_sources WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check source %d", id)
	}
	if !exists {
		return ErrSourceNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertSource(ctx context.Context, src model.Source) (int64, error) {
	var mapping []byte
	if src.Mapping != nil {
		var err error
		mapping, err = json.Marshal(src.Mapping)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal mapping")
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO market_sources (name, url, kind, region, enabled, mapping)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE
		 SET url = EXCLUDED.url, kind = EXCLUDED.kind, region = EXCLUDED.region,
		     enabled = EXCLUDED.enabled, mapping = EXCLUDED.mapping
		 RETURNING id`,
		src.Name, src.URL, string(src.Kind), src.Region, src.Enabled, mapping,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: upsert source %s", src.Name)
	}
	return id, nil
}

func (s *PostgresStore) StartSync(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO market_sync_log (source, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		source,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: start sync for %s", source)
	}
	return id, nil
}

func (s *PostgresStore) CompleteSync(ctx context.Context, syncID int64, rowsSynced int64, rowsSkipped int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE market_sync_log
		 SET status = 'complete', completed_at = now(), rows_synced = $1, rows_skipped = $2
		 WHERE id = $3`,
		rowsSynced, int64(rowsSkipped), syncID,
	)
	return eris.Wrapf(err, "postgres: complete sync %d", syncID)
}

func (s *PostgresStore) FailSync(ctx context.Context, syncID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE market_sync_log
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		errMsg, syncID,
	)
	return eris.Wrapf(err, "postgres: fail sync %d", syncID)
}

func (s *PostgresStore) LastSuccess(ctx context.Context, source string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM market_sync_log
		 WHERE source = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		source,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: last success for %s", source)
	}
	return &t, nil
}

func (s *PostgresStore) ListSyncEntries(ctx context.Context, limit int) ([]SyncEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, status, started_at, completed_at, rows_synced, rows_skipped, error
		 FROM market_sync_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync entries")
	}
	defer rows.Close()

	var out []SyncEntry
	for rows.Next() {
		var e SyncEntry
		if err := rows.Scan(&e.ID, &e.Source, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.RowsSynced, &e.RowsSkipped, &e.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: sync entry rows")
}

func (s *PostgresStore) SavePlan(ctx context.Context, plan model.CropPlan) (*model.CropPlan, error) {
	now := s.now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO crop_plans (crop_name, sow_date, harvest_date, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		plan.CropName, plan.SowDate, plan.HarvestDate, plan.Notes, now,
	).Scan(&plan.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: save plan for %s", plan.CropName)
	}
	plan.CreatedAt = now
	return &plan, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context, limit int) ([]model.CropPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, crop_name, sow_date, harvest_date, notes, created_at
		 FROM crop_plans ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list plans")
	}
	defer rows.Close()

	var out []model.CropPlan
	for rows.Next() {
		var p model.CropPlan
		if err := rows.Scan(&p.ID, &p.CropName, &p.SowDate, &p.HarvestDate, &p.Notes, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan plan")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: plan rows")
}

// scanSource reads one market_sources row.
func scanSource(row pgx.Row) (*model.Source, error) {
	var (
		src        model.Source
		kind       string
		mapping    []byte
		lastSynced *time.Time
	)
	if err := row.Scan(&src.ID, &src.Name, &src.URL, &kind, &src.Region, &src.Enabled, &mapping, &lastSynced); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan source")
	}
	src.Kind = model.SourceKind(kind)
	src.LastSynced = lastSynced
	if len(mapping) > 0 {
		var fm model.FieldMapping
		if err := json.Unmarshal(mapping, &fm); err != nil {
			return nil, eris.Wrapf(err, "postgres: decode mapping for %s", src.Name)
		}
		src.Mapping = &fm
	}
	return &src, nil
}
