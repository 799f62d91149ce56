package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/agrisense/agrisense-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Suitable for local
// single-node deployments; the identity-tuple semantics match the Postgres
// driver.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS market_sources (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	url         TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'scrape',
	region      TEXT NOT NULL DEFAULT '',
	enabled     INTEGER NOT NULL DEFAULT 1,
	mapping     TEXT,
	last_synced TEXT
);

CREATE TABLE IF NOT EXISTS market_prices (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id  INTEGER REFERENCES market_sources(id),
	crop       TEXT NOT NULL,
	variety    TEXT NOT NULL DEFAULT '',
	unit       TEXT NOT NULL DEFAULT '',
	price      REAL NOT NULL,
	obs_date   TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_market_prices_identity
	ON market_prices (COALESCE(source_id, 0), crop, variety, unit, obs_date);
CREATE INDEX IF NOT EXISTS idx_market_prices_crop ON market_prices (crop);
CREATE INDEX IF NOT EXISTS idx_market_prices_date ON market_prices (obs_date);

CREATE TABLE IF NOT EXISTS market_sync_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL DEFAULT (datetime('now')),
	completed_at TEXT,
	rows_synced  INTEGER NOT NULL DEFAULT 0,
	rows_skipped INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_market_sync_log_source ON market_sync_log (source, started_at DESC);

CREATE TABLE IF NOT EXISTS crop_plans (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	crop_name    TEXT NOT NULL,
	sow_date     TEXT NOT NULL,
	harvest_date TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);
`

const (
	sqliteDateFormat = "2006-01-02"
	sqliteTimeFormat = "2006-01-02 15:04:05"
)

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertPrices(ctx context.Context, records []model.PriceRecord) (*UpsertResult, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range valid {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM market_prices
			 WHERE source_id IS ? AND crop = ? AND variety = ? AND unit = ? AND obs_date = ?`,
			r.SourceID, r.Crop, r.Variety, r.Unit, r.Date.Format(sqliteDateFormat),
		).Scan(&existing)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO market_prices (source_id, crop, variety, unit, price, obs_date, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.SourceID, r.Crop, r.Variety, r.Unit, r.Price,
				r.Date.Format(sqliteDateFormat), now.Format(sqliteTimeFormat),
			); err != nil {
				return nil, eris.Wrapf(err, "sqlite: insert price for %s", r.Crop)
			}
			result.Inserted++
		case err != nil:
			return nil, eris.Wrapf(err, "sqlite: look up price for %s", r.Crop)
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE market_prices SET price = ?, created_at = ? WHERE id = ?`,
				r.Price, now.Format(sqliteTimeFormat), existing,
			); err != nil {
				return nil, eris.Wrapf(err, "sqlite: update price for %s", r.Crop)
			}
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit prices")
	}
	return result, nil
}

func (s *SQLiteStore) InsertPrice(ctx context.Context, rec model.PriceRecord) error {
	if err := rec.Validate(s.now().UTC()); err != nil {
		return err
	}
	_, err := s.UpsertPrices(ctx, []model.PriceRecord{rec})
	return err
}

func (s *SQLiteStore) Aggregate(ctx context.Context, crop string, limit int) ([]model.AggregateRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT crop, AVG(price), MIN(price), MAX(price), obs_date
		 FROM market_prices
		 WHERE (? = '' OR instr(lower(crop), lower(?)) > 0)
		 GROUP BY crop, obs_date
		 ORDER BY obs_date DESC
		 LIMIT ?`,
		crop, crop, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: aggregate query")
	}
	defer rows.Close()

	var out []model.AggregateRow
	for rows.Next() {
		var (
			r       model.AggregateRow
			dateStr string
		)
		if err := rows.Scan(&r.Crop, &r.AvgPrice, &r.MinPrice, &r.MaxPrice, &dateStr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate row")
		}
		if r.Date, err = time.Parse(sqliteDateFormat, dateStr); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", dateStr)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: aggregate rows")
}

func (s *SQLiteStore) History(ctx context.Context, crop string, since time.Time) ([]model.HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.obs_date, p.price, COALESCE(src.name, '')
		 FROM market_prices p
		 LEFT JOIN market_sources src ON src.id = p.source_id
		 WHERE instr(lower(p.crop), lower(?)) > 0 AND p.obs_date >= ?
		 ORDER BY p.obs_date ASC`,
		crop, truncateToDate(since).Format(sqliteDateFormat),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: history query")
	}
	defer rows.Close()

	var out []model.HistoryRow
	for rows.Next() {
		var (
			r       model.HistoryRow
			dateStr string
		)
		if err := rows.Scan(&dateStr, &r.Price, &r.SourceName); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history row")
		}
		if r.Date, err = time.Parse(sqliteDateFormat, dateStr); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", dateStr)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: history rows")
}

func (s *SQLiteStore) ListEnabled(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, kind, region, enabled, mapping, last_synced
		 FROM market_sources WHERE enabled = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list enabled sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSQLiteSource(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: source rows")
}

func (s *SQLiteStore) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, kind, region, enabled, mapping, last_synced
		 FROM market_sources WHERE id = ?`,
		id,
	)
	src, err := scanSQLiteSource(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, err
	}
	return src, nil
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64, ts time.Time) error {
	stamp := ts.UTC().Format(sqliteTimeFormat)
	res, err := s.db.ExecContext(ctx,
		`UPDATE market_sources SET last_synced = ?
		 WHERE id = ? AND (last_synced IS NULL OR last_synced <= ?)`,
		stamp, id, stamp,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark synced %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_sources WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: check source %d", id)
	}
	if exists == 0 {
		return ErrSourceNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertSource(ctx context.Context, src model.Source) (int64, error) {
	var mapping any
	if src.Mapping != nil {
		data, err := json.Marshal(src.Mapping)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal mapping")
		}
		mapping = string(data)
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO market_sources (name, url, kind, region, enabled, mapping)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET url = excluded.url, kind = excluded.kind, region = excluded.region,
		     enabled = excluded.enabled, mapping = excluded.mapping
		 RETURNING id`,
		src.Name, src.URL, string(src.Kind), src.Region, src.Enabled, mapping,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: upsert source %s", src.Name)
	}
	return id, nil
}

func (s *SQLiteStore) StartSync(ctx context.Context, source string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO market_sync_log (source, status, started_at)
		 VALUES (?, 'running', datetime('now')) RETURNING id`,
		source,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start sync for %s", source)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteSync(ctx context.Context, syncID int64, rowsSynced int64, rowsSkipped int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE market_sync_log
		 SET status = 'complete', completed_at = datetime('now'), rows_synced = ?, rows_skipped = ?
		 WHERE id = ?`,
		rowsSynced, int64(rowsSkipped), syncID,
	)
	return eris.Wrapf(err, "sqlite: complete sync %d", syncID)
}

func (s *SQLiteStore) FailSync(ctx context.Context, syncID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE market_sync_log
		 SET status = 'failed', completed_at = datetime('now'), error = ?
		 WHERE id = ?`,
		errMsg, syncID,
	)
	return eris.Wrapf(err, "sqlite: fail sync %d", syncID)
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, source string) (*time.Time, error) {
	var stamp string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM market_sync_log
		 WHERE source = ? AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		source,
	).Scan(&stamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last success for %s", source)
	}
	t, err := time.Parse(sqliteTimeFormat, stamp)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse timestamp %q", stamp)
	}
	t = t.UTC()
	return &t, nil
}

func (s *SQLiteStore) ListSyncEntries(ctx context.Context, limit int) ([]SyncEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, status, started_at, completed_at, rows_synced, rows_skipped, error
		 FROM market_sync_log ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync entries")
	}
	defer rows.Close()

	var out []SyncEntry
	for rows.Next() {
		var (
			e         SyncEntry
			started   string
			completed sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Status, &started, &completed,
			&e.RowsSynced, &e.RowsSkipped, &e.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync entry")
		}
		if e.StartedAt, err = time.Parse(sqliteTimeFormat, started); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse started at %q", started)
		}
		e.StartedAt = e.StartedAt.UTC()
		if completed.Valid && completed.String != "" {
			t, err := time.Parse(sqliteTimeFormat, completed.String)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: parse completed at %q", completed.String)
			}
			t = t.UTC()
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: sync entry rows")
}

func (s *SQLiteStore) SavePlan(ctx context.Context, plan model.CropPlan) (*model.CropPlan, error) {
	now := s.now().UTC()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO crop_plans (crop_name, sow_date, harvest_date, notes, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		plan.CropName, plan.SowDate.Format(sqliteDateFormat),
		plan.HarvestDate.Format(sqliteDateFormat), plan.Notes, now.Format(sqliteTimeFormat),
	).Scan(&plan.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: save plan for %s", plan.CropName)
	}
	plan.CreatedAt = now
	return &plan, nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context, limit int) ([]model.CropPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, crop_name, sow_date, harvest_date, notes, created_at
		 FROM crop_plans ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list plans")
	}
	defer rows.Close()

	var out []model.CropPlan
	for rows.Next() {
		var (
			p       model.CropPlan
			sow     string
			harvest string
			created string
		)
		if err := rows.Scan(&p.ID, &p.CropName, &sow, &harvest, &p.Notes, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan plan")
		}
		if p.SowDate, err = time.Parse(sqliteDateFormat, sow); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse sow date %q", sow)
		}
		if p.HarvestDate, err = time.Parse(sqliteDateFormat, harvest); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse harvest date %q", harvest)
		}
		if p.CreatedAt, err = time.Parse(sqliteTimeFormat, created); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse created at %q", created)
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: plan rows")
}

// scanSQLiteSource reads one market_sources row via the given scan func.
func scanSQLiteSource(scan func(dest ...any) error) (*model.Source, error) {
	var (
		src        model.Source
		kind       string
		enabled    int
		mapping    sql.NullString
		lastSynced sql.NullString
	)
	if err := scan(&src.ID, &src.Name, &src.URL, &kind, &src.Region, &enabled, &mapping, &lastSynced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan source")
	}
	src.Kind = model.SourceKind(kind)
	src.Enabled = enabled != 0
	if mapping.Valid && mapping.String != "" {
		var fm model.FieldMapping
		if err := json.Unmarshal([]byte(mapping.String), &fm); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode mapping for %s", src.Name)
		}
		src.Mapping = &fm
	}
	if lastSynced.Valid && lastSynced.String != "" {
		t, err := time.Parse(sqliteTimeFormat, lastSynced.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse last synced %q", lastSynced.String)
		}
		t = t.UTC()
		src.LastSynced = &t
	}
	return &src, nil
}
