package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "market_prices")
	Columns      []string // all columns being inserted
	ConflictKeys []string // expressions forming the unique index; passed through verbatim
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// UpsertStats reports how many rows a bulk upsert inserted versus overwrote.
type UpsertStats struct {
	Inserted int64
	Updated  int64
}

// Total returns the number of rows the upsert touched.
func (s UpsertStats) Total() int64 {
	return s.Inserted + s.Updated
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT:
// 1. Creates a temp table mirroring the target
// 2. COPY rows into the temp table
// 3. Deletes in-batch duplicates, keeping the last occurrence (last-write-wins)
// 4. INSERT INTO target SELECT ... ON CONFLICT (keys) DO UPDATE SET ...
// The whole batch commits or rolls back as one transaction.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (UpsertStats, error) {
	var stats UpsertStats
	if len(rows) == 0 {
		return stats, nil
	}

	if len(cfg.Columns) == 0 {
		return stats, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return stats, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return stats, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	copySource := pgx.CopyFromRows(rows)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, copySource); err != nil {
		return stats, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	conflictList := strings.Join(cfg.ConflictKeys, ", ")

	// ON CONFLICT DO UPDATE cannot touch the same row twice, so collapse
	// in-batch duplicates first. ctid ordering keeps the last row copied.
	dedupSQL := fmt.Sprintf(
		`DELETE FROM %s a USING %s b
		 WHERE a.ctid < b.ctid AND (%s) IS NOT DISTINCT FROM (%s)`,
		pgx.Identifier{tempTable}.Sanitize(),
		pgx.Identifier{tempTable}.Sanitize(),
		prefixKeys(cfg.ConflictKeys, "a"),
		prefixKeys(cfg.ConflictKeys, "b"),
	)
	if _, err := tx.Exec(ctx, dedupSQL); err != nil {
		return stats, eris.Wrapf(err, "db: upsert: dedup temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)

	var setClauses []string
	for _, col := range updateCols {
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
	}

	// xmax = 0 distinguishes freshly inserted rows from conflict updates.
	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0)",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		conflictList,
		strings.Join(setClauses, ", "),
	)

	resultRows, err := tx.Query(ctx, upsertSQL)
	if err != nil {
		return stats, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	for resultRows.Next() {
		var inserted bool
		if err := resultRows.Scan(&inserted); err != nil {
			resultRows.Close()
			return stats, eris.Wrapf(err, "db: upsert: scan result for %s", cfg.Table)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	resultRows.Close()
	if err := resultRows.Err(); err != nil {
		return stats, eris.Wrapf(err, "db: upsert: read results for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertStats{}, eris.Wrap(err, "db: upsert: commit tx")
	}

	return stats, nil
}

// prefixKeys qualifies each conflict key with a table alias. Plain column
// names become a."col"; expression keys like COALESCE(source_id, 0) get the
// alias substituted into their column reference.
func prefixKeys(keys []string, alias string) string {
	out := make([]string, len(keys))
	for i, k := range keys {
		if strings.ContainsAny(k, "( ") {
			out[i] = strings.ReplaceAll(k, "source_id", alias+".source_id")
		} else {
			out[i] = fmt.Sprintf("%s.%s", alias, pgx.Identifier{k}.Sanitize())
		}
	}
	return strings.Join(out, ", ")
}

// sanitizeTable handles schema-qualified table names like "public.market_prices".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
