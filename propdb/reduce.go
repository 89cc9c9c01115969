package propdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/sqlstore"
)

// ReduceFilter describes what Reduce keeps. Zero value keeps everything.
type ReduceFilter struct {
	// Entities lists the entity names to keep. Nil keeps all of them;
	// an empty non-nil slice keeps none.
	Entities []string
	// Time0 and Time1 bound the retained time span. With only Time0 set,
	// rows whose interval contains that instant survive. With both set,
	// rows overlapping the half-open range [Time0,Time1) survive. Time1
	// requires Time0.
	Time0 *int64
	Time1 *int64
}

// Reduce deletes entities and property rows outside the filter, then
// vacuums the reclaimed space. The store is modified in place; use
// ReducedCopy to leave it untouched.
func (d *Store) Reduce(ctx context.Context, f ReduceFilter) error {
	if f.Time1 != nil && f.Time0 == nil {
		return metadex.New(metadex.KindInterval, "propdb: reduce needs a start time with an end time")
	}
	if f.Time0 != nil && f.Time1 != nil && *f.Time1 < *f.Time0 {
		return metadex.Errorf(metadex.KindInterval,
			"propdb: reduce range [%d,%d) is negative", *f.Time0, *f.Time1)
	}

	tables, err := d.PropertyTables(ctx)
	if err != nil {
		return err
	}

	tx, err := d.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("propdb: failed to begin reduce: %w", err)
	}
	defer tx.Rollback()

	entClause := "0"
	if f.Entities != nil {
		keep := "_keep_" + uuid.New().String()[:8]
		qkeep := sqlstore.QuoteIdent(keep)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`CREATE TEMP TABLE %s (name TEXT)`, qkeep)); err != nil {
			return fmt.Errorf("propdb: failed to create keeper table: %w", err)
		}
		for _, name := range f.Entities {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, qkeep), name); err != nil {
				return fmt.Errorf("propdb: failed to fill keeper table: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM entities WHERE name NOT IN (SELECT name FROM %s)`, qkeep)); err != nil {
			return fmt.Errorf("propdb: failed to prune entities: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE `+qkeep); err != nil {
			return fmt.Errorf("propdb: failed to drop keeper table: %w", err)
		}
		entClause = "entity_id NOT IN (SELECT id FROM entities)"
	}

	timeClause := "0"
	var timeArgs []interface{}
	switch {
	case f.Time0 != nil && f.Time1 != nil:
		timeClause = "time0 >= ? OR time1 <= ?"
		timeArgs = []interface{}{*f.Time1, *f.Time0}
	case f.Time0 != nil:
		timeClause = "time0 > ? OR time1 <= ?"
		timeArgs = []interface{}{*f.Time0, *f.Time0}
	}

	for _, table := range tables {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE (%s) OR (%s)`,
			sqlstore.QuoteIdent(table), entClause, timeClause), timeArgs...)
		if err != nil {
			return fmt.Errorf("propdb: failed to reduce %q: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			d.log.Debug("reduced property table", zap.String("table", table), zap.Int64("rows", n))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("propdb: failed to commit reduce: %w", err)
	}
	return d.store.Vacuum(ctx)
}

// ReducedCopy writes a reduced snapshot of the store to path, leaving the
// receiver untouched. Set overwrite to replace an existing file.
func (d *Store) ReducedCopy(ctx context.Context, path string, f ReduceFilter, overwrite bool) (*Store, error) {
	dup, err := d.Duplicate(ctx, path, overwrite)
	if err != nil {
		return nil, err
	}
	if err := dup.Reduce(ctx, f); err != nil {
		dup.Close()
		return nil, err
	}
	return dup, nil
}
