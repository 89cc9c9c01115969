package propdb

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/sqlstore"
)

// Validate checks every property table for malformed validity intervals:
// an end before its start, or two rows for the same entity whose intervals
// overlap. Abutting intervals (one ending exactly where the next starts)
// are legal. Writes do not validate eagerly, so call this after loading
// data of uncertain provenance.
func (d *Store) Validate(ctx context.Context) error {
	ok, err := d.store.HasTable(ctx, "entities")
	if err != nil {
		return err
	}
	if !ok {
		return metadex.New(metadex.KindSchema, "propdb: entity registry table is missing")
	}

	tables, err := d.PropertyTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := d.validateTable(ctx, table); err != nil {
			return err
		}
	}
	d.log.Debug("validated property tables", zap.Int("tables", len(tables)))
	return nil
}

func (d *Store) validateTable(ctx context.Context, table string) error {
	rows, err := d.store.DB.QueryxContext(ctx, fmt.Sprintf(
		`SELECT entity_id, time0, time1 FROM %s ORDER BY entity_id, time0`,
		sqlstore.QuoteIdent(table)))
	if err != nil {
		return metadex.Wrap(metadex.KindSchema,
			fmt.Sprintf("propdb: table %q is missing mandatory columns", table), err)
	}
	defer rows.Close()

	var lastID int64 = -1
	var lastT1 int64
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return fmt.Errorf("propdb: failed to scan %q: %w", table, err)
		}
		id, err := asInt64(vals[0])
		if err != nil {
			return metadex.Wrap(metadex.KindSchema,
				fmt.Sprintf("propdb: bad entity_id in %q", table), err)
		}
		t0, err := asInt64(vals[1])
		if err != nil {
			return metadex.Wrap(metadex.KindInterval,
				fmt.Sprintf("propdb: bad time0 in %q", table), err)
		}
		t1, err := asInt64(vals[2])
		if err != nil {
			return metadex.Wrap(metadex.KindInterval,
				fmt.Sprintf("propdb: bad time1 in %q", table), err)
		}
		if t1 < t0 {
			return metadex.Errorf(metadex.KindInterval,
				"propdb: negative interval [%d,%d) in %q for entity %d", t0, t1, table, id)
		}
		if id == lastID && t0 < lastT1 {
			return metadex.Errorf(metadex.KindInterval,
				"propdb: overlapping intervals in %q for entity %d at time %d", table, id, t0)
		}
		if id == lastID {
			lastT1 = t1
		} else {
			lastID, lastT1 = id, t1
		}
	}
	return rows.Err()
}

// asInt64 coerces a scanned timestamp. Files written by older tools carry
// REAL-typed times, so floats are accepted when integral.
func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected value %v (%T)", v, v)
}
