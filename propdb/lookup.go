package propdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/result"
	"github.com/metadex/metadex/sqlstore"
)

// Match restricts entities to those carrying every listed property value.
// Keys are "table.field" names; a bare field name consults the default
// table.
type Match map[string]interface{}

// LookupEntities returns the names of the entities satisfying any of the
// given matches (each match is a conjunction). With a timestamp, only
// property rows whose interval contains it count. With no matches at all,
// every entity qualifies. The result has one column, "name", ordered by
// registration.
func (d *Store) LookupEntities(ctx context.Context, ts *int64, matches ...Match) (*result.Set, error) {
	if len(matches) == 0 {
		matches = []Match{{}}
	}

	var tables []string
	seenTables := make(map[string]bool)
	var criteria sq.Or
	for _, m := range matches {
		var conj sq.And
		for _, key := range sortedMatchKeys(m) {
			table, field, err := d.splitKey(key)
			if err != nil {
				return nil, err
			}
			if !seenTables[table] {
				seenTables[table] = true
				tables = append(tables, table)
			}
			conj = append(conj, sq.Eq{sqlstore.QuoteIdent(table) + "." + sqlstore.QuoteIdent(field): m[key]})
		}
		if len(conj) == 0 {
			conj = append(conj, sq.Expr("1"))
		}
		criteria = append(criteria, conj)
	}

	b := sq.Select("entities.name AS name").From("entities")
	for _, t := range tables {
		qt := sqlstore.QuoteIdent(t)
		b = b.Join(fmt.Sprintf("%s ON %s.entity_id = entities.id", qt, qt))
		if ts != nil {
			b = b.Where(sq.Expr(fmt.Sprintf("%s.time0 <= ? AND ? < %s.time1", qt, qt), *ts, *ts))
		}
	}
	b = b.Where(criteria).GroupBy("entities.id").OrderBy("entities.id")

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("propdb: failed to build entity query: %w", err)
	}
	rows, err := d.store.DB.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, metadex.Wrap(metadex.KindSchema, "propdb: entity query failed", err)
	}
	defer rows.Close()
	set, err := result.FromSQLRows(rows)
	if err != nil {
		return nil, err
	}
	d.log.Debug("looked up entities",
		zap.Int("criteria", len(matches)), zap.Int("rows", set.Len()))
	return set, nil
}

// PropertyQuery selects which properties LookupProperties reports.
type PropertyQuery struct {
	// Entities names the entities to report on. Nil means every entity.
	Entities []string
	// Timestamp, when set, keeps only property rows whose interval
	// contains it. An entity with several rows valid at distinct times
	// otherwise yields several result rows.
	Timestamp *int64
	// Fields lists "table.field" properties to fetch. A trailing-dot
	// entry like "cal." expands to that table's whole property list; a
	// bare name consults the default table. Nil means every property of
	// every table.
	Fields []string
}

// LookupProperties reports property values for the selected entities.
// Result keys are "table.field" names with the default table's prefix
// stripped.
func (d *Store) LookupProperties(ctx context.Context, q PropertyQuery) (*result.Set, error) {
	names := q.Entities
	if names == nil {
		if err := d.store.DB.SelectContext(ctx, &names,
			`SELECT name FROM entities ORDER BY id`); err != nil {
			return nil, fmt.Errorf("propdb: failed to list entities: %w", err)
		}
	}

	keys, err := d.expandFields(ctx, q.Fields)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return result.New(), nil
	}

	// Selection goes through a uniquely named temp table so the join can
	// preserve the caller's entity order.
	sel := "_sel_" + uuid.New().String()[:8]
	if _, err := d.store.DB.ExecContext(ctx,
		fmt.Sprintf(`CREATE TEMP TABLE %s (name TEXT)`, sqlstore.QuoteIdent(sel))); err != nil {
		return nil, fmt.Errorf("propdb: failed to create selection table: %w", err)
	}
	defer d.store.DB.Exec(`DROP TABLE IF EXISTS ` + sqlstore.QuoteIdent(sel))

	if err := d.fillSelection(ctx, sel, names); err != nil {
		return nil, err
	}

	var tables []string
	seenTables := make(map[string]bool)
	fields := make([]string, len(keys))
	for i, k := range keys {
		table, field, err := d.splitKey(k)
		if err != nil {
			return nil, err
		}
		if !seenTables[table] {
			seenTables[table] = true
			tables = append(tables, table)
		}
		fields[i] = fmt.Sprintf("%s.%s AS result%d",
			sqlstore.QuoteIdent(table), sqlstore.QuoteIdent(field), i)
	}

	qsel := sqlstore.QuoteIdent(sel)
	b := sq.Select(fields...).From(qsel).
		Join(fmt.Sprintf("entities ON %s.name = entities.name", qsel))
	for _, t := range tables {
		qt := sqlstore.QuoteIdent(t)
		b = b.Join(fmt.Sprintf("%s ON %s.entity_id = entities.id", qt, qt))
		if q.Timestamp != nil {
			b = b.Where(sq.Expr(fmt.Sprintf("%s.time0 <= ? AND ? < %s.time1", qt, qt),
				*q.Timestamp, *q.Timestamp))
		}
	}
	b = b.OrderBy(qsel + ".rowid")

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("propdb: failed to build property query: %w", err)
	}
	rows, err := d.store.DB.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, metadex.Wrap(metadex.KindSchema, "propdb: property query failed", err)
	}
	raw, err := result.FromSQLRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	set, err := result.FromRows(keys, raw.Rows())
	if err != nil {
		return nil, err
	}
	if err := set.StripPrefix(d.defaultTable); err != nil {
		return nil, err
	}
	d.log.Debug("looked up properties",
		zap.Int("entities", len(names)), zap.Int("fields", len(keys)), zap.Int("rows", set.Len()))
	return set, nil
}

// expandFields resolves a field selection into fully qualified
// "table.field" keys. Nil selects everything.
func (d *Store) expandFields(ctx context.Context, fields []string) ([]string, error) {
	if fields == nil {
		tables, err := d.PropertyTables(ctx)
		if err != nil {
			return nil, err
		}
		fields = make([]string, len(tables))
		for i, t := range tables {
			fields[i] = t + "."
		}
	}
	var keys []string
	for _, f := range fields {
		if strings.HasSuffix(f, ".") {
			table := strings.TrimSuffix(f, ".")
			cols, err := d.PropertyColumns(ctx, table)
			if err != nil {
				return nil, err
			}
			for _, c := range cols {
				keys = append(keys, table+"."+c)
			}
			continue
		}
		table, field, err := d.splitKey(f)
		if err != nil {
			return nil, err
		}
		keys = append(keys, table+"."+field)
	}
	return keys, nil
}

// fillSelection inserts the entity names into the selection table inside
// one transaction.
func (d *Store) fillSelection(ctx context.Context, sel string, names []string) error {
	tx, err := d.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("propdb: failed to begin selection: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, sqlstore.QuoteIdent(sel)))
	if err != nil {
		return fmt.Errorf("propdb: failed to prepare selection insert: %w", err)
	}
	defer stmt.Close()
	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, name); err != nil {
			return fmt.Errorf("propdb: failed to fill selection: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("propdb: failed to commit selection: %w", err)
	}
	return nil
}

// splitKey resolves "table.field" into its parts, defaulting the table.
func (d *Store) splitKey(key string) (table, field string, err error) {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		table, field = key[:i], key[i+1:]
	} else {
		table, field = d.defaultTable, key
	}
	if !sqlstore.ValidIdent(table) || !sqlstore.ValidIdent(field) {
		return "", "", metadex.Errorf(metadex.KindSchema, "propdb: invalid property name %q", key)
	}
	return table, field, nil
}

func sortedMatchKeys(m Match) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
