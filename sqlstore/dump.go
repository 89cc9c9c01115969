package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// DumpSQL renders the whole database as a portable SQL script: CREATE
// statements from the catalog, one INSERT per row, then the remaining
// indexes, triggers, and views. The script carries no transaction
// statements of its own; RestoreSQL replays it inside one.
func (s *Store) DumpSQL(ctx context.Context) (string, error) {
	type object struct {
		name string
		sql  string
	}

	readObjects := func(query string) ([]object, error) {
		rows, err := s.DB.QueryxContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to read catalog: %w", err)
		}
		defer rows.Close()
		var objs []object
		for rows.Next() {
			var o object
			if err := rows.Scan(&o.name, &o.sql); err != nil {
				return nil, fmt.Errorf("sqlstore: failed to scan catalog row: %w", err)
			}
			objs = append(objs, o)
		}
		return objs, rows.Err()
	}

	tables, err := readObjects(
		`SELECT name, sql FROM sqlite_master
		 WHERE type = 'table' AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	haveSequence := false
	for _, t := range tables {
		b.WriteString(t.sql)
		b.WriteString(";\n")
		if err := s.dumpTableRows(ctx, &b, t.name); err != nil {
			return "", err
		}
		if strings.Contains(t.sql, "AUTOINCREMENT") {
			haveSequence = true
		}
	}

	// AUTOINCREMENT counters live in sqlite_sequence. The INSERTs above
	// re-seed it as a side effect, so reset it to the dumped values.
	if haveSequence {
		b.WriteString("DELETE FROM sqlite_sequence;\n")
		if err := s.dumpTableRows(ctx, &b, "sqlite_sequence"); err != nil {
			return "", err
		}
	}

	others, err := readObjects(
		`SELECT name, sql FROM sqlite_master
		 WHERE type IN ('index', 'trigger', 'view') AND sql IS NOT NULL
		 ORDER BY name`)
	if err != nil {
		return "", err
	}
	for _, o := range others {
		b.WriteString(o.sql)
		b.WriteString(";\n")
	}

	return b.String(), nil
}

// dumpTableRows appends one INSERT statement per row. The statements are
// assembled by the engine itself: quote() renders every value as a literal
// that restores the same storage class, floats and blobs included.
func (s *Store) dumpTableRows(ctx context.Context, b *strings.Builder, table string) error {
	cols, err := s.ColumnNames(ctx, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "quote(" + QuoteIdent(c) + ")"
	}
	q := fmt.Sprintf(`SELECT 'INSERT INTO %s VALUES(' || %s || ');' FROM %s`,
		strings.ReplaceAll(QuoteIdent(table), "'", "''"),
		strings.Join(parts, ` || ',' || `),
		QuoteIdent(table))

	var stmts []string
	if err := s.DB.SelectContext(ctx, &stmts, q); err != nil {
		return fmt.Errorf("sqlstore: failed to dump table %q: %w", table, err)
	}
	for _, stmt := range stmts {
		b.WriteString(stmt)
		b.WriteByte('\n')
	}
	return nil
}

// RestoreSQL replays a script produced by DumpSQL into the store, inside
// one transaction.
func (s *Store) RestoreSQL(ctx context.Context, script string) error {
	if err := s.ExecScript(ctx, script); err != nil {
		return fmt.Errorf("sqlstore: failed to restore dump: %w", err)
	}
	return nil
}

// Copy clones the store's full contents into a new store at path, via a
// script dump. An empty path clones into RAM.
func (s *Store) Copy(ctx context.Context, path string, opts ...Option) (*Store, error) {
	script, err := s.DumpSQL(ctx)
	if err != nil {
		return nil, err
	}
	dst, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	if err := dst.RestoreSQL(ctx, script); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}
