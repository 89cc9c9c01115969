// Package propdb implements the interval property store. A store holds a
// registry of named entities plus user-defined property tables whose rows
// attach field values to an entity over a half-open validity interval
// [time0, time1).
//
// Property tables obey three rules: they carry the mandatory columns
// entity_id, time0, and time1; every interval satisfies time0 <= time1;
// and no two rows of one table overlap for the same entity. Writes do not
// enforce the interval rules; Validate checks them on demand.
package propdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/sqlstore"
)

// DefaultTable is the property table consulted for field names carrying
// no "table." qualifier.
const DefaultTable = "base"

// specialColumns lead every property table.
var specialColumns = []string{"entity_id", "time0", "time1"}

// TimeRange is a half-open validity interval [Start, End).
type TimeRange struct {
	Start int64
	End   int64
}

// Always stands for "all reasonable times", 1970 through 2096.
var Always = TimeRange{Start: 0, End: 4_000_000_000}

// Contains reports whether ts falls inside the interval.
func (r TimeRange) Contains(ts int64) bool {
	return r.Start <= ts && ts < r.End
}

// ColumnDef declares one user column of a property table.
type ColumnDef struct {
	Name string
	Type string
}

// Property is one property-table row: field values valid for an entity
// over a time range. A nil Range means Always.
type Property struct {
	Entity string
	Range  *TimeRange
	Fields map[string]interface{}
}

// Store is an interval property store over a single SQLite database.
// Stores are not safe for concurrent use.
type Store struct {
	store        *sqlstore.Store
	log          *zap.Logger
	defaultTable string
}

// Option adjusts how a store is opened.
type Option func(*config)

type config struct {
	log          *zap.Logger
	defaultTable string
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithDefaultTable overrides the table consulted for unqualified field
// names.
func WithDefaultTable(name string) Option {
	return func(c *config) { c.defaultTable = name }
}

func newConfig(opts []Option) config {
	cfg := config{log: zap.NewNop(), defaultTable: DefaultTable}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Open opens the property store at path, creating the entity registry if
// needed. An empty path opens a RAM-backed store.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := newConfig(opts)
	if !sqlstore.ValidIdent(cfg.defaultTable) {
		return nil, metadex.Errorf(metadex.KindSchema, "propdb: invalid default table name %q", cfg.defaultTable)
	}
	s, err := sqlstore.Open(path, sqlstore.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	d, err := wrap(s, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	return d, nil
}

// OpenFile loads a serialized store (any sqlstore format) into a fresh
// RAM-backed store, detached from the file.
func OpenFile(ctx context.Context, filename string, format sqlstore.Format, opts ...Option) (*Store, error) {
	cfg := newConfig(opts)
	if !sqlstore.ValidIdent(cfg.defaultTable) {
		return nil, metadex.Errorf(metadex.KindSchema, "propdb: invalid default table name %q", cfg.defaultTable)
	}
	s, err := sqlstore.ReadFile(ctx, filename, format, sqlstore.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	d, err := wrap(s, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	return d, nil
}

func wrap(s *sqlstore.Store, cfg config) (*Store, error) {
	d := &Store{store: s, log: cfg.log, defaultTable: cfg.defaultTable}
	_, err := s.DB.Exec(
		`CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("propdb: failed to create entity registry: %w", err)
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *Store) Close() error { return d.store.Close() }

// Path returns the path of the backing database.
func (d *Store) Path() string { return d.store.Path() }

// NumEntities returns the number of registered entities.
func (d *Store) NumEntities(ctx context.Context) (int64, error) {
	var n int64
	if err := d.store.DB.GetContext(ctx, &n, `SELECT count(id) FROM entities`); err != nil {
		return 0, fmt.Errorf("propdb: failed to count entities: %w", err)
	}
	return n, nil
}

// CreateTable adds a property table. The mandatory columns are prepended
// to the given definitions. Creating an existing table is a no-op; no
// attempt is made to reconcile a differing shape.
func (d *Store) CreateTable(ctx context.Context, name string, cols []ColumnDef) error {
	if !sqlstore.ValidIdent(name) || name == "entities" {
		return metadex.Errorf(metadex.KindSchema, "propdb: invalid property table name %q", name)
	}
	defs := make([]string, 0, len(cols)+len(specialColumns))
	for _, c := range specialColumns {
		defs = append(defs, sqlstore.QuoteIdent(c)+" INTEGER")
	}
	seen := make(map[string]bool)
	for _, c := range cols {
		if !sqlstore.ValidIdent(c.Name) || isSpecialColumn(c.Name) || seen[c.Name] {
			return metadex.Errorf(metadex.KindSchema, "propdb: invalid column name %q in table %q", c.Name, name)
		}
		if !sqlstore.ValidColumnType(c.Type) {
			return metadex.Errorf(metadex.KindSchema, "propdb: invalid type %q for column %q", c.Type, c.Name)
		}
		seen[c.Name] = true
		def := sqlstore.QuoteIdent(c.Name)
		if c.Type != "" {
			def += " " + c.Type
		}
		defs = append(defs, def)
	}
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`,
		sqlstore.QuoteIdent(name), strings.Join(defs, ", "))
	if _, err := d.store.DB.ExecContext(ctx, q); err != nil {
		return metadex.Wrap(metadex.KindSchema, fmt.Sprintf("propdb: failed to create table %q", name), err)
	}
	d.log.Info("created property table", zap.String("table", name), zap.Int("columns", len(cols)))
	return nil
}

// ResolveID returns an entity's internal id, registering the entity first
// when create is true.
func (d *Store) ResolveID(ctx context.Context, name string, create bool) (int64, error) {
	return d.resolveID(ctx, d.store.DB, name, create)
}

func (d *Store) resolveID(ctx context.Context, q sqlx.ExtContext, name string, create bool) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM entities WHERE name = ?`, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("propdb: failed to look up entity %q: %w", name, err)
	}
	if !create {
		return 0, metadex.Errorf(metadex.KindLookup, "propdb: no entity named %q", name)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO entities (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("propdb: failed to register entity %q: %w", name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("propdb: failed to register entity %q: %w", name, err)
	}
	return id, nil
}

// AddProperty inserts one property row, registering the entity if needed.
// A nil time range means Always. The interval rules are not checked here;
// call Validate to enforce them.
func (d *Store) AddProperty(ctx context.Context, table, entity string, tr *TimeRange, fields map[string]interface{}) error {
	return d.addProperty(ctx, d.store.DB, table, Property{Entity: entity, Range: tr, Fields: fields})
}

// AddProperties inserts a batch of property rows inside one transaction:
// either all land or none do.
func (d *Store) AddProperties(ctx context.Context, table string, entries []Property) error {
	tx, err := d.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("propdb: failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		if err := d.addProperty(ctx, tx, table, entries[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("propdb: failed to commit batch: %w", err)
	}
	return nil
}

func (d *Store) addProperty(ctx context.Context, q sqlx.ExtContext, table string, p Property) error {
	if !sqlstore.ValidIdent(table) || table == "entities" {
		return metadex.Errorf(metadex.KindSchema, "propdb: invalid property table name %q", table)
	}
	id, err := d.resolveID(ctx, q, p.Entity, true)
	if err != nil {
		return err
	}
	tr := Always
	if p.Range != nil {
		tr = *p.Range
	}

	// Sorted field order keeps the generated SQL stable.
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		if !sqlstore.ValidIdent(name) || isSpecialColumn(name) {
			return metadex.Errorf(metadex.KindSchema, "propdb: invalid field name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names)+len(specialColumns))
	vals := make([]interface{}, 0, len(names)+len(specialColumns))
	for _, c := range specialColumns {
		cols = append(cols, sqlstore.QuoteIdent(c))
	}
	vals = append(vals, id, tr.Start, tr.End)
	for _, name := range names {
		cols = append(cols, sqlstore.QuoteIdent(name))
		vals = append(vals, p.Fields[name])
	}

	query, args, err := sq.Insert(sqlstore.QuoteIdent(table)).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("propdb: failed to build insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return metadex.Wrap(metadex.KindSchema,
			fmt.Sprintf("propdb: failed to insert into table %q", table), err)
	}
	return nil
}

// PropertyTables returns the property table names, sorted.
func (d *Store) PropertyTables(ctx context.Context) ([]string, error) {
	var names []string
	err := d.store.DB.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'entities'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("propdb: failed to list property tables: %w", err)
	}
	return names, nil
}

// PropertyColumns returns a table's user columns, without the mandatory
// prefix, in declaration order.
func (d *Store) PropertyColumns(ctx context.Context, table string) ([]string, error) {
	ok, err := d.store.HasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadex.Errorf(metadex.KindLookup, "propdb: no property table %q", table)
	}
	all, err := d.store.ColumnNames(ctx, table)
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, c := range all {
		if !isSpecialColumn(c) {
			cols = append(cols, c)
		}
	}
	return cols, nil
}

// WriteFile serializes the store to filename in the given sqlstore
// format.
func (d *Store) WriteFile(ctx context.Context, filename string, format sqlstore.Format, overwrite bool) error {
	return d.store.WriteFile(ctx, filename, format, overwrite)
}

// Duplicate clones the store into a new one at path. An empty path clones
// into RAM.
func (d *Store) Duplicate(ctx context.Context, path string, overwrite bool) (*Store, error) {
	if path != "" && path != sqlstore.InMemoryPath {
		if _, err := os.Stat(path); err == nil {
			if !overwrite {
				return nil, fmt.Errorf("propdb: %s already exists", path)
			}
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("propdb: failed to replace %s: %w", path, err)
			}
		}
	}
	s, err := d.store.Copy(ctx, path, sqlstore.WithLogger(d.log))
	if err != nil {
		return nil, err
	}
	return &Store{store: s, log: d.log, defaultTable: d.defaultTable}, nil
}

func isSpecialColumn(name string) bool {
	for _, c := range specialColumns {
		if name == c {
			return true
		}
	}
	return false
}
