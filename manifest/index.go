package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/result"
	"github.com/metadex/metadex/sqlstore"
)

// Table names. The map table stays quoted because map doubles as a
// keyword in most SQL dialects.
const (
	schemeTable = "scheme"
	filesTable  = "files"
	mapTable    = `"map"`
)

// Endpoint is a successful match: the resolved filename plus the value of
// every output column.
type Endpoint struct {
	Filename string
	Data     map[string]interface{}
}

// Entry is one batched map row for AddEntries.
type Entry struct {
	Criteria   map[string]interface{}
	Filename   string
	CreateFile bool
}

// Index maps index criteria onto endpoints according to a bound Scheme.
// It starts unbound when constructed without a scheme; binding happens
// exactly once. Indexes are not safe for concurrent use.
type Index struct {
	store  *sqlstore.Store
	log    *zap.Logger
	scheme *Scheme
}

// Option adjusts how an index is opened.
type Option func(*config)

type config struct {
	log *zap.Logger
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

func newConfig(opts []Option) config {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// New returns a RAM-backed index. With a nil scheme the index starts
// unbound and must be bound before use.
func New(scheme *Scheme, opts ...Option) (*Index, error) {
	cfg := newConfig(opts)
	s, err := sqlstore.Open("", sqlstore.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	ix := &Index{store: s, log: cfg.log}
	if scheme != nil {
		if err := ix.Bind(context.Background(), scheme); err != nil {
			s.Close()
			return nil, err
		}
	}
	return ix, nil
}

// Create makes a new index file at path and binds scheme to it. The file
// must not already exist; reopen existing indexes with Open.
func Create(path string, scheme *Scheme, opts ...Option) (*Index, error) {
	if scheme == nil {
		return nil, metadex.New(metadex.KindSchema, "manifest: create needs a scheme")
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("manifest: %s already exists (use Open)", path)
	}
	cfg := newConfig(opts)
	s, err := sqlstore.Open(path, sqlstore.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	ix := &Index{store: s, log: cfg.log}
	if err := ix.Bind(context.Background(), scheme); err != nil {
		s.Close()
		os.Remove(path)
		return nil, err
	}
	return ix, nil
}

// Open opens an existing index file and binds the scheme persisted in it.
func Open(path string, opts ...Option) (*Index, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("manifest: cannot open index: %w", err)
	}
	cfg := newConfig(opts)
	s, err := sqlstore.Open(path, sqlstore.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	scheme, err := readScheme(context.Background(), s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &Index{store: s, log: cfg.log, scheme: scheme}, nil
}

// Bind attaches the scheme and creates the index tables. An index binds
// exactly once; rebinding is an error.
func (ix *Index) Bind(ctx context.Context, scheme *Scheme) error {
	if ix.scheme != nil {
		return metadex.New(metadex.KindSchema, "manifest: a scheme is already bound")
	}
	if scheme == nil {
		return metadex.New(metadex.KindSchema, "manifest: bind needs a scheme")
	}
	if err := scheme.check(); err != nil {
		return err
	}

	tx, err := ix.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin bind: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheme (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			purpose TEXT NOT NULL,
			kind TEXT NOT NULL,
			col_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`,
			mapTable, strings.Join(scheme.mapColumnDefs(), ", ")),
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return metadex.Wrap(metadex.KindSchema, "manifest: failed to create index tables", err)
		}
	}
	for _, c := range scheme.cols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheme (name, purpose, kind, col_type) VALUES (?, ?, ?, ?)`,
			c.Name, string(c.Purpose), string(c.Kind), c.Type); err != nil {
			return metadex.Wrap(metadex.KindSchema, "manifest: failed to persist scheme", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit bind: %w", err)
	}

	// Reload from the persisted rows so the bound scheme is always the one
	// a reopened index would see.
	bound, err := readScheme(ctx, ix.store)
	if err != nil {
		return err
	}
	ix.scheme = bound
	ix.log.Info("bound manifest scheme", zap.Int("columns", len(bound.cols)))
	return nil
}

// readScheme reconstructs the persisted scheme.
func readScheme(ctx context.Context, s *sqlstore.Store) (*Scheme, error) {
	ok, err := s.HasTable(ctx, schemeTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadex.New(metadex.KindSchema, "manifest: no scheme table; not a manifest index")
	}
	rows, err := s.DB.QueryxContext(ctx,
		`SELECT name, purpose, kind, col_type FROM scheme ORDER BY id`)
	if err != nil {
		return nil, metadex.Wrap(metadex.KindSchema, "manifest: failed to read scheme", err)
	}
	defer rows.Close()

	scheme := NewScheme()
	for rows.Next() {
		var c Column
		var purpose, kind string
		if err := rows.Scan(&c.Name, &purpose, &kind, &c.Type); err != nil {
			return nil, metadex.Wrap(metadex.KindSchema, "manifest: failed to scan scheme row", err)
		}
		c.Purpose, c.Kind = Purpose(purpose), MatchKind(kind)
		scheme.cols = append(scheme.cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, metadex.Wrap(metadex.KindSchema, "manifest: failed to read scheme", err)
	}
	if err := scheme.check(); err != nil {
		return nil, err
	}
	return scheme, nil
}

// Scheme returns a copy of the bound scheme, or nil while unbound.
func (ix *Index) Scheme() *Scheme {
	if ix.scheme == nil {
		return nil
	}
	return &Scheme{cols: ix.scheme.Columns()}
}

func (ix *Index) bound() (*Scheme, error) {
	if ix.scheme == nil {
		return nil, metadex.New(metadex.KindNotBound, "manifest: no scheme bound")
	}
	return ix.scheme, nil
}

// Match resolves index criteria to an endpoint. No matching entry returns
// (nil, nil). More than one matching entry means the index data violates
// its at-most-one guarantee and fails.
func (ix *Index) Match(ctx context.Context, criteria map[string]interface{}) (*Endpoint, error) {
	scheme, err := ix.bound()
	if err != nil {
		return nil, err
	}
	preds, selects, err := scheme.compileMatch(criteria)
	if err != nil {
		return nil, err
	}

	b := sq.Select(selects...).From(mapTable).
		Join(fmt.Sprintf("files ON %s.file_id = files.id", mapTable))
	if len(preds) > 0 {
		b = b.Where(preds)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to build match query: %w", err)
	}
	rows, err := ix.store.DB.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, metadex.Wrap(metadex.KindSchema, "manifest: match query failed", err)
	}
	set, err := result.FromSQLRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if set.Len() == 0 {
		return nil, nil
	}
	if set.Len() > 1 {
		return nil, metadex.Errorf(metadex.KindAmbiguousMatch,
			"manifest: criteria match %d entries, want at most 1", set.Len())
	}
	row := set.Row(0)
	filename, _ := row["filename"].(string)
	delete(row, "filename")
	return &Endpoint{Filename: filename, Data: row}, nil
}

// AddEntry appends one map entry referencing filename. With createFile
// false the filename must already be registered. No ambiguity check
// happens here; conflicts surface at Match time.
func (ix *Index) AddEntry(ctx context.Context, criteria map[string]interface{}, filename string, createFile bool) error {
	if _, err := ix.bound(); err != nil {
		return err
	}
	return ix.addEntry(ctx, ix.store.DB, Entry{Criteria: criteria, Filename: filename, CreateFile: createFile})
}

// AddEntries appends a batch of entries inside one transaction: either
// all land or none do.
func (ix *Index) AddEntries(ctx context.Context, entries []Entry) error {
	if _, err := ix.bound(); err != nil {
		return err
	}
	tx, err := ix.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		if err := ix.addEntry(ctx, tx, entries[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit batch: %w", err)
	}
	ix.log.Debug("added manifest entries", zap.Int("entries", len(entries)))
	return nil
}

func (ix *Index) addEntry(ctx context.Context, q sqlx.ExtContext, e Entry) error {
	if e.Filename == "" {
		return metadex.New(metadex.KindMissingParameter, "manifest: filename is required")
	}
	cols, vals, err := ix.scheme.compileInsert(e.Criteria)
	if err != nil {
		return err
	}
	fileID, err := ix.resolveFileID(ctx, q, e.Filename, e.CreateFile)
	if err != nil {
		return err
	}

	quoted := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		quoted = append(quoted, sqlstore.QuoteIdent(c))
	}
	quoted = append(quoted, "file_id")
	vals = append(vals, fileID)

	query, args, err := sq.Insert(mapTable).Columns(quoted...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("manifest: failed to build insert: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return metadex.Wrap(metadex.KindSchema, "manifest: failed to insert entry", err)
	}
	return nil
}

// resolveFileID returns a filename's registry id, adding the file first
// when create is true.
func (ix *Index) resolveFileID(ctx context.Context, q sqlx.ExtContext, filename string, create bool) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM files WHERE name = ?`, filename)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("manifest: failed to look up file %q: %w", filename, err)
	}
	if !create {
		return 0, metadex.Errorf(metadex.KindLookup, "manifest: no file named %q", filename)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO files (name) VALUES (?)`, filename)
	if err != nil {
		return 0, fmt.Errorf("manifest: failed to register file %q: %w", filename, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("manifest: failed to register file %q: %w", filename, err)
	}
	return id, nil
}

// Validate checks the index against its structural rules: the three
// tables exist, the map table's columns agree with the bound scheme, and
// every map entry references a registered file.
func (ix *Index) Validate(ctx context.Context) error {
	scheme, err := ix.bound()
	if err != nil {
		return err
	}
	for _, t := range []string{schemeTable, filesTable, "map"} {
		ok, err := ix.store.HasTable(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			return metadex.Errorf(metadex.KindSchema, "manifest: table %q is missing", t)
		}
	}

	got, err := ix.store.ColumnNames(ctx, "map")
	if err != nil {
		return err
	}
	if want := scheme.mapColumns(); !equalStrings(got, want) {
		return metadex.Errorf(metadex.KindSchema,
			"manifest: map columns %v do not match the scheme's %v", got, want)
	}

	var n int
	if err := ix.store.DB.GetContext(ctx, &n, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE file_id NOT IN (SELECT id FROM files)`, mapTable)); err != nil {
		return fmt.Errorf("manifest: failed to check file references: %w", err)
	}
	if n > 0 {
		return metadex.Errorf(metadex.KindSchema, "manifest: %d entries reference unknown files", n)
	}
	return nil
}

// WriteFile serializes the index to filename in the given sqlstore
// format.
func (ix *Index) WriteFile(ctx context.Context, filename string, format sqlstore.Format, overwrite bool) error {
	return ix.store.WriteFile(ctx, filename, format, overwrite)
}

// Path returns the path of the backing database.
func (ix *Index) Path() string { return ix.store.Path() }

// Close releases the underlying connection.
func (ix *Index) Close() error { return ix.store.Close() }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
