// Package sqlstore wraps the single exclusive SQLite connection the
// metadex stores run on and implements the persistence formats they
// share: the database file itself, a portable SQL script dump, and
// compressed dump variants.
package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// InMemoryPath opens a store backed by RAM instead of a file.
const InMemoryPath = ":memory:"

// Store is one SQLite database behind a single connection. Stores are not
// safe for concurrent use; callers serialize access.
type Store struct {
	// DB is the underlying handle. Owning packages build their queries
	// directly against it.
	DB *sqlx.DB

	path string
	log  *zap.Logger
}

// Option adjusts how a Store is opened.
type Option func(*config)

type config struct {
	log *zap.Logger
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// Open opens the database at path, creating it if needed. An empty path or
// InMemoryPath opens a RAM-backed store. The connection count is pinned to
// one so statements and transactions always observe each other.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if path == "" {
		path = InMemoryPath
	}

	dsn := path
	if path != InMemoryPath {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: failed to reach database: %w", err)
	}

	cfg.log.Debug("opened sqlite store", zap.String("path", path))
	return &Store{DB: db, path: path, log: cfg.log}, nil
}

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

// Logger returns the store's logger for owning packages to share.
func (s *Store) Logger() *zap.Logger { return s.log }

// Close releases the connection.
func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("sqlstore: failed to close database: %w", err)
	}
	return nil
}

// HasTable reports whether a table exists.
func (s *Store) HasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("sqlstore: failed to check table %q: %w", name, err)
	}
	return n > 0, nil
}

// TableNames returns the user tables, sorted by name.
func (s *Store) TableNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.DB.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list tables: %w", err)
	}
	return names, nil
}

// ColumnNames returns a table's column names in declaration order.
func (s *Store) ColumnNames(ctx context.Context, table string) ([]string, error) {
	rows, err := s.DB.QueryxContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to inspect table %q: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    interface{}
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlstore: failed to scan table info: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: failed to inspect table %q: %w", table, err)
	}
	return names, nil
}

// ExecScript runs a multi-statement SQL script inside one transaction.
func (s *Store) ExecScript(ctx context.Context, script string) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("sqlstore: failed to run script: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: failed to commit script: %w", err)
	}
	return nil
}

// Vacuum rebuilds the database file, reclaiming space after deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("sqlstore: failed to vacuum: %w", err)
	}
	s.log.Debug("vacuumed sqlite store", zap.String("path", s.path))
	return nil
}

// QuoteIdent quotes an SQL identifier for direct inclusion in a statement.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a string literal for direct inclusion in a statement.
func QuoteString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// ValidIdent reports whether name is safe to use as a table or column
// name: letters, digits, and underscores, not starting with a digit.
func ValidIdent(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ValidColumnType accepts SQLite type expressions such as TEXT, REAL, or
// VARCHAR(256). Empty is allowed; SQLite treats the column as untyped.
func ValidColumnType(t string) bool {
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == ' ' || c == '(' || c == ')' || c == ',' || c == '_':
		default:
			return false
		}
	}
	return true
}
