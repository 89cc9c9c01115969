// Package filecat implements the observation file catalog: which files
// hold which sample ranges for which detector sets. Every detector
// belongs to exactly one detset, and each file covers one detset over one
// sample range of one observation, so finding a detector's data is two
// lookups: detector to detset, then detset to files.
package filecat

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/sqlstore"
)

// catalogVersion is recorded in the meta table when a catalog is created.
const catalogVersion = 1

// DefaultFilename is the catalog filename OpenDir looks for.
const DefaultFilename = "filecat.sqlite"

// File is one catalog entry: a file holding samples [SampleStart,
// SampleStop) of one observation for one detset. Name is stored relative
// to the archive root.
type File struct {
	Name        string `db:"name"`
	DetSet      string `db:"detset"`
	ObsID       string `db:"obs_id"`
	SampleStart int64  `db:"sample_start"`
	SampleStop  int64  `db:"sample_stop"`
}

// FileEntry is one row of a Files listing, with the catalog prefix
// already applied to the name.
type FileEntry struct {
	DetSet      string `db:"detset"`
	Name        string `db:"name"`
	SampleStart int64  `db:"sample_start"`
	SampleStop  int64  `db:"sample_stop"`
}

// FrameOffset locates one frame inside a file, for partial reads.
type FrameOffset struct {
	FrameIndex  int64  `db:"frame_index"`
	ByteOffset  int64  `db:"byte_offset"`
	FrameType   string `db:"frame_type"`
	SampleStart int64  `db:"sample_start"`
	SampleStop  int64  `db:"sample_stop"`
}

// Catalog is a file/detset catalog over a single SQLite database.
// Catalogs are not safe for concurrent use.
type Catalog struct {
	store  *sqlstore.Store
	log    *zap.Logger
	prefix string
}

// Option adjusts how a catalog is opened.
type Option func(*config)

type config struct {
	log    *zap.Logger
	prefix string
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithPrefix sets the directory joined onto every filename the catalog
// returns.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

func newConfig(opts []Option) config {
	cfg := config{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Open opens the catalog at path, creating the tables if needed. An empty
// path opens a RAM-backed catalog.
func Open(path string, opts ...Option) (*Catalog, error) {
	cfg := newConfig(opts)
	s, err := sqlstore.Open(path, sqlstore.WithLogger(cfg.log))
	if err != nil {
		return nil, err
	}
	c := &Catalog{store: s, log: cfg.log, prefix: cfg.prefix}
	if err := c.init(); err != nil {
		s.Close()
		return nil, err
	}
	return c, nil
}

// OpenDir opens the catalog file conventionally located in dir and sets
// dir as the filename prefix, so returned names are usable paths.
func OpenDir(dir string, opts ...Option) (*Catalog, error) {
	return Open(filepath.Join(dir, DefaultFilename), append(opts, WithPrefix(dir))...)
}

func (c *Catalog) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS detsets (
			name TEXT NOT NULL,
			det TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			name TEXT UNIQUE NOT NULL,
			detset TEXT NOT NULL,
			obs_id TEXT NOT NULL,
			sample_start INTEGER,
			sample_stop INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS frame_offsets (
			file_name TEXT NOT NULL,
			frame_index INTEGER NOT NULL,
			byte_offset INTEGER NOT NULL,
			frame_type TEXT,
			sample_start INTEGER,
			sample_stop INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			param TEXT UNIQUE NOT NULL,
			value TEXT
		)`,
	}
	for _, q := range stmts {
		if _, err := c.store.DB.Exec(q); err != nil {
			return fmt.Errorf("filecat: failed to create tables: %w", err)
		}
	}
	_, err := c.store.DB.Exec(
		`INSERT INTO meta (param, value) VALUES ('version', ?)
		 ON CONFLICT (param) DO NOTHING`, catalogVersion)
	if err != nil {
		return fmt.Errorf("filecat: failed to record version: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Catalog) Close() error { return c.store.Close() }

// Path returns the path of the backing database.
func (c *Catalog) Path() string { return c.store.Path() }

// Prefix returns the directory joined onto returned filenames.
func (c *Catalog) Prefix() string { return c.prefix }

// Version returns the format version recorded when the catalog was
// created.
func (c *Catalog) Version(ctx context.Context) (int64, error) {
	var v int64
	err := c.store.DB.GetContext(ctx, &v, `SELECT value FROM meta WHERE param = 'version'`)
	if err != nil {
		return 0, fmt.Errorf("filecat: failed to read version: %w", err)
	}
	return v, nil
}

// DeriveDetSetName hashes a member list into a stable detset name.
// Ordering of the members does not matter.
func DeriveDetSetName(dets []string) string {
	sorted := append([]string(nil), dets...)
	sort.Strings(sorted)
	h := murmur3.New64()
	for _, d := range sorted {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("ds_%016x", h.Sum64())
}

// AddDetSet registers a detset and its member detectors, and returns the
// detset's name. An empty name derives one from the members, so identical
// member lists always land under the same name. A detector may belong to
// only one detset.
func (c *Catalog) AddDetSet(ctx context.Context, name string, dets []string) (string, error) {
	if len(dets) == 0 {
		return "", metadex.New(metadex.KindMissingParameter, "filecat: detset needs at least one detector")
	}
	if name == "" {
		name = DeriveDetSetName(dets)
	}

	tx, err := c.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("filecat: failed to begin detset insert: %w", err)
	}
	defer tx.Rollback()

	for _, det := range dets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO detsets (name, det) VALUES (?, ?)`, name, det); err != nil {
			return "", metadex.Wrap(metadex.KindCollision,
				fmt.Sprintf("filecat: detector %q already belongs to a detset", det), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("filecat: failed to commit detset: %w", err)
	}
	c.log.Debug("added detset", zap.String("detset", name), zap.Int("detectors", len(dets)))
	return name, nil
}

// AddFile registers one observation file.
func (c *Catalog) AddFile(ctx context.Context, f File) error {
	_, err := c.store.DB.ExecContext(ctx,
		`INSERT INTO files (name, detset, obs_id, sample_start, sample_stop)
		 VALUES (?, ?, ?, ?, ?)`,
		f.Name, f.DetSet, f.ObsID, f.SampleStart, f.SampleStop)
	if err != nil {
		return metadex.Wrap(metadex.KindCollision,
			fmt.Sprintf("filecat: failed to add file %q", f.Name), err)
	}
	return nil
}

// AddFiles registers a batch of files inside one transaction.
func (c *Catalog) AddFiles(ctx context.Context, files []File) error {
	tx, err := c.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filecat: failed to begin file batch: %w", err)
	}
	defer tx.Rollback()

	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (name, detset, obs_id, sample_start, sample_stop)
			 VALUES (?, ?, ?, ?, ?)`,
			f.Name, f.DetSet, f.ObsID, f.SampleStart, f.SampleStop); err != nil {
			return metadex.Wrap(metadex.KindCollision,
				fmt.Sprintf("filecat: failed to add file %q", f.Name), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filecat: failed to commit file batch: %w", err)
	}
	c.log.Debug("added files", zap.Int("files", len(files)))
	return nil
}

// AddFrameOffsets records frame positions for a file, for partial reads.
func (c *Catalog) AddFrameOffsets(ctx context.Context, file string, offsets []FrameOffset) error {
	tx, err := c.store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filecat: failed to begin offset batch: %w", err)
	}
	defer tx.Rollback()

	for _, o := range offsets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO frame_offsets
			 (file_name, frame_index, byte_offset, frame_type, sample_start, sample_stop)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			file, o.FrameIndex, o.ByteOffset, o.FrameType, o.SampleStart, o.SampleStop); err != nil {
			return fmt.Errorf("filecat: failed to add frame offset: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filecat: failed to commit offsets: %w", err)
	}
	return nil
}

// Observations returns every observation id in the catalog, sorted.
func (c *Catalog) Observations(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.store.DB.SelectContext(ctx, &ids,
		`SELECT DISTINCT obs_id FROM files ORDER BY obs_id`)
	if err != nil {
		return nil, fmt.Errorf("filecat: failed to list observations: %w", err)
	}
	return ids, nil
}

// DetSets returns the detsets covered by an observation, sorted.
func (c *Catalog) DetSets(ctx context.Context, obsID string) ([]string, error) {
	var names []string
	err := c.store.DB.SelectContext(ctx, &names,
		`SELECT DISTINCT detset FROM files WHERE obs_id = ? ORDER BY detset`, obsID)
	if err != nil {
		return nil, fmt.Errorf("filecat: failed to list detsets: %w", err)
	}
	return names, nil
}

// Dets returns the member detectors of a detset, sorted.
func (c *Catalog) Dets(ctx context.Context, detset string) ([]string, error) {
	var dets []string
	err := c.store.DB.SelectContext(ctx, &dets,
		`SELECT det FROM detsets WHERE name = ? ORDER BY det`, detset)
	if err != nil {
		return nil, fmt.Errorf("filecat: failed to list detectors: %w", err)
	}
	return dets, nil
}

// Files lists the files of an observation, ordered by detset then sample
// range, names prefixed with the catalog prefix. A nil detsets slice
// means every detset of the observation.
func (c *Catalog) Files(ctx context.Context, obsID string, detsets []string) ([]FileEntry, error) {
	if detsets == nil {
		var err error
		detsets, err = c.DetSets(ctx, obsID)
		if err != nil {
			return nil, err
		}
	}

	query, args, err := sq.Select("detset", "name", "sample_start", "sample_stop").
		From("files").
		Where(sq.Eq{"obs_id": obsID, "detset": detsets}).
		OrderBy("detset", "sample_start").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("filecat: failed to build file query: %w", err)
	}

	var entries []FileEntry
	if err := c.store.DB.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("filecat: failed to list files: %w", err)
	}
	for i := range entries {
		entries[i].Name = c.joinPrefix(entries[i].Name)
	}
	return entries, nil
}

// FrameOffsets returns a file's recorded frame positions in frame order.
func (c *Catalog) FrameOffsets(ctx context.Context, file string) ([]FrameOffset, error) {
	var offsets []FrameOffset
	err := c.store.DB.SelectContext(ctx, &offsets,
		`SELECT frame_index, byte_offset, frame_type, sample_start, sample_stop
		 FROM frame_offsets WHERE file_name = ? ORDER BY frame_index`, file)
	if err != nil {
		return nil, fmt.Errorf("filecat: failed to list frame offsets: %w", err)
	}
	return offsets, nil
}

func (c *Catalog) joinPrefix(name string) string {
	if c.prefix == "" {
		return name
	}
	return filepath.Join(c.prefix, name)
}

// Copy clones the catalog into a new one at path, keeping the prefix. An
// empty path clones into RAM.
func (c *Catalog) Copy(ctx context.Context, path string) (*Catalog, error) {
	s, err := c.store.Copy(ctx, path, sqlstore.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	return &Catalog{store: s, log: c.log, prefix: c.prefix}, nil
}

// WriteFile serializes the catalog to filename in the given sqlstore
// format.
func (c *Catalog) WriteFile(ctx context.Context, filename string, format sqlstore.Format, overwrite bool) error {
	return c.store.WriteFile(ctx, filename, format, overwrite)
}
