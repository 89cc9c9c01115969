// Package loader resolves metadata requests end to end: it matches a
// request against one or more manifest indexes, loads whatever archives
// the matching entries point at, and hands back a single result set
// restricted to the request.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/manifest"
	"github.com/metadex/metadex/result"
	"github.com/metadex/metadex/sqlstore"
)

// Endpoint data fields with meaning to the resolver.
const (
	// LoaderKey names the loader that understands the endpoint's archive.
	LoaderKey = "loader"
	// TableKey names the table a TableLoader reads from the archive.
	TableKey = "table"
	// TimestampKey carries the request time used for detector lookups.
	TimestampKey = "timestamp"
)

// DetPrefix marks request keys that address detector properties rather
// than index columns. "dets.band" selects on the band property of the
// default table; "dets.cal.gain" reaches another property table.
const DetPrefix = "dets."

// Request carries the fields a caller knows about the data it wants.
// Keys matching manifest input columns drive the index match; keys under
// DetPrefix restrict the loaded detectors; the rest are pinned onto the
// result.
type Request map[string]interface{}

// Loader reads the archive a manifest endpoint points at into a result
// set.
type Loader interface {
	Load(ctx context.Context, ep manifest.Endpoint, req Request) (*result.Set, error)
}

// Registry maps loader names to implementations. A registry is built
// explicitly and handed to the resolver; there is no package-level
// default to mutate.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register adds a named loader. Names are single-assignment.
func (r *Registry) Register(name string, l Loader) error {
	if name == "" {
		return metadex.New(metadex.KindMissingParameter, "loader: registry needs a name")
	}
	if l == nil {
		return metadex.Errorf(metadex.KindMissingParameter, "loader: nil loader for %q", name)
	}
	if _, dup := r.loaders[name]; dup {
		return metadex.Errorf(metadex.KindCollision, "loader: %q is already registered", name)
	}
	r.loaders[name] = l
	return nil
}

// Get returns the loader registered under name.
func (r *Registry) Get(name string) (Loader, error) {
	l, ok := r.loaders[name]
	if !ok {
		return nil, metadex.Errorf(metadex.KindLookup,
			"loader: no loader named %q (registered: %v)", name, r.Names())
	}
	return l, nil
}

// Names lists the registered loader names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableLoader loads one table from the SQLite archive an endpoint points
// at. The table is named by the endpoint's "table" field. Root, when not
// empty, anchors relative archive paths.
type TableLoader struct {
	Root string
}

// Load reads the whole named table into a result set. The archive may be
// a database file or any dump format ReadFile understands; it is opened
// detached and never written.
func (l TableLoader) Load(ctx context.Context, ep manifest.Endpoint, _ Request) (*result.Set, error) {
	table, _ := ep.Data[TableKey].(string)
	if table == "" {
		return nil, metadex.Errorf(metadex.KindMissingParameter,
			"loader: endpoint for %q does not name a table", ep.Filename)
	}
	if !sqlstore.ValidIdent(table) {
		return nil, metadex.Errorf(metadex.KindSchema, "loader: bad table name %q", table)
	}

	path := ep.Filename
	if l.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.Root, path)
	}
	s, err := sqlstore.ReadFile(ctx, path, sqlstore.FormatAuto)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	rows, err := s.DB.QueryxContext(ctx, `SELECT * FROM `+sqlstore.QuoteIdent(table))
	if err != nil {
		return nil, metadex.Wrap(metadex.KindSchema,
			fmt.Sprintf("loader: reading table %q from %s", table, path), err)
	}
	defer rows.Close()
	return result.FromSQLRows(rows)
}
