package loader

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/manifest"
	"github.com/metadex/metadex/propdb"
	"github.com/metadex/metadex/result"
)

// DefaultLoader is used when neither the spec nor the matched entry
// names one.
const DefaultLoader = "table"

// Spec points the resolver at one manifest index. Table and Loader, when
// set, override whatever the matched entry says.
type Spec struct {
	DB     string `yaml:"db" json:"db"`
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
	Loader string `yaml:"loader,omitempty" json:"loader,omitempty"`
}

// Resolver drives the request cycle over a set of manifest specs.
type Resolver struct {
	registry *Registry
	props    *propdb.Store
	log      *zap.Logger
}

// Option adjusts a resolver.
type Option func(*Resolver)

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithProperties wires in the property store that resolves DetPrefix
// request keys to entity names.
func WithProperties(db *propdb.Store) Option {
	return func(r *Resolver) { r.props = db }
}

// NewResolver builds a resolver over an explicit loader registry.
func NewResolver(reg *Registry, opts ...Option) *Resolver {
	r := &Resolver{registry: reg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load resolves the request against each spec in turn and concatenates
// the results. Specs whose index has no matching entry, or whose entry
// contradicts the request, contribute nothing; the sets that remain must
// agree on shape.
func (r *Resolver) Load(ctx context.Context, specs []Spec, req Request) (*result.Set, error) {
	var sets []*result.Set
	for _, s := range specs {
		set, err := r.loadOne(ctx, s, req)
		if err != nil {
			return nil, fmt.Errorf("loader: resolving %s: %w", s.DB, err)
		}
		if set != nil {
			sets = append(sets, set)
		}
	}
	if len(sets) == 0 {
		return result.New(), nil
	}
	return result.Concatenate(sets...)
}

func (r *Resolver) loadOne(ctx context.Context, s Spec, req Request) (*result.Set, error) {
	ix, err := manifest.Open(s.DB, manifest.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	defer ix.Close()

	ep, err := ix.Match(ctx, req)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		r.log.Debug("no matching entry", zap.String("db", s.DB))
		return nil, nil
	}

	// An entry whose own fields disagree with the request is not for
	// this request, even though the index columns matched.
	for k, v := range req {
		if have, ok := ep.Data[k]; ok && result.Compare(have, v) != 0 {
			r.log.Debug("entry contradicts request",
				zap.String("db", s.DB), zap.String("key", k))
			return nil, nil
		}
	}

	// The index line: entry fields with the request merged over them,
	// plus any spec overrides.
	line := make(map[string]interface{}, len(ep.Data)+len(req)+1)
	for k, v := range ep.Data {
		line[k] = v
	}
	for k, v := range req {
		line[k] = v
	}
	if s.Table != "" {
		line[TableKey] = s.Table
	}

	name := s.Loader
	if name == "" {
		name, _ = line[LoaderKey].(string)
	}
	if name == "" {
		name = DefaultLoader
	}
	l, err := r.registry.Get(name)
	if err != nil {
		return nil, err
	}

	set, err := l.Load(ctx, manifest.Endpoint{Filename: ep.Filename, Data: line}, req)
	if err != nil {
		return nil, err
	}
	set, err = r.restrict(ctx, set, line)
	if err != nil {
		return nil, err
	}
	r.log.Debug("loaded metadata",
		zap.String("db", s.DB), zap.String("loader", name), zap.Int("rows", set.Len()))
	return set, nil
}

// restrict pins the index line onto the result and, when detector
// criteria are present, narrows the rows to the entities the property
// store selects for them.
func (r *Resolver) restrict(ctx context.Context, set *result.Set, line map[string]interface{}) (*result.Set, error) {
	det := propdb.Match{}
	pins := make(map[string]interface{}, len(line))
	for k, v := range line {
		if strings.HasPrefix(k, DetPrefix) {
			det[strings.TrimPrefix(k, DetPrefix)] = v
			continue
		}
		pins[k] = v
	}
	set = set.Restrict(pins)
	if len(det) == 0 {
		return set, nil
	}

	if r.props == nil {
		return nil, metadex.New(metadex.KindLookup,
			"loader: request has dets criteria but no property store is wired in")
	}
	if !set.HasKey("name") {
		return nil, metadex.New(metadex.KindLookup,
			"loader: loaded result has no name column to restrict on")
	}
	names, err := r.props.LookupEntities(ctx, timestampOf(line), det)
	if err != nil {
		return nil, err
	}
	col, err := names.Column("name")
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(col))
	for _, v := range col {
		if s, ok := v.(string); ok {
			keep[s] = true
		}
	}

	nameCol, err := set.Column("name")
	if err != nil {
		return nil, err
	}
	mask := make([]bool, set.Len())
	for i, v := range nameCol {
		s, _ := v.(string)
		mask[i] = keep[s]
	}
	return set.Mask(mask)
}

// timestampOf pulls the request time out of an index line, if present.
func timestampOf(line map[string]interface{}) *int64 {
	switch n := line[TimestampKey].(type) {
	case int64:
		return &n
	case int:
		t := int64(n)
		return &t
	case float64:
		t := int64(n)
		return &t
	}
	return nil
}
