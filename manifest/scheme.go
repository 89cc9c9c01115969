// Package manifest implements the scheme-driven index that maps index
// criteria onto an endpoint: a filename plus output data. The rules live
// in a Scheme, an ordered list of typed columns, each either an input
// (matched exactly or by a stored [lo, hi) range) or an output (returned
// verbatim with the match). The scheme is persisted alongside the data so
// an index file reopens self-describing.
package manifest

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/sqlstore"
)

// Purpose says which way a scheme column flows.
type Purpose string

const (
	// Input columns are matched against the caller's criteria.
	Input Purpose = "in"
	// Output columns are returned with the matched endpoint.
	Output Purpose = "out"
)

// MatchKind says how an input column is matched.
type MatchKind string

const (
	// MatchExact columns hold one value and match by equality.
	MatchExact MatchKind = "exact"
	// MatchRange columns hold a [lo, hi) pair and match a single query
	// value by containment.
	MatchRange MatchKind = "range"
)

// defaultColumnType is used when a column is declared without a type.
const defaultColumnType = "varchar(16)"

// Range is the stored [Lo, Hi) pair of a range column, supplied when
// inserting entries.
type Range struct {
	Lo interface{}
	Hi interface{}
}

// Column is one declared scheme column.
type Column struct {
	Name    string
	Purpose Purpose
	Kind    MatchKind
	Type    string
}

// slots returns the map-table column names the column occupies. Range
// columns take two.
func (c Column) slots() []string {
	if c.Kind == MatchRange {
		return []string{c.Name + "__lo", c.Name + "__hi"}
	}
	return []string{c.Name}
}

// Scheme is an ordered set of columns governing a manifest index. Build
// one additively, then bind it to an Index; declaration order is
// preserved and persisted.
type Scheme struct {
	cols []Column
}

// NewScheme returns an empty scheme.
func NewScheme() *Scheme { return &Scheme{} }

// AddExactMatch declares an input column matched by equality. An empty
// coltype defaults to varchar(16).
func (s *Scheme) AddExactMatch(name, coltype string) *Scheme {
	s.cols = append(s.cols, Column{Name: name, Purpose: Input, Kind: MatchExact, Type: orDefault(coltype)})
	return s
}

// AddRangeMatch declares a column stored as a [lo, hi) pair. Purpose is
// normally Input; an Output range column is allowed and is returned as
// its two slot values.
func (s *Scheme) AddRangeMatch(name string, purpose Purpose, coltype string) *Scheme {
	if purpose == "" {
		purpose = Input
	}
	s.cols = append(s.cols, Column{Name: name, Purpose: purpose, Kind: MatchRange, Type: orDefault(coltype)})
	return s
}

// AddDataField declares an output column, returned verbatim with each
// match.
func (s *Scheme) AddDataField(name, coltype string) *Scheme {
	s.cols = append(s.cols, Column{Name: name, Purpose: Output, Kind: MatchExact, Type: orDefault(coltype)})
	return s
}

// Columns returns the declared columns in order.
func (s *Scheme) Columns() []Column {
	out := make([]Column, len(s.cols))
	copy(out, s.cols)
	return out
}

func orDefault(coltype string) string {
	if coltype == "" {
		return defaultColumnType
	}
	return coltype
}

// reservedColumns are claimed by the map table and the match projection.
var reservedColumns = map[string]bool{"id": true, "file_id": true, "filename": true}

// check validates the scheme before it is bound.
func (s *Scheme) check() error {
	if len(s.cols) == 0 {
		return metadex.New(metadex.KindSchema, "manifest: scheme has no columns")
	}
	seen := make(map[string]bool)
	for _, c := range s.cols {
		if !sqlstore.ValidIdent(c.Name) || reservedColumns[c.Name] {
			return metadex.Errorf(metadex.KindSchema, "manifest: invalid column name %q", c.Name)
		}
		if c.Purpose != Input && c.Purpose != Output {
			return metadex.Errorf(metadex.KindSchema, "manifest: bad purpose %q for column %q", c.Purpose, c.Name)
		}
		if c.Kind != MatchExact && c.Kind != MatchRange {
			return metadex.Errorf(metadex.KindSchema, "manifest: bad match kind %q for column %q", c.Kind, c.Name)
		}
		if !sqlstore.ValidColumnType(c.Type) {
			return metadex.Errorf(metadex.KindSchema, "manifest: invalid type %q for column %q", c.Type, c.Name)
		}
		for _, slot := range c.slots() {
			if seen[slot] {
				return metadex.Errorf(metadex.KindSchema, "manifest: column %q collides with an earlier column", c.Name)
			}
			seen[slot] = true
		}
	}
	return nil
}

// mapColumnDefs returns the map table's column definitions: the fixed id
// and file reference followed by one or two slots per scheme column.
func (s *Scheme) mapColumnDefs() []string {
	defs := []string{
		`"id" INTEGER PRIMARY KEY AUTOINCREMENT`,
		`"file_id" INTEGER NOT NULL`,
	}
	for _, c := range s.cols {
		for _, slot := range c.slots() {
			defs = append(defs, sqlstore.QuoteIdent(slot)+" "+c.Type)
		}
	}
	return defs
}

// mapColumns returns the map table's expected column names in order.
func (s *Scheme) mapColumns() []string {
	cols := []string{"id", "file_id"}
	for _, c := range s.cols {
		cols = append(cols, c.slots()...)
	}
	return cols
}

// compileMatch turns index criteria into match predicates plus the output
// projection. Every input column must be supplied.
func (s *Scheme) compileMatch(criteria map[string]interface{}) (sq.And, []string, error) {
	var preds sq.And
	selects := []string{`files.name AS filename`}
	for _, c := range s.cols {
		if c.Purpose == Input {
			v, ok := criteria[c.Name]
			if !ok {
				return nil, nil, metadex.Errorf(metadex.KindMissingParameter,
					"manifest: parameter %q is required", c.Name)
			}
			switch c.Kind {
			case MatchExact:
				preds = append(preds, sq.Eq{mapColumn(c.Name): v})
			case MatchRange:
				lo, hi := mapColumn(c.Name+"__lo"), mapColumn(c.Name+"__hi")
				preds = append(preds, sq.Expr(fmt.Sprintf("%s <= ? AND ? < %s", lo, hi), v, v))
			}
			continue
		}
		for _, slot := range c.slots() {
			selects = append(selects, fmt.Sprintf("%s AS %s", mapColumn(slot), sqlstore.QuoteIdent(slot)))
		}
	}
	return preds, selects, nil
}

// compileInsert serializes criteria into the map table's flat slot list.
// Every scheme column must be supplied; range columns take a Range pair.
func (s *Scheme) compileInsert(criteria map[string]interface{}) ([]string, []interface{}, error) {
	var cols []string
	var vals []interface{}
	for _, c := range s.cols {
		v, ok := criteria[c.Name]
		if !ok {
			return nil, nil, metadex.Errorf(metadex.KindMissingParameter,
				"manifest: parameter %q is required", c.Name)
		}
		switch c.Kind {
		case MatchExact:
			cols = append(cols, c.Name)
			vals = append(vals, v)
		case MatchRange:
			r, ok := v.(Range)
			if !ok {
				return nil, nil, metadex.Errorf(metadex.KindShape,
					"manifest: range parameter %q needs a Range, got %T", c.Name, v)
			}
			cols = append(cols, c.Name+"__lo", c.Name+"__hi")
			vals = append(vals, r.Lo, r.Hi)
		}
	}
	return cols, vals, nil
}

// mapColumn qualifies a slot name against the map table.
func mapColumn(slot string) string {
	return mapTable + "." + sqlstore.QuoteIdent(slot)
}

// String renders the scheme compactly, mostly for logs and errors.
func (s *Scheme) String() string {
	parts := make([]string, len(s.cols))
	for i, c := range s.cols {
		parts[i] = fmt.Sprintf("%s(%s,%s)", c.Name, c.Purpose, c.Kind)
	}
	return "Scheme(" + strings.Join(parts, " ") + ")"
}
