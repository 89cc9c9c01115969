// Package result provides the columnar container the metadex stores hand
// back from queries and accept for bulk inserts.
//
// A Set pairs an ordered key list with rows of equal arity. Values are
// untyped and carry whatever the SQLite driver produced (nil, int64,
// float64, string, []byte), so a Set can describe any table shape without
// a schema.
package result

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/metadex/metadex"
)

// Set is an ordered collection of rows under a shared key list.
type Set struct {
	keys []string
	rows [][]interface{}
}

// New returns an empty Set with the given keys.
func New(keys ...string) *Set {
	return &Set{keys: append([]string(nil), keys...)}
}

// FromRows builds a Set from a key list and rows. Every row must carry
// exactly one value per key.
func FromRows(keys []string, rows [][]interface{}) (*Set, error) {
	for i, row := range rows {
		if len(row) != len(keys) {
			return nil, metadex.Errorf(metadex.KindShape,
				"result: row %d has %d values, want %d", i, len(row), len(keys))
		}
	}
	return &Set{
		keys: append([]string(nil), keys...),
		rows: append([][]interface{}(nil), rows...),
	}, nil
}

// FromSQLRows drains a query cursor into a Set. Keys are taken from the
// cursor's column names. The cursor is fully consumed but not closed.
//
// The SQLite driver hands text back as raw bytes; values from columns not
// declared BLOB are converted to string so that text compares as text.
func FromSQLRows(rows *sqlx.Rows) (*Set, error) {
	keys, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("result: reading column names: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("result: reading column types: %w", err)
	}
	isBlob := make([]bool, len(types))
	for i, ct := range types {
		isBlob[i] = strings.Contains(strings.ToUpper(ct.DatabaseTypeName()), "BLOB")
	}

	s := &Set{keys: keys}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("result: scanning row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && !isBlob[i] {
				vals[i] = string(b)
			}
		}
		s.rows = append(s.rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result: iterating rows: %w", err)
	}
	return s, nil
}

// Len returns the number of rows.
func (s *Set) Len() int { return len(s.rows) }

// Keys returns a copy of the key list.
func (s *Set) Keys() []string { return append([]string(nil), s.keys...) }

// Rows returns the backing rows. Callers must not reshape them.
func (s *Set) Rows() [][]interface{} { return s.rows }

// HasKey reports whether name is one of the keys.
func (s *Set) HasKey(name string) bool {
	_, ok := s.keyIndex()[name]
	return ok
}

// Column returns the values under one key, in row order.
func (s *Set) Column(name string) ([]interface{}, error) {
	idx, ok := s.keyIndex()[name]
	if !ok {
		return nil, metadex.Errorf(metadex.KindLookup, "result: no key %q", name)
	}
	col := make([]interface{}, len(s.rows))
	for i, row := range s.rows {
		col[i] = row[idx]
	}
	return col, nil
}

// Row returns row i as a key-to-value map.
func (s *Set) Row(i int) map[string]interface{} {
	m := make(map[string]interface{}, len(s.keys))
	for j, k := range s.keys {
		m[k] = s.rows[i][j]
	}
	return m
}

// Slice returns the contiguous row range [i, j) as a new Set sharing row
// storage with the receiver.
func (s *Set) Slice(i, j int) (*Set, error) {
	if i < 0 || j < i || j > len(s.rows) {
		return nil, metadex.Errorf(metadex.KindShape,
			"result: slice [%d:%d) out of range for %d rows", i, j, len(s.rows))
	}
	return &Set{
		keys: append([]string(nil), s.keys...),
		rows: append([][]interface{}(nil), s.rows[i:j]...),
	}, nil
}

// Mask returns the rows whose flag is true, in order. The mask must have
// one flag per row.
func (s *Set) Mask(keep []bool) (*Set, error) {
	if len(keep) != len(s.rows) {
		return nil, metadex.Errorf(metadex.KindShape,
			"result: mask has %d flags, want %d", len(keep), len(s.rows))
	}
	out := &Set{keys: append([]string(nil), s.keys...)}
	for i, row := range s.rows {
		if keep[i] {
			out.rows = append(out.rows, row)
		}
	}
	return out, nil
}

// SelectColumns projects the Set onto the named keys, in the order given.
// Names may repeat.
func (s *Set) SelectColumns(names ...string) (*Set, error) {
	idx := s.keyIndex()
	cols := make([]int, len(names))
	for i, name := range names {
		j, ok := idx[name]
		if !ok {
			return nil, metadex.Errorf(metadex.KindLookup, "result: no key %q", name)
		}
		cols[i] = j
	}
	out := &Set{keys: append([]string(nil), names...)}
	for _, row := range s.rows {
		nr := make([]interface{}, len(cols))
		for i, j := range cols {
			nr[i] = row[j]
		}
		out.rows = append(out.rows, nr)
	}
	return out, nil
}

// Distinct returns the unique rows sorted ascending, comparing tuples
// element by element under Compare. The ordering is part of the contract:
// callers may rely on it being stable across runs.
func (s *Set) Distinct() *Set {
	rows := append([][]interface{}(nil), s.rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		return compareRows(rows[i], rows[j]) < 0
	})
	out := &Set{keys: append([]string(nil), s.keys...)}
	for i, row := range rows {
		if i > 0 && compareRows(rows[i-1], row) == 0 {
			continue
		}
		out.rows = append(out.rows, row)
	}
	return out
}

// Extend appends all rows of other. The key lists must agree exactly, in
// order.
func (s *Set) Extend(other *Set) error {
	if len(s.keys) != len(other.keys) {
		return metadex.Errorf(metadex.KindSchema,
			"result: cannot extend, %d keys vs %d", len(s.keys), len(other.keys))
	}
	for i := range s.keys {
		if s.keys[i] != other.keys[i] {
			return metadex.Errorf(metadex.KindSchema,
				"result: cannot extend, key %d is %q vs %q", i, s.keys[i], other.keys[i])
		}
	}
	s.rows = append(s.rows, other.rows...)
	return nil
}

// Concatenate merges the sets into one, in order. All sets must share the
// first set's key list.
func Concatenate(sets ...*Set) (*Set, error) {
	if len(sets) == 0 {
		return nil, metadex.New(metadex.KindShape, "result: nothing to concatenate")
	}
	out := sets[0].Copy()
	for _, s := range sets[1:] {
		if err := out.Extend(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Append adds one row given as a key-to-value map. Every key must be
// present and no extra keys are allowed.
func (s *Set) Append(vals map[string]interface{}) error {
	if len(vals) != len(s.keys) {
		for name := range vals {
			if _, ok := s.keyIndex()[name]; !ok {
				return metadex.Errorf(metadex.KindLookup, "result: no key %q", name)
			}
		}
	}
	row := make([]interface{}, len(s.keys))
	for i, k := range s.keys {
		v, ok := vals[k]
		if !ok {
			return metadex.Errorf(metadex.KindMissingParameter, "result: no value for key %q", k)
		}
		row[i] = v
	}
	s.rows = append(s.rows, row)
	return nil
}

// AppendRow adds one row of positional values.
func (s *Set) AppendRow(vals ...interface{}) error {
	if len(vals) != len(s.keys) {
		return metadex.Errorf(metadex.KindShape,
			"result: row has %d values, want %d", len(vals), len(s.keys))
	}
	s.rows = append(s.rows, vals)
	return nil
}

// StripPrefix removes the first matching "prefix." from each key, in
// place. The set is left unchanged if stripping would make two keys
// collide.
func (s *Set) StripPrefix(prefixes ...string) error {
	newKeys := make([]string, len(s.keys))
	for i, key := range s.keys {
		newKeys[i] = key
		for _, p := range prefixes {
			if strings.HasPrefix(key, p+".") {
				newKeys[i] = key[len(p)+1:]
				break
			}
		}
	}
	seen := make(map[string]string, len(newKeys))
	for i, nk := range newKeys {
		if prev, dup := seen[nk]; dup {
			return metadex.Errorf(metadex.KindCollision,
				"result: stripping makes %q and %q both %q", prev, s.keys[i], nk)
		}
		seen[nk] = s.keys[i]
	}
	s.keys = newKeys
	return nil
}

// Restrict filters and extends the Set against pinned values. Rows whose
// value under an existing pinned key disagrees are dropped; pinned keys
// the Set lacks are appended as constant columns, in sorted name order.
func (s *Set) Restrict(pins map[string]interface{}) *Set {
	idx := s.keyIndex()
	var newKeys []string
	type pin struct {
		col int
		val interface{}
	}
	var checks []pin
	for name, val := range pins {
		if col, ok := idx[name]; ok {
			checks = append(checks, pin{col, val})
		} else {
			newKeys = append(newKeys, name)
		}
	}
	sort.Strings(newKeys)
	out := &Set{keys: append(append([]string(nil), s.keys...), newKeys...)}
	for _, row := range s.rows {
		keep := true
		for _, c := range checks {
			if Compare(row[c.col], c.val) != 0 {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		nr := make([]interface{}, 0, len(out.keys))
		nr = append(nr, row...)
		for _, nk := range newKeys {
			nr = append(nr, pins[nk])
		}
		out.rows = append(out.rows, nr)
	}
	return out
}

// Copy returns a Set with fresh key and row storage. Values are shared.
func (s *Set) Copy() *Set {
	out := &Set{
		keys: append([]string(nil), s.keys...),
		rows: make([][]interface{}, len(s.rows)),
	}
	for i, row := range s.rows {
		out.rows[i] = append([]interface{}(nil), row...)
	}
	return out
}

// String summarizes the Set.
func (s *Set) String() string {
	return fmt.Sprintf("Set(keys=%v, rows=%d)", s.keys, len(s.rows))
}

func (s *Set) keyIndex() map[string]int {
	idx := make(map[string]int, len(s.keys))
	for i, k := range s.keys {
		if _, ok := idx[k]; !ok {
			idx[k] = i
		}
	}
	return idx
}

func compareRows(a, b []interface{}) int {
	for i := range a {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Value classes, in their sort order.
const (
	classNull = iota
	classNumeric
	classText
	classBlob
	classOther
)

func classOf(v interface{}) int {
	switch v.(type) {
	case nil:
		return classNull
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return classNumeric
	case string:
		return classText
	case []byte:
		return classBlob
	default:
		return classOther
	}
}

// Compare orders two row values the way the backing store collates them:
// nil first, then numbers (integers, floats, and booleans compared
// numerically), then text, then blobs. Values outside those classes sort
// last by their printed form. Returns -1, 0, or +1.
func Compare(a, b interface{}) int {
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch ca {
	case classNull:
		return 0
	case classNumeric:
		return compareNumbers(a, b)
	case classText:
		return strings.Compare(a.(string), b.(string))
	case classBlob:
		return bytes.Compare(a.([]byte), b.([]byte))
	default:
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

func compareNumbers(a, b interface{}) int {
	ai, aIsInt := toInt64(a)
	bi, bIsInt := toInt64(b)
	if aIsInt && bIsInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	af, bf := toFloat64(a), toFloat64(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= 1<<63-1 {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	case uint64:
		return float64(n)
	}
	if i, ok := toInt64(v); ok {
		return float64(i)
	}
	return 0
}
