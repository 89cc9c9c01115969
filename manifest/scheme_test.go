package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metadex/metadex"
)

func TestScheme_BuilderPreservesOrder(t *testing.T) {
	scheme := NewScheme().
		AddExactMatch("array", "").
		AddRangeMatch("time", Input, "integer").
		AddDataField("loader", "varchar(32)")

	want := []Column{
		{Name: "array", Purpose: Input, Kind: MatchExact, Type: "varchar(16)"},
		{Name: "time", Purpose: Input, Kind: MatchRange, Type: "integer"},
		{Name: "loader", Purpose: Output, Kind: MatchExact, Type: "varchar(32)"},
	}
	require.Equal(t, want, scheme.Columns())
	require.NoError(t, scheme.check())
}

func TestScheme_CheckRejectsBadSchemes(t *testing.T) {
	cases := []struct {
		name   string
		scheme *Scheme
	}{
		{"empty", NewScheme()},
		{"bad identifier", NewScheme().AddExactMatch("no good", "")},
		{"reserved id", NewScheme().AddExactMatch("id", "")},
		{"reserved file_id", NewScheme().AddDataField("file_id", "")},
		{"reserved filename", NewScheme().AddDataField("filename", "")},
		{"duplicate", NewScheme().AddExactMatch("a", "").AddDataField("a", "")},
		{"twin slot collision", NewScheme().AddExactMatch("t__lo", "").AddRangeMatch("t", Input, "")},
		{"bad type", NewScheme().AddExactMatch("a", "TEXT; DROP TABLE files")},
		{"bad purpose", &Scheme{cols: []Column{{Name: "a", Purpose: "sideways", Kind: MatchExact, Type: "TEXT"}}}},
		{"bad kind", &Scheme{cols: []Column{{Name: "a", Purpose: Input, Kind: "fuzzy", Type: "TEXT"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.scheme.check()
			require.ErrorIs(t, err, metadex.ErrSchema)
		})
	}
}

func TestScheme_CompileMatch(t *testing.T) {
	scheme := NewScheme().
		AddExactMatch("array", "").
		AddRangeMatch("time", Input, "integer").
		AddDataField("loader", "")

	preds, selects, err := scheme.compileMatch(map[string]interface{}{
		"array": "LF1", "time": 50,
	})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	require.Equal(t, []string{
		`files.name AS filename`,
		`"map"."loader" AS "loader"`,
	}, selects)

	_, _, err = scheme.compileMatch(map[string]interface{}{"array": "LF1"})
	require.ErrorIs(t, err, metadex.ErrMissingParameter)

	// Output columns are never required for a match.
	_, _, err = scheme.compileMatch(map[string]interface{}{"array": "LF1", "time": 50})
	require.NoError(t, err)
}

func TestScheme_CompileMatchProjectsRangeOutputs(t *testing.T) {
	scheme := NewScheme().
		AddExactMatch("array", "").
		AddRangeMatch("span", Output, "integer")

	_, selects, err := scheme.compileMatch(map[string]interface{}{"array": "LF1"})
	require.NoError(t, err)
	require.Equal(t, []string{
		`files.name AS filename`,
		`"map"."span__lo" AS "span__lo"`,
		`"map"."span__hi" AS "span__hi"`,
	}, selects)
}

func TestScheme_CompileInsert(t *testing.T) {
	scheme := NewScheme().
		AddExactMatch("array", "").
		AddRangeMatch("time", Input, "integer").
		AddDataField("loader", "")

	cols, vals, err := scheme.compileInsert(map[string]interface{}{
		"array": "LF1", "time": Range{Lo: 0, Hi: 100}, "loader": "l1",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"array", "time__lo", "time__hi", "loader"}, cols)
	require.Equal(t, []interface{}{"LF1", 0, 100, "l1"}, vals)

	// Inserts require every column, outputs included.
	_, _, err = scheme.compileInsert(map[string]interface{}{
		"array": "LF1", "time": Range{Lo: 0, Hi: 100},
	})
	require.ErrorIs(t, err, metadex.ErrMissingParameter)

	// Range columns take a Range pair, not a plain value.
	_, _, err = scheme.compileInsert(map[string]interface{}{
		"array": "LF1", "time": 50, "loader": "l1",
	})
	require.ErrorIs(t, err, metadex.ErrShape)
}
