package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExpr_ScalarShorthandNormalizesToEq(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`"delete_file"`, "delete_file"},
		{`42`, float64(42)},
		{`true`, true},
	}
	for _, tc := range cases {
		e, err := ParseExpr(json.RawMessage(tc.raw))
		require.NoError(t, err, tc.raw)
		require.Equal(t, OpEq, e.Op)
		require.Equal(t, tc.want, e.Value)
	}
}

func TestParseExpr_OperatorForms(t *testing.T) {
	e, err := ParseExpr(json.RawMessage(`{"in": ["ls", "cat"]}`))
	require.NoError(t, err)
	require.Equal(t, OpIn, e.Op)
	require.Equal(t, []any{"ls", "cat"}, e.Values)

	e, err = ParseExpr(json.RawMessage(`{"prefix": "/workspace"}`))
	require.NoError(t, err)
	require.Equal(t, OpPrefix, e.Op)
	require.Equal(t, "/workspace", e.Prefix)

	e, err = ParseExpr(json.RawMessage(`{"all_under": ["/workspace", "/tmp/scratch"]}`))
	require.NoError(t, err)
	require.Equal(t, OpAllUnder, e.Op)
	require.Equal(t, []string{"/workspace", "/tmp/scratch"}, e.Roots)

	e, err = ParseExpr(json.RawMessage(`{"any_under": ["/workspace"]}`))
	require.NoError(t, err)
	require.Equal(t, OpAnyUnder, e.Op)

	e, err = ParseExpr(json.RawMessage(`{"exists": true}`))
	require.NoError(t, err)
	require.Equal(t, OpExists, e.Op)
}

func TestParseExpr_Rejections(t *testing.T) {
	bad := []string{
		`{"regex": ".*"}`,
		`{"eq": 1, "in": [1]}`,
		`{"in": "not-an-array"}`,
		`{"all_under": [1, 2]}`,
		`{"exists": false}`,
		`[1, 2]`,
		`{}`,
	}
	for _, raw := range bad {
		_, err := ParseExpr(json.RawMessage(raw))
		require.ErrorIs(t, err, ErrBadExpr, raw)
	}
}

func TestExpr_RoundTrip(t *testing.T) {
	raws := []string{
		`"scalar"`,
		`{"eq": "v"}`,
		`{"in": ["a", "b"]}`,
		`{"prefix": "pre"}`,
		`{"all_under": ["/workspace"]}`,
		`{"any_under": ["/a", "/b"]}`,
		`{"exists": true}`,
	}
	for _, raw := range raws {
		first, err := ParseExpr(json.RawMessage(raw))
		require.NoError(t, err, raw)

		out, err := json.Marshal(first)
		require.NoError(t, err)

		second, err := ParseExpr(out)
		require.NoError(t, err)
		require.Equal(t, first, second, raw)
	}
}
