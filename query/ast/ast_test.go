package ast_test

import (
	"testing"

	"github.com/embervault/corelite/query/ast"
	"github.com/stretchr/testify/require"
)

func TestParseAndIsCall(t *testing.T) {
	node, err := ast.Parse([]byte(`["APPROX_VECTOR_DISTANCE", [".vector"], "$target", "euclidean"]`))
	require.NoError(t, err)

	args, ok := ast.IsCall(node, "approx_vector_distance")
	require.True(t, ok, "operator match must be case-insensitive")
	require.Len(t, args, 3)

	path, ok := ast.IsFieldPath(args[0].([]ast.Node)[0])
	require.True(t, ok)
	require.Equal(t, "vector", path)

	name, ok := ast.IsParam(args[1])
	require.True(t, ok)
	require.Equal(t, "target", name)
}

func TestUnderORDetectsOnlyBelowWHERE(t *testing.T) {
	require.True(t, ast.UnderOR([]string{"SELECT", "WHERE", "OR"}))
	require.False(t, ast.UnderOR([]string{"SELECT", "OR", "WHAT"}), "OR outside any WHERE must not trip the check")
	require.False(t, ast.UnderOR([]string{"WHERE", "AND"}))
}

func TestWalkTracksEnclosingOperatorStack(t *testing.T) {
	node, err := ast.Parse([]byte(`["AND", ["OR", ["=", ".a", 1], ["=", ".b", 2]], ["=", ".c", 3]]`))
	require.NoError(t, err)

	var sawORUnderAND bool

	ast.Walk(node, func(n ast.Node, stack []string) {
		if arr, ok := ast.Array(n); ok && ast.OpName(arr) == "OR" {
			require.Contains(t, stack, "AND")

			sawORUnderAND = true
		}
	})

	require.True(t, sawORUnderAND)
}

func TestCollection(t *testing.T) {
	node, err := ast.Parse([]byte(`{"COLLECTION": "default"}`))
	require.NoError(t, err)

	name, ok := ast.Collection(node)
	require.True(t, ok)
	require.Equal(t, "default", name)
}
