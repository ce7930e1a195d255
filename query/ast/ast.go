// Package ast models the JSON-shaped query AST from spec §6: nested arrays
// whose first element is an operator name or ".field" selector, "$name"
// parameters, and the special forms SELECT/WHERE/WHAT/FROM/ORDER_BY/LIMIT.
// Operator names are compared case-insensitively throughout.
package ast

import (
	"encoding/json"
	"strings"
)

// Node is a JSON value from a parsed query: nil, bool, float64, string,
// []Node (an array/operator call), or map[string]Node (a dictionary, e.g.
// {"COLLECTION": "x"}).
type Node interface{}

// Parse decodes raw JSON into a Node tree with arrays kept as []Node and
// objects as map[string]Node, rather than the untyped interface{} shapes
// encoding/json would otherwise produce.
func Parse(raw []byte) (Node, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	return normalize(v), nil
}

func normalize(v interface{}) Node {
	switch t := v.(type) {
	case []interface{}:
		out := make([]Node, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}

		return out
	case map[string]interface{}:
		out := make(map[string]Node, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}

		return out
	default:
		return v
	}
}

// Array type-asserts node as an operator-call array, reporting ok=false for
// any other shape.
func Array(node Node) (arr []Node, ok bool) {
	arr, ok = node.([]Node)

	return
}

// OpName returns the case-folded operator name at arr[0], or "" if arr is
// empty or its head is not a string.
func OpName(arr []Node) string {
	if len(arr) == 0 {
		return ""
	}

	s, ok := arr[0].(string)
	if !ok {
		return ""
	}

	return strings.ToUpper(s)
}

// IsCall reports whether node is an array whose operator name matches op
// (case-insensitively), returning its argument nodes (arr[1:]) when it is.
func IsCall(node Node, op string) (args []Node, ok bool) {
	arr, isArr := Array(node)
	if !isArr || OpName(arr) != strings.ToUpper(op) {
		return nil, false
	}

	return arr[1:], true
}

// IsParam reports whether node is a "$name" parameter reference, returning
// name without the leading "$".
func IsParam(node Node) (name string, ok bool) {
	s, isStr := node.(string)
	if !isStr || !strings.HasPrefix(s, "$") {
		return "", false
	}

	return s[1:], true
}

// IsFieldPath reports whether node is a ".field" or ".nested.field"
// selector, returning the dotted path without the leading ".".
func IsFieldPath(node Node) (path string, ok bool) {
	s, isStr := node.(string)
	if !isStr || !strings.HasPrefix(s, ".") {
		return "", false
	}

	return s[1:], true
}

// Collection extracts the collection name from a {"COLLECTION": "name"}
// dictionary node.
func Collection(node Node) (name string, ok bool) {
	m, isMap := node.(map[string]Node)
	if !isMap {
		return "", false
	}

	v, has := m["COLLECTION"]
	if !has {
		return "", false
	}

	s, isStr := v.(string)

	return s, isStr
}

// Walk visits node and every descendant, calling visit with the node and
// the stack of enclosing operator names (innermost last) at the point of
// visiting it — the mechanism spec §9 calls for ("AST traversal for
// vector-search rewriting") so callers can answer "am I under a WHERE /
// under an OR beneath a WHERE" purely from the stack snapshot they receive.
func Walk(node Node, visit func(n Node, stack []string)) {
	walk(node, nil, visit)
}

func walk(node Node, stack []string, visit func(n Node, stack []string)) {
	visit(node, stack)

	switch t := node.(type) {
	case []Node:
		op := OpName(t)

		childStack := stack
		if op != "" {
			childStack = append(append([]string{}, stack...), op)
		}

		for _, e := range t {
			walk(e, childStack, visit)
		}
	case map[string]Node:
		for _, e := range t {
			walk(e, stack, visit)
		}
	}
}

// UnderOR reports whether stack contains "OR" at or after the most recent
// "WHERE" entry — the "no OR above a WHERE" check from spec §4.5/§9.
func UnderOR(stack []string) bool {
	whereIdx := -1

	for i, s := range stack {
		if s == "WHERE" {
			whereIdx = i
		}
	}

	if whereIdx == -1 {
		return false
	}

	for _, s := range stack[whereIdx:] {
		if s == "OR" {
			return true
		}
	}

	return false
}

// UnderWHERE reports whether stack contains a "WHERE" entry anywhere.
func UnderWHERE(stack []string) bool {
	for _, s := range stack {
		if s == "WHERE" {
			return true
		}
	}

	return false
}
