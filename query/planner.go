// Package query implements the vector-search query planner from spec §4.5:
// it rewrites a JSON query AST containing APPROX_VECTOR_DISTANCE(...) into
// backend SQL against the sqlite storage plugin, distinguishing a "simple"
// nearest-neighbor query (nested sub-SELECT, mandatory LIMIT) from a
// "hybrid" one (plain JOIN, no injected LIMIT).
package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/index"
	"github.com/embervault/corelite/query/ast"
)

// kMaxMaxResults is the literal LIMIT bound carried over from
// original_source/LiteCore/Query/QueryParser+VectorSearch.cc line 32.
const kMaxMaxResults = 10000

// funcName is the operator name the AST uses for the vector-distance call;
// comparisons against it are case-insensitive per spec §6.
const funcName = "APPROX_VECTOR_DISTANCE"

// Planner compiles query ASTs against the indexes known to idx.
type Planner struct {
	indexes *index.Manager
}

// New builds a Planner resolving vector index lookups against idx.
func New(idx *index.Manager) *Planner {
	return &Planner{indexes: idx}
}

// call is one resolved APPROX_VECTOR_DISTANCE invocation found in the AST.
type call struct {
	node      []ast.Node // the full array node, args[0] is the operator name
	vectorIdx *index.Index
	target    ast.Node
	metric    string
	numProbes int
	hasProbes bool
	accurate  bool
}

// comparison describes a non-hybrid WHERE shape:
// APPROX_VECTOR_DISTANCE(...) <op> bound, or bound <op> APPROX_VECTOR_DISTANCE(...).
type comparison struct {
	op        string
	call      *call
	bound     ast.Node
	callOnLHS bool
}

// Compile translates a parsed query AST into backend SQL.
func (p *Planner) Compile(query ast.Node) (string, error) {
	root, ok := ast.Array(query)
	if !ok || ast.OpName(root) != "SELECT" {
		return "", dberr.New(dberr.InvalidQuery, "query must be a top-level SELECT")
	}

	sections := selectSections(root)

	calls, err := p.findCalls(sections)
	if err != nil {
		return "", err
	}

	if len(calls) == 0 {
		return p.compilePlain(sections)
	}

	if len(calls) > 1 {
		return "", dberr.New(dberr.InvalidQuery, "at most one %s call is supported per query", funcName)
	}

	vcall := calls[0]

	cmp, hybrid, err := classify(sections.where, vcall)
	if err != nil {
		return "", err
	}

	if hybrid {
		return p.compileHybrid(sections, vcall)
	}

	return p.compileSimple(sections, vcall, cmp)
}

type sections struct {
	from    ast.Node
	where   ast.Node
	what    ast.Node
	orderBy ast.Node
	limit   ast.Node
}

func selectSections(root []ast.Node) *sections {
	s := &sections{}

	for _, child := range root[1:] {
		m, ok := child.(map[string]ast.Node)
		if !ok {
			continue
		}

		if v, ok := m["FROM"]; ok {
			s.from = v
		}
		if v, ok := m["WHERE"]; ok {
			s.where = v
		}
		if v, ok := m["WHAT"]; ok {
			s.what = v
		}
		if v, ok := m["ORDER_BY"]; ok {
			s.orderBy = v
		}
		if v, ok := m["LIMIT"]; ok {
			s.limit = v
		}
	}

	return s
}

// findCalls walks every section for APPROX_VECTOR_DISTANCE calls, validates
// each one, and enforces the "no OR above a WHERE" rule across the WHERE
// section specifically (other sections have no WHERE ancestor by
// construction, so the rule is a no-op there).
func (p *Planner) findCalls(s *sections) ([]*call, error) {
	var calls []*call
	seen := map[string]bool{}
	var walkErr error

	visit := func(section ast.Node, inWhere bool) {
		ast.Walk(section, func(n ast.Node, stack []string) {
			if walkErr != nil {
				return
			}

			args, ok := ast.IsCall(n, funcName)
			if !ok {
				return
			}

			if inWhere && ast.UnderOR(append([]string{"WHERE"}, stack...)) {
				walkErr = dberr.New(dberr.InvalidQuery, "%s may not appear inside OR within WHERE", funcName)

				return
			}

			arr, _ := ast.Array(n)

			// The same call can legitimately occur more than once textually
			// (e.g. once in WHAT and again in ORDER BY) — that's exactly
			// the case spec §4.5's "Distance column" rule exists for, not
			// an error. Only genuinely distinct calls are counted.
			key, err := json.Marshal(arr)
			if err != nil {
				walkErr = dberr.Wrap(dberr.InvalidQuery, err, "could not canonicalize %s call", funcName)

				return
			}

			if seen[string(key)] {
				return
			}
			seen[string(key)] = true

			c, err := p.resolveCall(arr, args)
			if err != nil {
				walkErr = err

				return
			}

			calls = append(calls, c)
		})
	}

	if s.where != nil {
		visit(s.where, true)
	}
	if walkErr != nil {
		return nil, walkErr
	}

	visit(s.what, false)
	if walkErr != nil {
		return nil, walkErr
	}

	visit(s.orderBy, false)
	if walkErr != nil {
		return nil, walkErr
	}

	return calls, nil
}

// resolveCall validates one APPROX_VECTOR_DISTANCE(vectorExpr, target,
// metricName?, numProbes?, accurate?) invocation and resolves its vector
// expression to a companion index table.
func (p *Planner) resolveCall(full []ast.Node, args []ast.Node) (*call, error) {
	if len(args) < 2 {
		return nil, dberr.New(dberr.InvalidQuery, "%s requires at least a vector expression and a target vector", funcName)
	}

	vectorExpr := args[0]
	if _, ok := ast.Array(vectorExpr); !ok {
		return nil, dberr.New(dberr.InvalidQuery, "%s's first argument must be an array expression, not an index name", funcName)
	}

	exprJSON, err := json.Marshal(vectorExpr)
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidQuery, err, "could not canonicalize %s's vector expression", funcName)
	}

	idx, err := p.indexes.ResolveByExpression(string(exprJSON))
	if err != nil {
		return nil, err
	}

	c := &call{node: full, vectorIdx: idx, target: args[1], metric: ""}

	if len(args) >= 3 && args[2] != nil {
		metric, ok := args[2].(string)
		if !ok {
			return nil, dberr.New(dberr.InvalidQuery, "%s's metricName argument must be a string", funcName)
		}

		c.metric = metric
	}

	if len(args) >= 4 && args[3] != nil {
		n, ok := args[3].(float64)
		if !ok || n <= 0 || n != float64(int(n)) {
			return nil, dberr.New(dberr.InvalidQuery, "%s's numProbes argument must be a positive integer", funcName)
		}

		c.numProbes = int(n)
		c.hasProbes = true
	}

	if len(args) >= 5 && args[4] != nil {
		b, ok := args[4].(bool)
		if !ok {
			return nil, dberr.New(dberr.InvalidQuery, "%s's accurate argument must be a boolean literal", funcName)
		}

		if b {
			return nil, dberr.New(dberr.Unsupported, "%s's accurate=true is not supported", funcName)
		}

		c.accurate = false
	}

	return c, nil
}

// classify determines whether where is the non-hybrid shape
// "APPROX_VECTOR_DISTANCE(...) ⊙ K" (in either operand order) referencing
// vcall, per spec §4.5's planning rule.
func classify(where ast.Node, vcall *call) (*comparison, bool, error) {
	if where == nil {
		return nil, false, nil
	}

	arr, ok := ast.Array(where)
	if !ok {
		return nil, true, nil
	}

	op := ast.OpName(arr)
	if !isComparisonOp(op) || len(arr) != 3 {
		return nil, true, nil
	}

	lhs, rhs := arr[1], arr[2]

	if isSameCall(lhs, vcall.node) {
		return &comparison{op: op, call: vcall, bound: rhs, callOnLHS: true}, false, nil
	}

	if isSameCall(rhs, vcall.node) {
		return &comparison{op: op, call: vcall, bound: lhs, callOnLHS: false}, false, nil
	}

	return nil, true, nil
}

func isSameCall(n ast.Node, full []ast.Node) bool {
	arr, ok := ast.Array(n)
	if !ok || len(arr) != len(full) {
		return false
	}

	a, _ := json.Marshal(arr)
	b, _ := json.Marshal(full)

	return string(a) == string(b)
}

func isComparisonOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=":
		return true
	default:
		return false
	}
}

// compilePlain emits SQL for a query with no vector call at all.
func (p *Planner) compilePlain(s *sections) (string, error) {
	from, err := collectionName(s.from)
	if err != nil {
		return "", err
	}

	var b strings.Builder

	b.WriteString("SELECT ")
	b.WriteString(whatSQL(s.what))
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(from))

	if s.where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(exprSQL(s.where, nil))
	}

	if s.orderBy != nil {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderBySQL(s.orderBy, nil))
	}

	if s.limit != nil {
		n, err := limitInt(s.limit)
		if err != nil {
			return "", err
		}

		fmt.Fprintf(&b, " LIMIT %d", n)
	}

	return b.String(), nil
}

// matchPredicate renders the "vector MATCH encode_vector(target)" predicate
// (plus the optional probes predicate) against a vector index's table
// alias.
func matchPredicate(alias string, c *call) string {
	pred := fmt.Sprintf("%s.vector MATCH encode_vector(%s)", alias, exprSQL(c.target, nil))

	if c.hasProbes {
		pred = fmt.Sprintf("vectorsearch_probes(%s.vector, %d) AND %s", alias, c.numProbes, pred)
	}

	return pred
}

const vecAlias = "vecmatch"

// compileSimple emits the nested sub-SELECT form: the vector index table is
// isolated inside its own SELECT (with the outer LIMIT pushed down as the
// sub-SELECT's LIMIT) so the backend's query planner never sees an outer
// rowid constraint that would force hybrid-mode join behavior, per spec
// §4.5's isolation note.
func (p *Planner) compileSimple(s *sections, c *call, cmp *comparison) (string, error) {
	if s.limit == nil {
		return "", dberr.New(dberr.InvalidQuery, "a simple vector query requires a LIMIT")
	}

	n, err := limitInt(s.limit)
	if err != nil {
		return "", err
	}

	if n <= 0 || n > kMaxMaxResults {
		return "", dberr.New(dberr.InvalidQuery, "LIMIT must be a positive integer <= %d", kMaxMaxResults)
	}

	from, err := collectionName(s.from)
	if err != nil {
		return "", err
	}

	table := c.vectorIdx.TableName()

	where := matchPredicate(quoteIdent(table), c)

	if cmp != nil {
		op := cmp.op
		if !cmp.callOnLHS {
			op = flipOp(op)
		}

		where = fmt.Sprintf("%s AND distance %s %s", where, sqlOp(op), exprSQL(cmp.bound, nil))
	}

	subSelect := fmt.Sprintf(
		"(SELECT rowid, doc_key, distance FROM %s WHERE %s ORDER BY distance ASC LIMIT %d)",
		quoteIdent(table), where, n)

	var b strings.Builder

	fmt.Fprintf(&b, "SELECT %s FROM %s JOIN %s AS %s ON %s.doc_key = %s.key",
		whatSQL(rewriteDistanceColumn(s.what, c, vecAlias)),
		quoteIdent(from), subSelect, vecAlias, vecAlias, quoteIdent(from))

	b.WriteString(" ORDER BY ")
	b.WriteString(orderBySQLOrDefault(s.orderBy, c, vecAlias))

	return b.String(), nil
}

// compileHybrid emits the plain-JOIN form: the vector index table is joined
// like any other table, with the MATCH predicate folded into the ON clause,
// and the caller's WHERE filters the joined result. No LIMIT is injected.
func (p *Planner) compileHybrid(s *sections, c *call) (string, error) {
	from, err := collectionName(s.from)
	if err != nil {
		return "", err
	}

	table := c.vectorIdx.TableName()

	var b strings.Builder

	fmt.Fprintf(&b, "SELECT %s FROM %s JOIN %s AS %s ON %s.doc_key = %s.key AND %s",
		whatSQL(rewriteDistanceColumn(s.what, c, vecAlias)),
		quoteIdent(from), quoteIdent(table), vecAlias, vecAlias, quoteIdent(from), matchPredicate(vecAlias, c))

	if s.where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(exprSQL(rewriteDistanceNode(s.where, c, vecAlias), nil))
	}

	if s.orderBy != nil {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderBySQL(rewriteDistanceNode(s.orderBy, c, vecAlias), c))
	}

	if s.limit != nil {
		n, err := limitInt(s.limit)
		if err != nil {
			return "", err
		}

		fmt.Fprintf(&b, " LIMIT %d", n)
	}

	return b.String(), nil
}

// rewriteDistanceColumn/rewriteDistanceNode replace every textual
// occurrence of the resolved APPROX_VECTOR_DISTANCE call with a reference
// to the joined table alias's distance column, per spec §4.5's "Distance
// column" rule, so the backend doesn't recompute distances it already has.
func rewriteDistanceNode(n ast.Node, c *call, alias string) ast.Node {
	if isSameCall(n, c.node) {
		return distanceColumnRef(alias + ".distance")
	}

	switch t := n.(type) {
	case []ast.Node:
		out := make([]ast.Node, len(t))
		for i, e := range t {
			out[i] = rewriteDistanceNode(e, c, alias)
		}

		return out
	case map[string]ast.Node:
		out := make(map[string]ast.Node, len(t))
		for k, e := range t {
			out[k] = rewriteDistanceNode(e, c, alias)
		}

		return out
	default:
		return n
	}
}

func rewriteDistanceColumn(what ast.Node, c *call, alias string) ast.Node {
	if what == nil {
		return nil
	}

	return rewriteDistanceNode(what, c, alias)
}

// distanceColumnRef is a synthetic AST leaf representing a raw SQL column
// reference; exprSQL recognizes it via its sentinel type.
type distanceColumnRef string

func orderBySQLOrDefault(orderBy ast.Node, c *call, alias string) string {
	if orderBy != nil {
		return orderBySQL(rewriteDistanceNode(orderBy, c, alias), c)
	}

	return fmt.Sprintf("%s.distance ASC", alias)
}

func collectionName(from ast.Node) (string, error) {
	if from == nil {
		return "", dberr.New(dberr.InvalidQuery, "query is missing FROM")
	}

	if name, ok := ast.Collection(from); ok {
		return name, nil
	}

	if s, ok := from.(string); ok {
		return s, nil
	}

	return "", dberr.New(dberr.InvalidQuery, "unrecognized FROM clause")
}

func limitInt(n ast.Node) (int, error) {
	f, ok := n.(float64)
	if !ok || f != float64(int(f)) {
		return 0, dberr.New(dberr.InvalidQuery, "LIMIT must be an integer")
	}

	return int(f), nil
}

func whatSQL(what ast.Node) string {
	arr, ok := ast.Array(what)
	if !ok || len(arr) == 0 {
		return "*"
	}

	parts := make([]string, 0, len(arr))

	for _, e := range arr {
		parts = append(parts, exprSQL(e, nil))
	}

	return strings.Join(parts, ", ")
}

func orderBySQL(orderBy ast.Node, c *call) string {
	arr, ok := ast.Array(orderBy)
	if !ok {
		return exprSQL(orderBy, c)
	}

	parts := make([]string, 0, len(arr))
	for _, e := range arr {
		parts = append(parts, exprSQL(e, c))
	}

	return strings.Join(parts, ", ")
}

// exprSQL renders a general expression node to SQL text. It covers the
// fragments the planner needs to round-trip (field paths, params, literals,
// comparison/boolean operators, and the synthetic distance-column leaf) —
// the full query language is out of scope per spec §1.
func exprSQL(n ast.Node, c *call) string {
	if dc, ok := n.(distanceColumnRef); ok {
		return string(dc)
	}

	if path, ok := ast.IsFieldPath(n); ok {
		return quoteIdent(path)
	}

	if name, ok := ast.IsParam(n); ok {
		return "$" + name
	}

	switch t := n.(type) {
	case string:
		return sqlString(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "1"
		}

		return "0"
	case nil:
		return "NULL"
	case []ast.Node:
		return exprArraySQL(t, c)
	default:
		return "NULL"
	}
}

func exprArraySQL(arr []ast.Node, c *call) string {
	op := ast.OpName(arr)

	switch op {
	case "AND", "OR":
		parts := make([]string, 0, len(arr)-1)
		for _, a := range arr[1:] {
			parts = append(parts, "("+exprSQL(a, c)+")")
		}

		return strings.Join(parts, " "+op+" ")
	case "=", "!=", "<", "<=", ">", ">=":
		if len(arr) == 3 {
			return fmt.Sprintf("%s %s %s", exprSQL(arr[1], c), sqlOp(op), exprSQL(arr[2], c))
		}
	case "==":
		if len(arr) == 3 {
			return fmt.Sprintf("%s = %s", exprSQL(arr[1], c), exprSQL(arr[2], c))
		}
	}

	parts := make([]string, 0, len(arr)-1)
	for _, a := range arr[1:] {
		parts = append(parts, exprSQL(a, c))
	}

	return fmt.Sprintf("%s(%s)", strings.ToLower(op), strings.Join(parts, ", "))
}

// flipOp swaps a comparison operator for the case where the vector-distance
// call appeared on the right-hand side (e.g. "50000 > dist(...)" means
// "dist(...) < 50000").
func flipOp(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	default:
		return op
	}
}

func sqlOp(op string) string {
	if op == "!=" {
		return "<>"
	}

	return op
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
