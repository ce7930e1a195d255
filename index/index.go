// Package index implements IndexSpec/VectorOptions and the IndexManager
// from spec §6, plus the vector side-table creation glue the query planner
// resolves against (spec §4.5 "Index creation glue"). A vector index is
// backed by a companion SQLite table, so creating one requires the
// Database to be running the sqlite storage/kv plugin.
package index

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/embervault/corelite/dberr"
	"github.com/embervault/corelite/storage"
)

// Metric is the vector distance function a vector index computes.
type Metric int

const (
	MetricDefault Metric = iota
	MetricEuclidean
	MetricCosine
)

// ClusteringKind distinguishes the two vector index clustering strategies.
type ClusteringKind int

const (
	ClusteringFlat ClusteringKind = iota
	ClusteringMulti
)

// Clustering configures how the vector index partitions its rows for
// approximate search.
type Clustering struct {
	Kind ClusteringKind

	// Flat
	Centroids int

	// Multi
	Subquantizers int
	Bits          int
}

// EncodingKind selects how vector components are compressed on disk.
type EncodingKind int

const (
	EncodingDefault EncodingKind = iota
	EncodingNone
	EncodingPQ
	EncodingSQ
)

// Encoding configures vector row compression.
type Encoding struct {
	Kind          EncodingKind
	Subquantizers int // PQ
	Bits          int // SQ
}

// VectorOptions is the declarative configuration for a vector index, per
// spec §4.5's "Index creation glue" paragraph.
type VectorOptions struct {
	Dimensions       int
	Metric           Metric
	Clustering       Clustering
	Encoding         Encoding
	MinTrainingSize  int
	MaxTrainingSize  int
	NumProbesDefault int
	// Lazy marks an index whose rows are added out of band through
	// BeginUpdate; BeginUpdate rejects indexes without it. No document write
	// adds rows to a vector index, lazy or not.
	Lazy bool
}

// IndexType distinguishes the kinds of secondary index the manager can
// hold; only Vector is specified here (spec §1's "full query language" is a
// non-goal, so no value/FTS index types are modeled).
type IndexType int

const (
	TypeVector IndexType = iota
)

// IndexSpec declaratively names an index: the expression it is built over
// (typically an APPROX_VECTOR_DISTANCE vector expression in canonical JSON
// form) and its type-specific options.
type IndexSpec struct {
	Name       string
	Type       IndexType
	Expression json.RawMessage
	Vector     VectorOptions
}

// CanonicalKey returns the string used to look the index up by its
// expression, matching the "canonical JSON form" spec §4.5 says keys the
// delegate-layer lookup. json.RawMessage already preserves the caller's
// encoding; callers that need true canonicalization should re-marshal
// through ast.Parse first.
func (s IndexSpec) CanonicalKey() string { return string(s.Expression) }

// vectorTableName is the companion SQLite table name a vector index's rows
// live in, derived from the index name.
func vectorTableName(indexName string) string { return "vecidx_" + indexName }

// Index is an opened, queryable index handle.
type Index struct {
	spec IndexSpec
	mgr  *Manager

	mu       sync.Mutex
	finished bool // lazy indexes: an Updater's Finish has succeeded at least once
}

func (ix *Index) Spec() IndexSpec { return ix.spec }

// TableName returns the companion vector table this index's rows live in.
func (ix *Index) TableName() string { return vectorTableName(ix.spec.Name) }

// Manager owns the set of indexes defined over one Database.
type Manager struct {
	db *storage.Database

	mu      sync.Mutex
	indexes map[string]*Index
	byExpr  map[string]*Index
}

// NewManager creates an IndexManager bound to db.
func NewManager(db *storage.Database) *Manager {
	return &Manager{db: db, indexes: map[string]*Index{}, byExpr: map[string]*Index{}}
}

// CreateIndex defines a new index and, for vector indexes, creates its
// companion table via the backing sqlite plugin. Rows are encoded with
// FLVectorToIndex one at a time in Updater.Add, not here.
func (m *Manager) CreateIndex(spec IndexSpec) (*Index, error) {
	if spec.Name == "" {
		return nil, dberr.New(dberr.InvalidQuery, "index name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[spec.Name]; exists {
		return nil, dberr.New(dberr.InvalidQuery, "index %q already exists", spec.Name)
	}

	if spec.Type == TypeVector {
		if spec.Vector.Dimensions <= 0 {
			return nil, dberr.New(dberr.InvalidQuery, "vector index %q requires positive dimensions", spec.Name)
		}

		if err := createVectorTable(m.db, vectorTableName(spec.Name), spec.Vector); err != nil {
			return nil, err
		}
	}

	ix := &Index{spec: spec, mgr: m}
	m.indexes[spec.Name] = ix
	m.byExpr[spec.CanonicalKey()] = ix

	return ix, nil
}

// GetIndex returns the named index, or dberr.NoSuchIndex.
func (m *Manager) GetIndex(name string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ix, ok := m.indexes[name]
	if !ok {
		return nil, dberr.New(dberr.NoSuchIndex, "no such index %q", name)
	}

	return ix, nil
}

// ResolveByExpression finds the vector index whose creation expression
// canonically matches exprJSON — the lookup the planner performs to locate
// an APPROX_VECTOR_DISTANCE call's companion table (spec §4.5
// "Resolution to an index").
func (m *Manager) ResolveByExpression(exprJSON string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ix, ok := m.byExpr[exprJSON]
	if !ok {
		return nil, dberr.New(dberr.NoSuchIndex, "no vector index over expression %s", exprJSON)
	}

	return ix, nil
}

// DeleteIndex drops the named index and, for vector indexes, its companion
// table.
func (m *Manager) DeleteIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ix, ok := m.indexes[name]
	if !ok {
		return dberr.New(dberr.NoSuchIndex, "no such index %q", name)
	}

	if ix.spec.Type == TypeVector {
		if err := dropVectorTable(m.db, ix.TableName()); err != nil {
			return err
		}
	}

	delete(m.indexes, name)
	delete(m.byExpr, ix.spec.CanonicalKey())

	return nil
}

// Updater drives a lazy vector index's out-of-band materialization: each
// call to Add writes one row to the companion table immediately; Finish
// writes nothing and only marks the index as having recorded at least one
// row. Rows already added are not removed if Finish fails.
type Updater struct {
	ix    *Index
	limit int
	added int
}

// BeginUpdate starts a lazy-index update batch bounded to at most limit
// rows; limit<=0 means unbounded.
func (m *Manager) BeginUpdate(name string, limit int) (*Updater, error) {
	ix, err := m.GetIndex(name)
	if err != nil {
		return nil, err
	}

	if !ix.spec.Vector.Lazy {
		return nil, dberr.New(dberr.Unsupported, "index %q is not a lazy vector index", name)
	}

	return &Updater{ix: ix, limit: limit}, nil
}

// Add inserts one vector row for key, keyed by the document key the vector
// was extracted from.
func (u *Updater) Add(key []byte, vector []float32) error {
	if u.limit > 0 && u.added >= u.limit {
		return dberr.New(dberr.Unsupported, "update batch limit %d reached", u.limit)
	}

	if err := insertVectorRow(u.ix.mgr.db, u.ix.spec, u.ix.TableName(), key, vector); err != nil {
		return err
	}

	u.added++

	return nil
}

// Finish completes the update batch. A lazy index that has never recorded
// any rows cannot be marked finished (spec §4.5).
func (u *Updater) Finish() error {
	u.ix.mu.Lock()
	defer u.ix.mu.Unlock()

	if u.added == 0 && !u.ix.finished {
		return dberr.New(dberr.Unsupported, "lazy index %q has recorded no rows", u.ix.spec.Name)
	}

	u.ix.finished = true

	return nil
}

// MetricName renders m as a lowercase string ("euclidean", "cosine" or
// "default"). The planner does not call it: generated SQL names no metric.
func MetricName(m Metric) string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricCosine:
		return "cosine"
	default:
		return "default"
	}
}

// FLVectorToIndex is the backend call spec §4.5 names
// (fl_vector_to_index(<expr>, <dimensions>)): it encodes a float32 vector
// into the binary row format the companion table stores. Updater.Add is its
// only caller. The planner emits no SQL-level fl_vector_to_index call, and
// no document write invokes this function.
func FLVectorToIndex(vector []float32, dimensions int) ([]byte, error) {
	if len(vector) != dimensions {
		return nil, dberr.New(dberr.InvalidQuery, "vector has %d dimensions, index expects %d", len(vector), dimensions)
	}

	buf := make([]byte, 4*len(vector))

	for i, f := range vector {
		bits := math.Float32bits(f)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}

	return buf, nil
}
