// Package docenum implements the document-oriented enumerator from spec
// §4.4: it wraps a storage.RecordEnumerator with the extra options a
// document-layer caller needs (body inclusion, revision-history
// materialization) using the teacher's Stream/Processor/Pipeline idiom from
// utils/stream for the limit stage.
package docenum

import (
	"encoding/hex"

	"github.com/embervault/corelite/storage"
	"github.com/embervault/corelite/utils/stream"
)

// Options is the bitset from spec §4.4.
type Options struct {
	Descending           bool
	Unsorted             bool
	IncludeDeleted       bool
	IncludeNonConflicted bool
	IncludeBodies        bool
	IncludeRevHistory    bool
	Limit                int
}

// DocumentInfo is the lightweight projection getDocumentInfo fills in.
type DocumentInfo struct {
	Key        []byte
	Sequence   uint64
	Flags      storage.Flags
	Expiration int64
}

// Document is the full projection getDocument returns.
type Document struct {
	DocumentInfo
	Meta        []byte
	Body        []byte
	RevHistory  string
}

// DocEnumerator is a forward, single-use iterator over documents.
type DocEnumerator struct {
	opts   Options
	src    stream.Stream
	recEnum *storage.RecordEnumerator
	cur    storage.Record
	closed bool
	err    error
}

// New builds a DocEnumerator over ks using opts.
func New(ks *storage.KeyStore, opts Options) (*DocEnumerator, error) {
	sortOpt := storage.Ascending

	switch {
	case opts.Descending:
		sortOpt = storage.Descending
	case opts.Unsorted:
		sortOpt = storage.Unsorted
	}

	content := storage.MetaOnly
	if opts.IncludeBodies {
		content = storage.EntireBody
	}

	recEnum, err := ks.Enumerate(storage.EnumerateOptions{
		Sort:           sortOpt,
		Content:        content,
		IncludeDeleted: opts.IncludeDeleted,
		// OnlyConflicts is the inverse of IncludeNonConflicted: when the
		// caller does NOT want non-conflicted records, only conflicts pass.
		OnlyConflicts: !opts.IncludeNonConflicted,
	})
	if err != nil {
		return nil, err
	}

	src := stream.Pipeline(
		&recordStream{enum: recEnum},
		stream.Limit(opts.Limit),
	)

	return &DocEnumerator{opts: opts, src: src, recEnum: recEnum}, nil
}

// recordStream adapts storage.RecordEnumerator to utils/stream.Stream.
type recordStream struct {
	enum *storage.RecordEnumerator
}

func (s *recordStream) Next() bool         { return s.enum.Next() }
func (s *recordStream) Value() interface{} { return s.enum.Record() }
func (s *recordStream) Error() error       { return s.enum.Error() }

// Next advances to the next document. It returns false at end of range,
// after Close, or on error (check Error()).
func (e *DocEnumerator) Next() bool {
	if e.closed || e.err != nil {
		return false
	}

	if !e.src.Next() {
		e.err = e.src.Error()

		return false
	}

	e.cur = e.src.Value().(storage.Record)

	return true
}

// GetDocumentInfo fills info from the current position and reports whether
// there was one to fill.
func (e *DocEnumerator) GetDocumentInfo() (DocumentInfo, bool) {
	if e.closed || e.cur.Key == nil {
		return DocumentInfo{}, false
	}

	return DocumentInfo{
		Key:        e.cur.Key,
		Sequence:   e.cur.Sequence,
		Flags:      e.cur.Flags,
		Expiration: e.cur.Expiration,
	}, true
}

// GetDocument materializes the full Document at the current position,
// including the ASCII revision history form when requested and the
// record's version is a version vector.
func (e *DocEnumerator) GetDocument() (Document, bool) {
	info, ok := e.GetDocumentInfo()
	if !ok {
		return Document{}, false
	}

	doc := Document{
		DocumentInfo: info,
		Meta:         e.cur.Meta,
		Body:         e.cur.Body,
	}

	if e.opts.IncludeRevHistory {
		doc.RevHistory = revHistoryString(e.cur.Version)
	}

	return doc, true
}

// Close stops the enumeration. After Close, Next always returns false.
func (e *DocEnumerator) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	return e.recEnum.Close()
}

// Error returns any error encountered during enumeration.
func (e *DocEnumerator) Error() error { return e.err }

// revHistoryString renders version as its "expanded" form: a version
// vector (a leading 0x01 tag byte) is materialized as a comma-separated
// ASCII list of (source, counter) pairs; a linear revision id is rendered
// as plain hex.
func revHistoryString(version []byte) string {
	if len(version) == 0 {
		return ""
	}

	if version[0] != versionVectorTag {
		return hex.EncodeToString(version)
	}

	return decodeVersionVectorASCII(version[1:])
}
