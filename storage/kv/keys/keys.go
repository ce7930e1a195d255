// Package keys provides byte-ordered key helpers used to build range scans
// over the kv layer: big-endian integer encoding and a fluent key.Range
// builder for min/max/prefix/namespace confinement.
package keys

import (
	"bytes"
	"encoding/binary"
)

// Int64ToKey encodes i as an 8-byte big-endian key so that byte-order
// comparison matches integer order. Sequences and revisions are stored
// this way.
func Int64ToKey(i int64) [8]byte {
	var k [8]byte

	binary.BigEndian.PutUint64(k[:], uint64(i))

	return k
}

// KeyToInt64 decodes a key produced by Int64ToKey.
func KeyToInt64(k []byte) int64 {
	var b [8]byte
	copy(b[:], k)

	return int64(binary.BigEndian.Uint64(b[:]))
}

// Compare orders two raw keys lexicographically.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// All returns a Range matching every key.
func All() Range {
	return Range{}
}

// Range represents the half-open interval [Min, Max). A nil Min means "the
// lowest possible key"; a nil Max means "the highest possible key".
type Range struct {
	Min []byte
	Max []byte
	ns  []byte
}

// Eq confines the range to exactly key k.
func (r Range) Eq(k []byte) Range {
	return r.Gte(k).Lte(k)
}

// Gt confines the range to keys strictly greater than k.
func (r Range) Gt(k []byte) Range {
	return r.refineMin(after(k))
}

// Gte confines the range to keys greater than or equal to k.
func (r Range) Gte(k []byte) Range {
	return r.refineMin(k)
}

// Lt confines the range to keys strictly less than k.
func (r Range) Lt(k []byte) Range {
	return r.refineMax(k)
}

// Lte confines the range to keys less than or equal to k.
func (r Range) Lte(k []byte) Range {
	return r.refineMax(after(k))
}

// Prefix confines the range to keys with prefix k, excluding k itself.
func (r Range) Prefix(k []byte) Range {
	return r.Gt(k).Lt(inc(append([]byte{}, k...)))
}

// Namespace prefixes every key this range will produce with ns. Subsequent
// modifiers continue to operate within that namespace.
func (r Range) Namespace(ns []byte) Range {
	r.Min = prefixBytes(r.Min, ns)
	r.Max = inc(prefixBytes(r.Max, ns))
	r.ns = append(append([]byte{}, r.ns...), ns...)

	return r
}

func (r Range) refineMin(min []byte) Range {
	if len(r.ns) > 0 {
		min = prefixBytes(min, r.ns)
	}

	if compare(min, r.Min) <= 0 {
		return r
	}

	r.Min = min

	return r
}

func (r Range) refineMax(max []byte) Range {
	if len(r.ns) > 0 {
		if max == nil {
			max = inc(prefixBytes(max, r.ns))
		} else {
			max = prefixBytes(max, r.ns)
		}
	}

	if r.Max != nil && compare(max, r.Max) >= 0 {
		return r
	}

	r.Max = max

	return r
}

func compare(a, b []byte) int {
	if a == nil {
		if b == nil {
			return 0
		}

		return -1
	}

	if b == nil {
		return 1
	}

	return bytes.Compare(a, b)
}

// after returns the lexicographically smallest key greater than k.
func after(k []byte) []byte {
	afterK := make([]byte, len(k)+1)
	copy(afterK, k)
	afterK[len(k)] = 0

	return afterK
}

// inc treats k as a big-endian unsigned integer and adds 1 to it. It
// returns nil if k overflowed (all 0xff), meaning "no upper bound".
func inc(k []byte) []byte {
	if len(k) == 0 {
		return nil
	}

	carry := true

	for i := len(k) - 1; i >= 0 && carry; i-- {
		if k[i] < 0xff {
			carry = false
		}

		k[i]++
	}

	if carry {
		return nil
	}

	return k
}

func prefixBytes(k, p []byte) []byte {
	if len(k) == 0 && len(p) == 0 {
		return k
	}

	prefixed := make([]byte, 0, len(p)+len(k))
	prefixed = append(prefixed, p...)
	prefixed = append(prefixed, k...)

	return prefixed
}
