package docenum

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// versionVectorTag is the leading byte distinguishing a version-vector
// Record.Version from a linear revision id, per spec §3 ("version: byte
// string encoding either a linear revision id or a version vector
// (distinguished by a leading tag)").
const versionVectorTag = 0x01

// EncodeVersionVector packs an ordered set of (source, counter) pairs into
// the tagged binary form that GetDocument renders from Record.Version when
// IncludeRevHistory is set. KeyStore.Set takes no version argument, so
// records written through it carry no version.
func EncodeVersionVector(entries [][2]interface{}) []byte {
	buf := []byte{versionVectorTag}

	for _, e := range entries {
		source := e[0].(string)
		counter := e[1].(uint64)

		buf = append(buf, byte(len(source)))
		buf = append(buf, []byte(source)...)

		var c [8]byte
		binary.BigEndian.PutUint64(c[:], counter)
		buf = append(buf, c[:]...)
	}

	return buf
}

// decodeVersionVectorASCII renders the entries following the tag byte as
// "source@counter,source@counter,...".
func decodeVersionVectorASCII(rest []byte) string {
	var parts []string

	off := 0

	for off < len(rest) {
		n := int(rest[off])
		off++

		if off+n+8 > len(rest) {
			break
		}

		source := string(rest[off : off+n])
		off += n

		counter := binary.BigEndian.Uint64(rest[off : off+8])
		off += 8

		parts = append(parts, fmt.Sprintf("%s@%d", source, counter))
	}

	return strings.Join(parts, ",")
}
