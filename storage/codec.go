package storage

import (
	"encoding/binary"
	"fmt"
)

// encodeRecord serializes everything but Key (the bucket map key already is
// the key) into a flat length-prefixed byte string:
//
//	version_len(4) version meta_len(4) meta body_len(4) body sequence(8) flags(4) expiration(8)
func encodeRecord(r Record) []byte {
	size := 4 + len(r.Version) + 4 + len(r.Meta) + 4 + len(r.Body) + 8 + 4 + 8
	buf := make([]byte, size)
	off := 0

	off = putBytes(buf, off, r.Version)
	off = putBytes(buf, off, r.Meta)
	off = putBytes(buf, off, r.Body)

	binary.BigEndian.PutUint64(buf[off:], r.Sequence)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(r.Flags))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(r.Expiration))

	return buf
}

func decodeRecord(key []byte, raw []byte) (Record, error) {
	var r Record
	off := 0

	var err error

	r.Version, off, err = getBytes(raw, off)
	if err != nil {
		return Record{}, err
	}

	r.Meta, off, err = getBytes(raw, off)
	if err != nil {
		return Record{}, err
	}

	r.Body, off, err = getBytes(raw, off)
	if err != nil {
		return Record{}, err
	}

	if off+20 > len(raw) {
		return Record{}, fmt.Errorf("corrupt record: trailer too short")
	}

	r.Sequence = binary.BigEndian.Uint64(raw[off:])
	off += 8
	r.Flags = Flags(binary.BigEndian.Uint32(raw[off:]))
	off += 4
	r.Expiration = int64(binary.BigEndian.Uint64(raw[off:]))

	r.Key = append([]byte{}, key...)

	return r, nil
}

func putBytes(buf []byte, off int, v []byte) int {
	binary.BigEndian.PutUint32(buf[off:], uint32(len(v)))
	off += 4
	copy(buf[off:], v)

	return off + len(v)
}

func getBytes(raw []byte, off int) ([]byte, int, error) {
	if off+4 > len(raw) {
		return nil, 0, fmt.Errorf("corrupt record: length prefix truncated")
	}

	n := int(binary.BigEndian.Uint32(raw[off:]))
	off += 4

	if off+n > len(raw) {
		return nil, 0, fmt.Errorf("corrupt record: field truncated")
	}

	v := raw[off : off+n]
	off += n

	var out []byte
	if n > 0 {
		out = append([]byte{}, v...)
	}

	return out, off, nil
}
