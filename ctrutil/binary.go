package ctrutil

import (
	"encoding/binary"
)

// LE16 reads a little-endian uint16 at the given offset.
func LE16(b []byte, offset int) uint16 {
	return binary.LittleEndian.Uint16(b[offset:])
}

// LE32 reads a little-endian uint32 at the given offset.
func LE32(b []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(b[offset:])
}

// LE64 reads a little-endian uint64 at the given offset.
func LE64(b []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(b[offset:])
}

// BE16 reads a big-endian uint16 at the given offset.
func BE16(b []byte, offset int) uint16 {
	return binary.BigEndian.Uint16(b[offset:])
}

// BE32 reads a big-endian uint32 at the given offset.
func BE32(b []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(b[offset:])
}

// BE64 reads a big-endian uint64 at the given offset.
func BE64(b []byte, offset int) uint64 {
	return binary.BigEndian.Uint64(b[offset:])
}

// RoundUp rounds value up to the next multiple of alignment, which must be a
// power of two.
func RoundUp(value, alignment int64) int64 {
	return (value + alignment - 1) &^ (alignment - 1)
}
