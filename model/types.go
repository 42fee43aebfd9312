package model

import (
	"fmt"
	"math"
)

// ElemType is the element type of a dataset's vectors.
type ElemType int

const (
	// F32 stores each element as an IEEE-754 binary32.
	F32 ElemType = iota
	// F16 stores each element as an IEEE-754 binary16.
	F16
)

// String returns the metadata-file spelling of the element type.
func (t ElemType) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Size returns the on-disk size of one element in bytes.
func (t ElemType) Size() int {
	switch t {
	case F16:
		return 2
	default:
		return 4
	}
}

// ParseElemType parses the metadata-file spelling of an element type.
func ParseElemType(s string) (ElemType, error) {
	switch s {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	default:
		return 0, fmt.Errorf("unsupported element type %q", s)
	}
}

// HeaderSize is the size of the per-slot tag header in the record store.
const HeaderSize = 8

const (
	// InvalidTag marks the terminator slot; slots beyond it are unused.
	InvalidTag uint64 = math.MaxUint64
	// DeletedTag marks a tombstoned slot, eligible for reuse.
	DeletedTag uint64 = math.MaxUint64 - 1
)

const (
	// InvalidRecordID means "no record" in staged load entries.
	InvalidRecordID uint32 = math.MaxUint32
	// InvalidCluster means "not indexed yet".
	InvalidCluster uint16 = math.MaxUint16
)

// ValidTag reports whether tag is assignable by a user.
func ValidTag(tag uint64) bool {
	return tag != InvalidTag && tag != DeletedTag
}

// RecordSize returns the per-slot vector payload size: the element bytes
// rounded up to 8-byte alignment.
func RecordSize(t ElemType, dim int) int {
	const alignment = 8
	size := dim * t.Size()
	return (size + alignment - 1) &^ (alignment - 1)
}

// Metadata describes one dataset. It is persisted as the key=value
// `metadata` file in the dataset directory.
type Metadata struct {
	Type       ElemType
	Dim        int
	NodesCount int
	IndexID    uint64
	PQCount    int
}

// RecordSize returns the vector payload size of one slot.
func (m Metadata) RecordSize() int {
	return RecordSize(m.Type, m.Dim)
}

// DistItem is one candidate produced by a node worker scan. The
// coordinator merges DistItems from all nodes into a global top-k.
type DistItem struct {
	Dist     float64
	RecordID uint64
	Tag      uint64
}
