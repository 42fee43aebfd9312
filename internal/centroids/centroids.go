// Package centroids implements the immutable memory-mapped centroid
// table shared by index builds and ANN probes.
//
// File format, all integers little-endian:
//
//	u64 magic = 0xDEADBEEF
//	u64 record size (bytes per centroid)
//	u64 centroid count
//	count * record size bytes, packed
package centroids

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/internal/mmap"
	"github.com/michaelpopov/sketch/model"
	"github.com/michaelpopov/sketch/queue"
)

// Magic identifies a centroid file.
const Magic uint64 = 0xDEADBEEF

const headerSize = 3 * 8

var (
	// ErrBadMagic is returned when the file does not start with Magic.
	ErrBadMagic = errors.New("centroids: invalid magic value")
	// ErrTruncated is returned when the payload is shorter than the header claims.
	ErrTruncated = errors.New("centroids: invalid data size")
)

// Table is an open centroid set. It is immutable and safe for
// concurrent use.
type Table struct {
	m          *mmap.Mapping
	recordSize int
	count      int
}

// Open maps and validates the centroid file at path.
func Open(path string) (*Table, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open centroids at %q: %w", path, err)
	}

	t, err := fromMapping(m)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("centroids at %q: %w", path, err)
	}
	return t, nil
}

func fromMapping(m *mmap.Mapping) (*Table, error) {
	b := m.Bytes()
	if len(b) < headerSize {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint64(b) != Magic {
		return nil, ErrBadMagic
	}
	recordSize := binary.LittleEndian.Uint64(b[8:])
	count := binary.LittleEndian.Uint64(b[16:])
	if recordSize == 0 || uint64(len(b)) < headerSize+count*recordSize {
		return nil, ErrTruncated
	}
	return &Table{m: m, recordSize: int(recordSize), count: int(count)}, nil
}

// Close unmaps the table.
func (t *Table) Close() error {
	if t.m == nil {
		return nil
	}
	err := t.m.Close()
	t.m = nil
	return err
}

// Count returns the number of centroids.
func (t *Table) Count() int { return t.count }

// RecordSize returns the byte width of one centroid.
func (t *Table) RecordSize() int { return t.recordSize }

// Centroid returns the raw bytes of centroid i. The slice aliases the
// mapping.
func (t *Table) Centroid(i int) []byte {
	off := headerSize + i*t.recordSize
	return t.m.Bytes()[off : off+t.recordSize]
}

// Nearest returns the centroid id closest to data by squared L2
// distance. Ties resolve to the lowest id.
func (t *Table) Nearest(data []byte, et model.ElemType, dim int) uint16 {
	var nearest uint16
	minDist := -1.0
	for i := 0; i < t.count; i++ {
		dist := distance.SquaredL2(et, data, t.Centroid(i), dim)
		if minDist < 0 || dist < minDist {
			minDist = dist
			nearest = uint16(i)
		}
	}
	return nearest
}

// NearestClusters returns the ids of the nprobes closest centroids.
// The slice is in descending-distance order; callers treat it as an
// unordered probe set.
func (t *Table) NearestClusters(data []byte, et model.ElemType, dim, nprobes int) []uint16 {
	pq := queue.NewTopK(nprobes)
	for i := 0; i < t.count; i++ {
		pq.Push(model.DistItem{
			Dist:     distance.SquaredL2(et, data, t.Centroid(i), dim),
			RecordID: uint64(i),
		})
	}

	items := pq.Items()
	ids := make([]uint16, len(items))
	for i, item := range items {
		ids[i] = uint16(item.RecordID)
	}
	return ids
}

// Source is anything that can supply centroids for serialisation;
// implemented by ivf.Builder and by Table itself.
type Source interface {
	Count() int
	RecordSize() int
	Centroid(i int) []byte
}

// Write serialises src to path in the table format.
func Write(path string, src Source) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open centroids file %q for writing: %w", path, err)
	}

	w := bufio.NewWriter(f)
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:], Magic)
	binary.LittleEndian.PutUint64(header[8:], uint64(src.RecordSize()))
	binary.LittleEndian.PutUint64(header[16:], uint64(src.Count()))
	if _, err := w.Write(header[:]); err != nil {
		f.Close()
		return fmt.Errorf("write centroids header to %q: %w", path, err)
	}

	for i := 0; i < src.Count(); i++ {
		if _, err := w.Write(src.Centroid(i)); err != nil {
			f.Close()
			return fmt.Errorf("write centroid %d to %q: %w", i, path, err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush centroids file %q: %w", path, err)
	}
	return f.Close()
}
