// Package input parses the line-oriented vector text format consumed by
// the load path and generates test input files.
//
// Each line is `<tag> : [ v0, v1, ... ]`; an empty list `[ ]` is a
// delete marker for the tag. The file is memory-mapped and indexed once
// so node workers can re-read arbitrary entries by index without the
// parsed vectors being retained in memory.
package input

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/internal/mmap"
	"github.com/michaelpopov/sketch/model"
)

var (
	// ErrReservedTag is returned for the sentinel tags 2^64-1 and 2^64-2.
	ErrReservedTag = errors.New("input: tag value is reserved")
	// ErrMalformed is returned for lines that do not match the format.
	ErrMalformed = errors.New("input: malformed line")
)

type entry struct {
	tagOff int
	tagLen int
	vecOff int
	vecLen int
}

// Data is an indexed input file.
type Data struct {
	m       *mmap.Mapping
	data    []byte
	entries []entry
}

// Open maps and indexes the input file at path.
func Open(path string) (*Data, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file at %q: %w", path, err)
	}
	d := &Data{m: m, data: m.Bytes()}
	if err := d.index(); err != nil {
		m.Close()
		return nil, err
	}
	return d, nil
}

// FromBytes indexes an in-memory input buffer.
func FromBytes(b []byte) (*Data, error) {
	d := &Data{data: b}
	if err := d.index(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close unmaps the input file.
func (d *Data) Close() error {
	if d.m == nil {
		return nil
	}
	err := d.m.Close()
	d.m = nil
	return err
}

// Count returns the number of indexed entries.
func (d *Data) Count() int { return len(d.entries) }

func (d *Data) index() error {
	off := 0
	for off < len(d.data) {
		end := bytes.IndexByte(d.data[off:], '\n')
		var lineLen int
		if end < 0 {
			lineLen = len(d.data) - off
		} else {
			lineLen = end
		}
		line := d.data[off : off+lineLen]

		if len(bytes.TrimSpace(line)) > 0 {
			sep := bytes.IndexByte(line, ':')
			if sep < 0 {
				return fmt.Errorf("%w: missing ':' at offset %d", ErrMalformed, off)
			}
			d.entries = append(d.entries, entry{
				tagOff: off,
				tagLen: sep,
				vecOff: off + sep + 1,
				vecLen: lineLen - sep - 1,
			})
		}

		if end < 0 {
			break
		}
		off += lineLen + 1
	}
	return nil
}

// Tag parses the tag of entry i, rejecting the reserved sentinel values.
func (d *Data) Tag(i int) (uint64, error) {
	if i < 0 || i >= len(d.entries) {
		return 0, fmt.Errorf("input: entry %d out of range", i)
	}
	e := d.entries[i]
	text := strings.TrimSpace(string(d.data[e.tagOff : e.tagOff+e.tagLen]))
	tag, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("input: invalid tag %q: %w", text, err)
	}
	if !model.ValidTag(tag) {
		return 0, fmt.Errorf("%w: %d", ErrReservedTag, tag)
	}
	return tag, nil
}

// Vector decodes the vector of entry i into dst (a zero-padded record
// buffer of at least RecordSize bytes). It reports whether the entry is
// an empty list, i.e. a delete marker.
func (d *Data) Vector(i int, typ model.ElemType, dim int, dst []byte) (bool, error) {
	if i < 0 || i >= len(d.entries) {
		return false, fmt.Errorf("input: entry %d out of range", i)
	}
	e := d.entries[i]
	text := strings.TrimSpace(string(d.data[e.vecOff : e.vecOff+e.vecLen]))

	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return false, fmt.Errorf("%w: vector must be bracketed", ErrMalformed)
	}
	text = strings.TrimSpace(text[1 : len(text)-1])

	for i := range dst {
		dst[i] = 0
	}

	if text == "" {
		return true, nil
	}

	n := 0
	for _, token := range strings.Split(text, ",") {
		if n >= dim {
			return false, fmt.Errorf("%w: more than %d values", ErrMalformed, dim)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(token), 64)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		distance.PutElem(typ, dst, n, v)
		n++
	}
	if n != dim {
		return false, fmt.Errorf("%w: %d values, want %d", ErrMalformed, n, dim)
	}
	return false, nil
}

// Generate writes count input lines with tags start..start+count-1 and
// vectors of dim copies of `<tag>.1`.
func Generate(path string, dim, count, start int) error {
	if dim == 0 || count == 0 {
		return errors.New("input: generate requires non-zero dim and count")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create input file at %q: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for i := 0; i < count; i++ {
		n := start + i
		fmt.Fprintf(w, "%d : [ ", n)
		for j := 0; j < dim; j++ {
			if j > 0 {
				w.WriteString(", ")
			}
			fmt.Fprintf(w, "%d.1", n)
		}
		w.WriteString(" ]\n")
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write input file at %q: %w", path, err)
	}
	return f.Close()
}
