// Package store implements the per-node record store: a fixed-size-slot
// file addressed by record id, memory-mapped for reads and written with
// pwrite, with a tombstone free-list persisted in a sidecar info file.
//
// Layout: slot_i = u64 tag ++ recordSize bytes, i in [0, limit). The
// first slot whose tag is InvalidTag terminates the live region; a slot
// tagged DeletedTag is a tombstone eligible for reuse. The store is
// best-effort durable: the data file is never fsynced between writes and
// all in-memory state is reconstructible by rescanning slot headers.
package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/tidwall/btree"
	"golang.org/x/sys/unix"

	"github.com/michaelpopov/sketch/internal/mmap"
	"github.com/michaelpopov/sketch/model"
)

var (
	// ErrNoSpace is returned by Put when every slot is live.
	ErrNoSpace = errors.New("store: no space left for new record")
	// ErrOutOfRange is returned for record ids at or beyond the upper bound.
	ErrOutOfRange = errors.New("store: record id out of range")
	// ErrInvalidRecord is returned by Get for tombstoned or unused slots.
	ErrInvalidRecord = errors.New("store: invalid record")
	// ErrTooLarge is returned when the payload exceeds the slot size.
	ErrTooLarge = errors.New("store: record data exceeds slot size")
)

// ScanResult is the outcome of visiting one slot during a sequential scan.
type ScanResult int

const (
	// ScanOk means the slot holds a live record.
	ScanOk ScanResult = iota
	// ScanDeleted means the slot is a tombstone.
	ScanDeleted
	// ScanFinished means the scan ran past the last used slot.
	ScanFinished
)

// Store is one node's record file. It is not safe for concurrent
// mutation; the dataset coordinator serialises writers.
type Store struct {
	path           string
	recordSize     uint64
	fullRecordSize uint64

	f *os.File
	m *mmap.Mapping

	upper   uint64
	limit   uint64
	deleted *btree.BTreeG[uint32]
}

// Create initialises a new record file sized for initialCount slots and
// marks the first slot as the terminator.
func Create(path string, recordSize, initialCount uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create data file at %q: %w", path, err)
	}
	defer f.Close()

	full := model.HeaderSize + recordSize
	if err := f.Truncate(int64(initialCount * full)); err != nil {
		return fmt.Errorf("size data file at %q: %w", path, err)
	}

	var header [model.HeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], model.InvalidTag)
	if err := pwriteFull(int(f.Fd()), header[:], 0); err != nil {
		return fmt.Errorf("write terminator to %q: %w", path, err)
	}
	return nil
}

// Open maps an existing record file. The sidecar info file, when
// present, is consumed (and removed); otherwise the slot headers are
// rescanned to rebuild the upper bound and tombstone set.
func Open(path string, recordSize uint64) (*Store, error) {
	s := &Store{
		path:           path,
		recordSize:     recordSize,
		fullRecordSize: model.HeaderSize + recordSize,
		deleted:        btree.NewBTreeG(func(a, b uint32) bool { return a < b }),
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open data file at %q: %w", path, err)
	}
	s.f = f

	m, err := mmap.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap data file at %q: %w", path, err)
	}
	s.m = m

	size := uint64(m.Size())
	if size == 0 || size%s.fullRecordSize != 0 {
		s.release()
		return nil, fmt.Errorf("data file at %q has invalid size %d", path, size)
	}
	s.limit = size / s.fullRecordSize

	needScan, err := s.readInfo()
	if err != nil {
		s.release()
		return nil, err
	}
	if needScan {
		s.scanHeaders()
	}

	return s, nil
}

// Close persists the info sidecar and releases the mapping and fd.
func (s *Store) Close() error {
	err := s.writeInfo()
	s.release()
	return err
}

func (s *Store) release() {
	if s.m != nil {
		s.m.Close()
		s.m = nil
	}
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

// Upper returns the first unused slot index.
func (s *Store) Upper() uint64 { return s.upper }

// Limit returns the slot capacity of the file.
func (s *Store) Limit() uint64 { return s.limit }

// Count returns the number of live records.
func (s *Store) Count() uint64 { return s.upper - uint64(s.deleted.Len()) }

// DeletedCount returns the number of tombstoned slots.
func (s *Store) DeletedCount() uint64 { return uint64(s.deleted.Len()) }

// IsDeleted reports whether the slot is a tombstone.
func (s *Store) IsDeleted(id uint32) bool {
	_, found := s.deleted.Get(id)
	return found
}

// RecordData returns the raw vector bytes of a slot without header
// checks, or nil when id is out of range. The slice aliases the mapping.
func (s *Store) RecordData(id uint32) []byte {
	if uint64(id) >= s.upper {
		return nil
	}
	off := uint64(id)*s.fullRecordSize + model.HeaderSize
	return s.m.Bytes()[off : off+s.recordSize]
}

func (s *Store) slotTag(id uint64) uint64 {
	return binary.LittleEndian.Uint64(s.m.Bytes()[id*s.fullRecordSize:])
}

// Get returns the tag and vector bytes of a live record. The data slice
// aliases the mapping and is valid until Close.
func (s *Store) Get(id uint64) (uint64, []byte, error) {
	if id >= s.upper {
		return 0, nil, fmt.Errorf("%w: %d in storage at %q", ErrOutOfRange, id, s.path)
	}
	tag := s.slotTag(id)
	if tag == model.InvalidTag || tag == model.DeletedTag {
		return tag, nil, ErrInvalidRecord
	}
	off := id*s.fullRecordSize + model.HeaderSize
	return tag, s.m.Bytes()[off : off+s.recordSize], nil
}

// Scan classifies the slot at id for sequential iteration.
func (s *Store) Scan(id uint64) (ScanResult, uint64, []byte) {
	if id >= s.upper {
		return ScanFinished, 0, nil
	}
	tag := s.slotTag(id)
	if tag == model.InvalidTag {
		return ScanFinished, 0, nil
	}
	if tag == model.DeletedTag {
		return ScanDeleted, tag, nil
	}
	off := id*s.fullRecordSize + model.HeaderSize
	return ScanOk, tag, s.m.Bytes()[off : off+s.recordSize]
}

// Put stores a record, reusing the smallest tombstoned slot when one
// exists and appending otherwise. Appends also write an InvalidTag
// terminator into the following slot.
func (s *Store) Put(tag uint64, data []byte) (uint64, error) {
	if uint64(len(data)) > s.recordSize {
		return 0, fmt.Errorf("%w: %d > %d in storage at %q", ErrTooLarge, len(data), s.recordSize, s.path)
	}

	buf := make([]byte, s.fullRecordSize+model.HeaderSize)
	binary.LittleEndian.PutUint64(buf, tag)
	copy(buf[model.HeaderSize:], data)

	if id, ok := s.deleted.Min(); ok {
		// Reuse: no terminator needed, the region past the slot is intact.
		if err := s.pwrite(buf[:s.fullRecordSize], uint64(id)*s.fullRecordSize); err != nil {
			return 0, err
		}
		s.deleted.Delete(id)
		return uint64(id), nil
	}

	if s.upper >= s.limit {
		return 0, fmt.Errorf("%w in storage at %q", ErrNoSpace, s.path)
	}

	id := s.upper
	write := buf
	if id+1 >= s.limit {
		// Last slot: there is no following slot to terminate.
		write = buf[:s.fullRecordSize]
	} else {
		binary.LittleEndian.PutUint64(buf[s.fullRecordSize:], model.InvalidTag)
	}
	if err := s.pwrite(write, id*s.fullRecordSize); err != nil {
		return 0, err
	}
	s.upper++
	return id, nil
}

// Update overwrites the vector region of a live record in place.
func (s *Store) Update(id uint64, data []byte) error {
	if uint64(len(data)) > s.recordSize {
		return fmt.Errorf("%w: %d > %d in storage at %q", ErrTooLarge, len(data), s.recordSize, s.path)
	}
	if id >= s.upper {
		return fmt.Errorf("%w: %d in storage at %q", ErrOutOfRange, id, s.path)
	}
	tag := s.slotTag(id)
	if tag == model.InvalidTag || tag == model.DeletedTag {
		return fmt.Errorf("cannot update deleted or invalid record %d in storage at %q", id, s.path)
	}

	buf := make([]byte, s.recordSize)
	copy(buf, data)
	return s.pwrite(buf, id*s.fullRecordSize+model.HeaderSize)
}

// Delete tombstones the slot and adds it to the free list.
func (s *Store) Delete(id uint64) error {
	if id >= s.upper {
		return fmt.Errorf("%w: %d in storage at %q", ErrOutOfRange, id, s.path)
	}
	var header [model.HeaderSize]byte
	binary.LittleEndian.PutUint64(header[:], model.DeletedTag)
	if err := s.pwrite(header[:], id*s.fullRecordSize); err != nil {
		return err
	}
	s.deleted.Set(uint32(id))
	return nil
}

func (s *Store) pwrite(data []byte, offset uint64) error {
	if err := pwriteFull(int(s.f.Fd()), data, int64(offset)); err != nil {
		return fmt.Errorf("write at offset %d in file %q: %w", offset, s.path, err)
	}
	return nil
}

func pwriteFull(fd int, data []byte, offset int64) error {
	written := 0
	for written < len(data) {
		n, err := unix.Pwrite(fd, data[written:], offset+int64(written))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		written += n
	}
	return nil
}

// readInfo consumes the sidecar info file. It reports whether a header
// rescan is required (info file absent).
func (s *Store) readInfo() (bool, error) {
	infoPath := s.path + ".info"
	f, err := os.Open(infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("open info file at %q: %w", infoPath, err)
	}
	defer f.Close()

	// The info file is only valid for the state it was written against;
	// remove it so a crash before the next Close forces a rescan.
	os.Remove(infoPath)

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("read info file at %q: %w", infoPath, err)
		}
		return false, nil // Empty file is ok.
	}

	s.upper, err = strconv.ParseUint(scanner.Text(), 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid upper_record_id in info file at %q: %w", infoPath, err)
	}

	for scanner.Scan() {
		id, err := strconv.ParseUint(scanner.Text(), 10, 32)
		if err != nil {
			return false, fmt.Errorf("invalid deleted record id in info file at %q: %w", infoPath, err)
		}
		s.deleted.Set(uint32(id))
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read info file at %q: %w", infoPath, err)
	}
	return false, nil
}

func (s *Store) writeInfo() error {
	infoPath := s.path + ".info"
	tmpPath := infoPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("open info file at %q for writing: %w", tmpPath, err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", s.upper)
	s.deleted.Scan(func(id uint32) bool {
		fmt.Fprintf(w, "%d\n", id)
		return true
	})

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush info file at %q: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close info file at %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, infoPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename info file to %q: %w", infoPath, err)
	}
	return nil
}

// scanHeaders rebuilds the upper bound and tombstone set from slot
// headers after a crash or missing info file.
func (s *Store) scanHeaders() {
	s.upper = s.limit
	for id := uint64(0); id < s.limit; id++ {
		switch s.slotTag(id) {
		case model.DeletedTag:
			s.deleted.Set(uint32(id))
		case model.InvalidTag:
			s.upper = id
			return
		}
	}
}
