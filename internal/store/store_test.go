package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpopov/sketch/model"
)

const testRecordSize = 16

func record(fill byte) []byte {
	b := make([]byte, testRecordSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func newStore(t *testing.T, initialCount uint64) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, Create(path, testRecordSize, initialCount))
	s, err := Open(path, testRecordSize)
	require.NoError(t, err)
	return s, path
}

func TestPutGet(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	id, err := s.Put(42, record(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, uint64(1), s.Upper())
	assert.Equal(t, uint64(1), s.Count())

	tag, data, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tag)
	assert.Equal(t, record(7), data)
}

func TestPutPadsShortData(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	id, err := s.Put(1, []byte{0xAA, 0xBB})
	require.NoError(t, err)

	_, data, err := s.Get(id)
	require.NoError(t, err)
	require.Len(t, data, testRecordSize)
	assert.Equal(t, byte(0xAA), data[0])
	assert.Equal(t, byte(0xBB), data[1])
	assert.Equal(t, byte(0), data[2])
}

func TestPutRejectsOversizedData(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	_, err := s.Put(1, make([]byte, testRecordSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestGetOutOfRange(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	_, _, err := s.Get(0)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDeleteAndReuseSmallestSlot(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	for i := uint64(0); i < 4; i++ {
		_, err := s.Put(i, record(byte(i)))
		require.NoError(t, err)
	}

	require.NoError(t, s.Delete(2))
	require.NoError(t, s.Delete(1))
	assert.Equal(t, uint64(2), s.DeletedCount())
	assert.True(t, s.IsDeleted(1))

	res, _, _ := s.Scan(1)
	assert.Equal(t, ScanDeleted, res)

	// Reuse prefers the smallest tombstoned slot before extending upper.
	id, err := s.Put(100, record(0xF0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, uint64(4), s.Upper())

	id, err = s.Put(101, record(0xF1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	id, err = s.Put(102, record(0xF2))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
	assert.Equal(t, uint64(5), s.Upper())
}

func TestDeleteOutOfRange(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	assert.ErrorIs(t, s.Delete(3), ErrOutOfRange)
}

func TestUpdateInPlace(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	id, err := s.Put(9, record(1))
	require.NoError(t, err)

	require.NoError(t, s.Update(id, record(2)))

	tag, data, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), tag)
	assert.Equal(t, record(2), data)
}

func TestUpdateDeletedFails(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	id, err := s.Put(9, record(1))
	require.NoError(t, err)
	require.NoError(t, s.Delete(id))

	assert.Error(t, s.Update(id, record(2)))
}

func TestScanSequence(t *testing.T) {
	s, _ := newStore(t, 16)
	defer s.Close()

	_, err := s.Put(10, record(1))
	require.NoError(t, err)
	_, err = s.Put(11, record(2))
	require.NoError(t, err)
	require.NoError(t, s.Delete(0))

	res, _, _ := s.Scan(0)
	assert.Equal(t, ScanDeleted, res)

	res, tag, data := s.Scan(1)
	assert.Equal(t, ScanOk, res)
	assert.Equal(t, uint64(11), tag)
	assert.Equal(t, record(2), data)

	res, _, _ = s.Scan(2)
	assert.Equal(t, ScanFinished, res)
}

func TestNoSpaceAtCapacity(t *testing.T) {
	s, _ := newStore(t, 2)
	defer s.Close()

	_, err := s.Put(0, record(0))
	require.NoError(t, err)
	_, err = s.Put(1, record(1))
	require.NoError(t, err)

	_, err = s.Put(2, record(2))
	assert.ErrorIs(t, err, ErrNoSpace)

	// A delete frees exactly one slot again.
	require.NoError(t, s.Delete(0))
	id, err := s.Put(2, record(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
}

func TestReopenWithInfoFile(t *testing.T) {
	s, path := newStore(t, 16)

	_, err := s.Put(1, record(1))
	require.NoError(t, err)
	_, err = s.Put(2, record(2))
	require.NoError(t, err)
	require.NoError(t, s.Delete(0))
	require.NoError(t, s.Close())

	_, err = os.Stat(path + ".info")
	require.NoError(t, err)

	s2, err := Open(path, testRecordSize)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, uint64(2), s2.Upper())
	assert.Equal(t, uint64(1), s2.DeletedCount())
	assert.True(t, s2.IsDeleted(0))

	// The info file is consumed on open.
	_, err = os.Stat(path + ".info")
	assert.True(t, os.IsNotExist(err))
}

func TestReopenWithoutInfoFileRescans(t *testing.T) {
	s, path := newStore(t, 16)

	_, err := s.Put(1, record(1))
	require.NoError(t, err)
	_, err = s.Put(2, record(2))
	require.NoError(t, err)
	_, err = s.Put(3, record(3))
	require.NoError(t, err)
	require.NoError(t, s.Delete(1))
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(path+".info"))

	s2, err := Open(path, testRecordSize)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, uint64(3), s2.Upper())
	assert.Equal(t, uint64(2), s2.Count())
	assert.True(t, s2.IsDeleted(1))
}

func TestCreatedFileHasTerminator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, Create(path, testRecordSize, 4))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 4*(model.HeaderSize+testRecordSize))
	assert.Equal(t, model.InvalidTag, binary.LittleEndian.Uint64(raw))
}

func TestCreateExistingFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, Create(path, testRecordSize, 4))
	assert.Error(t, Create(path, testRecordSize, 4))
}
