// Package kvidx is the transactional secondary index of one node, backed
// by bbolt. Each index version owns one database file with two buckets:
//
//	records  tag (u64 BE) -> record id (u32 LE) [++ cluster id (u16 LE)]
//	index    cluster id (u16 BE) ++ record id (u32 BE) -> (empty)
//
// The records bucket is the primary map; a 4-byte value means "not
// indexed", a 6-byte value carries the cluster id. The index bucket is
// the inverted index: the composite big-endian key keeps all record ids
// of a cluster contiguous and ascending, so a prefix cursor behaves like
// a dup-sort cursor over one key.
//
// Transactions are thread-affine the way bbolt requires: a Txn must be
// used only by the goroutine that created it.
package kvidx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/michaelpopov/sketch/model"
)

const dbFileName = "records.db"

var (
	recordsBucket = []byte("records")
	indexBucket   = []byte("index")

	// ErrNotFound is returned when a tag has no primary entry.
	ErrNotFound = errors.New("kvidx: tag not found")
	// ErrReadOnly is returned when a write is attempted in a read txn.
	ErrReadOnly = errors.New("kvidx: write in read-only transaction")
)

// Env is one open index database.
type Env struct {
	db   *bolt.DB
	path string
}

// Create initialises a new index database with empty tables in dir.
func Create(dir string) error {
	path := filepath.Join(dir, dbFileName)
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("create index db at %q: %w", path, err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
}

// Open opens the index database in dir.
func Open(dir string) (*Env, error) {
	path := filepath.Join(dir, dbFileName)
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index db at %q: %w", path, err)
	}
	return &Env{db: db, path: path}, nil
}

// Close releases the database.
func (e *Env) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Txn is one transaction over both tables.
type Txn struct {
	tx       *bolt.Tx
	records  *bolt.Bucket
	index    *bolt.Bucket
	writable bool
}

// Begin starts a transaction. Commit applies a writable transaction;
// Rollback ends any transaction and is safe to call after Commit, so
// callers may defer it. A read-only transaction is ended only by Rollback.
func (e *Env) Begin(writable bool) (*Txn, error) {
	tx, err := e.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("begin txn on %q: %w", e.path, err)
	}
	records := tx.Bucket(recordsBucket)
	index := tx.Bucket(indexBucket)
	if records == nil || index == nil {
		tx.Rollback()
		return nil, fmt.Errorf("index db at %q is missing tables", e.path)
	}
	return &Txn{tx: tx, records: records, index: index, writable: writable}, nil
}

// View runs fn in a read-only transaction.
func (e *Env) View(fn func(*Txn) error) error {
	t, err := e.Begin(false)
	if err != nil {
		return err
	}
	defer t.Rollback()
	return fn(t)
}

func tagKey(tag uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], tag)
	return k[:]
}

func indexKey(clusterID uint16, recordID uint32) []byte {
	var k [6]byte
	binary.BigEndian.PutUint16(k[:2], clusterID)
	binary.BigEndian.PutUint32(k[2:], recordID)
	return k[:]
}

// WriteRecord upserts the primary row and, when the record is indexed,
// the inverted row.
func (t *Txn) WriteRecord(tag uint64, recordID uint32, clusterID uint16) error {
	if !t.writable {
		return ErrReadOnly
	}

	var val [6]byte
	binary.LittleEndian.PutUint32(val[:4], recordID)
	n := 4
	if clusterID != model.InvalidCluster {
		binary.LittleEndian.PutUint16(val[4:], clusterID)
		n = 6
	}
	if err := t.records.Put(tagKey(tag), val[:n]); err != nil {
		return err
	}

	if clusterID != model.InvalidCluster {
		return t.index.Put(indexKey(clusterID, recordID), nil)
	}
	return nil
}

// ReadRecord returns the primary row of a tag. An unindexed record
// yields InvalidCluster.
func (t *Txn) ReadRecord(tag uint64) (uint32, uint16, error) {
	val := t.records.Get(tagKey(tag))
	if val == nil {
		return model.InvalidRecordID, model.InvalidCluster, ErrNotFound
	}
	if len(val) != 4 && len(val) != 6 {
		return model.InvalidRecordID, model.InvalidCluster,
			fmt.Errorf("invalid primary row size %d for tag %d", len(val), tag)
	}
	recordID := binary.LittleEndian.Uint32(val[:4])
	clusterID := model.InvalidCluster
	if len(val) == 6 {
		clusterID = binary.LittleEndian.Uint16(val[4:])
	}
	return recordID, clusterID, nil
}

// DeleteRecord removes both the primary and the inverted rows.
func (t *Txn) DeleteRecord(tag uint64, recordID uint32, clusterID uint16) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := t.records.Delete(tagKey(tag)); err != nil {
		return err
	}
	return t.DeleteIndex(clusterID, recordID)
}

// DeleteIndex removes only the inverted row; used on update, where the
// primary row is re-written with a possibly different cluster.
func (t *Txn) DeleteIndex(clusterID uint16, recordID uint32) error {
	if !t.writable {
		return ErrReadOnly
	}
	if clusterID == model.InvalidCluster {
		return nil
	}
	return t.index.Delete(indexKey(clusterID, recordID))
}

// Commit makes the transaction's writes durable.
func (t *Txn) Commit() error {
	return t.tx.Commit()
}

// Rollback abandons the transaction. Safe to call after Commit.
func (t *Txn) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, bolt.ErrTxClosed) {
		return nil
	}
	return err
}

// Cursor iterates the record ids of one cluster in ascending order,
// each at most once.
type Cursor struct {
	c         *bolt.Cursor
	clusterID uint16
	key       []byte
	started   bool
}

// Cluster opens a cursor over the inverted rows of clusterID.
func (t *Txn) Cluster(clusterID uint16) *Cursor {
	return &Cursor{c: t.index.Cursor(), clusterID: clusterID}
}

// Next returns the next record id of the cluster, or false at the end.
func (c *Cursor) Next() (uint32, bool) {
	var key []byte
	if !c.started {
		c.started = true
		key, _ = c.c.Seek(indexKey(c.clusterID, 0))
	} else {
		key, _ = c.c.Next()
	}
	if len(key) != 6 || binary.BigEndian.Uint16(key[:2]) != c.clusterID {
		return 0, false
	}
	return binary.BigEndian.Uint32(key[2:]), true
}
