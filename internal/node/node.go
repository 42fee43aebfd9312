// Package node implements one shard of a dataset: the record store and
// secondary index of that shard, and the bulk operations the dataset
// coordinator fans out to the thread pool (two-phase load, dump, exact
// and probed search, sampling, index rebuild, residual extraction).
package node

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/internal/centroids"
	"github.com/michaelpopov/sketch/internal/conv"
	"github.com/michaelpopov/sketch/internal/input"
	"github.com/michaelpopov/sketch/internal/kvidx"
	"github.com/michaelpopov/sketch/internal/store"
	"github.com/michaelpopov/sketch/model"
	"github.com/michaelpopov/sketch/queue"
)

const dataFileName = "data.bin"

// Node owns one shard's record store and KV index. All bulk operations
// run on a thread-pool worker; the dataset coordinator's RW lock
// serialises writers against readers.
type Node struct {
	id       uint64
	dirPath  string
	dataPath string
	md       model.Metadata

	store *store.Store
	kv    *kvidx.Env
}

func nodeDir(datasetPath string, id uint64) string {
	return filepath.Join(datasetPath, fmt.Sprintf("node_%d", id))
}

func indexDir(dirPath string, indexID uint64) string {
	return filepath.Join(dirPath, fmt.Sprintf("index_%d", indexID))
}

// Create initialises the node directory: an empty record store sized for
// initialRecords slots and an empty version-0 KV index.
func Create(id uint64, datasetPath string, md model.Metadata, initialRecords uint64) error {
	dir := nodeDir(datasetPath, id)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("node directory %q already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create node directory %q: %w", dir, err)
	}

	idxDir := indexDir(dir, 0)
	if err := os.Mkdir(idxDir, 0o755); err != nil {
		return fmt.Errorf("create index directory %q: %w", idxDir, err)
	}
	if err := kvidx.Create(idxDir); err != nil {
		return err
	}

	return store.Create(filepath.Join(dir, dataFileName), uint64(md.RecordSize()), initialRecords)
}

// Open opens the node's store and the KV index of the current metadata
// version.
func Open(id uint64, datasetPath string, md model.Metadata) (*Node, error) {
	n := &Node{
		id:       id,
		dirPath:  nodeDir(datasetPath, id),
		dataPath: filepath.Join(nodeDir(datasetPath, id), dataFileName),
		md:       md,
	}

	kv, err := kvidx.Open(indexDir(n.dirPath, md.IndexID))
	if err != nil {
		return nil, err
	}
	n.kv = kv

	st, err := store.Open(n.dataPath, uint64(md.RecordSize()))
	if err != nil {
		kv.Close()
		return nil, err
	}
	n.store = st

	return n, nil
}

// Close persists the store sidecar and releases the KV index.
func (n *Node) Close() error {
	var err error
	if n.store != nil {
		err = n.store.Close()
		n.store = nil
	}
	if n.kv != nil {
		if cerr := n.kv.Close(); cerr != nil && err == nil {
			err = cerr
		}
		n.kv = nil
	}
	return err
}

// ID returns the shard id.
func (n *Node) ID() uint64 { return n.id }

// Stats returns (live, upper, tombstoned) slot counts.
func (n *Node) Stats() (uint64, uint64, uint64) {
	return n.store.Count(), n.store.Upper(), n.store.DeletedCount()
}

// Stage entry layout: counter u64, tag u64, record id u32, cluster id
// u16, input index u64. All little-endian.
const stageEntrySize = 8 + 8 + 4 + 2 + 8

// PrepareLoad is phase 1 of a load: one pass over the input stream,
// keeping entries owned by this shard (tag mod nodes == id) and staging
// them with their prior primary-row state to stagePath.
func (n *Node) PrepareLoad(stagePath string, nodesCount uint64, rep *model.LoadReport, in *input.Data) error {
	err := n.kv.View(func(txn *kvidx.Txn) error {
		f, err := os.Create(stagePath)
		if err != nil {
			return fmt.Errorf("create stage file for node %d at %q: %w", n.id, stagePath, err)
		}
		w := bufio.NewWriter(f)

		var buf [stageEntrySize]byte
		counter := uint64(0)
		for index := 0; index < in.Count(); index++ {
			tag, err := in.Tag(index)
			if err != nil {
				f.Close()
				return err
			}
			if tag%nodesCount != n.id {
				continue
			}

			recordID, clusterID, err := txn.ReadRecord(tag)
			if err != nil && !errors.Is(err, kvidx.ErrNotFound) {
				f.Close()
				return err
			}

			binary.LittleEndian.PutUint64(buf[0:], counter)
			binary.LittleEndian.PutUint64(buf[8:], tag)
			binary.LittleEndian.PutUint32(buf[16:], recordID)
			binary.LittleEndian.PutUint16(buf[20:], clusterID)
			binary.LittleEndian.PutUint64(buf[22:], uint64(index))
			if _, err := w.Write(buf[:]); err != nil {
				f.Close()
				return fmt.Errorf("write stage file at %q: %w", stagePath, err)
			}
			counter++
		}

		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("flush stage file at %q: %w", stagePath, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close stage file at %q: %w", stagePath, err)
		}

		rep.StagedCount.Add(counter)
		rep.NodesCount.Add(1)
		return nil
	})
	return err
}

// Load is phase 2: one sequential read of the stage file applying
// deletes, updates and inserts against the store and the KV index in a
// single write transaction.
func (n *Node) Load(stagePath string, rep *model.LoadReport, in *input.Data, cents *centroids.Table) error {
	txn, err := n.kv.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	f, err := os.Open(stagePath)
	if err != nil {
		return fmt.Errorf("open stage file for node %d at %q: %w", n.id, stagePath, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	vec := make([]byte, n.md.RecordSize())

	var buf [stageEntrySize]byte
	expected := uint64(0)
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read stage file at %q: %w", stagePath, err)
		}
		rep.StagedReadCount.Add(1)

		counter := binary.LittleEndian.Uint64(buf[0:])
		tag := binary.LittleEndian.Uint64(buf[8:])
		recordID := binary.LittleEndian.Uint32(buf[16:])
		clusterID := binary.LittleEndian.Uint16(buf[20:])
		index := binary.LittleEndian.Uint64(buf[22:])

		if counter != expected {
			return fmt.Errorf("stage file %q out of sequence: counter %d, want %d", stagePath, counter, expected)
		}
		expected++

		isEmpty, err := in.Vector(int(index), n.md.Type, n.md.Dim, vec)
		if err != nil {
			rep.ConversionErrors.Add(1)
			return fmt.Errorf("convert vector line %d: %w", index, err)
		}

		if isEmpty {
			if recordID == model.InvalidRecordID {
				return fmt.Errorf("delete of tag %d without a prior record", tag)
			}
			if err := n.store.Delete(uint64(recordID)); err != nil {
				return err
			}
			if err := txn.DeleteRecord(tag, recordID, clusterID); err != nil {
				return err
			}
			rep.RemovedCount.Add(1)
		} else {
			if recordID != model.InvalidRecordID {
				if err := n.store.Update(uint64(recordID), vec); err != nil {
					return err
				}
				// The cluster assignment may change; drop the inverted
				// row here, the primary row is re-written below.
				if err := txn.DeleteIndex(clusterID, recordID); err != nil {
					return err
				}
				rep.UpdatedCount.Add(1)
			} else {
				id, err := n.store.Put(tag, vec)
				if err != nil {
					return err
				}
				// Record ids are stored as u32 in the KV tables.
				recordID, err = conv.Uint64ToUint32(id)
				if err != nil {
					return err
				}
				rep.AddedCount.Add(1)
			}

			newCluster := model.InvalidCluster
			if cents != nil {
				newCluster = cents.Nearest(vec, n.md.Type, n.md.Dim)
			}
			if err := txn.WriteRecord(tag, recordID, newCluster); err != nil {
				return err
			}
		}

		rep.ProcessedCount.Add(1)
	}

	return txn.Commit()
}

// Dump writes every live record as an input-format line to w.
func (n *Node) Dump(w io.Writer) error {
	return n.kv.View(func(txn *kvidx.Txn) error {
		line := make([]byte, 0, 64)
		for id := uint64(0); ; id++ {
			res, tag, data := n.store.Scan(id)
			if res == store.ScanFinished {
				return nil
			}
			if res == store.ScanDeleted {
				continue
			}

			recordID, _, err := txn.ReadRecord(tag)
			if err != nil {
				return fmt.Errorf("tag %d missing from primary table: %w", tag, err)
			}
			if uint64(recordID) != id {
				return fmt.Errorf("primary table maps tag %d to record %d, store has %d", tag, recordID, id)
			}

			line = line[:0]
			line = strconv.AppendUint(line, tag, 10)
			line = append(line, " : [ "...)
			for i := 0; i < n.md.Dim; i++ {
				if i > 0 {
					line = append(line, ", "...)
				}
				line = strconv.AppendFloat(line, distance.Elem(n.md.Type, data, i), 'g', -1, 32)
			}
			line = append(line, " ]\n"...)
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
	})
}

// FindTag reports whether a live record with the tag exists in this shard.
func (n *Node) FindTag(tag uint64) bool {
	for id := uint64(0); ; id++ {
		res, t, _ := n.store.Scan(id)
		if res == store.ScanFinished {
			return false
		}
		if res == store.ScanOk && t == tag {
			return true
		}
	}
}

// FindData returns the tag of the first live record whose leading bytes
// equal data.
func (n *Node) FindData(data []byte) (uint64, bool) {
	for id := uint64(0); ; id++ {
		res, tag, rec := n.store.Scan(id)
		if res == store.ScanFinished {
			return 0, false
		}
		if res == store.ScanOk && len(data) <= len(rec) && bytes.Equal(rec[:len(data)], data) {
			return tag, true
		}
	}
}

// TagRecord returns the vector bytes of the live record with the tag.
func (n *Node) TagRecord(tag uint64) ([]byte, bool) {
	for id := uint64(0); ; id++ {
		res, t, rec := n.store.Scan(id)
		if res == store.ScanFinished {
			return nil, false
		}
		if res == store.ScanOk && t == tag {
			return rec, true
		}
	}
}

// KNN scans every live slot and returns this shard's top-k candidates
// under the selected metric, skipping skipTag. The result is unordered;
// the coordinator merge re-heaps.
func (n *Node) KNN(metric distance.Metric, k int, query []byte, skipTag uint64) []model.DistItem {
	pq := queue.NewTopK(k)
	for id := uint64(0); ; id++ {
		res, tag, data := n.store.Scan(id)
		if res == store.ScanFinished {
			break
		}
		if res == store.ScanDeleted || tag == skipTag {
			continue
		}
		pq.Push(model.DistItem{
			Dist:     distance.Calc(metric, n.md.Type, data, query, n.md.Dim),
			RecordID: id,
			Tag:      tag,
		})
	}
	return pq.Items()
}

// ANN walks the inverted index of the probed clusters and returns this
// shard's top-k candidates by squared L2 distance, skipping skipTag.
func (n *Node) ANN(clusterIDs []uint16, k int, query []byte, skipTag uint64) ([]model.DistItem, error) {
	pq := queue.NewTopK(k)
	err := n.kv.View(func(txn *kvidx.Txn) error {
		for _, clusterID := range clusterIDs {
			cursor := txn.Cluster(clusterID)
			for {
				recordID, ok := cursor.Next()
				if !ok {
					break
				}
				res, tag, data := n.store.Scan(uint64(recordID))
				if res != store.ScanOk || tag == skipTag {
					continue
				}
				pq.Push(model.DistItem{
					Dist:     distance.SquaredL2(n.md.Type, data, query, n.md.Dim),
					RecordID: uint64(recordID),
					Tag:      tag,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pq.Items(), nil
}

// SampleRecords draws count records uniformly from [0, upper) into the
// builder slots [from, from+count). A draw that hits a tombstone is
// retried up to count/10 times across the whole call; once the retry
// budget is spent tombstone draws are stored as absent slots.
func (n *Node) SampleRecords(b SampleSink, from, count uint32) {
	upper := n.store.Upper()
	if upper == 0 {
		for i := uint32(0); i < count; i++ {
			b.SetRecord(int(from+i), nil)
		}
		return
	}

	rng := rand.New(rand.NewSource(rand.Int63()))
	skipBudget := count / 10

	for i := uint32(0); i < count; i++ {
		recordID := uint32(rng.Int63n(int64(upper)))
		for n.store.IsDeleted(recordID) && skipBudget > 0 {
			skipBudget--
			recordID = uint32(rng.Int63n(int64(upper)))
		}
		if n.store.IsDeleted(recordID) {
			b.SetRecord(int(from+i), nil)
			continue
		}
		b.SetRecord(int(from+i), n.store.RecordData(recordID))
	}
}

// SampleSink receives sampled record bytes; implemented by ivf.Builder.
type SampleSink interface {
	SetRecord(i int, data []byte)
}

// WriteIndex builds this shard's KV index for version indexID: an empty
// database, then one primary and one inverted row per live record using
// its nearest centroid, committed once.
func (n *Node) WriteIndex(cents *centroids.Table, indexID uint64) error {
	idxDir := indexDir(n.dirPath, indexID)
	if _, err := os.Stat(idxDir); os.IsNotExist(err) {
		if err := os.Mkdir(idxDir, 0o755); err != nil {
			return fmt.Errorf("create index directory %q: %w", idxDir, err)
		}
	}
	if err := kvidx.Create(idxDir); err != nil {
		return err
	}

	kv, err := kvidx.Open(idxDir)
	if err != nil {
		return err
	}
	defer kv.Close()

	txn, err := kv.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	for id := uint64(0); ; id++ {
		res, tag, data := n.store.Scan(id)
		if res == store.ScanFinished {
			break
		}
		if res == store.ScanDeleted {
			continue
		}

		recordID, err := conv.Uint64ToUint32(id)
		if err != nil {
			return err
		}
		clusterID := cents.Nearest(data, n.md.Type, n.md.Dim)
		if err := txn.WriteRecord(tag, recordID, clusterID); err != nil {
			return err
		}
	}

	return txn.Commit()
}

// MakeResiduals reservoir-samples up to ceil(count/k) live records per
// cluster and writes their residuals (record - centroid) into loan, the
// coordinator-assigned byte range of the shared residuals slab. Bytes of
// clusters with fewer sampled records than the per-cluster quota stay
// zero.
func (n *Node) MakeResiduals(cents *centroids.Table, loan []byte, count uint64) error {
	recordSize := uint64(n.md.RecordSize())

	perCluster := count / uint64(cents.Count())
	if perCluster*uint64(cents.Count()) != count {
		perCluster++
	}

	rng := rand.New(rand.NewSource(rand.Int63()))
	recordIDs := make([]uint32, perCluster)

	return n.kv.View(func(txn *kvidx.Txn) error {
		processed := uint64(0)
		for clusterID := 0; clusterID < cents.Count(); clusterID++ {
			cursor := txn.Cluster(uint16(clusterID))
			scanned := uint64(0)
			for {
				recordID, ok := cursor.Next()
				if !ok {
					break
				}
				if res, _, _ := n.store.Scan(uint64(recordID)); res != store.ScanOk {
					continue
				}

				if scanned < perCluster {
					recordIDs[scanned] = recordID
				} else {
					j := uint64(rng.Int63n(int64(scanned + 1)))
					if j < perCluster {
						recordIDs[j] = recordID
					}
				}
				scanned++
			}

			if scanned > perCluster {
				scanned = perCluster
			}

			clusterOff := uint64(clusterID) * perCluster * recordSize
			if clusterOff >= uint64(len(loan)) {
				break
			}
			// Never write past the loan even when count is not an exact
			// multiple of the cluster count.
			if maxRecords := (uint64(len(loan)) - clusterOff) / recordSize; scanned > maxRecords {
				scanned = maxRecords
			}
			centroid := cents.Centroid(clusterID)
			for j := uint64(0); j < scanned && processed < count; j++ {
				_, data, err := n.store.Get(uint64(recordIDs[j]))
				if err != nil {
					continue
				}
				dst := loan[clusterOff+j*recordSize : clusterOff+(j+1)*recordSize]
				distance.Residual(n.md.Type, data, centroid, dst, n.md.Dim)
				processed++
			}
		}
		return nil
	})
}

// GC removes this shard's index directories for all versions older than
// current-1.
func (n *Node) GC(currentIndexID uint64) error {
	for v := uint64(0); v+1 < currentIndexID; v++ {
		dir := indexDir(n.dirPath, v)
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove stale index %q: %w", dir, err)
			}
		}
	}
	return nil
}
