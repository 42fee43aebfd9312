package sketch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/internal/centroids"
	"github.com/michaelpopov/sketch/internal/input"
	"github.com/michaelpopov/sketch/internal/node"
	"github.com/michaelpopov/sketch/model"
	"github.com/michaelpopov/sketch/pool"
	"github.com/michaelpopov/sketch/queue"
)

// Dataset is the coordinator of one sharded vector collection. All
// public operations follow the same access discipline: refuse after
// shutdown, bump the in-use counter, then take the dataset RW lock
// (sync.RWMutex blocks new readers while a writer waits, which is the
// writer preference the engine needs).
type Dataset struct {
	name string
	path string
	md   model.Metadata

	logger  *Logger
	metrics MetricsCollector
	pool    *pool.Pool

	initialNodeRecords uint64

	// mu guards lazy node opening and the centroid table pointers.
	mu       sync.Mutex
	nodes    []*node.Node
	cents    *centroids.Table
	pqCents  []*centroids.Table

	rw           sync.RWMutex
	inUse        atomic.Int64
	shuttingDown atomic.Bool
}

func newDataset(name, path string, logger *Logger, metrics MetricsCollector, p *pool.Pool, initialNodeRecords uint64) *Dataset {
	return &Dataset{
		name:               name,
		path:               path,
		logger:             logger,
		metrics:            metrics,
		pool:               p,
		initialNodeRecords: initialNodeRecords,
	}
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.name }

// Metadata returns a copy of the dataset metadata.
func (d *Dataset) Metadata() model.Metadata { return d.md }

func (d *Dataset) create(md model.Metadata) error {
	if _, err := os.Stat(d.path); err == nil {
		return fmt.Errorf("dataset directory %q %w", d.path, ErrExists)
	}
	if err := os.Mkdir(d.path, 0o755); err != nil {
		return fmt.Errorf("create dataset directory %q: %w", d.path, err)
	}

	d.md = md
	if err := writeMetadataFile(filepath.Join(d.path, metadataFileName), md); err != nil {
		return err
	}

	d.nodes = make([]*node.Node, md.NodesCount)
	for i := 0; i < md.NodesCount; i++ {
		if err := node.Create(uint64(i), d.path, md, d.initialNodeRecords); err != nil {
			return fmt.Errorf("create node %d in dataset %q: %w", i, d.path, err)
		}
	}
	return nil
}

func (d *Dataset) remove() error {
	if _, err := os.Stat(d.path); err != nil {
		return fmt.Errorf("dataset directory %q: %w", d.path, ErrNotFound)
	}
	return os.RemoveAll(d.path)
}

func (d *Dataset) init() error {
	md, err := readMetadataFile(filepath.Join(d.path, metadataFileName))
	if err != nil {
		return err
	}
	d.md = md
	d.nodes = make([]*node.Node, md.NodesCount)

	centroidsPath := filepath.Join(d.indexPath(md.IndexID), "centroids")
	if _, err := os.Stat(centroidsPath); err == nil {
		d.cents, err = centroids.Open(centroidsPath)
		if err != nil {
			return err
		}
	}

	return d.loadPQCentroids()
}

// uninit flags the dataset as shutting down, waits for in-flight
// operations to drain (bounded at ~1s) and releases all node handles
// and centroid mappings.
func (d *Dataset) uninit() error {
	d.shuttingDown.Store(true)
	for attempts := 0; attempts < 100; attempts++ {
		if d.inUse.Load() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for i, n := range d.nodes {
		if n == nil {
			continue
		}
		if cerr := n.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.nodes[i] = nil
	}
	if d.cents != nil {
		d.cents.Close()
		d.cents = nil
	}
	for _, t := range d.pqCents {
		t.Close()
	}
	d.pqCents = nil
	return err
}

func (d *Dataset) indexPath(indexID uint64) string {
	return filepath.Join(d.path, fmt.Sprintf("index_%d", indexID))
}

// beginRead opens a read-locked operation; the returned func closes it.
func (d *Dataset) beginRead() (func(), error) {
	if d.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	d.inUse.Add(1)
	d.rw.RLock()
	return func() {
		d.rw.RUnlock()
		d.inUse.Add(-1)
	}, nil
}

// beginWrite opens a write-locked operation; the returned func closes it.
func (d *Dataset) beginWrite() (func(), error) {
	if d.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	d.inUse.Add(1)
	d.rw.Lock()
	return func() {
		d.rw.Unlock()
		d.inUse.Add(-1)
	}, nil
}

// getNode returns the node handle, reopening it at the current metadata
// version when it was released.
func (d *Dataset) getNode(i int) (*node.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nodes[i] == nil {
		n, err := node.Open(uint64(i), d.path, d.md)
		if err != nil {
			return nil, fmt.Errorf("initialize dataset node %d: %w", i, err)
		}
		d.nodes[i] = n
	}
	return d.nodes[i], nil
}

func (d *Dataset) allNodes() ([]*node.Node, error) {
	nodes := make([]*node.Node, len(d.nodes))
	for i := range nodes {
		n, err := d.getNode(i)
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// fanOut submits fn for every node to the shared pool and collects the
// results in submission order. Every future is awaited even when one
// node fails.
func fanOut[T any](p *pool.Pool, nodes []*node.Node, fn func(*node.Node) T) ([]T, error) {
	futures := make([]*pool.Future[T], len(nodes))
	for i, n := range nodes {
		n := n
		f, err := pool.Go(p, func() T { return fn(n) })
		if err != nil {
			// Await what was already submitted before bailing out.
			for _, prev := range futures[:i] {
				prev.Wait()
			}
			return nil, err
		}
		futures[i] = f
	}

	out := make([]T, len(nodes))
	for i, f := range futures {
		out[i] = f.Wait()
	}
	return out, nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Load ingests an input file: phase 1 stages per-node entries, phase 2
// applies them. Both phases run across all nodes even if one fails; the
// first failure is reported.
func (d *Dataset) Load(inputPath string, rep *model.LoadReport) Result {
	start := time.Now()
	res := d.load(inputPath, rep)
	d.metrics.RecordLoad(rep.ProcessedCount.Load(), time.Since(start), res.Err())
	return res
}

func (d *Dataset) load(inputPath string, rep *model.LoadReport) Result {
	done, err := d.beginWrite()
	if err != nil {
		return fail(err)
	}
	defer done()

	loadDir := filepath.Join(d.path, "load")
	if _, err := os.Stat(loadDir); err == nil {
		return failf("directory %s already exists", loadDir)
	}
	if err := os.Mkdir(loadDir, 0o755); err != nil {
		return failf("failed to create load directory %s: %v", loadDir, err)
	}
	defer os.RemoveAll(loadDir)

	in, err := input.Open(inputPath)
	if err != nil {
		return failf("failed to read input file: %v", err)
	}
	defer in.Close()
	rep.InputCount.Store(uint64(in.Count()))

	nodes, err := d.allNodes()
	if err != nil {
		return fail(err)
	}

	nodesCount := uint64(len(nodes))
	stagePath := func(n *node.Node) string {
		return filepath.Join(loadDir, fmt.Sprintf("%d", n.ID()))
	}

	errs, err := fanOut(d.pool, nodes, func(n *node.Node) error {
		return n.PrepareLoad(stagePath(n), nodesCount, rep, in)
	})
	if err != nil {
		return fail(err)
	}
	prepareErr := firstError(errs)

	cents := d.cents
	errs, err = fanOut(d.pool, nodes, func(n *node.Node) error {
		return n.Load(stagePath(n), rep, in, cents)
	})
	if err != nil {
		return fail(err)
	}

	if prepareErr != nil {
		return failf("failed to prepare load: %v", prepareErr)
	}
	if err := firstError(errs); err != nil {
		return failf("failed to load: %v", err)
	}
	return ok()
}

// syncWriter serialises whole dump lines from concurrent node workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Dump writes every live record in input format. With an empty
// outputPath all nodes write interleaved lines to w; otherwise each node
// writes <outputPath>/<dataset>/dump_node_<id>.
func (d *Dataset) Dump(outputPath string, w io.Writer) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	nodes, err := d.allNodes()
	if err != nil {
		return fail(err)
	}

	var dumpDir string
	if outputPath != "" {
		dumpDir = filepath.Join(outputPath, d.name)
		if err := os.MkdirAll(dumpDir, 0o755); err != nil {
			return failf("failed to create dump directory %s: %v", dumpDir, err)
		}
	}

	shared := &syncWriter{w: w}
	errs, err := fanOut(d.pool, nodes, func(n *node.Node) error {
		if dumpDir == "" {
			return n.Dump(shared)
		}
		f, err := os.Create(filepath.Join(dumpDir, fmt.Sprintf("dump_node_%d", n.ID())))
		if err != nil {
			return err
		}
		if err := n.Dump(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fail(err)
	}
	if err := firstError(errs); err != nil {
		return fail(err)
	}
	return ok()
}

// FindTag reports whether a live record with the tag exists. A tag found
// in more than one node is logged but still succeeds.
func (d *Dataset) FindTag(tag uint64) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	nodes, err := d.allNodes()
	if err != nil {
		return fail(err)
	}

	founds, err := fanOut(d.pool, nodes, func(n *node.Node) bool {
		return n.FindTag(tag)
	})
	if err != nil {
		return fail(err)
	}

	hits := 0
	for _, found := range founds {
		if found {
			hits++
		}
	}
	if hits > 1 {
		d.logger.Error("tag found in multiple nodes", "tag", tag, "nodes", hits)
	}
	if hits == 0 {
		return failf("Tag %d not found", tag)
	}
	return okf("Tag %d found", tag)
}

// FindData returns the tag of the first record whose leading vector
// bytes equal data.
func (d *Dataset) FindData(data []byte) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	nodes, err := d.allNodes()
	if err != nil {
		return fail(err)
	}

	type hit struct {
		tag   uint64
		found bool
	}
	hits, err := fanOut(d.pool, nodes, func(n *node.Node) hit {
		tag, found := n.FindData(data)
		return hit{tag: tag, found: found}
	})
	if err != nil {
		return fail(err)
	}

	var first *hit
	count := 0
	for i := range hits {
		if hits[i].found {
			count++
			if first == nil {
				first = &hits[i]
			}
		}
	}
	if count > 1 {
		d.logger.Error("data found in multiple nodes", "nodes", count)
	}
	if first == nil {
		return failf("Data not found")
	}
	return content(fmt.Sprintf("%d", first.tag))
}

// VectorByTag returns a copy of the vector bytes stored for the tag.
// Used by the command layer to resolve #tag query references.
func (d *Dataset) VectorByTag(tag uint64) ([]byte, error) {
	done, err := d.beginRead()
	if err != nil {
		return nil, err
	}
	defer done()

	owner, err := d.getNode(int(tag % uint64(d.md.NodesCount)))
	if err != nil {
		return nil, err
	}
	rec, found := owner.TagRecord(tag)
	if !found {
		return nil, fmt.Errorf("tag %d %w", tag, ErrNotFound)
	}
	out := make([]byte, len(rec))
	copy(out, rec)
	return out, nil
}

func mergeDistItems(results [][]model.DistItem, k int) []uint64 {
	pq := queue.NewTopK(k)
	for _, items := range results {
		for _, item := range items {
			pq.Push(item)
		}
	}

	items := pq.Items()
	tags := make([]uint64, len(items))
	for i, item := range items {
		tags[i] = item.Tag
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func formatTags(tags []uint64) string {
	parts := make([]string, len(tags))
	for i, tag := range tags {
		parts[i] = fmt.Sprintf("%d", tag)
	}
	return strings.Join(parts, ", ")
}

// KNN runs an exact k-nearest-neighbour scan under the selected metric
// and returns the merged result tags in ascending order.
func (d *Dataset) KNN(metric distance.Metric, k int, query []byte, skipTag uint64) ([]uint64, Result) {
	start := time.Now()
	tags, res := d.knn(metric, k, query, skipTag)
	d.metrics.RecordSearch(k, time.Since(start), res.Err())
	return tags, res
}

func (d *Dataset) knn(metric distance.Metric, k int, query []byte, skipTag uint64) ([]uint64, Result) {
	done, err := d.beginRead()
	if err != nil {
		return nil, fail(err)
	}
	defer done()

	nodes, err := d.allNodes()
	if err != nil {
		return nil, fail(err)
	}

	results, err := fanOut(d.pool, nodes, func(n *node.Node) []model.DistItem {
		return n.KNN(metric, k, query, skipTag)
	})
	if err != nil {
		return nil, fail(err)
	}

	tags := mergeDistItems(results, k)
	return tags, content(formatTags(tags))
}

// ANN probes the nprobes nearest clusters of the current index and
// returns the merged result tags in ascending order.
func (d *Dataset) ANN(k, nprobes int, query []byte, skipTag uint64) ([]uint64, Result) {
	start := time.Now()
	tags, res := d.ann(k, nprobes, query, skipTag)
	d.metrics.RecordSearch(k, time.Since(start), res.Err())
	return tags, res
}

func (d *Dataset) ann(k, nprobes int, query []byte, skipTag uint64) ([]uint64, Result) {
	done, err := d.beginRead()
	if err != nil {
		return nil, fail(err)
	}
	defer done()

	if d.cents == nil {
		return nil, fail(ErrNoCentroids)
	}
	clusterIDs := d.cents.NearestClusters(query, d.md.Type, d.md.Dim, nprobes)

	nodes, err := d.allNodes()
	if err != nil {
		return nil, fail(err)
	}

	type annResult struct {
		items []model.DistItem
		err   error
	}
	results, err := fanOut(d.pool, nodes, func(n *node.Node) annResult {
		items, err := n.ANN(clusterIDs, k, query, skipTag)
		return annResult{items: items, err: err}
	})
	if err != nil {
		return nil, fail(err)
	}

	merged := make([][]model.DistItem, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return nil, fail(r.err)
		}
		merged = append(merged, r.items)
	}

	tags := mergeDistItems(merged, k)
	return tags, content(formatTags(tags))
}

// GC removes index versions older than current-1, for the dataset and
// every node.
func (d *Dataset) GC() Result {
	done, err := d.beginWrite()
	if err != nil {
		return fail(err)
	}
	defer done()

	for v := uint64(0); v+1 < d.md.IndexID; v++ {
		dir := d.indexPath(v)
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				return failf("failed to remove stale index %s: %v", dir, err)
			}
		}
	}

	for i := range d.nodes {
		n, err := d.getNode(i)
		if err != nil {
			return fail(err)
		}
		if err := n.GC(d.md.IndexID); err != nil {
			return fail(err)
		}
	}
	return ok()
}

// Show returns the dataset metadata and per-node slot statistics as a
// content message.
func (d *Dataset) Show() Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	var b strings.Builder
	fmt.Fprintf(&b, "TYPE=%s\n", d.md.Type)
	fmt.Fprintf(&b, "DIMENSION=%d\n", d.md.Dim)
	fmt.Fprintf(&b, "NODES_COUNT=%d\n", d.md.NodesCount)
	fmt.Fprintf(&b, "INDEX=%d\n", d.md.IndexID)
	fmt.Fprintf(&b, "PQ=%d\n", d.md.PQCount)

	for i := range d.nodes {
		n, err := d.getNode(i)
		if err != nil {
			return fail(err)
		}
		count, upper, deleted := n.Stats()
		fmt.Fprintf(&b, "node %d: records=%d upper=%d deleted=%d\n", i, count, upper, deleted)
	}
	return content(b.String())
}
