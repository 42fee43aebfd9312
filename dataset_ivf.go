package sketch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/internal/centroids"
	"github.com/michaelpopov/sketch/internal/ivf"
	"github.com/michaelpopov/sketch/internal/mmap"
	"github.com/michaelpopov/sketch/internal/node"
	"github.com/michaelpopov/sketch/model"
	"github.com/michaelpopov/sketch/pool"
)

// pqRefinePasses is the number of RecalcCentroids calls applied to every
// IVF training run that does not take an explicit recalc count (PQ
// chunks and MockIVF), matching the index formats produced before the
// count became a parameter.
const pqRefinePasses = 8

// previewCoords limits centroid previews to the leading coordinates.
const previewCoords = 4

func appendCentroidPreview(b *strings.Builder, src centroids.Source, typ model.ElemType, dim, maxRows int) {
	rows := src.Count()
	if maxRows > 0 && rows > maxRows {
		rows = maxRows
	}
	for i := 0; i < rows; i++ {
		c := src.Centroid(i)
		for j := 0; j < dim && j < previewCoords; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.FormatFloat(distance.Elem(typ, c, j), 'g', -1, 32))
		}
		b.WriteString("\n")
	}
}

// sampleLocked fans sampling out to the nodes, each filling a disjoint
// slot range of the builder. Caller holds the dataset lock.
func (d *Dataset) sampleLocked(b *ivf.Builder) error {
	nodes, err := d.allNodes()
	if err != nil {
		return err
	}

	perNode := b.RecordsCount() / len(nodes)
	if perNode*len(nodes) != b.RecordsCount() {
		perNode++
	}

	futures := make([]*pool.Future[struct{}], 0, len(nodes))
	from := 0
	for _, n := range nodes {
		n, start := n, from
		count := perNode
		if start+count > b.RecordsCount() {
			count = b.RecordsCount() - start
		}
		f, err := pool.Go(d.pool, func() struct{} {
			n.SampleRecords(b, uint32(start), uint32(count))
			return struct{}{}
		})
		if err != nil {
			for _, prev := range futures {
				prev.Wait()
			}
			return err
		}
		futures = append(futures, f)
		from += perNode
	}

	for _, f := range futures {
		f.Wait()
	}
	return nil
}

// SampleRecords fills the builder with randomly sampled records from
// every node.
func (d *Dataset) SampleRecords(b *ivf.Builder) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	if err := d.sampleLocked(b); err != nil {
		return fail(err)
	}
	return ok()
}

// InitCentroidsKMeansPlusPlus samples records and seeds the builder's
// centroids with k-means++. The content message previews the first 16
// centroids.
func (d *Dataset) InitCentroidsKMeansPlusPlus(b *ivf.Builder) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	return d.seedLocked(b)
}

func (d *Dataset) seedLocked(b *ivf.Builder) Result {
	if err := d.sampleLocked(b); err != nil {
		return fail(err)
	}
	if err := b.InitCentroidsKMeansPlusPlus(); err != nil {
		return fail(err)
	}

	var sb strings.Builder
	appendCentroidPreview(&sb, b, d.md.Type, d.md.Dim, 16)
	return content(sb.String())
}

// MakeCentroids samples, seeds and refines a centroid set without
// touching the on-disk index. recalcCount user-facing refinement passes
// map to recalcCount/2+1 double-pass Lloyd calls.
func (d *Dataset) MakeCentroids(b *ivf.Builder, recalcCount int) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	return d.makeCentroidsLocked(b, recalcCount)
}

func (d *Dataset) makeCentroidsLocked(b *ivf.Builder, recalcCount int) Result {
	if res := d.seedLocked(b); !res.OK() {
		return res
	}
	for i := 0; i < recalcCount/2+1; i++ {
		b.RecalcCentroids()
	}

	var sb strings.Builder
	appendCentroidPreview(&sb, b, d.md.Type, d.md.Dim, 16)
	return content(sb.String())
}

// MakeIVF trains a centroid set and rotates the dataset to a new index
// version built from it.
func (d *Dataset) MakeIVF(centroidsCount, sampleCount, recalcCount int) Result {
	start := time.Now()
	res := d.makeIVF(centroidsCount, sampleCount, recalcCount)
	d.metrics.RecordIndexBuild(centroidsCount, time.Since(start), res.Err())
	return res
}

func (d *Dataset) makeIVF(centroidsCount, sampleCount, recalcCount int) Result {
	b := ivf.NewBuilder(d.md.Type, d.md.Dim, centroidsCount, sampleCount)

	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	if res := d.makeCentroidsLocked(b, recalcCount); !res.OK() {
		done()
		return res
	}
	done()

	return d.WriteIndex(b)
}

// WriteIndex serialises the builder's centroids as version current+1,
// rebuilds every node's KV index against them, then makes the new
// version current. The builder is released.
func (d *Dataset) WriteIndex(b *ivf.Builder) Result {
	done, err := d.beginWrite()
	if err != nil {
		return fail(err)
	}
	defer done()

	return d.writeIndexLocked(b)
}

func (d *Dataset) writeIndexLocked(b *ivf.Builder) Result {
	nextID := d.md.IndexID + 1
	indexDir := d.indexPath(nextID)
	if err := os.Mkdir(indexDir, 0o755); err != nil {
		return failf("failed to create index directory %s: %v", indexDir, err)
	}

	centroidsPath := filepath.Join(indexDir, "centroids")
	if err := centroids.Write(centroidsPath, b); err != nil {
		return fail(err)
	}
	b.Release()

	table, err := centroids.Open(centroidsPath)
	if err != nil {
		return fail(err)
	}

	nodes, err := d.allNodes()
	if err != nil {
		table.Close()
		return fail(err)
	}

	errs, err := fanOut(d.pool, nodes, func(n *node.Node) error {
		return n.WriteIndex(table, nextID)
	})
	if err != nil {
		table.Close()
		return fail(err)
	}
	if err := firstError(errs); err != nil {
		table.Close()
		return failf("failed to write index: %v", err)
	}

	// Make the new version current: metadata first, then drop the node
	// handles so the next access reopens them against version nextID.
	d.md.IndexID = nextID
	if err := writeMetadataFile(filepath.Join(d.path, metadataFileName), d.md); err != nil {
		table.Close()
		return fail(err)
	}

	d.mu.Lock()
	for i, n := range d.nodes {
		if n != nil {
			n.Close()
			d.nodes[i] = nil
		}
	}
	if d.cents != nil {
		d.cents.Close()
	}
	d.cents = table
	d.mu.Unlock()

	var sb strings.Builder
	appendCentroidPreview(&sb, table, d.md.Type, d.md.Dim, 16)
	return content(sb.String())
}

// ShowIVF returns every centroid of the current index as a content
// message, one row per centroid.
func (d *Dataset) ShowIVF() Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	if d.cents == nil {
		return fail(ErrNoCentroids)
	}

	var sb strings.Builder
	appendCentroidPreview(&sb, d.cents, d.md.Type, d.md.Dim, 0)
	return content(sb.String())
}

// DumpIVF previews the current index artifacts: all centroids, up to 16
// residuals and the first centroids of each PQ chunk.
func (d *Dataset) DumpIVF() Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	if d.cents == nil {
		return fail(ErrNoCentroids)
	}

	var sb strings.Builder
	sb.WriteString("===== Centroids: ====\n")
	appendCentroidPreview(&sb, d.cents, d.md.Type, d.md.Dim, 0)

	residualsPath := filepath.Join(d.indexPath(d.md.IndexID), "residuals")
	if m, err := mmap.Open(residualsPath); err == nil {
		sb.WriteString("\nResiduals:\n")
		recordSize := d.md.RecordSize()
		data := m.Bytes()
		for i := 0; i < 16 && (i+1)*recordSize <= len(data); i++ {
			fmt.Fprintf(&sb, "  Residual %d: ", i)
			rec := data[i*recordSize:]
			for j := 0; j < d.md.Dim && j < previewCoords; j++ {
				if j > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(strconv.FormatFloat(distance.Elem(d.md.Type, rec, j), 'g', -1, 32))
			}
			sb.WriteString("\n")
		}
		m.Close()
	}

	sb.WriteString("\nPQ Centroids:\n")
	pqCents := d.PQCentroids()
	for i, t := range pqCents {
		fmt.Fprintf(&sb, "  PQ Chunk %d:\n", i)
		appendCentroidPreview(&sb, t, d.md.Type, d.md.Dim/len(pqCents), 8)
		sb.WriteString("\n")
	}

	return content(sb.String())
}

// MakeResiduals samples live records per cluster and writes their
// residuals against the assigned centroid into the shared residuals
// file of the current index version. count is rounded up to a multiple
// of both the centroid count and the node count.
func (d *Dataset) MakeResiduals(count uint64) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	if d.cents == nil {
		return fail(ErrNoCentroids)
	}

	k := uint64(d.cents.Count())
	nodesCount := uint64(d.md.NodesCount)
	gcd, rem := k, nodesCount
	for rem != 0 {
		gcd, rem = rem, gcd%rem
	}
	step := k / gcd * nodesCount
	if count%step != 0 {
		count = (count/step + 1) * step
	}

	indexDir := d.indexPath(d.md.IndexID)
	if _, err := os.Stat(indexDir); os.IsNotExist(err) {
		if err := os.Mkdir(indexDir, 0o755); err != nil {
			return failf("failed to create index directory %s: %v", indexDir, err)
		}
	}

	residualsPath := filepath.Join(indexDir, "residuals")
	recordSize := uint64(d.md.RecordSize())
	f, err := os.OpenFile(residualsPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return failf("failed to create residuals file at %s: %v", residualsPath, err)
	}
	if err := f.Truncate(int64(count * recordSize)); err != nil {
		f.Close()
		return failf("failed to size residuals file at %s: %v", residualsPath, err)
	}
	f.Close()

	m, err := mmap.OpenRW(residualsPath)
	if err != nil {
		return failf("failed to mmap residuals file at %s: %v", residualsPath, err)
	}
	defer m.Close()

	nodes, err := d.allNodes()
	if err != nil {
		return fail(err)
	}

	// Each worker gets a byte-range loan of the shared slab; loans are
	// disjoint, so no locking is needed.
	perNode := count / nodesCount
	slab := m.Bytes()
	cents := d.cents
	errs, err := fanOut(d.pool, nodes, func(n *node.Node) error {
		off := n.ID() * perNode * recordSize
		loan := slab[off : off+perNode*recordSize]
		return n.MakeResiduals(cents, loan, perNode)
	})
	if err != nil {
		return fail(err)
	}
	if err := firstError(errs); err != nil {
		return fail(err)
	}
	return ok()
}

// MakePQCentroids trains one independent product-quantisation codebook
// per chunk from the residuals file of the current index version and
// records the chunk count in the metadata.
func (d *Dataset) MakePQCentroids(chunkCount, depth int) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	if chunkCount <= 0 || d.md.Dim%chunkCount != 0 {
		return failf("DIMENSION is not divisible by the number of PQ chunks")
	}
	if d.cents == nil {
		return fail(ErrNoCentroids)
	}

	indexDir := d.indexPath(d.md.IndexID)
	residualsPath := filepath.Join(indexDir, "residuals")
	m, err := mmap.Open(residualsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return failf("residuals file does not exist")
		}
		return failf("failed to mmap residuals file at %s: %v", residualsPath, err)
	}
	defer m.Close()

	recordSize := d.md.RecordSize()
	chunkDim := d.md.Dim / chunkCount
	chunkSize := chunkDim * d.md.Type.Size()
	recordsCount := m.Size() / recordSize
	residuals := m.Bytes()

	buildChunk := func(chunk int) error {
		b := ivf.NewBuilder(d.md.Type, chunkDim, depth, recordsCount)
		for j := 0; j < recordsCount; j++ {
			off := j*recordSize + chunk*chunkSize
			b.SetRecord(j, residuals[off:off+chunkSize])
		}
		if err := b.InitCentroidsKMeansPlusPlus(); err != nil {
			return err
		}
		for i := 0; i < pqRefinePasses; i++ {
			b.RecalcCentroids()
		}
		path := filepath.Join(indexDir, fmt.Sprintf("pq_centroids_%d", chunk))
		return centroids.Write(path, b)
	}

	futures := make([]*pool.Future[error], 0, chunkCount)
	for chunk := 0; chunk < chunkCount; chunk++ {
		chunk := chunk
		f, err := pool.Go(d.pool, func() error { return buildChunk(chunk) })
		if err != nil {
			for _, prev := range futures {
				prev.Wait()
			}
			return fail(err)
		}
		futures = append(futures, f)
	}
	errs := make([]error, 0, chunkCount)
	for _, f := range futures {
		errs = append(errs, f.Wait())
	}
	if err := firstError(errs); err != nil {
		return fail(err)
	}

	d.md.PQCount = chunkCount
	if err := writeMetadataFile(filepath.Join(d.path, metadataFileName), d.md); err != nil {
		return fail(err)
	}
	if err := d.loadPQCentroids(); err != nil {
		return fail(err)
	}
	return ok()
}

func (d *Dataset) loadPQCentroids() error {
	if d.md.PQCount == 0 {
		return nil
	}

	indexDir := d.indexPath(d.md.IndexID)
	tables := make([]*centroids.Table, d.md.PQCount)
	for i := 0; i < d.md.PQCount; i++ {
		t, err := centroids.Open(filepath.Join(indexDir, fmt.Sprintf("pq_centroids_%d", i)))
		if err != nil {
			for _, opened := range tables[:i] {
				opened.Close()
			}
			return err
		}
		tables[i] = t
	}

	d.mu.Lock()
	for _, t := range d.pqCents {
		t.Close()
	}
	d.pqCents = tables
	d.mu.Unlock()
	return nil
}

// PQCentroids returns the open PQ chunk tables of the current version.
func (d *Dataset) PQCentroids() []*centroids.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pqCents
}

// MockIVF builds a complete IVF index in one call: sample, seed, eight
// refinement calls, index write. Used by tests and the mock_ivf command.
func (d *Dataset) MockIVF(centroidsCount, sampleCount int) Result {
	done, err := d.beginRead()
	if err != nil {
		return fail(err)
	}
	defer done()

	b := ivf.NewBuilder(d.md.Type, d.md.Dim, centroidsCount, sampleCount)
	if res := d.seedLocked(b); !res.OK() {
		return res
	}
	for i := 0; i < pqRefinePasses; i++ {
		b.RecalcCentroids()
	}
	return d.writeIndexLocked(b)
}
