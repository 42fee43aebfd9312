package node

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpopov/sketch/distance"
	"github.com/michaelpopov/sketch/internal/centroids"
	"github.com/michaelpopov/sketch/internal/input"
	"github.com/michaelpopov/sketch/model"
)

func testMetadata() model.Metadata {
	return model.Metadata{Type: model.F32, Dim: 3, NodesCount: 1}
}

func f32Record(md model.Metadata, values ...float64) []byte {
	b := make([]byte, md.RecordSize())
	for i, v := range values {
		distance.PutElem(md.Type, b, i, v)
	}
	return b
}

func newNode(t *testing.T, md model.Metadata) (*Node, string) {
	t.Helper()
	dsPath := t.TempDir()
	require.NoError(t, Create(0, dsPath, md, 64))
	n, err := Open(0, dsPath, md)
	require.NoError(t, err)
	t.Cleanup(func() {
		if n != nil {
			n.Close()
		}
	})
	return n, dsPath
}

func loadInput(t *testing.T, n *Node, text string, cents *centroids.Table) *model.LoadReport {
	t.Helper()
	in, err := input.FromBytes([]byte(text))
	require.NoError(t, err)

	stagePath := filepath.Join(t.TempDir(), "stage")
	rep := &model.LoadReport{}
	require.NoError(t, n.PrepareLoad(stagePath, 1, rep, in))
	require.NoError(t, n.Load(stagePath, rep, in, cents))
	return rep
}

func TestLoadInsertsRecords(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	var text strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&text, "%d : [ %d.1, %d.1, %d.1 ]\n", i, i, i, i)
	}
	rep := loadInput(t, n, text.String(), nil)

	assert.Equal(t, uint64(8), rep.StagedCount.Load())
	assert.Equal(t, uint64(8), rep.AddedCount.Load())
	assert.Equal(t, uint64(8), rep.ProcessedCount.Load())

	count, upper, deleted := n.Stats()
	assert.Equal(t, uint64(8), count)
	assert.Equal(t, uint64(8), upper)
	assert.Equal(t, uint64(0), deleted)

	assert.True(t, n.FindTag(5))
	assert.False(t, n.FindTag(9))
}

func TestLoadShardsByTag(t *testing.T) {
	md := testMetadata()
	md.NodesCount = 4
	dsPath := t.TempDir()
	require.NoError(t, Create(2, dsPath, md, 64))
	n, err := Open(2, dsPath, md)
	require.NoError(t, err)
	defer n.Close()

	in, err := input.FromBytes([]byte("1 : [ 1, 1, 1 ]\n2 : [ 2, 2, 2 ]\n6 : [ 6, 6, 6 ]\n"))
	require.NoError(t, err)

	stagePath := filepath.Join(t.TempDir(), "stage")
	rep := &model.LoadReport{}
	require.NoError(t, n.PrepareLoad(stagePath, 4, rep, in))
	require.NoError(t, n.Load(stagePath, rep, in, nil))

	// Only tags 2 and 6 have tag mod 4 == 2.
	assert.Equal(t, uint64(2), rep.StagedCount.Load())
	assert.True(t, n.FindTag(2))
	assert.True(t, n.FindTag(6))
	assert.False(t, n.FindTag(1))
}

func TestLoadUpdateAndDelete(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	loadInput(t, n, "0 : [ 0.1, 0.1, 0.1 ]\n1 : [ 1.1, 1.1, 1.1 ]\n2 : [ 2.1, 2.1, 2.1 ]\n", nil)

	rep := loadInput(t, n, "0 : [ ]\n2 : [ 42, 43, 44 ]\n", nil)
	assert.Equal(t, uint64(1), rep.RemovedCount.Load())
	assert.Equal(t, uint64(1), rep.UpdatedCount.Load())

	assert.False(t, n.FindTag(0))
	assert.True(t, n.FindTag(1))

	rec, found := n.TagRecord(2)
	require.True(t, found)
	assert.Equal(t, 42.0, distance.Elem(md.Type, rec, 0))
	assert.Equal(t, 44.0, distance.Elem(md.Type, rec, 2))

	count, upper, deleted := n.Stats()
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, uint64(3), upper)
	assert.Equal(t, uint64(1), deleted)
}

func TestLoadDeleteWithoutPriorFails(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	in, err := input.FromBytes([]byte("3 : [ ]\n"))
	require.NoError(t, err)

	stagePath := filepath.Join(t.TempDir(), "stage")
	rep := &model.LoadReport{}
	require.NoError(t, n.PrepareLoad(stagePath, 1, rep, in))
	assert.Error(t, n.Load(stagePath, rep, in, nil))
}

func TestDumpWritesInputFormat(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	loadInput(t, n, "5 : [ 5.1, 5.1, 5.1 ]\n6 : [ 6.1, 6.1, 6.1 ]\n", nil)

	var buf bytes.Buffer
	require.NoError(t, n.Dump(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, buf.String(), "5 : [ 5.1, 5.1, 5.1 ]")
	assert.Contains(t, buf.String(), "6 : [ 6.1, 6.1, 6.1 ]")

	// Dump output loads back.
	n2md := testMetadata()
	n2, _ := newNode(t, n2md)
	loadInput(t, n2, buf.String(), nil)
	assert.True(t, n2.FindTag(5))
	assert.True(t, n2.FindTag(6))
}

func TestFindData(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	loadInput(t, n, "1 : [ 1, 2, 3 ]\n2 : [ 4, 5, 6 ]\n", nil)

	tag, found := n.FindData(f32Record(md, 4, 5, 6))
	require.True(t, found)
	assert.Equal(t, uint64(2), tag)

	_, found = n.FindData(f32Record(md, 9, 9, 9))
	assert.False(t, found)
}

func TestKNN(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	loadInput(t, n, "1 : [ 1, 0, 0 ]\n2 : [ 2, 0, 0 ]\n3 : [ 3, 0, 0 ]\n4 : [ 10, 0, 0 ]\n", nil)

	query := f32Record(md, 0, 0, 0)
	items := n.KNN(distance.MetricL2, 2, query, model.InvalidTag)
	require.Len(t, items, 2)

	tags := []uint64{items[0].Tag, items[1].Tag}
	assert.ElementsMatch(t, []uint64{1, 2}, tags)

	// skipTag excludes the query's own record.
	items = n.KNN(distance.MetricL2, 2, query, 1)
	tags = []uint64{items[0].Tag, items[1].Tag}
	assert.ElementsMatch(t, []uint64{2, 3}, tags)
}

func makeCentroidTable(t *testing.T, md model.Metadata, rows ...[]byte) *centroids.Table {
	t.Helper()
	b := &builderStub{recordSize: md.RecordSize(), rows: rows}
	path := filepath.Join(t.TempDir(), "centroids")
	require.NoError(t, centroids.Write(path, b))
	table, err := centroids.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { table.Close() })
	return table
}

type builderStub struct {
	recordSize int
	rows       [][]byte
}

func (b *builderStub) Count() int            { return len(b.rows) }
func (b *builderStub) RecordSize() int       { return b.recordSize }
func (b *builderStub) Centroid(i int) []byte { return b.rows[i] }

func TestWriteIndexAndANN(t *testing.T) {
	md := testMetadata()
	n, dsPath := newNode(t, md)

	loadInput(t, n, "1 : [ 1, 1, 1 ]\n2 : [ 2, 2, 2 ]\n3 : [ 20, 20, 20 ]\n4 : [ 21, 21, 21 ]\n", nil)

	table := makeCentroidTable(t, md,
		f32Record(md, 1, 1, 1),
		f32Record(md, 20, 20, 20),
	)
	require.NoError(t, n.WriteIndex(table, 1))

	// Reopen the node at the new index version.
	require.NoError(t, n.Close())
	md.IndexID = 1
	n2, err := Open(0, dsPath, md)
	require.NoError(t, err)
	defer n2.Close()

	query := f32Record(md, 0, 0, 0)
	items, err := n2.ANN([]uint16{0}, 10, query, model.InvalidTag)
	require.NoError(t, err)
	tags := make([]uint64, 0, len(items))
	for _, item := range items {
		tags = append(tags, item.Tag)
	}
	assert.ElementsMatch(t, []uint64{1, 2}, tags)

	items, err = n2.ANN([]uint16{0, 1}, 10, query, model.InvalidTag)
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestSampleRecords(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	loadInput(t, n, "1 : [ 1, 1, 1 ]\n2 : [ 2, 2, 2 ]\n", nil)

	sink := &sampleSink{records: make(map[int][]byte)}
	n.SampleRecords(sink, 3, 5)

	assert.Len(t, sink.records, 5)
	for i := 3; i < 8; i++ {
		_, filled := sink.records[i]
		assert.True(t, filled)
	}
}

func TestSampleRecordsEmptyStore(t *testing.T) {
	md := testMetadata()
	n, _ := newNode(t, md)

	sink := &sampleSink{records: make(map[int][]byte)}
	n.SampleRecords(sink, 0, 4)

	for i := 0; i < 4; i++ {
		data, filled := sink.records[i]
		assert.True(t, filled)
		assert.Nil(t, data)
	}
}

type sampleSink struct {
	records map[int][]byte
}

func (s *sampleSink) SetRecord(i int, data []byte) {
	s.records[i] = data
}

func TestMakeResiduals(t *testing.T) {
	md := testMetadata()
	n, dsPath := newNode(t, md)

	loadInput(t, n, "1 : [ 1, 1, 1 ]\n2 : [ 2, 2, 2 ]\n3 : [ 20, 20, 20 ]\n4 : [ 22, 22, 22 ]\n", nil)

	table := makeCentroidTable(t, md,
		f32Record(md, 1, 1, 1),
		f32Record(md, 20, 20, 20),
	)
	require.NoError(t, n.WriteIndex(table, 1))
	require.NoError(t, n.Close())
	md.IndexID = 1
	n2, err := Open(0, dsPath, md)
	require.NoError(t, err)
	defer n2.Close()

	recordSize := md.RecordSize()
	count := uint64(4) // 2 per cluster
	loan := make([]byte, int(count)*recordSize)
	require.NoError(t, n2.MakeResiduals(table, loan, count))

	// Cluster 0 holds records 1 and 2; residuals against (1,1,1) are 0
	// and 1 in every coordinate, in record-id order.
	got := []float64{
		distance.Elem(md.Type, loan[0*recordSize:], 0),
		distance.Elem(md.Type, loan[1*recordSize:], 0),
		distance.Elem(md.Type, loan[2*recordSize:], 0),
		distance.Elem(md.Type, loan[3*recordSize:], 0),
	}
	assert.ElementsMatch(t, []float64{0, 1}, got[:2])
	assert.ElementsMatch(t, []float64{0, 2}, got[2:])
}

func TestGC(t *testing.T) {
	md := testMetadata()
	n, dsPath := newNode(t, md)
	nodePath := filepath.Join(dsPath, "node_0")

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, os.Mkdir(filepath.Join(nodePath, fmt.Sprintf("index_%d", v)), 0o755))
	}

	require.NoError(t, n.GC(3))

	_, err := os.Stat(filepath.Join(nodePath, "index_0"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(nodePath, "index_1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(nodePath, "index_2"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(nodePath, "index_3"))
	assert.NoError(t, err)
}
