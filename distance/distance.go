package distance

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/michaelpopov/sketch/model"
)

// Metric selects the distance function of a kNN scan.
type Metric int

const (
	MetricL1 Metric = iota
	MetricL2
	MetricCosine
)

func (m Metric) String() string {
	switch m {
	case MetricL1:
		return "L1"
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "COS"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ParseMetric parses the command spelling of a metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "L1", "l1":
		return MetricL1, nil
	case "L2", "l2":
		return MetricL2, nil
	case "COS", "cos":
		return MetricCosine, nil
	default:
		return 0, fmt.Errorf("unsupported metric %q", s)
	}
}

// Elem decodes element i of a raw record.
func Elem(t model.ElemType, b []byte, i int) float64 {
	if t == model.F16 {
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32())
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
}

// PutElem encodes v as element i of a raw record.
func PutElem(t model.ElemType, b []byte, i int, v float64) {
	if t == model.F16 {
		binary.LittleEndian.PutUint16(b[i*2:], float16.Fromfloat32(float32(v)).Bits())
		return
	}
	binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(float32(v)))
}

// L1 returns the Manhattan distance between two raw records.
func L1(t model.ElemType, a, b []byte, dim int) float64 {
	var dist float64
	for i := 0; i < dim; i++ {
		dist += math.Abs(Elem(t, a, i) - Elem(t, b, i))
	}
	return dist
}

// L2 returns the Euclidean distance between two raw records.
func L2(t model.ElemType, a, b []byte, dim int) float64 {
	return math.Sqrt(SquaredL2(t, a, b, dim))
}

// SquaredL2 returns the squared Euclidean distance between two raw records.
func SquaredL2(t model.ElemType, a, b []byte, dim int) float64 {
	var dist float64
	for i := 0; i < dim; i++ {
		diff := Elem(t, a, i) - Elem(t, b, i)
		dist += diff * diff
	}
	return dist
}

// Cosine returns the cosine distance (1 - cosine similarity) between two
// raw records, so that smaller means closer for every metric. A zero-norm
// operand yields the maximum distance 1.
func Cosine(t model.ElemType, a, b []byte, dim int) float64 {
	var dot, aNorm, bNorm float64
	for i := 0; i < dim; i++ {
		av := Elem(t, a, i)
		bv := Elem(t, b, i)
		dot += av * bv
		aNorm += av * av
		bNorm += bv * bv
	}
	if aNorm == 0 || bNorm == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(aNorm)*math.Sqrt(bNorm))
}

// Calc dispatches to the kernel selected by m.
func Calc(m Metric, t model.ElemType, a, b []byte, dim int) float64 {
	switch m {
	case MetricL1:
		return L1(t, a, b, dim)
	case MetricCosine:
		return Cosine(t, a, b, dim)
	default:
		return L2(t, a, b, dim)
	}
}

// AddSums accumulates a raw record element-wise into sums.
func AddSums(t model.ElemType, rec []byte, sums []float64, dim int) {
	for i := 0; i < dim; i++ {
		sums[i] += Elem(t, rec, i)
	}
}

// DivInto writes sums/count element-wise into dst, cast back to the
// element type.
func DivInto(t model.ElemType, dst []byte, sums []float64, count uint32, dim int) {
	div := float64(count)
	for i := 0; i < dim; i++ {
		PutElem(t, dst, i, sums[i]/div)
	}
}

// Residual writes rec - cent element-wise into dst, keeping the element
// type.
func Residual(t model.ElemType, rec, cent, dst []byte, dim int) {
	for i := 0; i < dim; i++ {
		PutElem(t, dst, i, Elem(t, rec, i)-Elem(t, cent, i))
	}
}
