// Package distance provides the scalar distance kernels of the engine:
// L1, L2, squared L2 and cosine over raw record bytes, dispatched by
// element type, plus the accumulator helpers used by k-means refinement
// (element-wise sum into float64, mean division back into the element
// type) and residual extraction.
//
// All kernels accumulate in float64, matching the numeric behavior the
// index formats were produced with.
package distance
