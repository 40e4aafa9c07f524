// Package distance provides the vector distance functions used by the index.
//
// Every Func returns a dissimilarity: smaller means closer.
//
// # Supported Metrics
//
//   - MetricCosine: 1 - cos(a, b), computed as 1 - dot on L2-normalized vectors
//   - MetricL2: squared Euclidean distance
//   - MetricDot: negated inner product
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricCosine)
//	v, _ := distance.Prepare(distance.MetricCosine, raw)
//	d := fn(v, other)
package distance
