package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AGIHouse/openscience/distance"
)

func TestUniformVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UniformVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))
	assert.LessOrEqual(t, v[0][0], float32(1.0))
	assert.GreaterOrEqual(t, v[1][0], float32(0.0))
}

func TestUnitVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UnitVectors(8, 32)

	assert.Equal(t, 8, len(v))
	for _, vec := range v {
		var sum float32
		for _, val := range vec {
			sum += val * val
		}
		assert.InDelta(t, float32(1.0), sum, 1e-5)
	}
}

func TestClusteredVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.ClusteredVectors(100, 32, 5, 0.1)

	assert.Equal(t, 100, len(v))
	assert.Equal(t, 32, len(v[0]))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.UniformVectors(1, 10)

	rng.Reset()
	v2 := rng.UniformVectors(1, 10)

	assert.Equal(t, v1, v2)
}

func TestExactTopK(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0, 1}, {1, 0}, {-1, 0}}
	ids := []uint64{10, 11, 3, 12}

	got := ExactTopK([]float32{1, 0}, ids, vecs, 3, distance.MetricCosine)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].ID, "ties break on the lower id")
	assert.Equal(t, uint64(10), got[1].ID)
	assert.Equal(t, uint64(11), got[2].ID)
}

func TestComputeRecall(t *testing.T) {
	truth := []SearchResult{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}

	t.Run("perfect", func(t *testing.T) {
		assert.Equal(t, 1.0, ComputeRecall(truth, truth))
	})
	t.Run("half", func(t *testing.T) {
		approx := []SearchResult{{ID: 1}, {ID: 9}, {ID: 3}, {ID: 8}}
		assert.Equal(t, 0.5, ComputeRecall(truth, approx))
	})
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, 1.0, ComputeRecall(nil, nil))
		assert.Equal(t, 0.0, ComputeRecall(truth, nil))
	})
}
