package hnsw

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"

	"github.com/AGIHouse/openscience/distance"
)

// Compile time checks to ensure Graph satisfies the gob interfaces.
var (
	_ gob.GobEncoder = (*Graph)(nil)
	_ gob.GobDecoder = (*Graph)(nil)
)

type graphState struct {
	Dimension int
	Opts      Options
	Draws     uint64
	Ep        uint32
	MaxLevel  int
	Nodes     []*Node
}

// GobEncode method for Graph.
func (h *Graph) GobEncode() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(graphState{
		Dimension: h.dimension,
		Opts:      h.opts,
		Draws:     h.draws,
		Ep:        h.ep,
		MaxLevel:  h.maxLevel,
		Nodes:     h.nodes,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode method for Graph. The level RNG is replayed to its saved position
// so later inserts continue the same sequence.
func (h *Graph) GobDecode(data []byte) error {
	var st graphState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	if st.Dimension <= 0 || st.Opts.M < 2 {
		return fmt.Errorf("%w: invalid header", ErrCorrupted)
	}
	dist, err := distance.Provider(st.Opts.Metric)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(st.Opts.Seed)) // nolint gosec
	for i := uint64(0); i < st.Draws; i++ {
		rng.Float64()
	}

	byKey := make(map[uint64]uint32, len(st.Nodes))
	for id, n := range st.Nodes {
		if n == nil {
			return fmt.Errorf("%w: nil node %d", ErrCorrupted, id)
		}
		byKey[n.Key] = uint32(id)
		// gob drops empty slices inside slices; restore the layer table shape.
		if len(n.Connections) < n.Level+1 {
			conns := make([][]uint32, n.Level+1)
			copy(conns, n.Connections)
			n.Connections = conns
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.dimension = st.Dimension
	h.opts = st.Opts
	h.mmax = st.Opts.M
	h.mmax0 = 2 * st.Opts.M
	h.ml = 1 / math.Log(float64(st.Opts.M))
	h.dist = dist
	h.rng = rng
	h.draws = st.Draws
	h.ep = st.Ep
	h.maxLevel = st.MaxLevel
	h.nodes = st.Nodes
	h.byKey = byKey
	return nil
}
