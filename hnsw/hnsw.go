// Package hnsw implements a deterministic Hierarchical Navigable Small World graph.
//
// Nodes are addressed by a dense ordinal and carry an external uint64 key.
// Given the same seed and the same insertion order, two graphs are identical.
// Equal distances resolve in favour of the lower key everywhere.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/queue"
)

// maxLevelCap bounds the level draw so a degenerate RNG value cannot allocate huge link tables.
const maxLevelCap = 16

// ErrEmpty is returned by operations that need an entry point on an empty graph.
var ErrEmpty = errors.New("hnsw: graph is empty")

// ErrDimensionMismatch is a named error type for dimension mismatch
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Node represents a node in the HNSW graph
type Node struct {
	Key         uint64     // External id (passage id)
	Vector      []float32  // Vector in stored form
	Level       int        // Highest layer the node exists in
	Connections [][]uint32 // Links per layer, 0..Level
}

// Options represents the options for configuring HNSW.
type Options struct {
	// M is the number of links established for every new node on layers above 0.
	// Layer 0 allows 2*M. The range 12-48 suits most embedding models.
	M int

	// EfConstruction is the size of the dynamic candidate list used while linking.
	EfConstruction int

	// Metric selects the distance function. Cosine vectors must be normalized by the caller.
	Metric distance.Metric

	// Seed drives level assignment.
	Seed int64

	// Heuristic selects diverse neighbours (true) instead of the plain k closest.
	Heuristic bool
}

// DefaultOptions holds the defaults applied before option functions.
var DefaultOptions = Options{
	M:              16,
	EfConstruction: 200,
	Metric:         distance.MetricCosine,
	Seed:           42,
	Heuristic:      true,
}

// Graph is a Hierarchical Navigable Small World graph.
// It is safe for concurrent readers with one writer.
type Graph struct {
	mu sync.RWMutex

	dimension int
	mmax      int
	mmax0     int
	ml        float64
	dist      distance.Func

	rng   *rand.Rand
	draws uint64

	ep       uint32
	maxLevel int
	nodes    []*Node
	byKey    map[uint64]uint32

	opts Options
}

// New creates a graph for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", dimension)
	}
	if opts.M < 2 {
		// M == 1 gives ml = 1/ln(1).
		opts.M = 2
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M
	}
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Graph{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		dist:      dist,
		rng:       rand.New(rand.NewSource(opts.Seed)), // nolint gosec
		byKey:     make(map[uint64]uint32),
		opts:      opts,
	}, nil
}

// Dimension returns the vector dimension.
func (h *Graph) Dimension() int { return h.dimension }

// Options returns the construction options.
func (h *Graph) Options() Options { return h.opts }

// Len returns the number of nodes.
func (h *Graph) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Contains reports whether key was inserted.
func (h *Graph) Contains(key uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byKey[key]
	return ok
}

// Vector returns the stored vector for key. The slice must not be modified.
func (h *Graph) Vector(key uint64) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byKey[key]
	if !ok {
		return nil, false
	}
	return h.nodes[id].Vector, true
}

// Each calls fn for every node in insertion order until fn returns false.
func (h *Graph) Each(fn func(key uint64, vec []float32) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.nodes {
		if !fn(n.Key, n.Vector) {
			return
		}
	}
}

func (h *Graph) randomLevel() int {
	h.draws++
	// 1-Float64 is in (0,1], so the log is finite.
	l := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
	return min(l, maxLevelCap)
}

// Insert adds vec under key. Inserting an existing key is a no-op that returns false.
func (h *Graph) Insert(key uint64, vec []float32) (bool, error) {
	if len(vec) != h.dimension {
		return false, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(vec)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byKey[key]; ok {
		return false, nil
	}

	vectorCopy := make([]float32, len(vec))
	copy(vectorCopy, vec)

	id := uint32(len(h.nodes))
	level := h.randomLevel()
	node := &Node{
		Key:         key,
		Vector:      vectorCopy,
		Level:       level,
		Connections: make([][]uint32, level+1),
	}

	if len(h.nodes) == 0 {
		h.nodes = append(h.nodes, node)
		h.byKey[key] = id
		h.ep = id
		h.maxLevel = level
		return true, nil
	}

	// Greedy descent through the layers above the new node.
	cur := h.ep
	curDist := h.dist(vectorCopy, h.nodes[cur].Vector)
	for l := h.maxLevel; l > level; l-- {
		cur, curDist = h.greedy(vectorCopy, cur, curDist, l)
	}

	entries := []*queue.PriorityQueueItem{{Node: cur, Key: h.nodes[cur].Key, Distance: curDist}}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(vectorCopy, entries, h.opts.EfConstruction, l)
		entries = found

		limit := h.mmax
		if l == 0 {
			limit = h.mmax0
		}
		selected := h.selectNeighbours(found, h.opts.M)
		if len(selected) > limit {
			selected = selected[:limit]
		}
		conns := make([]uint32, len(selected))
		for i, it := range selected {
			conns[i] = it.Node
		}
		node.Connections[l] = conns
	}

	h.nodes = append(h.nodes, node)
	h.byKey[key] = id

	for l := min(level, h.maxLevel); l >= 0; l-- {
		for _, n := range node.Connections[l] {
			h.link(n, id, l)
		}
	}

	if level > h.maxLevel {
		h.ep = id
		h.maxLevel = level
	}

	return true, nil
}

// greedy moves to the closest neighbour on level until no improvement.
func (h *Graph) greedy(q []float32, cur uint32, curDist float32, level int) (uint32, float32) {
	changed := true
	for changed {
		changed = false
		for _, n := range h.nodes[cur].Connections[level] {
			d := h.dist(q, h.nodes[n].Vector)
			if d < curDist || (d == curDist && h.nodes[n].Key < h.nodes[cur].Key) {
				cur, curDist = n, d
				changed = true
			}
		}
	}
	return cur, curDist
}

// searchLayer returns up to ef nodes closest to q on level, ordered closest first.
func (h *Graph) searchLayer(q []float32, entries []*queue.PriorityQueueItem, ef int, level int) []*queue.PriorityQueueItem {
	visited := newVisited(len(h.nodes))

	candidates := queue.NewMin(ef)
	top := queue.NewMax(ef + 1)
	for _, e := range entries {
		if visited.Test(uint(e.Node)) {
			continue
		}
		visited.Set(uint(e.Node))
		candidates.PushItem(e.Node, e.Key, e.Distance)
		top.PushItem(e.Node, e.Key, e.Distance)
	}
	for top.Len() > ef {
		top.PopItem()
	}

	for candidates.Len() > 0 {
		c := candidates.PopItem()
		if top.Len() >= ef && queue.Closer(top.Top(), c) {
			break
		}

		node := h.nodes[c.Node]
		if level >= len(node.Connections) {
			continue
		}
		for _, n := range node.Connections[level] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))

			item := &queue.PriorityQueueItem{Node: n, Key: h.nodes[n].Key, Distance: h.dist(q, h.nodes[n].Vector)}
			if top.Len() < ef || queue.Closer(item, top.Top()) {
				candidates.PushItem(item.Node, item.Key, item.Distance)
				top.PushItem(item.Node, item.Key, item.Distance)
				if top.Len() > ef {
					top.PopItem()
				}
			}
		}
	}

	return drainAscending(top)
}

// selectNeighbours picks up to m of the sorted candidates.
func (h *Graph) selectNeighbours(sorted []*queue.PriorityQueueItem, m int) []*queue.PriorityQueueItem {
	if len(sorted) <= m {
		return sorted
	}
	if !h.opts.Heuristic {
		return sorted[:m]
	}

	selected := make([]*queue.PriorityQueueItem, 0, m)
	var pruned []*queue.PriorityQueueItem
	for _, it := range sorted {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if h.dist(h.nodes[s.Node].Vector, h.nodes[it.Node].Vector) < it.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, it)
		} else {
			pruned = append(pruned, it)
		}
	}
	// Fill remaining slots with the closest pruned candidates.
	for i := 0; len(selected) < m && i < len(pruned); i++ {
		selected = append(selected, pruned[i])
	}
	return selected
}

// link adds target to the adjacency of node on level, shrinking it when over capacity.
func (h *Graph) link(node, target uint32, level int) {
	limit := h.mmax
	if level == 0 {
		limit = h.mmax0
	}

	n := h.nodes[node]
	n.Connections[level] = append(n.Connections[level], target)
	if len(n.Connections[level]) <= limit {
		return
	}

	pq := queue.NewMin(len(n.Connections[level]))
	for _, c := range n.Connections[level] {
		pq.PushItem(c, h.nodes[c].Key, h.dist(n.Vector, h.nodes[c].Vector))
	}
	selected := h.selectNeighbours(drainAscending(pq), limit)

	conns := make([]uint32, len(selected))
	for i, it := range selected {
		conns[i] = it.Node
	}
	n.Connections[level] = conns
}

// drainAscending empties pq and returns its items closest first.
func drainAscending(pq *queue.PriorityQueue) []*queue.PriorityQueueItem {
	out := make([]*queue.PriorityQueueItem, pq.Len())
	if pq.Order {
		for i := len(out) - 1; i >= 0; i-- {
			out[i] = pq.PopItem()
		}
		return out
	}
	for i := range out {
		out[i] = pq.PopItem()
	}
	return out
}
