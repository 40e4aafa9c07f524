package hnsw

import (
	"context"

	"github.com/bits-and-blooms/bitset"

	"github.com/AGIHouse/openscience/queue"
)

// ctxCheckInterval is how many candidate expansions pass between deadline checks.
const ctxCheckInterval = 64

// AllowFunc admits a node into the result set. Rejected nodes are still traversed.
type AllowFunc func(key uint64) bool

// Result is one search hit.
type Result struct {
	Key      uint64
	Distance float32
}

// SearchOptions tunes a single search.
type SearchOptions struct {
	// EF is the dynamic candidate list size on layer 0. Values below K are raised to K.
	EF int
	// Allow filters results. Nil admits every node.
	Allow AllowFunc
	// MaxVisits bounds distance evaluations on layer 0. Zero means unbounded.
	MaxVisits int
}

// SearchResult is the outcome of Search.
type SearchResult struct {
	Results []Result
	// Visited counts distance evaluations on layer 0.
	Visited int
	// Exhausted is set when MaxVisits stopped the search before convergence.
	Exhausted bool
	// Truncated is set when the context ended the search early.
	Truncated bool
}

func newVisited(n int) *bitset.BitSet {
	return bitset.New(uint(n))
}

// Search returns the k nearest admitted nodes to q ordered by (distance, key).
func (h *Graph) Search(ctx context.Context, q []float32, k int, opts SearchOptions) (SearchResult, error) {
	if len(q) != h.dimension {
		return SearchResult{}, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return SearchResult{}, nil
	}

	ef := max(opts.EF, k)

	cur := h.ep
	curDist := h.dist(q, h.nodes[cur].Vector)
	for l := h.maxLevel; l > 0; l-- {
		cur, curDist = h.greedy(q, cur, curDist, l)
	}

	res := h.searchBase(ctx, q, &queue.PriorityQueueItem{Node: cur, Key: h.nodes[cur].Key, Distance: curDist}, ef, opts)

	items := res.items
	if len(items) > k {
		items = items[:k]
	}
	out := SearchResult{
		Results:   make([]Result, len(items)),
		Visited:   res.visited,
		Exhausted: res.exhausted,
		Truncated: res.truncated,
	}
	for i, it := range items {
		out.Results[i] = Result{Key: it.Key, Distance: it.Distance}
	}
	return out, nil
}

type baseResult struct {
	items     []*queue.PriorityQueueItem
	visited   int
	exhausted bool
	truncated bool
}

// searchBase is searchLayer on layer 0 with an allow filter, a visit budget and cancellation.
// Rejected nodes extend the frontier but never enter the result heap.
func (h *Graph) searchBase(ctx context.Context, q []float32, ep *queue.PriorityQueueItem, ef int, opts SearchOptions) baseResult {
	visited := newVisited(len(h.nodes))
	visited.Set(uint(ep.Node))

	var res baseResult
	res.visited = 1

	candidates := queue.NewMin(ef)
	top := queue.NewMax(ef + 1)
	candidates.PushItem(ep.Node, ep.Key, ep.Distance)
	if opts.Allow == nil || opts.Allow(ep.Key) {
		top.PushItem(ep.Node, ep.Key, ep.Distance)
	}

	expansions := 0
	for candidates.Len() > 0 {
		if expansions%ctxCheckInterval == 0 && ctx.Err() != nil {
			res.truncated = true
			break
		}
		expansions++

		c := candidates.PopItem()
		if top.Len() >= ef && queue.Closer(top.Top(), c) {
			break
		}

		for _, n := range h.nodes[c.Node].Connections[0] {
			if visited.Test(uint(n)) {
				continue
			}
			if opts.MaxVisits > 0 && res.visited >= opts.MaxVisits {
				res.exhausted = true
				break
			}
			visited.Set(uint(n))
			res.visited++

			node := h.nodes[n]
			item := &queue.PriorityQueueItem{Node: n, Key: node.Key, Distance: h.dist(q, node.Vector)}
			if top.Len() < ef || queue.Closer(item, top.Top()) {
				candidates.PushItem(item.Node, item.Key, item.Distance)
				if opts.Allow == nil || opts.Allow(item.Key) {
					top.PushItem(item.Node, item.Key, item.Distance)
					if top.Len() > ef {
						top.PopItem()
					}
				}
			}
		}
		if res.exhausted {
			break
		}
	}

	res.items = drainAscending(top)
	return res
}

// BruteSearch scans the given keys exhaustively. Unknown keys are skipped.
func (h *Graph) BruteSearch(ctx context.Context, q []float32, k int, keys []uint64) (SearchResult, error) {
	if len(q) != h.dimension {
		return SearchResult{}, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}
	if k <= 0 {
		return SearchResult{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var out SearchResult
	top := queue.NewMax(k + 1)
	for i, key := range keys {
		if i%ctxCheckInterval == 0 && ctx.Err() != nil {
			out.Truncated = true
			break
		}
		id, ok := h.byKey[key]
		if !ok {
			continue
		}
		out.Visited++
		item := &queue.PriorityQueueItem{Node: id, Key: key, Distance: h.dist(q, h.nodes[id].Vector)}
		if top.Len() < k || queue.Closer(item, top.Top()) {
			top.PushItem(item.Node, item.Key, item.Distance)
			if top.Len() > k {
				top.PopItem()
			}
		}
	}

	for _, it := range drainAscending(top) {
		out.Results = append(out.Results, Result{Key: it.Key, Distance: it.Distance})
	}
	return out, nil
}

// Distance evaluates the graph metric between two stored-form vectors.
func (h *Graph) Distance(a, b []float32) float32 {
	return h.dist(a, b)
}
