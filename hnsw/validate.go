package hnsw

import (
	"errors"
	"fmt"
)

// ErrCorrupted is wrapped by every Validate failure.
var ErrCorrupted = errors.New("hnsw: graph corrupted")

// Validate checks the structural invariants of the graph.
func (h *Graph) Validate() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.byKey) != len(h.nodes) {
		return fmt.Errorf("%w: key map has %d entries for %d nodes", ErrCorrupted, len(h.byKey), len(h.nodes))
	}
	if len(h.nodes) == 0 {
		return nil
	}
	if int(h.ep) >= len(h.nodes) {
		return fmt.Errorf("%w: entry point %d out of range", ErrCorrupted, h.ep)
	}
	if h.nodes[h.ep].Level != h.maxLevel {
		return fmt.Errorf("%w: entry point level %d != max level %d", ErrCorrupted, h.nodes[h.ep].Level, h.maxLevel)
	}

	for id, n := range h.nodes {
		if n == nil {
			return fmt.Errorf("%w: nil node %d", ErrCorrupted, id)
		}
		if len(n.Vector) != h.dimension {
			return fmt.Errorf("%w: node %d has dimension %d", ErrCorrupted, id, len(n.Vector))
		}
		if got, ok := h.byKey[n.Key]; !ok || got != uint32(id) {
			return fmt.Errorf("%w: key %d does not map to node %d", ErrCorrupted, n.Key, id)
		}
		if n.Level > h.maxLevel || len(n.Connections) != n.Level+1 {
			return fmt.Errorf("%w: node %d has level %d with %d link layers", ErrCorrupted, id, n.Level, len(n.Connections))
		}
		for l, conns := range n.Connections {
			limit := h.mmax
			if l == 0 {
				limit = h.mmax0
			}
			if len(conns) > limit {
				return fmt.Errorf("%w: node %d has %d links on level %d (max %d)", ErrCorrupted, id, len(conns), l, limit)
			}
			for _, c := range conns {
				if int(c) >= len(h.nodes) {
					return fmt.Errorf("%w: node %d links to missing node %d", ErrCorrupted, id, c)
				}
				if int(c) == id {
					return fmt.Errorf("%w: node %d links to itself", ErrCorrupted, id)
				}
				if h.nodes[c].Level < l {
					return fmt.Errorf("%w: node %d links to node %d above its level %d", ErrCorrupted, id, c, l)
				}
			}
		}
	}
	return nil
}
