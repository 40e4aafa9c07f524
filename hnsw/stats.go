package hnsw

// Stats summarizes the graph shape.
type Stats struct {
	Nodes     int
	MaxLevel  int
	Levels    []int     // nodes per level
	AvgDegree []float64 // mean link count per level
}

// Stats returns statistics about the HNSW graph
func (h *Graph) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{Nodes: len(h.nodes), MaxLevel: h.maxLevel}
	if len(h.nodes) == 0 {
		return s
	}

	s.Levels = make([]int, h.maxLevel+1)
	links := make([]int, h.maxLevel+1)
	for _, n := range h.nodes {
		for l := 0; l <= n.Level; l++ {
			s.Levels[l]++
			links[l] += len(n.Connections[l])
		}
	}

	s.AvgDegree = make([]float64, len(links))
	for l, c := range links {
		if s.Levels[l] > 0 {
			s.AvgDegree[l] = float64(c) / float64(s.Levels[l])
		}
	}
	return s
}
