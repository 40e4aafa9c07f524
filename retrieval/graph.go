package retrieval

import (
	"context"
	"strconv"

	"github.com/AGIHouse/openscience/model"
)

// GraphRequest asks for the citation neighbourhood of a paper.
type GraphRequest struct {
	PaperID   string          `json:"paper_id"`
	Depth     int             `json:"depth"`
	Direction model.Direction `json:"direction"`
	// MaxNodes caps the node count below the service limit. Zero uses the limit.
	MaxNodes int `json:"max_nodes,omitempty"`
	// PageSize bounds the nodes per page. Zero returns the whole graph.
	PageSize  int    `json:"page_size,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

// GraphNode is a paper reached by the traversal.
type GraphNode struct {
	PaperID string       `json:"paper_id"`
	Hops    int          `json:"hops"`
	Paper   *model.Paper `json:"paper"`
}

// CitationGraph lists nodes in breadth-first order with their hop distance.
// A page holds a window of that order and the edges whose later-discovered
// endpoint falls in the window, so the pages of a graph partition its edges.
type CitationGraph struct {
	Root  string               `json:"root"`
	Depth int                  `json:"depth"`
	Nodes []GraphNode          `json:"nodes"`
	Edges []model.CitationEdge `json:"edges"`
	// Total is the node count of the whole traversal.
	Total int `json:"total"`
	// Truncated is set when the node cap stopped the traversal early.
	Truncated     bool   `json:"truncated"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// graphToken continues a graph listing at Offset in breadth-first order.
type graphToken struct {
	Root      string          `json:"r"`
	Depth     int             `json:"d"`
	Direction model.Direction `json:"dir"`
	MaxNodes  int             `json:"n"`
	Offset    int             `json:"o"`
}

// GetCitationGraph walks citations breadth-first from req.PaperID up to
// req.Depth hops. Each paper appears once, at its shortest hop distance.
// Depth beyond the service limit is clamped to it.
func (s *Service) GetCitationGraph(ctx context.Context, req GraphRequest) (CitationGraph, error) {
	if req.Depth < 0 {
		return CitationGraph{}, model.Invalid("depth", "negative depth")
	}
	switch req.Direction {
	case model.Forward, model.Backward, model.Both:
	default:
		return CitationGraph{}, model.Invalid("direction", "unknown direction")
	}
	depth := min(req.Depth, s.opts.MaxGraphDepth)
	maxNodes := s.opts.MaxGraphNodes
	if req.MaxNodes > 0 && req.MaxNodes < maxNodes {
		maxNodes = req.MaxNodes
	}
	if req.PageSize < 0 || req.PageSize > s.opts.MaxGraphNodes {
		return CitationGraph{}, model.Invalid("page_size", "must be between 1 and "+strconv.Itoa(s.opts.MaxGraphNodes))
	}

	offset := 0
	if req.PageToken != "" {
		var tok graphToken
		if err := decodeToken(req.PageToken, &tok); err != nil {
			return CitationGraph{}, err
		}
		if tok.Root != req.PaperID || tok.Depth != depth || tok.Direction != req.Direction || tok.MaxNodes != maxNodes || tok.Offset < 0 {
			return CitationGraph{}, model.Invalid("page_token", "token does not belong to this traversal")
		}
		offset = tok.Offset
	}

	if _, err := s.loadPaper(ctx, req.PaperID); err != nil {
		return CitationGraph{}, err
	}
	t, err := s.traverse(ctx, req.PaperID, depth, req.Direction, maxNodes)
	if err != nil {
		return CitationGraph{}, err
	}

	g := CitationGraph{
		Root:      req.PaperID,
		Depth:     depth,
		Nodes:     []GraphNode{},
		Edges:     []model.CitationEdge{},
		Total:     len(t.nodes),
		Truncated: t.truncated,
	}
	if offset >= len(t.nodes) {
		return g, nil
	}
	end := len(t.nodes)
	if req.PageSize > 0 {
		end = min(offset+req.PageSize, end)
	}
	for _, n := range t.nodes[offset:end] {
		paper, err := s.loadPaper(ctx, n.PaperID)
		if err != nil {
			return CitationGraph{}, err
		}
		n.Paper = paper
		g.Nodes = append(g.Nodes, n)
	}
	for _, e := range t.edges {
		if at := max(t.index[e.Citing], t.index[e.Cited]); at >= offset && at < end {
			g.Edges = append(g.Edges, e)
		}
	}
	if end < len(t.nodes) {
		g.NextPageToken = encodeToken(graphToken{Root: req.PaperID, Depth: depth, Direction: req.Direction, MaxNodes: maxNodes, Offset: end})
	}
	return g, nil
}

type traversal struct {
	nodes     []GraphNode
	edges     []model.CitationEdge
	index     map[string]int
	truncated bool
}

// traverse collects nodes and edges without loading papers. Edges are kept
// only between collected nodes.
func (s *Service) traverse(ctx context.Context, root string, depth int, dir model.Direction, maxNodes int) (traversal, error) {
	t := traversal{
		nodes: []GraphNode{{PaperID: root}},
		index: map[string]int{root: 0},
	}
	seenEdge := make(map[[2]string]struct{})
	frontier := []string{root}

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return traversal{}, err
			}
			edges, err := s.store.GetCitations(ctx, id, dir)
			if err != nil {
				return traversal{}, err
			}
			for _, e := range edges {
				other := e.Cited
				if other == id {
					other = e.Citing
				}
				if _, known := t.index[other]; !known {
					if len(t.nodes) >= maxNodes {
						t.truncated = true
						continue
					}
					t.index[other] = len(t.nodes)
					t.nodes = append(t.nodes, GraphNode{PaperID: other, Hops: level})
					next = append(next, other)
				}
				k := [2]string{e.Citing, e.Cited}
				if _, dup := seenEdge[k]; !dup {
					seenEdge[k] = struct{}{}
					t.edges = append(t.edges, e)
				}
			}
		}
		frontier = next
	}
	return t, nil
}
