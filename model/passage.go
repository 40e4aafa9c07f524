package model

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// CharSpan locates a passage inside the paper's source text. End is exclusive.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Passage is one ordered segment of a paper's text under a segmentation strategy.
type Passage struct {
	ID         PassageID `json:"passage_id"`
	PaperID    string    `json:"paper_id"`
	Strategy   Strategy  `json:"strategy"`
	OrderIndex int       `json:"order_index"`
	Text       string    `json:"text"`
	Span       *CharSpan `json:"char_span,omitempty"`
}

// PassageInput is a passage before the store assigns its id.
type PassageInput struct {
	Strategy   Strategy  `json:"strategy"`
	OrderIndex int       `json:"order_index"`
	Text       string    `json:"text"`
	Span       *CharSpan `json:"char_span,omitempty"`
}

// Validate checks the passage fields that do not depend on stored state.
func (in PassageInput) Validate() error {
	if !in.Strategy.Valid() {
		return Invalid("strategy", "invalid segmentation strategy "+string(in.Strategy))
	}
	if in.OrderIndex < 0 {
		return Invalid("order_index", "negative order index")
	}
	if strings.TrimSpace(in.Text) == "" {
		return Invalid("text", "empty passage text")
	}
	if in.Span != nil && (in.Span.Start < 0 || in.Span.End < in.Span.Start) {
		return Invalid("char_span", "end before start")
	}
	return nil
}

// SameContent reports whether in describes the stored passage p.
func (in PassageInput) SameContent(p Passage) bool {
	if in.Strategy != p.Strategy || in.OrderIndex != p.OrderIndex || in.Text != p.Text {
		return false
	}
	if (in.Span == nil) != (p.Span == nil) {
		return false
	}
	return in.Span == nil || *in.Span == *p.Span
}

// PassageSetState is the lifecycle of the passages of one (paper, strategy) pair.
type PassageSetState int

const (
	// PassageSetAbsent means no passage was ever appended.
	PassageSetAbsent PassageSetState = iota
	// PassageSetOpen accepts appends.
	PassageSetOpen
	// PassageSetFinalized is closed for appends; new text needs a new strategy version.
	PassageSetFinalized
)

func (s PassageSetState) String() string {
	switch s {
	case PassageSetOpen:
		return "open"
	case PassageSetFinalized:
		return "finalized"
	default:
		return "absent"
	}
}

// Embedding is the vector of one passage under one scheme. Immutable once stored.
type Embedding struct {
	PassageID  PassageID `json:"passage_id"`
	Scheme     string    `json:"scheme"`
	Vector     []float32 `json:"vector"`
	ProducedAt time.Time `json:"produced_at"`
}

// EmbeddingRecord is the shape accepted from the embedding collaborator.
type EmbeddingRecord struct {
	PassageID PassageID `json:"passage_id"`
	Scheme    string    `json:"scheme"`
	Vector    []float32 `json:"vector"`
}

// CheckFinite rejects NaN and infinite components.
func CheckFinite(vec []float32) error {
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Invalid("vector", "non-finite component at index "+strconv.Itoa(i))
		}
	}
	return nil
}

// EqualVectors reports whether a and b are identical component-wise.
func EqualVectors(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
