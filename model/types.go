package model

import (
	"fmt"
	"strconv"
	"strings"
)

// PassageID is the store-assigned identifier of a passage.
// IDs are dense and increase in insertion order; lower IDs win exact distance ties.
type PassageID uint64

// String returns the decimal form of the id.
func (id PassageID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePassageID parses the decimal form produced by String.
func ParsePassageID(s string) (PassageID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "passage_id", Reason: fmt.Sprintf("invalid id %q", s)}
	}
	return PassageID(v), nil
}

// Source names an ingesting source (arxiv, biorxiv, ...).
// The set is open: any lowercase token is accepted.
type Source string

// Well-known sources.
const (
	SourceArxiv           Source = "arxiv"
	SourceBiorxiv         Source = "biorxiv"
	SourceMedrxiv         Source = "medrxiv"
	SourceDOI             Source = "doi"
	SourcePubmed          Source = "pubmed"
	SourceSemanticScholar Source = "s2"
)

// Valid reports whether s is a non-empty lowercase token of [a-z0-9._-].
func (s Source) Valid() bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Strategy names a segmentation strategy. A strategy may carry a version
// suffix ("sentence@v2") produced by re-segmentation; unversioned is version 1.
type Strategy string

// Well-known segmentation strategies.
const (
	StrategyTokenWindow  Strategy = "token-window"
	StrategySentence     Strategy = "sentence"
	StrategyPassageLevel Strategy = "passage-level"
)

const versionSep = "@v"

// Base returns the strategy without its version suffix.
func (s Strategy) Base() Strategy {
	if i := strings.LastIndex(string(s), versionSep); i > 0 {
		return s[:i]
	}
	return s
}

// Version returns the strategy version (1 when unversioned).
func (s Strategy) Version() int {
	i := strings.LastIndex(string(s), versionSep)
	if i <= 0 {
		return 1
	}
	n, err := strconv.Atoi(string(s[i+len(versionSep):]))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// WithVersion returns the base strategy tagged with version n.
// Version 1 is the bare strategy name.
func (s Strategy) WithVersion(n int) Strategy {
	base := s.Base()
	if n <= 1 {
		return base
	}
	return Strategy(fmt.Sprintf("%s%s%d", base, versionSep, n))
}

// Valid reports whether the strategy is non-empty and its base has no whitespace.
func (s Strategy) Valid() bool {
	base := s.Base()
	if base == "" {
		return false
	}
	return !strings.ContainsAny(string(base), " \t\r\n@")
}

// Direction selects which side of the citation graph to traverse.
type Direction int

const (
	// Forward follows edges from a paper to the papers it cites.
	Forward Direction = iota
	// Backward follows edges from a paper to the papers citing it.
	Backward
	// Both follows edges in either direction.
	Both
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection parses "forward", "backward" or "both". The empty string is Forward.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward", "cites":
		return Forward, nil
	case "backward", "cited-by", "cited_by":
		return Backward, nil
	case "both":
		return Both, nil
	default:
		return Forward, &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", s)}
	}
}
