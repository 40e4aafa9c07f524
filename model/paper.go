package model

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TagRetracted marks a paper as retracted. Papers are never hard-deleted.
const TagRetracted = "retracted"

// Paper is the normalized metadata record of one scientific paper.
type Paper struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Authors         []string          `json:"authors"`
	Abstract        string            `json:"abstract,omitempty"`
	PublicationDate *Date             `json:"publication_date,omitempty"`
	Source          Source            `json:"source"`
	Tags            []string          `json:"tags"`
	CitationString  string            `json:"citation_string,omitempty"`
	ExternalIDs     map[Source]string `json:"external_ids"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p *Paper) Clone() *Paper {
	if p == nil {
		return nil
	}
	c := *p
	c.Authors = slices.Clone(p.Authors)
	c.Tags = slices.Clone(p.Tags)
	if p.PublicationDate != nil {
		d := *p.PublicationDate
		c.PublicationDate = &d
	}
	c.ExternalIDs = make(map[Source]string, len(p.ExternalIDs))
	for k, v := range p.ExternalIDs {
		c.ExternalIDs[k] = v
	}
	return &c
}

// HasTag reports whether p carries tag.
func (p *Paper) HasTag(tag string) bool {
	return slices.Contains(p.Tags, tag)
}

// Retracted reports whether p carries the retracted tag.
func (p *Paper) Retracted() bool { return p.HasTag(TagRetracted) }

// Validate checks the invariants every stored paper satisfies.
func (p *Paper) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return Invalid("id", "empty canonical id")
	}
	if strings.TrimSpace(p.Title) == "" {
		return Invalid("title", "empty title")
	}
	if !p.Source.Valid() {
		return Invalid("source", "invalid source "+string(p.Source))
	}
	for i, a := range p.Authors {
		if strings.TrimSpace(a) == "" {
			return Invalid("authors", "empty author at position "+strconv.Itoa(i))
		}
	}
	if p.PublicationDate != nil {
		if err := p.PublicationDate.Validate(); err != nil {
			return err
		}
	}
	for src, id := range p.ExternalIDs {
		if !src.Valid() {
			return Invalid("external_ids", "invalid source "+string(src))
		}
		if strings.TrimSpace(id) == "" {
			return Invalid("external_ids", "empty id for source "+string(src))
		}
	}
	return nil
}

// NormalizeTags trims, lowercases, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// UnionTags returns the normalized union of a and b.
func UnionTags(a, b []string) []string {
	all := make([]string, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return NormalizeTags(all)
}

// CitationEdge is a directed "citing cites cited" relation between two papers.
type CitationEdge struct {
	Citing string `json:"citing"`
	Cited  string `json:"cited"`
	Raw    string `json:"raw_citation_string,omitempty"`
}

// Validate rejects empty endpoints and self-citations.
func (e CitationEdge) Validate() error {
	if e.Citing == "" || e.Cited == "" {
		return Invalid("citation", "empty endpoint")
	}
	if e.Citing == e.Cited {
		return Invalid("citation", "self-citation")
	}
	return nil
}

// MergeCandidate records a possible duplicate that needs reconciliation.
// The resolver never merges on its own.
type MergeCandidate struct {
	ID          string    `json:"id"`
	PaperID     string    `json:"paper_id"`
	CandidateID string    `json:"candidate_id"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Merge candidate reasons.
const (
	ReasonFingerprint        = "fingerprint"
	ReasonExternalIDConflict = "external_id_conflict"
)
