package model

import (
	"strings"
)

// CitationRef identifies a cited paper by an external id, with the raw string it came from.
type CitationRef struct {
	Source     Source `json:"source"`
	ExternalID string `json:"external_id"`
	Raw        string `json:"raw,omitempty"`
}

// Document is the normalized record produced by the parsing collaborator.
type Document struct {
	Source          Source            `json:"source"`
	ExternalID      string            `json:"external_id"`
	ExternalIDs     map[Source]string `json:"external_ids,omitempty"`
	Title           string            `json:"title"`
	Authors         []string          `json:"authors"`
	Abstract        string            `json:"abstract,omitempty"`
	PublicationDate string            `json:"publication_date,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	CitationString  string            `json:"citation_string,omitempty"`
	CitationStrings []string          `json:"citation_strings,omitempty"`
	Citations       []CitationRef     `json:"citations,omitempty"`
	Passages        []PassageInput    `json:"passages,omitempty"`
}

// Validate checks the document shape. It does not normalize identifiers.
func (d *Document) Validate() error {
	if !d.Source.Valid() {
		return Invalid("source", "invalid source "+string(d.Source))
	}
	// An absent external id is allowed; such papers are matched by fingerprint only.
	if d.ExternalID != "" && strings.TrimSpace(d.ExternalID) == "" {
		return Invalid("external_id", "blank external id")
	}
	if strings.TrimSpace(d.Title) == "" {
		return Invalid("title", "empty title")
	}
	for _, a := range d.Authors {
		if strings.TrimSpace(a) == "" {
			return Invalid("authors", "empty author")
		}
	}
	if d.PublicationDate != "" {
		if _, err := ParseDate(d.PublicationDate); err != nil {
			return err
		}
	}
	for src, id := range d.ExternalIDs {
		if !src.Valid() || strings.TrimSpace(id) == "" {
			return Invalid("external_ids", "invalid entry for source "+string(src))
		}
		if src == d.Source && id != d.ExternalID {
			return Invalid("external_ids", "second id for primary source "+string(src))
		}
	}
	for _, c := range d.Citations {
		if !c.Source.Valid() || strings.TrimSpace(c.ExternalID) == "" {
			return Invalid("citations", "citation without source and external id")
		}
	}
	type key struct {
		s Strategy
		i int
	}
	seen := make(map[key]struct{}, len(d.Passages))
	for _, p := range d.Passages {
		if err := p.Validate(); err != nil {
			return err
		}
		k := key{p.Strategy, p.OrderIndex}
		if _, dup := seen[k]; dup {
			return Invalid("passages", "duplicate order index for strategy "+string(p.Strategy))
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Date parses the publication date, returning nil when absent.
func (d *Document) Date() (*Date, error) {
	if strings.TrimSpace(d.PublicationDate) == "" {
		return nil, nil
	}
	v, err := ParseDate(d.PublicationDate)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// PassagesByStrategy groups the document's passages, keeping document order within a group.
// Strategies are returned in first-seen order.
func (d *Document) PassagesByStrategy() ([]Strategy, map[Strategy][]PassageInput) {
	var order []Strategy
	groups := make(map[Strategy][]PassageInput)
	for _, p := range d.Passages {
		if _, ok := groups[p.Strategy]; !ok {
			order = append(order, p.Strategy)
		}
		groups[p.Strategy] = append(groups[p.Strategy], p)
	}
	return order, groups
}
