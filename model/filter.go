package model

// Filter restricts scans and queries by paper metadata.
// The zero Filter matches everything.
type Filter struct {
	// Tags must all be present on the paper.
	Tags []string `json:"tags,omitempty"`
	// Sources matches when the paper's source is any of these.
	Sources []Source `json:"sources,omitempty"`
	// From and To bound the publication date inclusively at their own precision.
	// Papers without a date never match a date-bounded filter.
	From *Date `json:"from,omitempty"`
	To   *Date `json:"to,omitempty"`
	// IncludeRetracted admits papers tagged retracted. Off by default.
	IncludeRetracted bool `json:"include_retracted,omitempty"`
}

// IsZero reports whether the filter accepts every non-retracted paper.
func (f Filter) IsZero() bool {
	return len(f.Tags) == 0 && len(f.Sources) == 0 && f.From == nil && f.To == nil
}

// Validate checks the date bounds.
func (f Filter) Validate() error {
	if f.From != nil {
		if err := f.From.Validate(); err != nil {
			return err
		}
	}
	if f.To != nil {
		if err := f.To.Validate(); err != nil {
			return err
		}
	}
	if f.From != nil && f.To != nil && upperOrdinal(*f.To) < f.From.Ordinal() {
		return Invalid("filter", "date range is empty")
	}
	return nil
}

// Normalized returns a copy with normalized tags.
func (f Filter) Normalized() Filter {
	f.Tags = NormalizeTags(f.Tags)
	return f
}

// Matches evaluates the filter against p.
func (f Filter) Matches(p *Paper) bool {
	if p == nil {
		return false
	}
	if !f.IncludeRetracted && p.Retracted() {
		return false
	}
	for _, t := range f.Tags {
		if !p.HasTag(t) {
			return false
		}
	}
	if len(f.Sources) > 0 {
		ok := false
		for _, s := range f.Sources {
			if p.Source == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return f.MatchesDate(p.PublicationDate)
}

// MatchesDate evaluates only the date bounds.
func (f Filter) MatchesDate(d *Date) bool {
	if f.From == nil && f.To == nil {
		return true
	}
	if d == nil {
		return false
	}
	if f.From != nil && upperOrdinal(*d) < f.From.Ordinal() {
		return false
	}
	if f.To != nil && d.Ordinal() > upperOrdinal(*f.To) {
		return false
	}
	return true
}

// upperOrdinal is the largest ordinal inside the period d denotes.
func upperOrdinal(d Date) int {
	m, day := d.Month, d.Day
	if m == 0 {
		m = 12
	}
	if day == 0 {
		day = 99
	}
	return d.Year*10000 + m*100 + day
}
