package identity

import (
	"regexp"
	"strings"

	"github.com/AGIHouse/openscience/model"
)

var (
	citedArxiv = regexp.MustCompile(`(?i)arxiv(?:\.org/abs/|:\s*|\s+)((?:\d{4}\.\d{4,5}|[a-z][a-z-]*(?:\.[a-z]{2})?/\d{7})(?:v\d+)?)`)
	citedDOI   = regexp.MustCompile(`10\.\d{4,9}/[^\s<>"{}|\\^~\[\]` + "`" + `]+`)
)

// ParseCitationString extracts a hard reference from a free-text citation.
// An arXiv identifier wins over a DOI. It reports false when raw carries
// neither.
func ParseCitationString(raw string) (model.CitationRef, bool) {
	if m := citedArxiv.FindStringSubmatch(raw); m != nil {
		if id, err := NormalizeArxivID(m[1]); err == nil {
			return model.CitationRef{Source: model.SourceArxiv, ExternalID: id, Raw: raw}, true
		}
	}
	for _, m := range citedDOI.FindAllString(raw, -1) {
		if id, err := NormalizeDOI(strings.TrimRight(m, ".,;:)")); err == nil {
			return model.CitationRef{Source: model.SourceDOI, ExternalID: id, Raw: raw}, true
		}
	}
	return model.CitationRef{Raw: raw}, false
}
