package identity

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/AGIHouse/openscience/model"
)

var (
	arxivNew = regexp.MustCompile(`^(\d{4})\.(\d{4,5})(?:v\d+)?$`)
	arxivOld = regexp.MustCompile(`^([a-z][a-z-]*(?:\.[a-z]{2})?)/(\d{7})(?:v\d+)?$`)
	pubmedID = regexp.MustCompile(`^\d+$`)
)

// ExternalKey is a normalized hard identity key.
type ExternalKey struct {
	Source model.Source `json:"source"`
	ID     string       `json:"id"`
}

// String renders the key as "source:id".
func (k ExternalKey) String() string { return string(k.Source) + ":" + k.ID }

// NormalizeArxivID returns the version-less canonical form of an arXiv identifier.
// New-style ids (2101.01234v2) and old-style ids (hep-th/9901001), optionally
// prefixed with "arXiv:" or an abs URL, are normalized. Any other non-blank id
// is taken as a native identifier and returned as is.
func NormalizeArxivID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{"https://arxiv.org/abs/", "http://arxiv.org/abs/", "arxiv:"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = s[len(prefix):]
			break
		}
	}

	if m := arxivNew.FindStringSubmatch(s); m != nil {
		return m[1] + "." + m[2], nil
	}
	if m := arxivOld.FindStringSubmatch(strings.ToLower(s)); m != nil {
		return m[1] + "/" + m[2], nil
	}
	return nativeID(raw, s)
}

// nativeID accepts a source's own identifier: non-empty and without inner whitespace.
func nativeID(raw, s string) (string, error) {
	if s == "" {
		return "", model.Invalid("external_id", "empty external id")
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", model.Invalid("external_id", fmt.Sprintf("malformed external id %q", raw))
	}
	return s, nil
}

// NormalizeDOI lowercases a DOI and strips resolver prefixes.
func NormalizeDOI(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if !strings.HasPrefix(s, "10.") || !strings.Contains(s, "/") {
		return "", model.Invalid("external_id", fmt.Sprintf("malformed DOI %q", raw))
	}
	return s, nil
}

// NormalizeExternalID normalizes id according to its source.
func NormalizeExternalID(source model.Source, id string) (string, error) {
	switch source {
	case model.SourceArxiv:
		return NormalizeArxivID(id)
	case model.SourceDOI:
		return NormalizeDOI(id)
	case model.SourcePubmed:
		s := strings.TrimSpace(id)
		if !pubmedID.MatchString(s) {
			return "", model.Invalid("external_id", fmt.Sprintf("malformed PubMed id %q", id))
		}
		return s, nil
	default:
		return nativeID(id, strings.TrimSpace(id))
	}
}

// DocumentKeys returns the document's normalized hard keys, primary key first,
// then the remaining external ids ordered by source. A document without an
// external id has no primary key.
func DocumentKeys(doc *model.Document) ([]ExternalKey, error) {
	var keys []ExternalKey
	if strings.TrimSpace(doc.ExternalID) != "" {
		primary, err := NormalizeExternalID(doc.Source, doc.ExternalID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, ExternalKey{Source: doc.Source, ID: primary})
	}

	sources := make([]model.Source, 0, len(doc.ExternalIDs))
	for src := range doc.ExternalIDs {
		if src != doc.Source {
			sources = append(sources, src)
		}
	}
	slices.Sort(sources)
	for _, src := range sources {
		id, err := NormalizeExternalID(src, doc.ExternalIDs[src])
		if err != nil {
			return nil, err
		}
		keys = append(keys, ExternalKey{Source: src, ID: id})
	}
	return keys, nil
}
