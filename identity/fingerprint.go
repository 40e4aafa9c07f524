package identity

import (
	"strings"
	"unicode"
)

// Fingerprint is the soft identity key of a paper: the normalized title and
// the normalized last token of the first author, joined by "|".
// It returns "" when the title normalizes to nothing.
func Fingerprint(title string, authors []string) string {
	t := normalizeText(title)
	if t == "" {
		return ""
	}
	var last string
	if len(authors) > 0 {
		fields := strings.Fields(normalizeText(firstAuthorSurname(authors[0])))
		if len(fields) > 0 {
			last = fields[len(fields)-1]
		}
	}
	return t + "|" + last
}

// firstAuthorSurname handles "Surname, Given" ordering.
func firstAuthorSurname(author string) string {
	if i := strings.IndexByte(author, ','); i > 0 {
		return author[:i]
	}
	return author
}

// normalizeText lowercases s, replaces every non-alphanumeric rune with a
// space and collapses runs of spaces.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
