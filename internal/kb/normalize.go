package kb

import (
	"regexp"
	"strings"
	"unicode"
)

// Abbreviation expansions applied on word boundaries. ASCII abbreviations
// are matched after lowercasing.
var abbreviations = map[string]string{
	"abs": "ABS",
	"esp": "ESP",
	"epb": "EPB",
}

// Common pinyin misspellings mapped to their canonical Chinese form.
// Longer keys first so "famen" wins over any shorter prefix.
var misspellings = []struct{ from, to string }{
	{"you yi xiang", "有异响"},
	{"youyixiang", "有异响"},
	{"fa men", "阀门"},
	{"famen", "阀门"},
}

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	abbreviationRe = buildAbbreviationRe()
)

func buildAbbreviationRe() *regexp.Regexp {
	keys := make([]string, 0, len(abbreviations))
	for k := range abbreviations {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	return regexp.MustCompile(`\b(` + strings.Join(keys, "|") + `)\b`)
}

// NormalizeQuery canonicalizes a user query: trim, fullwidth to halfwidth,
// whitespace collapse, ASCII lowercasing, misspelling and abbreviation
// tables. Fault codes and other alphanumeric tokens survive intact.
// The function is idempotent.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	q = fullwidthToHalfwidth(q)
	q = whitespaceRe.ReplaceAllString(q, " ")

	var b strings.Builder
	b.Grow(len(q))
	for _, r := range q {
		if r < 128 {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	q = b.String()

	for _, m := range misspellings {
		q = strings.ReplaceAll(q, m.from, m.to)
	}
	q = abbreviationRe.ReplaceAllStringFunc(q, func(s string) string {
		return abbreviations[s]
	})
	return q
}

// fullwidthToHalfwidth maps fullwidth ASCII forms (U+FF01..U+FF5E) and the
// ideographic space to their halfwidth equivalents.
func fullwidthToHalfwidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x3000:
			b.WriteRune(' ')
		case r >= 0xFF01 && r <= 0xFF5E:
			b.WriteRune(r - 0xFEE0)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
