package checker

import (
	"regexp"
	"strings"
)

var termSeparator = regexp.MustCompile(`[,\s]+`)

// ParsedTerms is the normalized view of a raw term list.
type ParsedTerms struct {
	Terms      []string
	Duplicates []string
	ContainsEA bool
}

// ParseTerms splits raw input on commas and whitespace.
func ParseTerms(raw string) ParsedTerms {
	return NormalizeTerms(termSeparator.Split(strings.TrimSpace(raw), -1))
}

// NormalizeTerms trims and de-duplicates terms in first-seen order. Every
// repeated occurrence is reported in Duplicates.
func NormalizeTerms(parts []string) ParsedTerms {
	out := ParsedTerms{
		Terms:      make([]string, 0, len(parts)),
		Duplicates: []string{},
	}
	seen := make(map[string]struct{}, len(parts))

	for _, p := range parts {
		term := strings.TrimSpace(p)
		if term == "" {
			continue
		}
		if strings.HasSuffix(strings.ToUpper(term), "EA") {
			out.ContainsEA = true
		}
		if _, ok := seen[term]; ok {
			out.Duplicates = append(out.Duplicates, term)
			continue
		}
		seen[term] = struct{}{}
		out.Terms = append(out.Terms, term)
	}

	return out
}
