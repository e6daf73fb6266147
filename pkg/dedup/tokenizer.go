package dedup

import (
	"regexp"
	"strings"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

var (
	// tagRE strips XML/HTML markup, including MathML islands that some
	// sources embed in titles
	tagRE   = regexp.MustCompile(`<[^>]*>`)
	tokenRE = regexp.MustCompile(`[a-z0-9]+`)
)

// collaborationMarkers in early author slots indicate a big-collaboration
// paper whose author lists inflate relevance scores without signal
var collaborationMarkers = []string{"collaboration", "cern", "atlas", "cms"}

// StripTags removes markup from a title
func StripTags(s string) string {
	return tagRE.ReplaceAllString(s, " ")
}

// TitleTokens returns the lowercase alphanumeric tokens of a title after
// tag stripping
func TitleTokens(title string) []string {
	return tokenRE.FindAllString(strings.ToLower(StripTags(title)), -1)
}

// Jaccard computes set overlap over two token lists; empty sets yield 0
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// AuthorTokens extracts up to max query tokens from author names. Tokens
// shorter than two characters are dropped, which filters initials.
func AuthorTokens(authors []string, max int) []string {
	var tokens []string
	seen := make(map[string]bool)
	for _, author := range authors {
		for _, t := range tokenRE.FindAllString(types.NormalizeAuthor(author), -1) {
			if len(t) < 2 || seen[t] {
				continue
			}
			seen[t] = true
			tokens = append(tokens, t)
			if len(tokens) >= max {
				return tokens
			}
		}
	}
	return tokens
}

// CollaborationGuard reports whether the author list looks like a big
// collaboration: more than maxAuthors names, or a collaboration marker in
// the first five slots.
func CollaborationGuard(authors []string, maxAuthors int) bool {
	if len(authors) > maxAuthors {
		return true
	}
	limit := len(authors)
	if limit > 5 {
		limit = 5
	}
	for _, author := range authors[:limit] {
		lower := strings.ToLower(author)
		for _, marker := range collaborationMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}
