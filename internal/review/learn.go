package review

import (
	"strings"
	"unicode"
)

// categorySynonyms maps canonical categories to phrases operators and
// agents use for them. Matching is on the normalized text.
var categorySynonyms = []struct {
	category string
	phrases  []string
}{
	{"unused imports", []string{"unused import", "unused imports", "unused-imports", "imports not used", "unused dependency"}},
	{"unused code", []string{"unused variable", "unused function", "dead code", "unreachable code"}},
	{"naming", []string{"naming", "variable name", "function name", "rename", "identifier name"}},
	{"formatting", []string{"formatting", "whitespace", "indentation", "line length", "trailing space", "gofmt"}},
	{"documentation", []string{"documentation", "docs", "doc comment", "missing comment", "docstring", "godoc"}},
	{"typos", []string{"typo", "typos", "spelling", "misspelled"}},
	{"error handling", []string{"error handling", "unchecked error", "ignored error", "error wrapping"}},
	{"logging", []string{"logging", "log message", "log level"}},
	{"magic numbers", []string{"magic number", "magic numbers", "hardcoded constant", "hard-coded value"}},
	{"test coverage", []string{"test coverage", "missing test", "add tests", "untested"}},
	{"performance", []string{"performance", "allocation", "inefficient", "premature optimization"}},
	{"style", []string{"style", "nit", "nitpick", "code style", "personal preference"}},
}

// Categorize derives the feedback category for a skipped issue. The
// operator's reason wins, then the collector's category hint, then the
// issue body. The result is lower-case with synonyms collapsed onto a
// canonical name; it is empty when nothing usable is available. Categorize
// is pure.
func Categorize(issue Issue, reason string) string {
	for _, src := range []string{reason, issue.Category} {
		if n := normalizeCategory(src); n != "" {
			if c, ok := canonicalCategory(n); ok {
				return c
			}
			return n
		}
	}
	if c, ok := canonicalCategory(normalizeCategory(issue.Body)); ok {
		return c
	}
	return ""
}

func canonicalCategory(n string) (string, bool) {
	if n == "" {
		return "", false
	}
	for _, entry := range categorySynonyms {
		for _, p := range entry.phrases {
			if n == p {
				return entry.category, true
			}
		}
	}
	for _, entry := range categorySynonyms {
		for _, p := range entry.phrases {
			if containsPhrase(n, p) {
				return entry.category, true
			}
		}
	}
	return "", false
}

// containsPhrase matches p in s on word boundaries.
func containsPhrase(s, p string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], p)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(p)
		okStart := start == 0 || s[start-1] == ' '
		okEnd := end == len(s) || s[end] == ' '
		if okStart && okEnd {
			return true
		}
		i = start + 1
	}
}

func normalizeCategory(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Guidelines is the learned-preference store the engine consults and
// extends.
type Guidelines interface {
	SkipCategories() []string
	Focus() string
	Has(category string) bool
	AddSkipCategories(cats ...string) ([]string, error)
}

// Candidates returns the distinct categories derived from the skipped
// issues that are not already in g, in issue order. reasons maps issue IDs
// to operator-supplied skip reasons.
func Candidates(issues []Issue, reasons map[int]string, g Guidelines) []string {
	seen := map[string]bool{}
	var out []string
	for _, is := range issues {
		if is.State != StateSkipped {
			continue
		}
		c := Categorize(is, reasons[is.ID])
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if g != nil && g.Has(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Suppressed reports whether an incoming issue falls in a category the
// operator asked to skip.
func Suppressed(issue Issue, g Guidelines) bool {
	if g == nil || issue.Category == "" {
		return false
	}
	c := Categorize(issue, "")
	return c != "" && g.Has(c)
}
