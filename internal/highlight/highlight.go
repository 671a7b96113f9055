package highlight

import (
	"regexp"
	"sort"
	"strings"
)

const (
	DefaultOpen  = `<span style="color: red;">`
	DefaultClose = `</span>`
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// Highlighter wraps mismatched words of a reference sentence in markers
type Highlighter struct {
	Open  string
	Close string
}

// New creates a highlighter with the given markers
func New(open, close string) *Highlighter {
	return &Highlighter{Open: open, Close: close}
}

// Highlight uses the default red span markers
func Highlight(reference string, mismatched []string) string {
	return New(DefaultOpen, DefaultClose).Highlight(reference, mismatched)
}

// Highlight returns reference as HTML-escaped text in which every
// whole-word, case-insensitive occurrence of a mismatched token is wrapped
// in the markers. Tokens are literal text, never patterns. Matching runs on
// the raw text and each segment is escaped on its own, so a marker never
// lands inside an entity.
func (h *Highlighter) Highlight(reference string, mismatched []string) string {
	re := tokenPattern(mismatched)
	if re == nil {
		return htmlEscaper.Replace(reference)
	}

	var b strings.Builder
	last := 0
	for _, loc := range re.FindAllStringIndex(reference, -1) {
		b.WriteString(htmlEscaper.Replace(reference[last:loc[0]]))
		b.WriteString(h.Open)
		b.WriteString(htmlEscaper.Replace(reference[loc[0]:loc[1]]))
		b.WriteString(h.Close)
		last = loc[1]
	}
	b.WriteString(htmlEscaper.Replace(reference[last:]))

	return b.String()
}

// tokenPattern builds one alternation of the quoted tokens, longest first
// so that overlapping tokens prefer the longer match
func tokenPattern(tokens []string) *regexp.Regexp {
	seen := make(map[string]bool, len(tokens))
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		key := strings.ToLower(tok)
		if tok == "" || seen[key] {
			continue
		}
		seen[key] = true
		quoted = append(quoted, regexp.QuoteMeta(tok))
	}
	if len(quoted) == 0 {
		return nil
	}

	sort.SliceStable(quoted, func(i, j int) bool {
		return len(quoted[i]) > len(quoted[j])
	})

	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}
