package predict

import (
	"regexp"
	"strings"
)

// DefaultBlockedWords are matched as whole words, ignoring case.
var DefaultBlockedWords = []string{"fuck", "shit", "damn"}

const nonWord = `[^\pL\pM\pN_]`

// Guardrail is a keyword pre-filter applied before the model runs.
type Guardrail struct {
	pattern *regexp.Regexp
}

// NewGuardrail matches any of words on word boundaries. A boundary is the
// edge of text or any rune that is not a letter, mark, digit or underscore,
// so "damné" and "ädamn" do not match "damn". With no words the guardrail
// matches nothing.
func NewGuardrail(words []string) *Guardrail {
	var quoted []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return &Guardrail{}
	}
	return &Guardrail{pattern: regexp.MustCompile(`(?i)(?:^|` + nonWord + `)(` + strings.Join(quoted, "|") + `)(?:` + nonWord + `|$)`)}
}

// Match returns the first blocked word found in text.
func (g *Guardrail) Match(text string) (string, bool) {
	if g == nil || g.pattern == nil {
		return "", false
	}
	m := g.pattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
