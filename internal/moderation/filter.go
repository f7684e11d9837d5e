// Package moderation provides content filtering for chat messages. It flags
// prohibited keywords, phrases (including leetspeak variants) and common
// spam patterns. The chat server never blocks delivery on its verdict;
// results are reported asynchronously.
package moderation

import (
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// defaultTerms is the built-in blocklist. Single words are matched against
// whole tokens; multi-word entries are matched as token sequences.
var defaultTerms = []string{
	// slurs
	"nigger", "faggot", "retard", "tranny",
	// self-harm and threats
	"kill yourself", "kys", "go die", "bomb threat", "shoot up the school",
	// sexual content involving minors
	"child porn", "cp links",
	// solicitation
	"send nudes", "nude pics",
	// extremism
	"heil hitler", "white power",
	// scams
	"free bitcoin", "crypto giveaway", "double your money",
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'!': 'i',
	'3': 'e',
	'4': 'a',
	'@': 'a',
	'5': 's',
	'$': 's',
	'7': 't',
}

// Filter checks text against a keyword blocklist and spam heuristics. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
	matcher *goahocorasick.Machine // nil when there are no phrases
}

// NewFilter returns a Filter loaded with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter for the given terms. Terms are
// lowercased; blank entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}

	var patterns [][]rune
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			phrase := strings.Join(tokens, " ")
			f.phrases = append(f.phrases, phrase)
			patterns = append(patterns, []rune(" "+phrase+" "))
		}
	}

	if len(patterns) > 0 {
		m := new(goahocorasick.Machine)
		if err := m.Build(patterns); err == nil {
			f.matcher = m
		}
	}
	return f
}

// WithTerms returns a new Filter holding the receiver's terms plus extra.
func (f *Filter) WithTerms(extra []string) *Filter {
	terms := make([]string, 0, len(f.words)+len(f.phrases)+len(extra))
	for w := range f.words {
		terms = append(terms, w)
	}
	terms = append(terms, f.phrases...)
	terms = append(terms, extra...)
	return NewFilterWithTerms(terms)
}

// Check runs the keyword checks first and the content spam checks second.
// The first match wins.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	if r := f.checkKeywords(text); r.Blocked {
		return r
	}
	return checkContent(text)
}

func (f *Filter) checkKeywords(text string) FilterResult {
	lower := strings.ToLower(text)

	plain := tokenizePlain(lower)
	if r := f.matchTokens(plain); r.Blocked {
		return r
	}

	leet := tokenizeLeet(lower)
	normalized := make([]string, 0, len(leet))
	for _, tok := range leet {
		tok = strings.TrimFunc(normalizeLeet(tok), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if tok != "" {
			normalized = append(normalized, tok)
		}
	}
	return f.matchTokens(normalized)
}

func (f *Filter) matchTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: tok}
		}
	}

	if f.matcher == nil || len(tokens) < 2 {
		return FilterResult{}
	}
	content := []rune(" " + strings.Join(tokens, " ") + " ")
	hits := f.matcher.MultiPatternSearch(content, true)
	if len(hits) == 0 {
		return FilterResult{}
	}
	return FilterResult{
		Blocked: true,
		Reason:  ReasonKeyword,
		Term:    strings.TrimSpace(string(hits[0].Word)),
	}
}

// normalizeLeet maps common character substitutions back to letters.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only so substitution characters stay
// inside their token.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}
