package moderation

import (
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Spam terms reported in FilterResult.Term.
const (
	SpamLink    = "link"
	SpamContact = "contact"
	SpamFlood   = "flood"
)

// linkMarkers are scheme and shortener prefixes that mark an invite or
// outbound link wherever they appear in a message.
var linkMarkers = []string{
	"http://", "https://", "www.",
	"t.me/", "discord.gg/", "wa.me/", "bit.ly/", "tinyurl.com/",
}

// linkTLDs are suffixes that turn a bare "name.tld" token into a link.
var linkTLDs = map[string]struct{}{
	"com": {}, "net": {}, "org": {}, "io": {}, "gg": {}, "me": {},
	"xyz": {}, "ru": {}, "cn": {}, "tk": {}, "ly": {}, "biz": {},
}

const (
	minContactDigits = 9
	maxContactDigits = 15
	floodRunes       = 5
	floodWords       = 3
)

var linkMatcher = buildLinkMatcher()

func buildLinkMatcher() *goahocorasick.Machine {
	patterns := make([][]rune, 0, len(linkMarkers))
	for _, m := range linkMarkers {
		patterns = append(patterns, []rune(m))
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil
	}
	return m
}

// checkContent flags promotional links, phone numbers and flooding in a
// single message. Sender behavior across messages is tracked by Activity.
func checkContent(text string) FilterResult {
	lower := strings.ToLower(text)
	switch {
	case hasLink(lower):
		return spam(SpamLink)
	case hasContactNumber(lower):
		return spam(SpamContact)
	case hasFlood(lower):
		return spam(SpamFlood)
	}
	return FilterResult{}
}

func spam(term string) FilterResult {
	return FilterResult{Blocked: true, Reason: ReasonSpam, Term: term}
}

func hasLink(lower string) bool {
	if linkMatcher != nil && len(linkMatcher.MultiPatternSearch([]rune(lower), true)) > 0 {
		return true
	}
	for _, tok := range strings.Fields(lower) {
		host, _, _ := strings.Cut(tok, "/")
		host = strings.TrimRight(host, ".,!?;:)")
		dot := strings.LastIndexByte(host, '.')
		if dot <= 0 {
			continue
		}
		if _, ok := linkTLDs[host[dot+1:]]; ok && isHostLabel(host[:dot]) {
			return true
		}
	}
	return false
}

func isHostLabel(s string) bool {
	hasLetter := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			hasLetter = true
		case r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return hasLetter
}

// hasContactNumber looks for a run of digit groups joined by at most two
// separators, such as "+1 (555) 123-4567", long enough to be dialable.
func hasContactNumber(lower string) bool {
	digits, seps := 0, 0
	for _, r := range lower + "\x00" {
		switch {
		case r >= '0' && r <= '9':
			digits++
			seps = 0
			continue
		case digits > 0 && seps < 2 && strings.ContainsRune(" -.()+", r):
			seps++
			continue
		case digits == 0 && (r == '+' || r == '('):
			continue
		}
		if digits >= minContactDigits && digits <= maxContactDigits {
			return true
		}
		digits, seps = 0, 0
	}
	return false
}

// hasFlood reports a run of identical non-space characters or the same word
// repeated back to back.
func hasFlood(lower string) bool {
	run, prev := 0, rune(-1)
	for _, r := range lower {
		if r == prev && !unicode.IsSpace(r) {
			run++
			if run >= floodRunes {
				return true
			}
			continue
		}
		run, prev = 1, r
	}

	words := tokenizePlain(lower)
	for i := floodWords - 1; i < len(words); i++ {
		same := true
		for j := 1; j < floodWords; j++ {
			if words[i-j] != words[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}
