// Package match implements the word matching rules used by index queries:
// exact, prefix, wildcard pattern, regular expression and camel case, each
// optionally case sensitive.
package match

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"

	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

// Rule is a match mode optionally combined with CaseSensitive.
type Rule int

const (
	Exact                  Rule = 0
	Prefix                 Rule = 1
	Pattern                Rule = 2
	Regexp                 Rule = 4
	CaseSensitive          Rule = 8
	CamelCase              Rule = 128
	CamelCaseSamePartCount Rule = 256
)

// Mode strips the case flag.
func (r Rule) Mode() Rule {
	return r &^ CaseSensitive
}

func (r Rule) IsCaseSensitive() bool {
	return r&CaseSensitive != 0
}

func (r Rule) String() string {
	var mode string
	switch r.Mode() {
	case Exact:
		mode = "exact"
	case Prefix:
		mode = "prefix"
	case Pattern:
		mode = "pattern"
	case Regexp:
		mode = "regexp"
	case CamelCase:
		mode = "camelcase"
	case CamelCaseSamePartCount:
		mode = "camelcase-same-part-count"
	default:
		mode = fmt.Sprintf("rule(%d)", int(r.Mode()))
	}
	if r.IsCaseSensitive() {
		return mode
	}
	return mode + "-insensitive"
}

// ParseRule maps a mode name from the query API or CLI to a Rule.
func ParseRule(mode string, caseSensitive bool) (Rule, error) {
	var r Rule
	switch strings.ToLower(mode) {
	case "", "exact":
		r = Exact
	case "prefix":
		r = Prefix
	case "pattern":
		r = Pattern
	case "regexp", "regex":
		r = Regexp
	case "camelcase":
		r = CamelCase
	case "camelcase-same-part-count":
		r = CamelCaseSamePartCount
	default:
		return 0, fmt.Errorf("%w: unknown match rule %q", apperrors.ErrInvalidInput, mode)
	}
	if caseSensitive {
		r |= CaseSensitive
	}
	return r, nil
}

// Matcher tests words against one compiled pattern.
type Matcher struct {
	pattern string
	rule    Rule
	re      *regexp2.Regexp
}

// Compile prepares pattern for repeated matching. Only regular expressions can
// fail to compile.
func Compile(pattern string, rule Rule) (*Matcher, error) {
	m := &Matcher{pattern: pattern, rule: rule}
	if rule.Mode() == Regexp {
		opts := regexp2.None
		if !rule.IsCaseSensitive() {
			opts |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(`^(?:`+pattern+`)$`, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: compiling pattern %q: %v", apperrors.ErrInvalidInput, pattern, err)
		}
		m.re = re
	} else if rule.Mode() == Pattern && !rule.IsCaseSensitive() {
		m.pattern = strings.ToLower(pattern)
	}
	return m, nil
}

// Matches compiles pattern and tests word once. Invalid regular expressions
// never match.
func Matches(pattern, word string, rule Rule) bool {
	m, err := Compile(pattern, rule)
	if err != nil {
		return false
	}
	return m.Match(word)
}

func (m *Matcher) Rule() Rule {
	return m.rule
}

func (m *Matcher) Match(word string) bool {
	if m.pattern == "" {
		return m.rule.Mode() != Exact || word == ""
	}
	if word == "" {
		return m.rule.Mode() == Pattern && m.pattern == "*"
	}
	cs := m.rule.IsCaseSensitive()
	switch m.rule.Mode() {
	case Exact:
		if cs {
			return m.pattern == word
		}
		return strings.EqualFold(m.pattern, word)
	case Prefix:
		return hasPrefix(word, m.pattern, cs)
	case Pattern:
		return wildcard([]rune(m.pattern), []rune(word), cs)
	case Regexp:
		ok, err := m.re.MatchString(word)
		return err == nil && ok
	case CamelCase:
		if camelCase(m.pattern, word, false) {
			return true
		}
		return !cs && hasPrefix(word, m.pattern, false)
	case CamelCaseSamePartCount:
		if camelCase(m.pattern, word, true) {
			return true
		}
		return !cs && hasPrefix(word, m.pattern, false)
	}
	return false
}

func hasPrefix(word, prefix string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.HasPrefix(word, prefix)
	}
	w := []rune(word)
	p := []rune(prefix)
	if len(p) > len(w) {
		return false
	}
	for i := range p {
		if unicode.ToLower(p[i]) != unicode.ToLower(w[i]) {
			return false
		}
	}
	return true
}

// wildcard matches '*' (any run) and '?' (any single character). A lower-cased
// pattern is expected when caseSensitive is false.
func wildcard(pattern, word []rune, caseSensitive bool) bool {
	p, w := 0, 0
	star, mark := -1, 0
	for w < len(word) {
		c := word[w]
		if !caseSensitive {
			c = unicode.ToLower(c)
		}
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == c):
			p++
			w++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = w
			p++
		case star >= 0:
			p = star + 1
			mark++
			w = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// camelCase reports whether each upper-case delimited part of pattern is a
// prefix of the corresponding part of word. Trailing word parts are allowed
// unless samePartCount is set.
func camelCase(pattern, word string, samePartCount bool) bool {
	pp := camelParts(pattern)
	wp := camelParts(word)
	if len(pp) > len(wp) {
		return false
	}
	if samePartCount && len(pp) != len(wp) {
		return false
	}
	for i, part := range pp {
		if !strings.HasPrefix(wp[i], part) {
			return false
		}
	}
	return true
}

func camelParts(s string) []string {
	var parts []string
	start := 0
	for i, r := range s {
		if i > start && (unicode.IsUpper(r) || (unicode.IsDigit(r) && !isDigitAt(s, start))) {
			parts = append(parts, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

func isDigitAt(s string, i int) bool {
	return i < len(s) && s[i] >= '0' && s[i] <= '9'
}
