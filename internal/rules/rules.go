// Package rules rewrites text before it is handed to speech synthesis.
package rules

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/grafana/regexp"
)

// Rule is one ordered text rewrite.
type Rule struct {
	Key       string `yaml:"key" json:"key"`
	Value     string `yaml:"value" json:"value"`
	MatchCase bool   `yaml:"match_case" json:"match_case"`
	WholeWord bool   `yaml:"whole_word" json:"whole_word"`
	UseRegex  bool   `yaml:"use_regex" json:"use_regex"`
}

// Pattern returns the expression the rule compiles to. Whole-word anchoring
// is not part of it: RE2's \b only knows ASCII word characters, so word
// boundaries are checked against Unicode classes when the rule is applied.
func (r Rule) Pattern() string {
	pattern := r.Key
	if !r.UseRegex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if !r.MatchCase {
		pattern = `(?i)` + pattern
	}
	return pattern
}

type compiled struct {
	rule Rule
	re   *regexp.Regexp
}

// Set is a compiled, immutable rule list. The zero value applies no rules.
type Set struct {
	rules []compiled
}

// Compile prepares rules for repeated use. Rules with an empty key or an
// invalid pattern are skipped and reported through log.
func Compile(list []Rule, log *slog.Logger) *Set {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Set{rules: make([]compiled, 0, len(list))}
	for i, r := range list {
		if r.Key == "" {
			continue
		}
		re, err := regexp.Compile(r.Pattern())
		if err != nil {
			log.Warn("replacement rule skipped",
				slog.Int("index", i),
				slog.String("key", r.Key),
				slog.String("error", err.Error()))
			continue
		}
		s.rules = append(s.rules, compiled{rule: r, re: re})
	}
	return s
}

// Len reports how many rules survived compilation.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Apply runs every rule in order, each one rewriting the output of the
// previous one.
func (s *Set) Apply(text string) string {
	if s == nil {
		return text
	}
	for _, c := range s.rules {
		if c.rule.WholeWord {
			text = c.replaceWords(text)
			continue
		}
		if c.rule.UseRegex {
			text = c.re.ReplaceAllString(text, c.rule.Value)
		} else {
			text = c.re.ReplaceAllLiteralString(text, c.rule.Value)
		}
	}
	return text
}

// replaceWords rewrites only the matches that start and end on a word
// boundary. Word characters are Unicode letters, numbers and underscore, so
// CJK text gets the same boundaries as Latin text.
func (c compiled) replaceWords(text string) string {
	matches := c.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start == end || !boundary(text, start) || !boundary(text, end) {
			continue
		}
		b.WriteString(text[last:start])
		if c.rule.UseRegex {
			b.Write(c.re.ExpandString(nil, c.rule.Value, text, m))
		} else {
			b.WriteString(c.rule.Value)
		}
		last = end
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// boundary reports whether i sits between a word and a non-word character.
func boundary(text string, i int) bool {
	before, after := false, false
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:i])
		before = isWordRune(r)
	}
	if i < len(text) {
		r, _ := utf8.DecodeRuneInString(text[i:])
		after = isWordRune(r)
	}
	return before != after
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// Apply compiles list and applies it to text in one step.
func Apply(list []Rule, text string) string {
	return Compile(list, nil).Apply(text)
}

// Validate reports the first rule whose pattern does not compile.
func Validate(list []Rule) error {
	for i, r := range list {
		if r.Key == "" {
			continue
		}
		if _, err := regexp.Compile(r.Pattern()); err != nil {
			return fmt.Errorf("rule %d (%q): %w", i, r.Key, err)
		}
	}
	return nil
}
