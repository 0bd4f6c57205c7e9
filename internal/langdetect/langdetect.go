// Package langdetect tags a document with the editor language it most
// likely contains. Detection is a keyword scan, not a parser: every rule is
// a set of case-insensitive substrings, and when several languages match the
// one listed first in Rules wins (python, then javascript, then html).
package langdetect

import (
	"strings"
	"sync"

	goahocorasick "github.com/anknown/ahocorasick"
)

type Language string

const (
	Unknown    Language = ""
	Python     Language = "python"
	JavaScript Language = "javascript"
	HTML       Language = "html"
)

// Default is the tag used before any text has been seen
const Default = Python

type Rule struct {
	Language Language
	Keywords []string
}

// Rules in precedence order
var Rules = []Rule{
	{Language: Python, Keywords: []string{"def ", "import "}},
	{Language: JavaScript, Keywords: []string{"function", "const ", "let "}},
	{Language: HTML, Keywords: []string{"<html", "<div"}},
}

type Detector struct {
	matcher *goahocorasick.Machine
	rank    map[string]int
	rules   []Rule
}

// NewDetector builds one automaton over the keywords of all rules
func NewDetector(rules []Rule) (*Detector, error) {
	var patterns [][]rune
	rank := make(map[string]int)
	for i, rule := range rules {
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(kw)
			if _, ok := rank[kw]; ok {
				continue
			}
			rank[kw] = i
			patterns = append(patterns, []rune(kw))
		}
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Detector{matcher: m, rank: rank, rules: rules}, nil
}

// Detect returns the highest precedence language with a keyword in text,
// or Unknown.
func (d *Detector) Detect(text string) Language {
	if text == "" {
		return Unknown
	}

	best := len(d.rules)
	for _, hit := range d.matcher.MultiPatternSearch([]rune(strings.ToLower(text)), false) {
		if i, ok := d.rank[string(hit.Word)]; ok && i < best {
			best = i
		}
	}
	if best == len(d.rules) {
		return Unknown
	}
	return d.rules[best].Language
}

var defaultDetector = sync.OnceValue(func() *Detector {
	d, err := NewDetector(Rules)
	if err != nil {
		panic(err)
	}
	return d
})

// Detect runs the default rules over text
func Detect(text string) Language {
	return defaultDetector().Detect(text)
}

// Next is the tag to show after the document changes to text. Text
// without a known keyword keeps the previous tag.
func Next(previous Language, text string) Language {
	if lang := Detect(text); lang != Unknown {
		return lang
	}
	if previous == Unknown {
		return Default
	}
	return previous
}
