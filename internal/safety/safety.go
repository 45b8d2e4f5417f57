// Package safety screens text with regular-expression pattern categories.
package safety

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Category of a safety finding.
type Category string

const (
	CategoryHarmful   Category = "harmful"
	CategoryMalicious Category = "malicious"
	CategoryBypass    Category = "bypass"
	CategoryPrivacy   Category = "privacy"
)

// Blocking reports whether findings of this category always block.
func (c Category) Blocking() bool {
	return c == CategoryHarmful || c == CategoryBypass
}

// Finding is one pattern hit.
type Finding struct {
	Category Category `json:"category"`
	Pattern  string   `json:"pattern"`
	Excerpt  string   `json:"excerpt"`
}

// Report is the result of scanning a text.
type Report struct {
	Safe     bool      `json:"safe"`
	Findings []Finding `json:"findings,omitempty"`
}

// Blocking reports whether any finding is in a blocking category.
func (r Report) Blocking() bool {
	for _, f := range r.Findings {
		if f.Category.Blocking() {
			return true
		}
	}
	return false
}

// Categories returns the distinct categories in the report, sorted.
func (r Report) Categories() []Category {
	seen := map[Category]bool{}
	var out []Category
	for _, f := range r.Findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			out = append(out, f.Category)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type pattern struct {
	name     string
	category Category
	re       *regexp.Regexp
	// privacy patterns carry a redaction label
	kind string
}

// PatternSpec is the YAML form of an additional pattern.
type PatternSpec struct {
	Name     string   `yaml:"name"`
	Category Category `yaml:"category"`
	Regex    string   `yaml:"regex"`
	Kind     string   `yaml:"kind"`
}

// Scanner checks text against its compiled patterns.
type Scanner struct {
	patterns []pattern
}

// NewScanner returns a scanner loaded with the built-in patterns plus extra.
func NewScanner(extra ...PatternSpec) (*Scanner, error) {
	s := &Scanner{}
	var errs []error
	for _, spec := range append(defaultPatterns(), extra...) {
		if err := s.add(spec); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadScanner reads extra patterns from a YAML file ({patterns: [...]}).
func LoadScanner(path string) (*Scanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safety patterns: %w", err)
	}
	var doc struct {
		Patterns []PatternSpec `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode safety patterns: %w", err)
	}
	return NewScanner(doc.Patterns...)
}

func (s *Scanner) add(spec PatternSpec) error {
	switch spec.Category {
	case CategoryHarmful, CategoryMalicious, CategoryBypass, CategoryPrivacy:
	default:
		return fmt.Errorf("pattern %q: unknown category %q", spec.Name, spec.Category)
	}
	re, err := regexp.Compile(spec.Regex)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", spec.Name, err)
	}
	kind := spec.Kind
	if kind == "" {
		kind = spec.Name
	}
	s.patterns = append(s.patterns, pattern{name: spec.Name, category: spec.Category, re: re, kind: kind})
	return nil
}

// Scan returns every pattern that matches text. A text is safe when nothing
// matched.
func (s *Scanner) Scan(text string) Report {
	rep := Report{Safe: true}
	for _, p := range s.patterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		excerpt := text[loc[0]:loc[1]]
		if p.category == CategoryPrivacy {
			excerpt = "[REDACTED:" + p.kind + "]"
		}
		rep.Findings = append(rep.Findings, Finding{Category: p.category, Pattern: p.name, Excerpt: excerpt})
	}
	rep.Safe = len(rep.Findings) == 0
	return rep
}

// Redact replaces every privacy match in text with [REDACTED:<kind>].
func (s *Scanner) Redact(text string) string {
	for _, p := range s.patterns {
		if p.category != CategoryPrivacy {
			continue
		}
		text = p.re.ReplaceAllString(text, "[REDACTED:"+p.kind+"]")
	}
	return text
}

func defaultPatterns() []PatternSpec {
	return []PatternSpec{
		{Name: "violence", Category: CategoryHarmful,
			Regex: `(?i)\b(how to (make|build) (a )?(bomb|explosive|weapon)|kill (him|her|them|someone)|mass shooting)\b`},
		{Name: "self-harm", Category: CategoryHarmful,
			Regex: `(?i)\b(suicide method|how to self.?harm)\b`},
		{Name: "malware", Category: CategoryMalicious,
			Regex: `(?i)\b(phishing|ransomware|keylogger|trojan|malware|credential stuffing)\b`},
		{Name: "fraud", Category: CategoryMalicious,
			Regex: `(?i)\b(identity theft|fake bank|crypto fraud|bitcoin scam)\b`},
		{Name: "instruction-override", Category: CategoryBypass,
			Regex: `(?i)\b(ignore (all |any )?(previous|prior) (instructions|rules)|disregard (your|the) (rules|guidelines))\b`},
		{Name: "safety-disable", Category: CategoryBypass,
			Regex: `(?i)\b(bypass|disable|turn off|circumvent) (the )?(safety|guardian|filter|guardrails?|ethics)\b`},
		{Name: "jailbreak", Category: CategoryBypass,
			Regex: `(?i)\b(jailbreak|DAN mode|developer mode enabled)\b`},
		{Name: "email", Category: CategoryPrivacy, Kind: "email",
			Regex: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
		{Name: "card-number", Category: CategoryPrivacy, Kind: "card",
			Regex: `\b\d(?:[ -]?\d){12,15}\b`},
		{Name: "phone", Category: CategoryPrivacy, Kind: "phone",
			Regex: `\+\d{1,3}[ \-]?\(?\d{2,4}\)?[ \-]?\d{3,4}[ \-]?\d{3,4}\b`},
	}
}
