// Package drift scores how far content strays from intended behavior and
// tracks the score per session over time.
package drift

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level classifies a drift value against the ruleset thresholds.
type Level string

const (
	LevelStable   Level = "stable"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Rule adds Weight for every occurrence of one of its keywords (or of
// Pattern) in the scored text. Keywords match on word boundaries.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Category string   `yaml:"category" json:"category"`
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
	Pattern  string   `yaml:"pattern" json:"pattern,omitempty"`
	Weight   float64  `yaml:"weight" json:"weight"`

	re       *regexp.Regexp
	keywords []*regexp.Regexp
}

type Thresholds struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Level maps a value in [0,1] to a drift level.
func (t Thresholds) Level(v float64) Level {
	switch {
	case v >= t.Critical:
		return LevelCritical
	case v >= t.Warning:
		return LevelWarning
	default:
		return LevelStable
	}
}

// Ruleset is the full drift policy. Categories holds a constant that is added
// once per scored text when any rule of that category fires.
type Ruleset struct {
	Thresholds Thresholds         `yaml:"thresholds" json:"thresholds"`
	Categories map[string]float64 `yaml:"categories" json:"categories"`
	Rules      []Rule             `yaml:"rules" json:"rules"`
}

// LoadRuleset reads a YAML ruleset and validates it.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read drift ruleset: %w", err)
	}
	return ParseRuleset(data)
}

// ParseRuleset decodes and validates a YAML ruleset.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode drift ruleset: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *Ruleset) compile() error {
	var errs []error
	if rs.Thresholds.Warning <= 0 || rs.Thresholds.Critical <= rs.Thresholds.Warning || rs.Thresholds.Critical > 1 {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < warning < critical <= 1, got %+v", rs.Thresholds))
	}
	for cat, c := range rs.Categories {
		if c < 0 {
			errs = append(errs, fmt.Errorf("category %q has negative constant", cat))
		}
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d has no name", i))
		}
		if r.Weight < 0 {
			errs = append(errs, fmt.Errorf("rule %q has negative weight", r.Name))
		}
		if len(r.Keywords) == 0 && r.Pattern == "" {
			errs = append(errs, fmt.Errorf("rule %q has neither keywords nor pattern", r.Name))
		}
		r.keywords = r.keywords[:0]
		for j, k := range r.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				errs = append(errs, fmt.Errorf("rule %q has an empty keyword", r.Name))
				continue
			}
			r.Keywords[j] = k
			r.keywords = append(r.keywords, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(k)+`\b`))
		}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
				continue
			}
			// an empty match would fire on every text
			if re.MatchString("") {
				errs = append(errs, fmt.Errorf("rule %q pattern matches empty text", r.Name))
				continue
			}
			r.re = re
		}
	}
	return errors.Join(errs...)
}

// DefaultRuleset returns the built-in policy.
func DefaultRuleset() *Ruleset {
	rs := &Ruleset{
		Thresholds: Thresholds{Warning: 0.35, Critical: 0.7},
		Categories: map[string]float64{
			"safety_bypass": 0.4,
			"manipulation":  0.2,
			"harm":          0.3,
			"autonomy":      0.2,
			"deception":     0.1,
		},
		Rules: []Rule{
			{Name: "override-instructions", Category: "safety_bypass", Weight: 0.6,
				Keywords: []string{"ignore previous instructions", "ignore all instructions", "disregard your rules"}},
			{Name: "disable-safeguards", Category: "safety_bypass", Weight: 0.5,
				Keywords: []string{"bypass", "jailbreak", "disable safety", "turn off the filter", "unrestricted mode"}},
			{Name: "persona-hijack", Category: "manipulation", Weight: 0.3,
				Pattern: `\b(pretend|act) (you are|as if you were|to be) (an? )?(unfiltered|evil|uncensored)\b`},
			{Name: "pressure", Category: "manipulation", Weight: 0.15,
				Keywords: []string{"you must obey", "no matter what", "or else"}},
			{Name: "violence", Category: "harm", Weight: 0.4,
				Keywords: []string{"kill", "weapon", "explosive", "poison", "attack"}},
			{Name: "self-modification", Category: "autonomy", Weight: 0.3,
				Keywords: []string{"modify your own code", "rewrite your goals", "self-replicate", "escalate privileges"}},
			{Name: "concealment", Category: "deception", Weight: 0.2,
				Keywords: []string{"don't tell anyone", "hide this from", "cover up"}},
		},
	}
	if err := rs.compile(); err != nil {
		panic(fmt.Sprintf("default drift ruleset is invalid: %v", err))
	}
	return rs
}
