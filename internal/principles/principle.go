// Package principles evaluates actions against an ordered list of ethical
// rules.
package principles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Effect of a matching rule.
type Effect string

const (
	EffectDeny Effect = "deny"
	EffectWarn Effect = "warn"
)

// Rule is one principle. Action "*" applies to every action. An empty
// Condition always matches.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Priority    int    `json:"priority" yaml:"priority"`
	Action      string `json:"action" yaml:"action"`
	Condition   string `json:"condition" yaml:"condition"`
	DenyMessage string `json:"deny_message" yaml:"deny_message"`
	Effect      Effect `json:"effect,omitempty" yaml:"effect,omitempty"`

	clauses []clause
}

// Verdict is the outcome of checking one action.
type Verdict struct {
	Allowed  bool     `json:"allowed"`
	Denials  []string `json:"denials,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Rule     string   `json:"rule,omitempty"`
}

// Set is a compiled, priority-ordered rule list.
type Set struct {
	rules []Rule
}

// LoadFile reads rules from YAML (.yaml/.yml) or the JSON list format.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read principles: %w", err)
	}
	var rules []Rule
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc struct {
			Rules []Rule `yaml:"rules"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode principles: %w", err)
		}
		rules = doc.Rules
	default:
		if err := json.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("decode principles: %w", err)
		}
	}
	return NewSet(rules)
}

// NewSet validates and compiles rules. Lower priority numbers are evaluated
// first; ties keep file order.
func NewSet(rules []Rule) (*Set, error) {
	var errs []error
	out := make([]Rule, len(rules))
	copy(out, rules)
	for i := range out {
		r := &out[i]
		if r.Action == "" {
			r.Action = "*"
		}
		switch r.Effect {
		case "":
			r.Effect = EffectDeny
		case EffectDeny, EffectWarn:
		default:
			errs = append(errs, fmt.Errorf("rule %q: unknown effect %q", r.Name, r.Effect))
		}
		cl, err := parseCondition(r.Condition)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		r.clauses = cl
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return &Set{rules: out}, nil
}

// Rules returns the compiled rules in evaluation order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Check evaluates action. The first matching deny rule ends evaluation; warn
// rules accumulate.
func (s *Set) Check(action string, params, context map[string]any) Verdict {
	v := Verdict{Allowed: true}
	for _, r := range s.rules {
		if r.Action != "*" && r.Action != action {
			continue
		}
		if !r.matches(params, context) {
			continue
		}
		if r.Effect == EffectWarn {
			v.Warnings = append(v.Warnings, r.DenyMessage)
			continue
		}
		v.Allowed = false
		v.Denials = append(v.Denials, r.DenyMessage)
		v.Rule = r.Name
		return v
	}
	return v
}

func (r Rule) matches(params, context map[string]any) bool {
	for _, c := range r.clauses {
		if !c.eval(params, context) {
			return false
		}
	}
	return true
}

type operator string

const (
	opEq       operator = "=="
	opNe       operator = "!="
	opGe       operator = ">="
	opLe       operator = "<="
	opGt       operator = ">"
	opLt       operator = "<"
	opContains operator = "contains"
)

// longer operators first so ">=" is not read as ">"
var comparisonOps = []operator{opGe, opLe, opEq, opNe, opGt, opLt}

type clause struct {
	key   string
	op    operator
	value string
}

// parseCondition supports clauses joined by &&: key OP value with OP one of
// == != >= <= > <, and contains(key, value). Keys prefixed with "params."
// read from params; all others read from context.
func parseCondition(cond string) ([]clause, error) {
	if strings.TrimSpace(cond) == "" {
		return nil, nil
	}
	var out []clause
	for _, raw := range strings.Split(cond, "&&") {
		c := strings.TrimSpace(raw)
		if c == "" {
			continue
		}
		if strings.HasPrefix(c, "contains(") && strings.HasSuffix(c, ")") {
			args := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(c, "contains("), ")"), ",", 2)
			if len(args) != 2 {
				return nil, fmt.Errorf("contains needs two arguments: %q", c)
			}
			out = append(out, clause{key: strings.TrimSpace(args[0]), op: opContains, value: unquote(args[1])})
			continue
		}
		parsed := false
		for _, op := range comparisonOps {
			idx := strings.Index(c, string(op))
			if idx <= 0 {
				continue
			}
			key := strings.TrimSpace(c[:idx])
			val := unquote(c[idx+len(op):])
			if key == "" {
				return nil, fmt.Errorf("missing key in %q", c)
			}
			out = append(out, clause{key: key, op: op, value: val})
			parsed = true
			break
		}
		if !parsed {
			return nil, fmt.Errorf("unsupported condition %q", c)
		}
	}
	return out, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (c clause) lookup(params, context map[string]any) (any, bool) {
	if strings.HasPrefix(c.key, "params.") {
		v, ok := params[strings.TrimPrefix(c.key, "params.")]
		return v, ok
	}
	v, ok := context[c.key]
	return v, ok
}

func (c clause) eval(params, context map[string]any) bool {
	raw, ok := c.lookup(params, context)
	if !ok {
		// a missing key only satisfies "!="
		return c.op == opNe
	}
	actual := fmt.Sprintf("%v", raw)

	switch c.op {
	case opEq:
		return actual == c.value
	case opNe:
		return actual != c.value
	case opContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(c.value))
	}

	a, errA := strconv.ParseFloat(actual, 64)
	b, errB := strconv.ParseFloat(c.value, 64)
	if errA != nil || errB != nil {
		return false
	}
	switch c.op {
	case opGe:
		return a >= b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	case opLt:
		return a < b
	}
	return false
}

// DefaultRules is the built-in rule list.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "no-harm-to-humans", Priority: 1, Action: "*", Condition: "harm_to_humans==true",
			DenyMessage: "action could harm humans"},
		{Name: "no-unauthorised-deletion", Priority: 2, Action: "delete_data", Condition: "authorized!=true",
			DenyMessage: "data deletion requires authorization"},
		{Name: "no-self-modification", Priority: 3, Action: "*", Condition: "self_modification==true && human_approved!=true",
			DenyMessage: "self-modification requires human approval"},
		{Name: "no-deception", Priority: 4, Action: "*", Condition: "deceptive==true",
			DenyMessage: "action is deceptive"},
		{Name: "high-risk-review", Priority: 10, Action: "*", Condition: "risk_score>=0.5",
			DenyMessage: "elevated risk score", Effect: EffectWarn},
		{Name: "minor-subject", Priority: 11, Action: "*", Condition: "subject_age<18",
			DenyMessage: "subject may be a minor", Effect: EffectWarn},
	}
}

// DefaultSet compiles DefaultRules.
func DefaultSet() *Set {
	s, err := NewSet(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("default principles are invalid: %v", err))
	}
	return s
}
