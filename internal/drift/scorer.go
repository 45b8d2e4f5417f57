package drift

import (
	"math"
	"sort"
	"time"
)

// maxOccurrences caps how many times one term counts toward the raw score.
const maxOccurrences = 3

// Match records one term that fired.
type Match struct {
	Rule     string `json:"rule"`
	Category string `json:"category"`
	Term     string `json:"term"`
	Count    int    `json:"count"`
}

// Score is the drift of a single text. Value is in [0,1).
type Score struct {
	Value      float64            `json:"value"`
	Raw        float64            `json:"raw"`
	Level      Level              `json:"level"`
	Matches    []Match            `json:"matches,omitempty"`
	Categories map[string]float64 `json:"categories,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Scorer computes drift scores against a ruleset. It is safe for concurrent
// use once constructed.
type Scorer struct {
	rules *Ruleset
	now   func() time.Time
}

func NewScorer(rs *Ruleset) *Scorer {
	if rs == nil {
		rs = DefaultRuleset()
	}
	return &Scorer{rules: rs, now: time.Now}
}

// Ruleset returns the policy the scorer evaluates.
func (s *Scorer) Ruleset() *Ruleset { return s.rules }

// Score evaluates text. The raw weighted sum is squashed with 1-exp(-raw) so
// the value is monotone in the raw sum and stays below 1.
func (s *Scorer) Score(text string) Score {
	sc := Score{Level: LevelStable, ComputedAt: s.now()}
	if text == "" {
		return sc
	}

	perCategory := map[string]float64{}
	for _, r := range s.rules.Rules {
		for i, kw := range r.keywords {
			n := len(kw.FindAllStringIndex(text, maxOccurrences))
			if n == 0 {
				continue
			}
			sc.Matches = append(sc.Matches, Match{Rule: r.Name, Category: r.Category, Term: r.Keywords[i], Count: n})
			perCategory[r.Category] += r.Weight * float64(n)
		}
		if r.re != nil {
			found := r.re.FindAllString(text, maxOccurrences)
			if len(found) > 0 {
				sc.Matches = append(sc.Matches, Match{Rule: r.Name, Category: r.Category, Term: found[0], Count: len(found)})
				perCategory[r.Category] += r.Weight * float64(len(found))
			}
		}
	}
	if len(sc.Matches) == 0 {
		return sc
	}

	for cat, sum := range perCategory {
		sum += s.rules.Categories[cat]
		perCategory[cat] = sum
		sc.Raw += sum
	}
	sc.Categories = perCategory
	sc.Value = 1 - math.Exp(-sc.Raw)
	sc.Level = s.rules.Thresholds.Level(sc.Value)

	sort.SliceStable(sc.Matches, func(i, j int) bool {
		if sc.Matches[i].Category != sc.Matches[j].Category {
			return sc.Matches[i].Category < sc.Matches[j].Category
		}
		return sc.Matches[i].Term < sc.Matches[j].Term
	})
	return sc
}
