// Package analysis computes pass-rate statistics over evaluation results and
// compares them with a stored baseline.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
)

// z95 is the normal quantile for a two-sided 95% interval.
const z95 = 1.959963984540054

type TestResult struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Passed     bool    `json:"passed"`
	DurationMs float64 `json:"duration_ms"`
}

type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type CategoryStats struct {
	Total    int      `json:"total"`
	Passed   int      `json:"passed"`
	PassRate float64  `json:"pass_rate"`
	CI95     Interval `json:"ci95"`
}

type Summary struct {
	Total          int                      `json:"total"`
	Passed         int                      `json:"passed"`
	Failed         int                      `json:"failed"`
	PassRate       float64                  `json:"pass_rate"`
	CI95           Interval                 `json:"ci95"`
	MeanDurationMs float64                  `json:"mean_duration_ms"`
	ByCategory     map[string]CategoryStats `json:"by_category"`
}

// LoadResults reads a JSON file holding either a list of results or an
// object with a "results" list.
func LoadResults(path string) ([]TestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []TestResult
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Results []TestResult `json:"results"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse results %s: %w", path, err)
	}
	return wrapped.Results, nil
}

// LoadAll reads the files concurrently and concatenates them in argument order.
func LoadAll(ctx context.Context, paths []string) ([]TestResult, error) {
	parts := make([][]TestResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rs, err := LoadResults(p)
			if err != nil {
				return err
			}
			parts[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []TestResult
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Wilson returns the Wilson score interval for passed successes out of total.
func Wilson(passed, total int, z float64) Interval {
	if total <= 0 {
		return Interval{}
	}
	n := float64(total)
	p := float64(passed) / n
	z2 := z * z
	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom
	return Interval{Low: math.Max(0, center-margin), High: math.Min(1, center+margin)}
}

func rate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total)
}

// Summarize aggregates results. Results without a category are counted under
// "uncategorized".
func Summarize(results []TestResult) Summary {
	s := Summary{ByCategory: map[string]CategoryStats{}}
	var duration float64
	for _, r := range results {
		cat := r.Category
		if cat == "" {
			cat = "uncategorized"
		}
		cs := s.ByCategory[cat]
		cs.Total++
		s.Total++
		if r.Passed {
			cs.Passed++
			s.Passed++
		}
		s.ByCategory[cat] = cs
		duration += r.DurationMs
	}
	for cat, cs := range s.ByCategory {
		cs.PassRate = rate(cs.Passed, cs.Total)
		cs.CI95 = Wilson(cs.Passed, cs.Total, z95)
		s.ByCategory[cat] = cs
	}
	s.Failed = s.Total - s.Passed
	s.PassRate = rate(s.Passed, s.Total)
	s.CI95 = Wilson(s.Passed, s.Total, z95)
	if s.Total > 0 {
		s.MeanDurationMs = duration / float64(s.Total)
	}
	return s
}

// WriteText prints a human-readable summary.
func (s Summary) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "CATEGORY\tPASSED\tTOTAL\tPASS RATE\tCI95\n")
	cats := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		cs := s.ByCategory[c]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t[%.1f%%, %.1f%%]\n", c, cs.Passed, cs.Total,
			100*cs.PassRate, 100*cs.CI95.Low, 100*cs.CI95.High)
	}
	fmt.Fprintf(tw, "overall\t%d\t%d\t%.1f%%\t[%.1f%%, %.1f%%]\n", s.Passed, s.Total,
		100*s.PassRate, 100*s.CI95.Low, 100*s.CI95.High)
	return tw.Flush()
}

// Baseline is a stored reference summary.
type Baseline struct {
	CreatedAt  time.Time          `json:"created_at"`
	Total      int                `json:"total"`
	PassRate   float64            `json:"pass_rate"`
	Categories map[string]float64 `json:"categories"`
}

func BuildBaseline(s Summary) Baseline {
	b := Baseline{CreatedAt: time.Now().UTC(), Total: s.Total, PassRate: s.PassRate, Categories: map[string]float64{}}
	for c, cs := range s.ByCategory {
		b.Categories[c] = cs.PassRate
	}
	return b
}

func LoadBaseline(path string) (Baseline, error) {
	var b Baseline
	data, err := os.ReadFile(path)
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("parse baseline %s: %w", path, err)
	}
	return b, nil
}

func SaveBaseline(path string, b Baseline) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Regression is a pass rate that fell more than the tolerance below the
// baseline. Missing marks a baseline category absent from the current run.
type Regression struct {
	Category string  `json:"category"`
	Baseline float64 `json:"baseline"`
	Current  float64 `json:"current"`
	Delta    float64 `json:"delta"`
	Missing  bool    `json:"missing,omitempty"`
}

// Compare lists regressions of s against b. The overall pass rate is
// reported under "overall" before the categories, which are sorted.
func Compare(b Baseline, s Summary, tolerance float64) []Regression {
	var out []Regression
	if s.PassRate < b.PassRate-tolerance {
		out = append(out, Regression{Category: "overall", Baseline: b.PassRate, Current: s.PassRate, Delta: s.PassRate - b.PassRate})
	}
	cats := make([]string, 0, len(b.Categories))
	for c := range b.Categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		base := b.Categories[c]
		cs, ok := s.ByCategory[c]
		if !ok {
			out = append(out, Regression{Category: c, Baseline: base, Delta: -base, Missing: true})
			continue
		}
		if cs.PassRate < base-tolerance {
			out = append(out, Regression{Category: c, Baseline: base, Current: cs.PassRate, Delta: cs.PassRate - base})
		}
	}
	return out
}
