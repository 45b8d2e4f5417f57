package analysis

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func results() []TestResult {
	return []TestResult{
		{Name: "t1", Category: "bypass", Passed: true, DurationMs: 10},
		{Name: "t2", Category: "bypass", Passed: false, DurationMs: 20},
		{Name: "t3", Category: "privacy", Passed: true, DurationMs: 30},
		{Name: "t4", Category: "privacy", Passed: true, DurationMs: 40},
		{Name: "t5", Passed: false, DurationMs: 50},
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize(results())
	want := Summary{
		Total:          5,
		Passed:         3,
		Failed:         2,
		PassRate:       0.6,
		CI95:           Wilson(3, 5, z95),
		MeanDurationMs: 30,
		ByCategory: map[string]CategoryStats{
			"bypass":        {Total: 2, Passed: 1, PassRate: 0.5, CI95: Wilson(1, 2, z95)},
			"privacy":       {Total: 2, Passed: 2, PassRate: 1, CI95: Wilson(2, 2, z95)},
			"uncategorized": {Total: 1, Passed: 0, PassRate: 0, CI95: Wilson(0, 1, z95)},
		},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.PassRate)
	assert.Equal(t, Interval{}, s.CI95)
	assert.Empty(t, s.ByCategory)
}

func TestWilson(t *testing.T) {
	ci := Wilson(8, 10, z95)
	assert.InDelta(t, 0.4902, ci.Low, 1e-3)
	assert.InDelta(t, 0.9433, ci.High, 1e-3)

	all := Wilson(10, 10, z95)
	assert.InDelta(t, 1.0, all.High, 1e-9)
	assert.Greater(t, all.Low, 0.6)

	none := Wilson(0, 10, z95)
	assert.InDelta(t, 0.0, none.Low, 1e-9)
	assert.Less(t, none.High, 0.35)
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(a, []byte(`[{"name":"x","category":"c","passed":true}]`), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(`{"results":[{"name":"y","passed":false},{"name":"z","passed":true}]}`), 0o644))

	rs, err := LoadAll(context.Background(), []string{a, b})
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, []string{"x", "y", "z"}, []string{rs[0].Name, rs[1].Name, rs[2].Name})

	_, err = LoadAll(context.Background(), []string{a, filepath.Join(dir, "missing.json")})
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`"nope"`), 0o644))
	_, err = LoadResults(bad)
	assert.Error(t, err)
}

func TestBaselineCompare(t *testing.T) {
	base := BuildBaseline(Summarize(results()))
	path := filepath.Join(t.TempDir(), "baseline.json")
	require.NoError(t, SaveBaseline(path, base))
	loaded, err := LoadBaseline(path)
	require.NoError(t, err)
	assert.Equal(t, base.Categories, loaded.Categories)

	assert.Empty(t, Compare(loaded, Summarize(results()), 0.01))

	worse := []TestResult{
		{Name: "t1", Category: "bypass", Passed: false},
		{Name: "t2", Category: "bypass", Passed: false},
		{Name: "t3", Category: "privacy", Passed: true},
		{Name: "t4", Category: "privacy", Passed: true},
	}
	got := Compare(loaded, Summarize(worse), 0.05)
	want := []Regression{
		{Category: "overall", Baseline: 0.6, Current: 0.5, Delta: -0.1},
		{Category: "bypass", Baseline: 0.5, Current: 0, Delta: -0.5},
		{Category: "uncategorized", Baseline: 0, Current: 0, Delta: 0, Missing: true},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("Compare mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Summarize(results()).WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "bypass")
	assert.Contains(t, out, "overall")
	assert.Contains(t, out, "60.0%")
}
