package principles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrderFirstDenyWins(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "late", Priority: 5, Action: "*", Condition: "x==1", DenyMessage: "late"},
		{Name: "early", Priority: 1, Action: "*", Condition: "x==1", DenyMessage: "early"},
	})
	require.NoError(t, err)

	v := set.Check("anything", nil, map[string]any{"x": 1})
	assert.False(t, v.Allowed)
	assert.Equal(t, []string{"early"}, v.Denials)
	assert.Equal(t, "early", v.Rule)
}

func TestActionScoping(t *testing.T) {
	set := DefaultSet()

	v := set.Check("delete_data", nil, map[string]any{})
	assert.False(t, v.Allowed)
	assert.Equal(t, "no-unauthorised-deletion", v.Rule)

	v = set.Check("delete_data", nil, map[string]any{"authorized": true})
	assert.True(t, v.Allowed)

	v = set.Check("read_data", nil, map[string]any{})
	assert.True(t, v.Allowed)
}

func TestWarnRulesAccumulate(t *testing.T) {
	v := DefaultSet().Check("answer", nil, map[string]any{"risk_score": 0.7, "subject_age": 16})
	assert.True(t, v.Allowed)
	assert.Equal(t, []string{"elevated risk score", "subject may be a minor"}, v.Warnings)
}

func TestConditionOperators(t *testing.T) {
	cases := []struct {
		cond string
		ctx  map[string]any
		want bool
	}{
		{"a==b", map[string]any{"a": "b"}, true},
		{"a == 'b c'", map[string]any{"a": "b c"}, true},
		{"a!=b", map[string]any{}, true},
		{"a!=b", map[string]any{"a": "b"}, false},
		{"n>=2", map[string]any{"n": 2}, true},
		{"n>2", map[string]any{"n": 2}, false},
		{"n<2.5", map[string]any{"n": 2}, true},
		{"n<=1", map[string]any{"n": 2}, false},
		{"n>1", map[string]any{"n": "not-a-number"}, false},
		{"contains(topic, Weapons)", map[string]any{"topic": "homemade weapons"}, true},
		{"params.target==prod && env==live", map[string]any{"env": "live"}, true},
		{"a==1 && b==2", map[string]any{"a": 1, "b": 3}, false},
	}
	for _, tc := range cases {
		t.Run(tc.cond, func(t *testing.T) {
			set, err := NewSet([]Rule{{Name: "r", Condition: tc.cond, DenyMessage: "no"}})
			require.NoError(t, err)
			v := set.Check("act", map[string]any{"target": "prod"}, tc.ctx)
			assert.Equal(t, tc.want, !v.Allowed)
		})
	}
}

func TestInvalidRulesRejected(t *testing.T) {
	_, err := NewSet([]Rule{{Name: "bad", Condition: "just words"}})
	assert.ErrorContains(t, err, "unsupported condition")

	_, err = NewSet([]Rule{{Name: "bad-effect", Effect: "maybe"}})
	assert.ErrorContains(t, err, "unknown effect")
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "principles.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[
		{"name": "no-weather-lies", "priority": 1, "action": "forecast", "condition": "fabricated==true", "deny_message": "do not fabricate forecasts"}
	]`), 0o644))
	yamlPath := filepath.Join(dir, "principles.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
rules:
  - name: quiet-hours
    priority: 2
    action: notify
    condition: hour>=22
    deny_message: no notifications at night
`), 0o644))

	js, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.False(t, js.Check("forecast", nil, map[string]any{"fabricated": true}).Allowed)

	ys, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.False(t, ys.Check("notify", nil, map[string]any{"hour": 23}).Allowed)
	assert.True(t, ys.Check("notify", nil, map[string]any{"hour": 9}).Allowed)
}

func TestEngineCachesVerdicts(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	defer m.Close()

	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	eng := NewEngine(DefaultSet(), NewRedisCache(rdb, time.Minute))
	ctx := context.Background()
	in := map[string]any{"harm_to_humans": true}

	v := eng.Evaluate(ctx, "launch", nil, in)
	assert.False(t, v.Allowed)
	assert.Len(t, m.Keys(), 1)

	// served from cache even after the rule set would say otherwise
	eng.set, _ = NewSet(nil)
	v = eng.Evaluate(ctx, "launch", nil, in)
	assert.False(t, v.Allowed)

	m.FastForward(2 * time.Minute)
	v = eng.Evaluate(ctx, "launch", nil, in)
	assert.True(t, v.Allowed)
}

func TestEngineSurvivesCacheOutage(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	m.Close()

	eng := NewEngine(DefaultSet(), NewRedisCache(rdb, time.Minute))
	v := eng.Evaluate(context.Background(), "launch", nil, map[string]any{"deceptive": true})
	assert.False(t, v.Allowed)
	assert.Equal(t, "no-deception", v.Rule)
}

func TestEngineSkipsCacheForUnencodableInputs(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	defer m.Close()

	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	eng := NewEngine(DefaultSet(), NewRedisCache(rdb, time.Minute))
	ctx := context.Background()
	params := map[string]any{"callback": func() {}}

	v := eng.Evaluate(ctx, "launch", params, map[string]any{"harm_to_humans": true})
	assert.False(t, v.Allowed)
	v = eng.Evaluate(ctx, "launch", params, map[string]any{"harm_to_humans": false})
	assert.True(t, v.Allowed)
	assert.Empty(t, m.Keys())
}
