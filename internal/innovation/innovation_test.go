package innovation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian/internal/drift"
	"guardian/internal/eventbus"
	"guardian/internal/safety"
)

func newProtector(t *testing.T, bus eventbus.Publisher, seed ...string) *Protector {
	t.Helper()
	scanner, err := safety.NewScanner()
	require.NoError(t, err)
	return NewProtector(Config{HallucinationThreshold: 0.6, Seed: seed}, drift.NewScorer(nil), scanner, bus)
}

func TestApproveContentChangeMergesVocabulary(t *testing.T) {
	rec := eventbus.NewRecorder(4)
	p := newProtector(t, rec, "guardian drift audit")
	res, err := p.Evaluate(context.Background(), Proposal{
		Title:       "Verdict caching",
		Description: "Cache verdicts in redis to reduce latency",
		ChangeClass: ClassContent,
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Empty(t, res.Violations)
	assert.Zero(t, res.HallucinationScore)
	assert.Greater(t, res.BreakthroughScore, 0.5)
	assert.NotEmpty(t, res.CheckpointID)
	assert.Contains(t, p.Baseline(), "redis")
	assert.Contains(t, p.Baseline(), "guardian")

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.TypeInnovation, events[0].Type)
}

func TestKernelChangeNeedsReviewAndRollsBack(t *testing.T) {
	p := newProtector(t, nil, "guardian drift audit")
	before := p.Baseline()
	res, err := p.Evaluate(context.Background(), Proposal{
		Title:            "New scheduler core",
		Description:      "Replace the kernel scheduler",
		ChangeClass:      ClassKernel,
		RegressionPassed: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, StatusPendingReview, res.Status)
	assert.Equal(t, before, p.Baseline())
}

func TestLogicChangeRequiresRegression(t *testing.T) {
	p := newProtector(t, nil)
	res, err := p.Evaluate(context.Background(), Proposal{
		Title: "Retry tuning", Description: "Adjust retry backoff", ChangeClass: ClassLogic,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{"regression tests not passed"}, res.Violations)

	res, err = p.Evaluate(context.Background(), Proposal{
		Title: "Retry tuning", Description: "Adjust retry backoff", ChangeClass: ClassLogic, RegressionPassed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
}

func TestHallucinatedClaimsRejected(t *testing.T) {
	p := newProtector(t, nil, "latency throughput")
	before := p.Baseline()
	res, err := p.Evaluate(context.Background(), Proposal{
		Title:       "Quantum speedup",
		Description: "Rewrite of the hot path",
		ChangeClass: ClassConfig,
		Claims:      []string{"This always doubles throughput", "Guaranteed zero latency"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.HallucinationScore, 1e-9)
	assert.Equal(t, StatusRejected, res.Status)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0], "hallucination score")
	assert.Equal(t, before, p.Baseline())
}

func TestSupportedClaimsLowerHallucination(t *testing.T) {
	p := newProtector(t, nil)
	res, err := p.Evaluate(context.Background(), Proposal{
		Title:       "Index audit subject",
		Description: "Add an index on the audit subject column",
		ChangeClass: ClassConfig,
		Claims:      []string{"Export queries get faster"},
		Evidence:    []string{"benchmark: export queries 40ms to 3ms"},
	})
	require.NoError(t, err)
	assert.Zero(t, res.HallucinationScore)
	assert.True(t, res.Approved)
}

func TestSafetyBypassRejected(t *testing.T) {
	p := newProtector(t, nil)
	res, err := p.Evaluate(context.Background(), Proposal{
		Title:       "Faster responses",
		Description: "Disable the safety filter for speed",
		ChangeClass: ClassConfig,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Violations, "safety bypass content detected")
}

func TestInvalidProposals(t *testing.T) {
	p := newProtector(t, nil)
	_, err := p.Evaluate(context.Background(), Proposal{})
	assert.ErrorIs(t, err, ErrInvalidProposal)
	_, err = p.Evaluate(context.Background(), Proposal{Title: "x", ChangeClass: "firmware"})
	assert.ErrorIs(t, err, ErrInvalidProposal)
	assert.Empty(t, p.Checkpoints())
}

func TestNovelty(t *testing.T) {
	base := tokens("drift audit guardian")
	assert.Equal(t, 1.0, novelty(tokens("redis cache"), map[string]struct{}{}))
	assert.Zero(t, novelty(tokens("audit drift"), tokens("audit drift")))
	assert.InDelta(t, 1-1.0/4, novelty(tokens("audit redis"), base), 1e-9)
	assert.Zero(t, novelty(map[string]struct{}{}, base))
}

func TestCheckpointChain(t *testing.T) {
	p := newProtector(t, nil, "seed words")
	ctx := context.Background()
	for _, title := range []string{"first change", "second change", "third change"} {
		_, err := p.Evaluate(ctx, Proposal{Title: title, Description: title, ChangeClass: ClassContent})
		require.NoError(t, err)
	}

	cps := p.Checkpoints()
	require.Len(t, cps, 3)
	assert.Equal(t, genesis, cps[0].PrevHash)
	assert.Equal(t, cps[0].Hash, cps[1].PrevHash)
	assert.Greater(t, cps[2].Size, cps[0].Size)

	n, err := p.VerifyCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Nil(t, p.checkpoints[0].vocabulary)
	assert.Nil(t, p.checkpoints[1].vocabulary)

	p.checkpoints[2].vocabulary = append(p.checkpoints[2].vocabulary, "forged")
	n, err = p.VerifyCheckpoints()
	assert.ErrorIs(t, err, ErrCheckpointChain)
	assert.Equal(t, 2, n)

	p.checkpoints[2].vocabulary = p.checkpoints[2].vocabulary[:len(p.checkpoints[2].vocabulary)-1]
	p.checkpoints[1].PrevHash = genesis
	n, err = p.VerifyCheckpoints()
	assert.ErrorIs(t, err, ErrCheckpointChain)
	assert.Equal(t, 1, n)
}

func TestCheckpointChainIsBounded(t *testing.T) {
	scanner, err := safety.NewScanner()
	require.NoError(t, err)
	p := NewProtector(Config{Seed: []string{"seed words"}, MaxCheckpoints: 2}, drift.NewScorer(nil), scanner, nil)
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"first change", "second change", "third change", "fourth change"} {
		res, err := p.Evaluate(ctx, Proposal{Title: title, Description: title, ChangeClass: ClassContent})
		require.NoError(t, err)
		ids = append(ids, res.CheckpointID)
	}

	cps := p.Checkpoints()
	require.Len(t, cps, 2)
	assert.Equal(t, ids[2], cps[0].ID)
	assert.Equal(t, ids[3], cps[1].ID)
	assert.NotEqual(t, genesis, cps[0].PrevHash)

	n, err := p.VerifyCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSeedFormsBaseline(t *testing.T) {
	p := newProtector(t, nil, "Guardrail policy engine")
	for _, tok := range []string{"guardrail", "policy", "engine"} {
		assert.Contains(t, p.baseline, tok)
	}
}
