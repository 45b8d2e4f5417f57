// Package innovation screens proposed self-modifications and generated
// innovations for drift, hallucination and novelty before they are merged
// into the accepted baseline.
package innovation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"guardian/internal/drift"
	"guardian/internal/eventbus"
	"guardian/internal/safety"
)

// ChangeClass is the risk class of a proposed change, rising from config to kernel.
type ChangeClass string

const (
	ClassConfig  ChangeClass = "config"
	ClassContent ChangeClass = "content"
	ClassLogic   ChangeClass = "logic"
	ClassKernel  ChangeClass = "kernel"
)

func (c ChangeClass) Valid() bool {
	switch c {
	case ClassConfig, ClassContent, ClassLogic, ClassKernel:
		return true
	}
	return false
}

// Status of an evaluated proposal.
type Status string

const (
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
)

var ErrInvalidProposal = errors.New("invalid proposal")

type Proposal struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	Domain           string      `json:"domain,omitempty"`
	ChangeClass      ChangeClass `json:"change_class"`
	Claims           []string    `json:"claims,omitempty"`
	Evidence         []string    `json:"evidence,omitempty"`
	RegressionPassed bool        `json:"regression_passed"`
}

type Result struct {
	ProposalID         string    `json:"proposal_id"`
	Approved           bool      `json:"approved"`
	Status             Status    `json:"status"`
	DriftScore         float64   `json:"drift_score"`
	DriftLevel         string    `json:"drift_level"`
	HallucinationScore float64   `json:"hallucination_score"`
	BreakthroughScore  float64   `json:"breakthrough_score"`
	Violations         []string  `json:"violations,omitempty"`
	CheckpointID       string    `json:"checkpoint_id"`
	EvaluatedAt        time.Time `json:"evaluated_at"`
}

type Config struct {
	HallucinationThreshold float64
	// Seed vocabulary for the accepted baseline.
	Seed []string
	// MaxCheckpoints bounds the retained chain. Older checkpoints are
	// dropped and the oldest retained PrevHash becomes the verification anchor.
	MaxCheckpoints int
}

// Protector evaluates proposals against the accepted baseline. Every
// evaluation is preceded by a checkpoint so a rejected proposal leaves the
// baseline exactly as it was.
type Protector struct {
	mu          sync.Mutex
	cfg         Config
	scorer      *drift.Scorer
	scanner     *safety.Scanner
	bus         eventbus.Publisher
	baseline    map[string]struct{}
	checkpoints []Checkpoint
	// hash preceding checkpoints[0]
	anchor string
	now    func() time.Time
}

func NewProtector(cfg Config, scorer *drift.Scorer, scanner *safety.Scanner, bus eventbus.Publisher) *Protector {
	if cfg.HallucinationThreshold <= 0 {
		cfg.HallucinationThreshold = 0.6
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 256
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	p := &Protector{
		cfg:      cfg,
		scorer:   scorer,
		scanner:  scanner,
		bus:      bus,
		baseline: map[string]struct{}{},
		anchor:   genesis,
		now:      time.Now,
	}
	for _, s := range cfg.Seed {
		for tok := range tokens(s) {
			p.baseline[tok] = struct{}{}
		}
	}
	return p
}

// Evaluate scores p and decides whether it may be merged.
func (p *Protector) Evaluate(ctx context.Context, prop Proposal) (Result, error) {
	if strings.TrimSpace(prop.Title) == "" && strings.TrimSpace(prop.Description) == "" {
		return Result{}, fmt.Errorf("%w: title or description is required", ErrInvalidProposal)
	}
	if prop.ChangeClass == "" {
		prop.ChangeClass = ClassContent
	}
	if !prop.ChangeClass.Valid() {
		return Result{}, fmt.Errorf("%w: unknown change class %q", ErrInvalidProposal, prop.ChangeClass)
	}
	if prop.ID == "" {
		prop.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cp := p.checkpoint()
	res := Result{ProposalID: prop.ID, CheckpointID: cp.ID, EvaluatedAt: p.now().UTC()}

	text := strings.Join(append([]string{prop.Title, prop.Description}, prop.Claims...), "\n")
	ds := p.scorer.Score(text)
	res.DriftScore = ds.Value
	res.DriftLevel = string(ds.Level)
	res.HallucinationScore = hallucination(prop)

	propVocab := tokens(prop.Title + " " + prop.Description)
	res.BreakthroughScore = novelty(propVocab, p.baseline) * (1 - res.HallucinationScore)

	// tentatively collapse the proposal into the baseline; rolled back below
	// unless approved
	for tok := range propVocab {
		p.baseline[tok] = struct{}{}
	}

	if rep := p.scanner.Scan(text); rep.Blocking() {
		for _, c := range rep.Categories() {
			if c.Blocking() {
				res.Violations = append(res.Violations, fmt.Sprintf("safety %s content detected", c))
			}
		}
	}
	if ds.Level == drift.LevelCritical {
		res.Violations = append(res.Violations, "critical drift")
	}
	if res.HallucinationScore >= p.cfg.HallucinationThreshold {
		res.Violations = append(res.Violations, fmt.Sprintf("hallucination score %.2f above threshold %.2f",
			res.HallucinationScore, p.cfg.HallucinationThreshold))
	}
	if prop.ChangeClass == ClassLogic && !prop.RegressionPassed {
		res.Violations = append(res.Violations, "regression tests not passed")
	}

	switch {
	case len(res.Violations) > 0:
		res.Status = StatusRejected
	case prop.ChangeClass == ClassKernel:
		res.Status = StatusPendingReview
	default:
		res.Status = StatusApproved
		res.Approved = true
	}
	if !res.Approved {
		p.restore(cp)
	}

	log.Info().Str("component", "innovation").Str("proposal", prop.ID).Str("class", string(prop.ChangeClass)).
		Str("status", string(res.Status)).Float64("hallucination", res.HallucinationScore).
		Float64("breakthrough", res.BreakthroughScore).Msg("proposal evaluated")

	evt := eventbus.New("guardian.innovation", eventbus.TypeInnovation, eventbus.EventContext{RequestID: prop.ID},
		map[string]any{"status": res.Status, "change_class": prop.ChangeClass, "checkpoint": cp.ID})
	if err := p.bus.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Str("component", "innovation").Msg("failed to publish innovation event")
	}
	return res, nil
}

// Baseline returns the accepted vocabulary, sorted.
func (p *Protector) Baseline() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.baseline)
}

var (
	absoluteRe = regexp.MustCompile(`(?i)\b(always|never|guaranteed|certainly|infallible|flawless|impossible to fail)\b|100\s?%`)
	tokenRe    = regexp.MustCompile(`[a-z0-9]+`)
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {}, "are": {},
	"was": {}, "will": {}, "can": {}, "has": {}, "have": {}, "not": {}, "all": {}, "its": {},
	"into": {}, "our": {}, "your": {}, "any": {}, "but": {}, "than": {}, "more": {}, "less": {},
}

// tokens returns the significant lowercase tokens of s.
func tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		if len(t) < 3 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// hallucination blends the fraction of claims that no evidence entry
// supports with the density of absolute-language markers.
func hallucination(p Proposal) float64 {
	var unsupported float64
	if len(p.Claims) > 0 {
		evidence := map[string]struct{}{}
		for _, e := range p.Evidence {
			for tok := range tokens(e) {
				evidence[tok] = struct{}{}
			}
		}
		n := 0
		for _, c := range p.Claims {
			supported := false
			for tok := range tokens(c) {
				if _, ok := evidence[tok]; ok {
					supported = true
					break
				}
			}
			if !supported {
				n++
			}
		}
		unsupported = float64(n) / float64(len(p.Claims))
	}

	text := strings.Join(append([]string{p.Description}, p.Claims...), " ")
	markers := float64(len(absoluteRe.FindAllStringIndex(text, -1)))
	absolute := markers / 3
	if absolute > 1 {
		absolute = 1
	}
	return 0.7*unsupported + 0.3*absolute
}

// novelty is the Jaccard distance between the proposal vocabulary and the
// baseline. An empty proposal is not novel; an empty baseline makes anything
// novel.
func novelty(vocab, baseline map[string]struct{}) float64 {
	if len(vocab) == 0 {
		return 0
	}
	inter := 0
	for tok := range vocab {
		if _, ok := baseline[tok]; ok {
			inter++
		}
	}
	union := len(vocab) + len(baseline) - inter
	return 1 - float64(inter)/float64(union)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
