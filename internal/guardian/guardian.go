// Package guardian combines drift, safety screening and principles into a
// single allow/warn/block decision.
package guardian

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"guardian/internal/drift"
	"guardian/internal/principles"
	"guardian/internal/safety"
)

// Verdict of a guardian decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Constellation weights the three risk components. Weights are normalized to
// sum to one when the guardian is built.
type Constellation struct {
	Identity      float64 `json:"identity"`
	Consciousness float64 `json:"consciousness"`
	Guardian      float64 `json:"guardian"`
}

func (c Constellation) normalized() Constellation {
	sum := c.Identity + c.Consciousness + c.Guardian
	if sum <= 0 {
		return Constellation{Identity: 1.0 / 3, Consciousness: 1.0 / 3, Guardian: 1.0 / 3}
	}
	return Constellation{Identity: c.Identity / sum, Consciousness: c.Consciousness / sum, Guardian: c.Guardian / sum}
}

type Config struct {
	WarnThreshold  float64
	BlockThreshold float64
	Weights        Constellation
}

// Request is the input to Evaluate. Action defaults to "process".
type Request struct {
	Action    string         `json:"action,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Verified  bool           `json:"verified,omitempty"`
	Text      string         `json:"text"`
	Params    map[string]any `json:"params,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Decision is the guardian's answer for one request.
type Decision struct {
	ID         string             `json:"id"`
	Verdict    Verdict            `json:"verdict"`
	RiskScore  float64            `json:"risk_score"`
	Reasons    []string           `json:"reasons,omitempty"`
	Drift      drift.Score        `json:"drift"`
	Session    drift.SessionState `json:"session"`
	Safety     safety.Report      `json:"safety"`
	Principles principles.Verdict `json:"principles"`
	DecidedAt  time.Time          `json:"decided_at"`
}

// Guardian evaluates requests. It is safe for concurrent use.
type Guardian struct {
	cfg        Config
	scorer     *drift.Scorer
	tracker    *drift.Tracker
	scanner    *safety.Scanner
	principles *principles.Engine
	now        func() time.Time
}

func New(cfg Config, scorer *drift.Scorer, tracker *drift.Tracker, scanner *safety.Scanner, pe *principles.Engine) *Guardian {
	cfg.Weights = cfg.Weights.normalized()
	return &Guardian{
		cfg:        cfg,
		scorer:     scorer,
		tracker:    tracker,
		scanner:    scanner,
		principles: pe,
		now:        time.Now,
	}
}

// Scanner exposes the safety scanner, used for redacting stored text.
func (g *Guardian) Scanner() *safety.Scanner { return g.scanner }

// Tracker exposes the drift session tracker.
func (g *Guardian) Tracker() *drift.Tracker { return g.tracker }

// Evaluate decides on req. An internal failure blocks the request and is
// also returned so the caller can record it.
func (g *Guardian) Evaluate(ctx context.Context, req Request) (Decision, error) {
	d := Decision{ID: uuid.NewString(), DecidedAt: g.now().UTC()}
	if req.Action == "" {
		req.Action = "process"
	}

	d.Drift = g.scorer.Score(req.Text)
	d.Safety = g.scanner.Scan(req.Text)

	if req.SessionID != "" && g.tracker != nil {
		st, err := g.tracker.Observe(ctx, req.SessionID, d.Drift)
		if err != nil {
			d.Verdict = VerdictBlock
			d.RiskScore = 1
			d.Reasons = []string{"guardian evaluation failed"}
			log.Error().Err(err).Str("component", "guardian").Str("session", req.SessionID).Msg("drift tracking failed, blocking")
			return d, fmt.Errorf("observe drift: %w", err)
		}
		d.Session = st
	} else {
		d.Session = drift.SessionState{
			SessionID: req.SessionID,
			EWMA:      d.Drift.Value,
			Samples:   1,
			Peak:      d.Drift.Value,
			LastLevel: d.Drift.Level,
			UpdatedAt: d.DecidedAt,
		}
	}

	d.RiskScore = g.risk(req, d)

	pctx := make(map[string]any, len(req.Context)+4)
	for k, v := range req.Context {
		pctx[k] = v
	}
	pctx["risk_score"] = d.RiskScore
	pctx["drift_score"] = d.Drift.Value
	pctx["drift_level"] = string(d.Session.LastLevel)
	for _, c := range d.Safety.Categories() {
		pctx["safety_"+string(c)] = true
	}
	d.Principles = g.principles.Evaluate(ctx, req.Action, req.Params, pctx)

	d.Verdict, d.Reasons = g.decide(d)
	log.Debug().Str("component", "guardian").Str("decision", d.ID).Str("verdict", string(d.Verdict)).
		Float64("risk", d.RiskScore).Msg("decision made")
	return d, nil
}

func (g *Guardian) risk(req Request, d Decision) float64 {
	identity := 0.0
	switch {
	case req.SubjectID == "":
		identity = 1
	case !req.Verified:
		identity = 0.5
	}
	consciousness := math.Max(d.Session.EWMA, d.Drift.Value)
	guard := math.Min(1, 0.5*float64(len(d.Safety.Findings)))

	w := g.cfg.Weights
	r := w.Identity*identity + w.Consciousness*consciousness + w.Guardian*guard
	return math.Max(0, math.Min(1, r))
}

func (g *Guardian) decide(d Decision) (Verdict, []string) {
	if !d.Principles.Allowed {
		return VerdictBlock, append([]string{"principle violated"}, d.Principles.Denials...)
	}
	if d.Safety.Blocking() {
		var reasons []string
		for _, f := range d.Safety.Findings {
			if f.Category.Blocking() {
				reasons = append(reasons, fmt.Sprintf("%s content detected (%s)", f.Category, f.Pattern))
			}
		}
		return VerdictBlock, reasons
	}
	if d.Drift.Level == drift.LevelCritical || d.Session.LastLevel == drift.LevelCritical {
		return VerdictBlock, []string{"critical drift"}
	}
	if d.RiskScore >= g.cfg.BlockThreshold {
		return VerdictBlock, []string{fmt.Sprintf("risk score %.2f at or above block threshold %.2f", d.RiskScore, g.cfg.BlockThreshold)}
	}

	var reasons []string
	if d.Drift.Level == drift.LevelWarning || d.Session.LastLevel == drift.LevelWarning {
		reasons = append(reasons, "drift warning")
	}
	reasons = append(reasons, d.Principles.Warnings...)
	for _, f := range d.Safety.Findings {
		reasons = append(reasons, fmt.Sprintf("%s content detected (%s)", f.Category, f.Pattern))
	}
	if d.RiskScore >= g.cfg.WarnThreshold {
		reasons = append(reasons, fmt.Sprintf("risk score %.2f at or above warn threshold %.2f", d.RiskScore, g.cfg.WarnThreshold))
	}
	if len(reasons) > 0 {
		return VerdictWarn, reasons
	}
	return VerdictAllow, nil
}
