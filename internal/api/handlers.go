package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"guardian/internal/audit"
	"guardian/internal/consciousness"
	"guardian/internal/drift"
	"guardian/internal/eventbus"
	"guardian/internal/gdpr"
	"guardian/internal/guardian"
	"guardian/internal/innovation"
	"guardian/internal/responder"
)

type ProcessRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Input     string         `json:"input"`
	Verified  bool           `json:"verified"`
	Context   map[string]any `json:"context"`
}

type DriftSummary struct {
	Score       float64     `json:"score"`
	Level       drift.Level `json:"level"`
	SessionEWMA float64     `json:"session_ewma"`
}

type ProcessResponse struct {
	RequestID string                `json:"request_id"`
	Verdict   guardian.Verdict      `json:"verdict"`
	RiskScore float64               `json:"risk_score"`
	Reasons   []string              `json:"reasons,omitempty"`
	Response  string                `json:"response,omitempty"`
	Drift     DriftSummary          `json:"drift"`
	Metrics   consciousness.Metrics `json:"metrics"`
	Degraded  bool                  `json:"degraded,omitempty"`
}

type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp string              `json:"timestamp"`
	Version   string              `json:"version"`
	State     consciousness.State `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		State:     s.Engine.State(),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if s.Engine.Suspended() {
		writeError(w, http.StatusServiceUnavailable, "processing suspended")
		return
	}
	ctx := r.Context()

	if s.RequireConsent {
		if req.UserID == "" {
			writeError(w, http.StatusForbidden, "user_id is required")
			return
		}
		if err := s.GDPR.RequireConsent(ctx, req.UserID, gdpr.PurposeProcessing); err != nil {
			if errors.Is(err, gdpr.ErrNoConsent) {
				writeError(w, http.StatusForbidden, "consent for processing not granted")
				return
			}
			writeError(w, http.StatusInternalServerError, "consent check failed")
			return
		}
	}

	d, evalErr := s.Guardian.Evaluate(ctx, guardian.Request{
		Action:    "process",
		SubjectID: req.UserID,
		SessionID: req.SessionID,
		Verified:  req.Verified,
		Text:      req.Input,
		Context:   req.Context,
	})
	s.recordDecision(d)

	resp := ProcessResponse{
		RequestID: d.ID,
		Verdict:   d.Verdict,
		RiskScore: d.RiskScore,
		Reasons:   d.Reasons,
		Drift:     DriftSummary{Score: d.Drift.Value, Level: d.Drift.Level, SessionEWMA: d.Session.EWMA},
	}

	if evalErr == nil && d.Verdict != guardian.VerdictBlock {
		p := responder.Prompt{SubjectID: req.UserID, SessionID: req.SessionID, Text: req.Input}
		if d.Verdict == guardian.VerdictWarn {
			p.System = "Answer carefully; this request was flagged: " + strings.Join(d.Reasons, "; ")
		}
		out, err := s.Responder.Respond(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("component", "api").Str("request", d.ID).Msg("responder failed")
			resp.Degraded = true
		} else {
			resp.Response = out
		}
	}

	redacted := s.Guardian.Scanner().Redact(req.Input)
	if req.UserID != "" {
		if _, err := s.GDPR.SaveRecord(ctx, gdpr.Record{
			ID:        d.ID,
			SubjectID: req.UserID,
			SessionID: req.SessionID,
			Input:     redacted,
			Verdict:   string(d.Verdict),
			RiskScore: d.RiskScore,
		}); err != nil {
			log.Warn().Err(err).Str("component", "api").Str("request", d.ID).Msg("failed to store interaction record")
			resp.Degraded = true
		}
	}

	if _, err := s.appendAudit(ctx, decisionEvent(d, req.UserID, "process", redacted)); err != nil {
		writeError(w, http.StatusInternalServerError, "audit append failed")
		return
	}
	s.observe(d)
	s.publishDecision(r, d, req.UserID)

	if evalErr != nil {
		writeError(w, http.StatusInternalServerError, "guardian evaluation failed")
		return
	}
	resp.Metrics = s.Engine.Metrics()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req guardian.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx := r.Context()
	d, evalErr := s.Guardian.Evaluate(ctx, req)
	s.recordDecision(d)

	action := req.Action
	if action == "" {
		action = "check"
	}
	if _, err := s.appendAudit(ctx, decisionEvent(d, req.SubjectID, action, s.Guardian.Scanner().Redact(req.Text))); err != nil {
		writeError(w, http.StatusInternalServerError, "audit append failed")
		return
	}
	s.publishDecision(r, d, req.SubjectID)
	if evalErr != nil {
		writeError(w, http.StatusInternalServerError, "guardian evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.Guardian.Tracker().Get(r.Context(), id)
	if errors.Is(err, drift.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.Guardian.Tracker().Reset(r.Context(), id)
	if errors.Is(err, drift.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInnovationEvaluate(w http.ResponseWriter, r *http.Request) {
	var p innovation.Proposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx := r.Context()
	res, err := s.Innovation.Evaluate(ctx, p)
	if errors.Is(err, innovation.ErrInvalidProposal) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Metrics.InnovationResults.WithLabelValues(string(res.Status)).Inc()

	if _, err := s.appendAudit(ctx, audit.Event{
		Type:    audit.TypeInnovation,
		Actor:   actorFrom(r, "innovation"),
		Action:  "evaluate_proposal",
		Outcome: string(res.Status),
		Details: map[string]any{
			"proposal_id":         res.ProposalID,
			"title":               p.Title,
			"change_class":        p.ChangeClass,
			"hallucination_score": res.HallucinationScore,
			"breakthrough_score":  res.BreakthroughScore,
			"violations":          res.Violations,
			"checkpoint_id":       res.CheckpointID,
		},
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "audit append failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type CheckpointReport struct {
	Valid       bool   `json:"valid"`
	Checkpoints int    `json:"checkpoints"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleCheckpointVerify(w http.ResponseWriter, r *http.Request) {
	n, err := s.Innovation.VerifyCheckpoints()
	rep := CheckpointReport{Valid: err == nil, Checkpoints: n}
	if err != nil {
		rep.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Subject: q.Get("subject"), Type: q.Get("type")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+key)
				return
			}
			*dst = t
		}
	}

	events, err := s.Audit.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Audit.Verify(r.Context())
	if err != nil && !errors.Is(err, audit.ErrChainBroken) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rep.Valid {
		s.Metrics.AuditChainValid.Set(1)
	} else {
		s.Metrics.AuditChainValid.Set(0)
		s.Metrics.AuditVerifyFailures.Inc()
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	exp, err := s.GDPR.Export(r.Context(), subject, actorFrom(r, subject))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Metrics.GDPRRequests.WithLabelValues("export").Inc()
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleErase(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	rep, err := s.GDPR.Erase(r.Context(), subject, actorFrom(r, subject))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Guardian.Tracker().Reset(r.Context(), subject); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("failed to reset drift session on erasure")
	}
	s.Metrics.GDPRRequests.WithLabelValues("erase").Inc()
	writeJSON(w, http.StatusOK, rep)
}

type ConsentRequest struct {
	Purpose string `json:"purpose"`
	Granted bool   `json:"granted"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Purpose == "" {
		req.Purpose = gdpr.PurposeProcessing
	}
	c, err := s.GDPR.SetConsent(r.Context(), gdpr.Consent{SubjectID: subject, Purpose: req.Purpose, Granted: req.Granted}, actorFrom(r, subject))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Metrics.GDPRRequests.WithLabelValues("consent").Inc()
	writeJSON(w, http.StatusOK, c)
}

type StateResponse struct {
	State   consciousness.State   `json:"state"`
	Metrics consciousness.Metrics `json:"metrics"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{State: s.Engine.State(), Metrics: s.Engine.Metrics()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Resume(); err != nil {
		if errors.Is(err, consciousness.ErrNotSuspended) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: s.Engine.State(), Metrics: s.Engine.Metrics()})
}

func (s *Server) recordDecision(d guardian.Decision) {
	s.Metrics.Decisions.WithLabelValues(string(d.Verdict)).Inc()
	s.Metrics.DriftScore.Observe(d.Drift.Value)
}

// observe feeds the decision back into the consciousness engine.
func (s *Server) observe(d guardian.Decision) {
	blocked := d.Verdict == guardian.VerdictBlock
	critical := blocked && (d.Safety.Blocking() ||
		d.Drift.Level == drift.LevelCritical || d.Session.LastLevel == drift.LevelCritical)
	err := s.Engine.Submit(consciousness.Observation{DriftScore: d.Drift.Value, Blocked: blocked, Critical: critical})
	switch {
	case errors.Is(err, consciousness.ErrQueueFull):
		s.Metrics.EngineRejections.Inc()
		log.Warn().Str("component", "api").Str("request", d.ID).Msg("engine queue full, observation dropped")
	case err != nil:
		log.Debug().Err(err).Str("component", "api").Msg("observation not submitted")
	}
}

func (s *Server) publishDecision(r *http.Request, d guardian.Decision, subject string) {
	evt := eventbus.New("guardian.api", eventbus.TypeDecision,
		eventbus.EventContext{SessionID: d.Session.SessionID, SubjectID: subject, RequestID: d.ID},
		map[string]any{"verdict": d.Verdict, "risk_score": d.RiskScore, "reasons": d.Reasons})
	if err := s.Bus.Publish(r.Context(), evt); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("failed to publish decision event")
	}
}

func decisionEvent(d guardian.Decision, subject, action, redactedInput string) audit.Event {
	return audit.Event{
		Type:    audit.TypeDecision,
		Actor:   "guardian",
		Subject: subject,
		Action:  action,
		Outcome: string(d.Verdict),
		Details: map[string]any{
			"request_id":  d.ID,
			"session_id":  d.Session.SessionID,
			"risk_score":  d.RiskScore,
			"reasons":     d.Reasons,
			"drift_score": d.Drift.Value,
			"drift_level": d.Drift.Level,
			"safety":      d.Safety.Categories(),
			"input":       redactedInput,
		},
	}
}

// actorFrom returns the X-Actor header or fallback.
func actorFrom(r *http.Request, fallback string) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	if fallback == "" {
		return "anonymous"
	}
	return fallback
}
