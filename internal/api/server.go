// Package api exposes the guardian over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"guardian/internal/audit"
	"guardian/internal/consciousness"
	"guardian/internal/eventbus"
	"guardian/internal/gdpr"
	"guardian/internal/guardian"
	"guardian/internal/innovation"
	"guardian/internal/metrics"
	"guardian/internal/responder"
)

const Version = "1.0.0"

// Deps are the services the HTTP layer is built from. Bus and Metrics may be
// nil.
type Deps struct {
	Guardian       *guardian.Guardian
	Engine         *consciousness.Engine
	Audit          *audit.Store
	GDPR           *gdpr.Store
	Innovation     *innovation.Protector
	Responder      responder.Responder
	Bus            eventbus.Publisher
	Metrics        *metrics.Metrics
	RequireConsent bool
}

type Server struct {
	Deps
	router *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Responder == nil {
		d.Responder = responder.EchoResponder{}
	}
	s := &Server{Deps: d, router: mux.NewRouter()}
	s.setupRoutes()

	d.Audit.OnAppend(func(audit.Event) { d.Metrics.AuditAppends.Inc() })
	d.Engine.OnTransition(func(t consciousness.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.appendAudit(ctx, audit.Event{
			Type:    audit.TypeState,
			Actor:   "consciousness",
			Action:  "transition",
			Outcome: string(t.To),
			Details: map[string]any{"from": t.From, "to": t.To, "reason": t.Reason},
		})
	})
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestMetrics)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.Metrics.Handler()).Methods("GET")

	s.router.HandleFunc("/process", s.handleProcess).Methods("POST")
	s.router.HandleFunc("/v1/guardian/check", s.handleCheck).Methods("POST")

	s.router.HandleFunc("/v1/drift/sessions/{id}", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/v1/drift/sessions/{id}", s.handleResetSession).Methods("DELETE")

	s.router.HandleFunc("/v1/innovation/evaluate", s.handleInnovationEvaluate).Methods("POST")
	s.router.HandleFunc("/v1/innovation/checkpoints/verify", s.handleCheckpointVerify).Methods("GET")

	s.router.HandleFunc("/v1/audit/events", s.handleAuditEvents).Methods("GET")
	s.router.HandleFunc("/v1/audit/verify", s.handleAuditVerify).Methods("GET")

	s.router.HandleFunc("/gdpr/export/{subject}", s.handleExport).Methods("GET")
	s.router.HandleFunc("/gdpr/erase/{subject}", s.handleErase).Methods("DELETE")
	s.router.HandleFunc("/gdpr/consent/{subject}", s.handleConsent).Methods("PUT")

	s.router.HandleFunc("/v1/state", s.handleState).Methods("GET")
	s.router.HandleFunc("/v1/state/resume", s.handleResume).Methods("POST")
}

func (s *Server) Handler() http.Handler { return s.router }

// appendAudit records e. The error is returned for callers that must fail
// the request.
func (s *Server) appendAudit(ctx context.Context, e audit.Event) (audit.Event, error) {
	out, err := s.Audit.Append(ctx, e)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Str("type", e.Type).Msg("audit append failed")
	}
	return out, err
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusRecorder captures the status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		s.Metrics.RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.Metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		log.Debug().Str("component", "api").Str("method", r.Method).Str("route", route).
			Int("status", rec.status).Dur("duration", elapsed).Msg("request served")
	})
}
