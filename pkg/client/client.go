// Package client is a Go client for the guardian HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a client interface for the guardian API
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithActor sets the X-Actor header recorded in the audit trail.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = actor }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guardian API returned status %d: %s", e.Status, e.Message)
}

type ProcessRequest struct {
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Input     string         `json:"input"`
	Verified  bool           `json:"verified,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type ProcessResponse struct {
	RequestID string   `json:"request_id"`
	Verdict   string   `json:"verdict"`
	RiskScore float64  `json:"risk_score"`
	Reasons   []string `json:"reasons,omitempty"`
	Response  string   `json:"response,omitempty"`
	Drift     struct {
		Score       float64 `json:"score"`
		Level       string  `json:"level"`
		SessionEWMA float64 `json:"session_ewma"`
	} `json:"drift"`
	Metrics  EngineMetrics `json:"metrics"`
	Degraded bool          `json:"degraded,omitempty"`
}

// CheckRequest asks for a decision without generating a response.
type CheckRequest struct {
	Action    string         `json:"action,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Verified  bool           `json:"verified,omitempty"`
	Text      string         `json:"text"`
	Params    map[string]any `json:"params,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type Decision struct {
	ID         string   `json:"id"`
	Verdict    string   `json:"verdict"`
	RiskScore  float64  `json:"risk_score"`
	Reasons    []string `json:"reasons,omitempty"`
	Principles struct {
		Allowed  bool     `json:"allowed"`
		Denials  []string `json:"denials,omitempty"`
		Warnings []string `json:"warnings,omitempty"`
	} `json:"principles"`
	DecidedAt time.Time `json:"decided_at"`
}

type SessionState struct {
	SessionID string    `json:"session_id"`
	EWMA      float64   `json:"ewma"`
	Samples   int       `json:"samples"`
	Peak      float64   `json:"peak"`
	LastLevel string    `json:"last_level"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditEvent struct {
	ID        string         `json:"id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Subject   string         `json:"subject,omitempty"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	Redacted  bool           `json:"redacted,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

type VerifyReport struct {
	Valid    bool   `json:"valid"`
	Events   int64  `json:"events"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Problem  string `json:"problem,omitempty"`
	Head     string `json:"head"`
}

type EngineMetrics struct {
	Awareness float64 `json:"awareness"`
	Coherence float64 `json:"coherence"`
	Stability float64 `json:"stability"`
	Processed int64   `json:"processed"`
	Blocked   int64   `json:"blocked"`
}

type State struct {
	State   string        `json:"state"`
	Metrics EngineMetrics `json:"metrics"`
}

type ErasureReport struct {
	SubjectID       string `json:"subject_id"`
	RecordsDeleted  int64  `json:"records_deleted"`
	ConsentsDeleted int64  `json:"consents_deleted"`
	EventsRedacted  int64  `json:"events_redacted"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	State     string `json:"state"`
}

// Proposal is a candidate change submitted for innovation review.
type Proposal struct {
	ID               string   `json:"id,omitempty"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Domain           string   `json:"domain,omitempty"`
	ChangeClass      string   `json:"change_class,omitempty"`
	Claims           []string `json:"claims,omitempty"`
	Evidence         []string `json:"evidence,omitempty"`
	RegressionPassed bool     `json:"regression_passed"`
}

// Process sends input through the full pipeline.
func (c *Client) Process(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	var out ProcessResponse
	if err := c.do(ctx, http.MethodPost, "/process", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Check returns the guardian decision for req.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/v1/guardian/check", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsActionAllowed returns true unless the guardian blocks the action.
func (c *Client) IsActionAllowed(ctx context.Context, action, text string, params, context map[string]any) (bool, []string, error) {
	d, err := c.Check(ctx, CheckRequest{Action: action, Text: text, Params: params, Context: context})
	if err != nil {
		return false, nil, err
	}
	return d.Verdict != "block", d.Reasons, nil
}

func (c *Client) Session(ctx context.Context, id string) (*SessionState, error) {
	var out SessionState
	if err := c.do(ctx, http.MethodGet, "/v1/drift/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResetSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/drift/sessions/"+url.PathEscape(id), nil, nil)
}

// AuditEvents lists audit events. Empty filters are ignored.
func (c *Client) AuditEvents(ctx context.Context, subject, typ string, limit int) ([]AuditEvent, error) {
	q := url.Values{}
	if subject != "" {
		q.Set("subject", subject)
	}
	if typ != "" {
		q.Set("type", typ)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/audit/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Events []AuditEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) VerifyAudit(ctx context.Context) (*VerifyReport, error) {
	var out VerifyReport
	if err := c.do(ctx, http.MethodGet, "/v1/audit/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export returns the raw export document for subject.
func (c *Client) Export(ctx context.Context, subject string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/gdpr/export/"+url.PathEscape(subject), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Erase(ctx context.Context, subject string) (*ErasureReport, error) {
	var out ErasureReport
	if err := c.do(ctx, http.MethodDelete, "/gdpr/erase/"+url.PathEscape(subject), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetConsent(ctx context.Context, subject, purpose string, granted bool) error {
	body := map[string]any{"purpose": purpose, "granted": granted}
	return c.do(ctx, http.MethodPut, "/gdpr/consent/"+url.PathEscape(subject), body, nil)
}

func (c *Client) State(ctx context.Context) (*State, error) {
	var out State
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Resume(ctx context.Context) (*State, error) {
	var out State
	if err := c.do(ctx, http.MethodPost, "/v1/state/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EvaluateProposal returns the raw evaluation result.
func (c *Client) EvaluateProposal(ctx context.Context, p Proposal) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/innovation/evaluate", p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
