package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ops", r.Header.Get("X-Actor"))
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "r1", "verdict": "allow", "response": "Received: " + req.Input,
			"drift": map[string]any{"score": 0.1, "level": "stable"},
		})
	})
	mux.HandleFunc("POST /v1/guardian/check", func(w http.ResponseWriter, r *http.Request) {
		var req CheckRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		verdict := "allow"
		var reasons []string
		if req.Action == "delete_data" {
			verdict, reasons = "block", []string{"principle violated"}
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "d1", "verdict": verdict, "reasons": reasons})
	})
	mux.HandleFunc("GET /v1/drift/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"session not found"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"session_id": "s1", "samples": 2})
	})
	mux.HandleFunc("DELETE /v1/drift/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/audit/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.URL.Query().Get("subject"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]any{"events": []map[string]any{{"id": "e1", "sequence": 1}}, "count": 1})
	})
	mux.HandleFunc("POST /v1/state/resume", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"engine not suspended"}`))
	})
	mux.HandleFunc("PUT /gdpr/consent/{subject}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "processing", body["purpose"])
		json.NewEncoder(w).Encode(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProcessAndCheck(t *testing.T) {
	c := NewClient(newTestServer(t).URL+"/", WithActor("ops"))
	ctx := context.Background()

	resp, err := c.Process(ctx, ProcessRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "allow", resp.Verdict)
	assert.Equal(t, "Received: hi", resp.Response)
	assert.Equal(t, "stable", resp.Drift.Level)

	ok, reasons, err := c.IsActionAllowed(ctx, "delete_data", "drop it", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"principle violated"}, reasons)

	ok, _, err = c.IsActionAllowed(ctx, "read", "hello", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionsAuditAndErrors(t *testing.T) {
	c := NewClient(newTestServer(t).URL)
	ctx := context.Background()

	st, err := c.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Samples)

	_, err = c.Session(ctx, "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "session not found", apiErr.Message)

	require.NoError(t, c.ResetSession(ctx, "s1"))

	events, err := c.AuditEvents(ctx, "alice", "", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)

	_, err = c.Resume(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	require.NoError(t, c.SetConsent(ctx, "alice", "processing", true))
}
