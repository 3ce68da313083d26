package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appclaims "github.com/blackms/claimflow/internal/application/claims"
	"github.com/blackms/claimflow/internal/domain/agent"
	domain "github.com/blackms/claimflow/internal/domain/claims"
	infra "github.com/blackms/claimflow/internal/infrastructure/claims"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := infra.NewMemoryEventStore()
	claimRepo := infra.NewMemoryClaimRepository()
	issueRepo := infra.NewMemoryIssueRepository()
	claimantRepo := infra.NewMemoryClaimantRepository()
	registry := agent.NewRegistry()

	svc := appclaims.NewService(store, claimRepo, issueRepo, claimantRepo)
	stealing := appclaims.NewStealingService(store, claimRepo, claimantRepo)
	balancer := appclaims.NewLoadBalancer(store, claimRepo, registry, svc)

	srv := NewServer(zerolog.Nop(), svc, stealing, balancer, registry, store)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, body := do(t, ts, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/api/v1/claimants", map[string]any{
		"id": "agent-1", "type": "agent", "capabilities": []string{"go"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/issues", map[string]any{
		"id": "iss-1", "title": "fix the flaky test", "priority": "high",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, ts, http.MethodPost, "/api/v1/issues/iss-1/claim", map[string]any{
		"claimantId": "agent-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(domain.StatusActive), body["status"])

	// A competing claim conflicts.
	resp, body = do(t, ts, http.MethodPost, "/api/v1/claimants", map[string]any{
		"id": "agent-2", "type": "agent",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = do(t, ts, http.MethodPost, "/api/v1/issues/iss-1/claim", map[string]any{
		"claimantId": "agent-2",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(domain.CodeAlreadyClaimed), body["code"])

	resp, _ = do(t, ts, http.MethodPut, "/api/v1/issues/iss-1/progress", map[string]any{
		"claimantId": "agent-1", "progress": 50,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, ts, http.MethodGet, "/api/v1/issues/iss-1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim, ok := body["claim"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 50.0, claim["progress"])

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/issues/iss-1/complete", map[string]any{
		"claimantId": "agent-1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, ts, http.MethodGet, "/api/v1/issues/iss-1/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["count"].(float64), 0.0)
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)

	// Unknown issue -> 404 with a typed code.
	resp, body := do(t, ts, http.MethodGet, "/api/v1/issues/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(domain.CodeIssueNotFound), body["code"])

	// Malformed body -> 400.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/issues", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp2, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	// Validation failure -> 400.
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/issues", map[string]any{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown contest -> 404.
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/contests/nope/resolve", map[string]any{
		"winnerId": "a", "authority": "queen",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStealOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"owner", "thief"} {
		resp, _ := do(t, ts, http.MethodPost, "/api/v1/claimants", map[string]any{"id": id, "type": "agent"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := do(t, ts, http.MethodPost, "/api/v1/issues", map[string]any{"id": "iss-1", "title": "t"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/issues/iss-1/claim", map[string]any{"claimantId": "owner"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/issues/iss-1/steal/mark", map[string]any{
		"claimantId": "owner", "reason": "manual", "graceSeconds": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, ts, http.MethodGet, "/api/v1/stealable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["count"])

	resp, body = do(t, ts, http.MethodPost, "/api/v1/issues/iss-1/steal", map[string]any{"claimantId": "thief"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["stolen"])
}

func TestSwarmEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, id := range []string{"a-1", "a-2"} {
		resp, _ := do(t, ts, http.MethodPost, "/api/v1/claimants", map[string]any{"id": id, "type": "agent"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := do(t, ts, http.MethodPost, "/api/v1/swarms", map[string]any{
		"id": "s-1", "name": "alpha", "members": []string{"a-1", "a-2"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, ts, http.MethodGet, "/api/v1/swarms/s-1/load", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["agents"], 2)

	resp, body = do(t, ts, http.MethodGet, "/api/v1/swarms/s-1/imbalance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["detected"])

	resp, body = do(t, ts, http.MethodPost, "/api/v1/swarms/s-1/rebalance?preview=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["preview"])

	resp, body = do(t, ts, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "claims")
	assert.Contains(t, body, "stealing")
	assert.Contains(t, body, "balancing")

	resp, body = do(t, ts, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "steal")
	assert.Contains(t, body, "load")
	assert.Contains(t, body, "assign")
}
