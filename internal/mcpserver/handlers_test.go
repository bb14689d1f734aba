package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewKarmaguardClient(Config{APIURL: ts.URL}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_payload",
			"message": "missing properties: 'karma_log'",
		})
	}))
	defer ts.Close()

	_, err := NewKarmaguardClient(Config{APIURL: ts.URL}).Analyze(context.Background(), []byte(`{}`), false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_payload", apiErr.Code)
	assert.Contains(t, err.Error(), "API error (400)")
	assert.Contains(t, err.Error(), "karma_log")
}

func TestClient_SendsRequestID(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{"version": "1.0.0"}`))
	}))
	defer ts.Close()

	_, err := NewKarmaguardClient(Config{APIURL: ts.URL + "/", Timeout: time.Second}).Version(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "mcp_"), got)
}

func TestClient_SendsAPIKey(t *testing.T) {
	var keys []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"version": "1.0.0"}`))
	}))
	defer ts.Close()

	_, err := NewKarmaguardClient(Config{APIURL: ts.URL, APIKey: "kg_test"}).Version(context.Background())
	require.NoError(t, err)
	_, err = NewKarmaguardClient(Config{APIURL: ts.URL}).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"kg_test", ""}, keys)
}

func TestHandleAnalyzeKarmaLog_PayloadHint(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_payload", "message": "missing properties: 'karma_log'"}`))
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeKarmaLog(context.Background(), makeRequest(map[string]any{"karma_log_json": `{"user_id": "u1"}`}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "needs a karma_log array")
}

func TestClient_HTTPError_RawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewKarmaguardClient(Config{APIURL: ts.URL}).Version(context.Background())
	assert.ErrorContains(t, err, "upstream down")
}

func TestClient_HistoryEscapesUserID(t *testing.T) {
	var gotPath, gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"assessments": []}`))
	}))
	defer ts.Close()

	_, err := NewKarmaguardClient(Config{APIURL: ts.URL}).History(context.Background(), "a/b", 5, "")
	require.NoError(t, err)
	assert.Equal(t, "/api/users/a%2Fb/assessments", gotPath)
	assert.Equal(t, "5", gotLimit)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleAnalyzeKarmaLog(t *testing.T) {
	var gotBody, gotQuery string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analyze", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{
			"user_id": "u1", "fraud_score": 0.734, "status": "banned_recommendation",
			"suspicious_activities": [
				{"activity_id": "a1", "rule": "new_account_upvote", "reason": "Upvote from new account", "score": 0.67},
				{"rule": "single_activity_type", "reason": "Only one type of activity detected", "score": 0.5}
			],
			"features": {"total_upvotes": 3}
		}`))
	}))
	defer cleanup()

	body := `{"user_id": "u1", "karma_log": []}`
	result, err := h.HandleAnalyzeKarmaLog(context.Background(), makeRequest(map[string]any{
		"karma_log_json":   body,
		"include_features": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, body, gotBody)
	assert.Equal(t, "include=features", gotQuery)

	text := resultText(t, result)
	assert.Contains(t, text, "Fraud score: 0.734")
	assert.Contains(t, text, "Status: banned_recommendation")
	assert.Contains(t, text, "[new_account_upvote] a1: Upvote from new account")
	assert.Contains(t, text, "[single_activity_type] account:")
	assert.Contains(t, text, `"total_upvotes": 3`)
}

func TestHandleAnalyzeKarmaLog_Clean(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user_id": "u1", "fraud_score": 0.01, "status": "clean", "suspicious_activities": []}`))
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeKarmaLog(context.Background(), makeRequest(map[string]any{
		"karma_log_json": `{"user_id": "u1", "karma_log": []}`,
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "No suspicious activity found.")
	assert.NotContains(t, text, "Features:")
}

func TestHandleAnalyzeKarmaLog_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("API must not be called")
	}))
	defer cleanup()

	for _, args := range []map[string]any{nil, {"karma_log_json": "  "}, {"karma_log_json": "{not json"}} {
		result, err := h.HandleAnalyzeKarmaLog(context.Background(), makeRequest(args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestHandleAnalyzeKarmaLog_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "manifest_mismatch", "message": "feature manifest does not match the extractor"}`))
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeKarmaLog(context.Background(), makeRequest(map[string]any{"karma_log_json": `{}`}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "feature manifest does not match")
}

func TestHandleGetUserHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"assessments": [
			{"id": "asm_1", "fraud_score": 0.42, "status": "flagged", "policy_version": "1.0.0", "evaluated_at": "2024-05-01T10:00:00Z"}
		], "count": 1}`))
	}))
	defer cleanup()

	result, err := h.HandleGetUserHistory(context.Background(), makeRequest(map[string]any{"user_id": "u1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Assessments for u1 (1)")
	assert.Contains(t, text, "0.420  flagged")
}

func TestHandleGetUserHistory_Cursor(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"assessments": [
			{"id": "asm_2", "fraud_score": 0.1, "status": "clean", "policy_version": "1.0.0", "evaluated_at": "2024-05-01T09:00:00Z"}
		], "count": 1, "has_more": true, "next_cursor": "def"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetUserHistory(context.Background(), makeRequest(map[string]any{"user_id": "u1", "cursor": "abc"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `pass cursor "def"`)
}

func TestHandleGetUserHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assessments": [], "count": 0}`))
	}))
	defer cleanup()

	result, err := h.HandleGetUserHistory(context.Background(), makeRequest(map[string]any{"user_id": "u1", "limit": 3}))
	require.NoError(t, err)
	assert.Equal(t, "No assessments recorded for u1.", resultText(t, result))
}

func TestHandleGetUserHistory_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, _ := h.HandleGetUserHistory(context.Background(), makeRequest(nil))
	assert.True(t, result.IsError)

	result, _ = h.HandleGetUserHistory(context.Background(), makeRequest(map[string]any{"user_id": "u1", "limit": 500}))
	assert.True(t, result.IsError)
}

func TestHandleGetServiceVersion(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version": "1.0.0", "service": "0.1.0"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetServiceVersion(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Policy version: 1.0.0 (service 0.1.0)", resultText(t, result))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
