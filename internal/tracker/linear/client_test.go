package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/tracker"
)

func newTestClient(t *testing.T, api *httptest.Server, tokenURL string) *Client {
	t.Helper()
	refresher := NewTokenRefresher(tokenURL, "id", "secret", nil, logger.Default())
	client := NewClient(tracker.Credential{
		TrackerID:    tracker.TrackerLinear,
		WorkspaceID:  "ws-1",
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
	}, refresher, logger.Default())
	client.SetEndpoint(api.URL)
	return client
}

func issueResponse() string {
	return `{"data": {"issue": {
		"id": "issue-1",
		"identifier": "TEST-1",
		"title": "A bug",
		"description": "fix it",
		"labels": {"nodes": [{"id": "l1", "name": "Bug"}]}
	}}}`
}

func TestQueryRefreshesOnceOn401(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "fresh"}`))
	}))
	defer tokens.Close()

	var calls atomic.Int64
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			assert.Equal(t, "Bearer stale", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		w.Write([]byte(issueResponse()))
	}))
	defer api.Close()

	client := newTestClient(t, api, tokens.URL)
	issue, err := client.FetchIssue(context.Background(), "issue-1")
	require.NoError(t, err)
	assert.Equal(t, "TEST-1", issue.Identifier)
	assert.Equal(t, int64(2), calls.Load())
}

func TestQuerySecond401Surfaces(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "still-bad"}`))
	}))
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	client := newTestClient(t, api, tokens.URL)
	_, err := client.FetchIssue(context.Background(), "issue-1")
	assert.ErrorContains(t, err, "unauthorized after token refresh")
}

func TestQueryGraphQLErrorBecomesOperationError(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "fresh"}`))
	}))
	defer tokens.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": [{"message": "issue not found"}]}`))
	}))
	defer api.Close()

	client := newTestClient(t, api, tokens.URL)
	_, err := client.FetchIssue(context.Background(), "missing")
	require.Error(t, err)

	var opErr *tracker.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, opErr.Reason, "issue not found")
}

func TestCreateAgentActivityPayloadShape(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token": "fresh"}`))
	}))
	defer tokens.Close()

	var captured struct {
		Variables map[string]any `json:"variables"`
	}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"data": {"agentActivityCreate": {"success": true}}}`))
	}))
	defer api.Close()

	client := newTestClient(t, api, tokens.URL)
	err := client.CreateAgentActivity(context.Background(), &tracker.Activity{
		SessionID: "sess-1",
		Kind:      tracker.ActivityThought,
		Body:      "thinking about it",
	})
	require.NoError(t, err)

	input, ok := captured.Variables["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-1", input["agentSessionId"])
}
