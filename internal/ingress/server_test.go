package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/common/config"
	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/translator"
)

type fakeSink struct {
	mu           sync.Mutex
	messages     []*translator.Message
	repos        []string
	activeRunner bool
	shuttingDown bool
}

func (f *fakeSink) HandleMessage(ctx context.Context, repo *config.RepositoryConfig, msg *translator.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	f.repos = append(f.repos, repo.ID)
	return nil
}

func (f *fakeSink) HasActiveRunners() bool { return f.activeRunner }
func (f *fakeSink) IsShuttingDown() bool   { return f.shuttingDown }

func newTestServer(t *testing.T, sink *fakeSink, apiKey string) *Server {
	t.Helper()
	router := NewRouter(testRepos(), testResolver)
	cfg := config.ServerConfig{Port: 3456, APIKey: apiKey}
	secrets := func(orgID string) (string, bool) {
		if orgID == "org-1" {
			return "hook-secret", true
		}
		return "", false
	}
	return NewServer(cfg, router, sink, translator.NewLinearTranslator(), translator.NewSlackTranslator(), secrets, logger.Default())
}

func linearPayload() string {
	return `{
		"type": "AgentSessionEvent",
		"action": "created",
		"organizationId": "org-1",
		"data": {
			"id": "sess-1",
			"issue": {"id": "issue-1", "identifier": "TEST-1", "title": "t"},
			"comment": {"id": "c1", "body": "do the thing"}
		}
	}`
}

func TestWebhookDirectModeVerification(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "")
	handler := srv.Handler()

	body := linearPayload()

	// Valid signature dispatches the message.
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Linear-Signature", sign([]byte(body), "hook-secret"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	// Both org-1 repositories are offered the message.
	require.Len(t, sink.messages, 2)
	assert.Equal(t, translator.ActionSessionStart, sink.messages[0].Action)
	assert.ElementsMatch(t, []string{"repo-a", "repo-b"}, sink.repos)

	// Bad signature is rejected.
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Linear-Signature", "deadbeef")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, sink.messages, 2)
}

func TestWebhookProxyModeBearer(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "api-key-1")
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(linearPayload()))
	req.Header.Set("Authorization", "Bearer api-key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sink.messages, 2)

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(linearPayload()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDispatchPinsIssueToFirstRepository(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "api-key-1")
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(linearPayload()))
	req.Header.Set("Authorization", "Bearer api-key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.messages, 2)

	// Both org-1 repositories saw the delivery, but the issue is bound to the
	// first one, the repository its session was created under.
	repos := srv.router.Route("org-1", "issue-1")
	require.Len(t, repos, 1)
	assert.Equal(t, "repo-a", repos[0].ID)
}

func TestWebhookUntranslatableIsAcked(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "api-key-1")
	handler := srv.Handler()

	body := `{"type": "Comment", "action": "created", "organizationId": "org-1", "data": {}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer api-key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Translation failures are 200-acked so the tracker stops retrying.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ignored":true`)
	assert.Empty(t, sink.messages)
}

func TestWebhookUnknownOrganizationIsAcked(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "api-key-1")
	handler := srv.Handler()

	body := strings.Replace(linearPayload(), "org-1", "org-nobody", 1)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer api-key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ignored":true`)
	assert.Empty(t, sink.messages)
}

func TestWebhookRejectedDuringShutdown(t *testing.T) {
	sink := &fakeSink{shuttingDown: true}
	srv := newTestServer(t, sink, "api-key-1")
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(linearPayload()))
	req.Header.Set("Authorization", "Bearer api-key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, sink.messages)
}

func TestSlackURLVerificationAnsweredBeforeAuth(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "api-key-1")
	handler := srv.Handler()

	body := `{"type": "url_verification", "challenge": "c0ffee"}`
	req := httptest.NewRequest(http.MethodPost, "/slack-webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c0ffee")
}

func TestStatusEndpoint(t *testing.T) {
	sink := &fakeSink{}
	srv := newTestServer(t, sink, "")
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "idle")

	sink.activeRunner = true
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Contains(t, rec.Body.String(), "busy")
}
