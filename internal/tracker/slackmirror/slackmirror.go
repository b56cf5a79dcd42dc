// Package slackmirror implements a tracker that mirrors agent activity into a
// Slack thread. A Slack mention plays the role of an issue; the session key is
// "channel:thread_ts" and every activity becomes a thread reply posted via
// chat.postMessage.
package slackmirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/tracker"
)

// DefaultAPIEndpoint is the Slack Web API base URL.
const DefaultAPIEndpoint = "https://slack.com/api"

var _ tracker.Service = (*Service)(nil)

// Service mirrors tracker operations into Slack threads.
type Service struct {
	endpoint   string
	botToken   string
	httpClient *http.Client
	logger     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*tracker.AgentSession // session id -> session (issue id is channel:thread_ts)
}

// New creates a Slack mirror tracker using the given bot token.
func New(botToken string, log *logger.Logger) *Service {
	return &Service{
		endpoint:   DefaultAPIEndpoint,
		botToken:   botToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithFields(zap.String("component", "slack-mirror")),
		sessions:   make(map[string]*tracker.AgentSession),
	}
}

// SetEndpoint overrides the API endpoint (tests).
func (s *Service) SetEndpoint(endpoint string) { s.endpoint = endpoint }

// ID returns the tracker variant id.
func (s *Service) ID() string { return tracker.TrackerSlackMirror }

// splitThreadKey splits "channel:thread_ts" into its parts.
func splitThreadKey(key string) (channel, threadTS string, err error) {
	channel, threadTS, ok := strings.Cut(key, ":")
	if !ok || channel == "" || threadTS == "" {
		return "", "", fmt.Errorf("invalid slack thread key %q (want channel:thread_ts)", key)
	}
	return channel, threadTS, nil
}

// postMessage sends a thread reply via chat.postMessage.
func (s *Service) postMessage(ctx context.Context, channel, threadTS, text string) error {
	payload := map[string]interface{}{
		"channel":   channel,
		"thread_ts": threadTS,
		"text":      text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode slack response: %w", err)
	}
	if !result.OK {
		return &tracker.OperationError{Operation: "chat.postMessage", Reason: result.Error}
	}
	return nil
}

// FetchIssue synthesizes an issue from the thread key; Slack threads have no
// backing record to fetch.
func (s *Service) FetchIssue(ctx context.Context, issueID string) (*tracker.Issue, error) {
	channel, threadTS, err := splitThreadKey(issueID)
	if err != nil {
		return nil, err
	}
	return &tracker.Issue{
		ID:         issueID,
		Identifier: fmt.Sprintf("SLACK-%s", threadTS),
		Title:      fmt.Sprintf("Slack thread in %s", channel),
	}, nil
}

// FetchIssueChildren returns nothing; threads have no sub-issues.
func (s *Service) FetchIssueChildren(ctx context.Context, issueID string) ([]*tracker.Issue, error) {
	return nil, nil
}

// UpdateIssue is not supported; Slack threads carry no mutable issue fields.
func (s *Service) UpdateIssue(ctx context.Context, issueID string, update tracker.IssueUpdate) error {
	return tracker.ErrNotSupported
}

// FetchAttachments returns nothing.
func (s *Service) FetchAttachments(ctx context.Context, issueID string) ([]tracker.Attachment, error) {
	return nil, nil
}

// CreateComment posts a thread reply.
func (s *Service) CreateComment(ctx context.Context, issueID, body string) (*tracker.Comment, error) {
	channel, threadTS, err := splitThreadKey(issueID)
	if err != nil {
		return nil, err
	}
	if err := s.postMessage(ctx, channel, threadTS, body); err != nil {
		return nil, err
	}
	return &tracker.Comment{IssueID: issueID, Body: body}, nil
}

// FetchTeams is not meaningful for Slack.
func (s *Service) FetchTeams(ctx context.Context) ([]tracker.Team, error) {
	return nil, tracker.ErrNotSupported
}

// FetchWorkflowStates is not meaningful for Slack.
func (s *Service) FetchWorkflowStates(ctx context.Context, teamID string) ([]tracker.WorkflowState, error) {
	return nil, tracker.ErrNotSupported
}

// FetchCurrentUser returns the bot identity placeholder.
func (s *Service) FetchCurrentUser(ctx context.Context) (*tracker.User, error) {
	return &tracker.User{ID: "sylas-bot", Name: "sylas", DisplayName: "Sylas", IsBot: true}, nil
}

// CreateAgentSessionOnIssue opens a mirror session keyed by the thread.
func (s *Service) CreateAgentSessionOnIssue(ctx context.Context, issueID string) (*tracker.AgentSession, error) {
	if _, _, err := splitThreadKey(issueID); err != nil {
		return nil, err
	}
	session := &tracker.AgentSession{
		ID:        issueID, // the thread key is the stable session id
		IssueID:   issueID,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return session, nil
}

// CreateAgentSessionOnComment behaves like CreateAgentSessionOnIssue; replies
// land in the same thread either way.
func (s *Service) CreateAgentSessionOnComment(ctx context.Context, commentID string) (*tracker.AgentSession, error) {
	return s.CreateAgentSessionOnIssue(ctx, commentID)
}

// FetchAgentSession returns a previously opened mirror session.
func (s *Service) FetchAgentSession(ctx context.Context, sessionID string) (*tracker.AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &tracker.OperationError{Operation: "fetchAgentSession", Reason: "session not found"}
	}
	return session, nil
}

// CreateAgentActivity posts the activity as a thread reply.
func (s *Service) CreateAgentActivity(ctx context.Context, activity *tracker.Activity) error {
	channel, threadTS, err := splitThreadKey(activity.SessionID)
	if err != nil {
		return err
	}

	var text string
	switch activity.Kind {
	case tracker.ActivityThought:
		text = fmt.Sprintf("_%s_", activity.Body)
	case tracker.ActivityAction:
		text = fmt.Sprintf(":hammer_and_wrench: `%s` %s", activity.Action, activity.Parameter)
	case tracker.ActivityProcedureSelection, tracker.ActivityAnalyzing:
		text = fmt.Sprintf(":mag: %s", activity.Body)
	default:
		text = activity.Body
	}
	if activity.IsError {
		text = ":x: " + text
	}
	return s.postMessage(ctx, channel, threadTS, text)
}

// RequestFileUpload is not supported by the mirror.
func (s *Service) RequestFileUpload(ctx context.Context, filename, contentType string, size int64) (*tracker.UploadTarget, error) {
	return nil, tracker.ErrNotSupported
}

// UploadFile is not supported by the mirror.
func (s *Service) UploadFile(ctx context.Context, path string) (string, error) {
	return "", tracker.ErrNotSupported
}

// GetIssueLabels returns nothing; Slack threads have no labels.
func (s *Service) GetIssueLabels(ctx context.Context, issueID string) ([]tracker.Label, error) {
	return nil, nil
}
