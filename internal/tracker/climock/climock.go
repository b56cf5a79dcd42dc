// Package climock implements an in-memory tracker for local runs. Issues are
// seeded programmatically and activities are printed to stdout so a developer
// can follow a session without a real tracker.
package climock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sylasdev/sylas/internal/tracker"
)

var _ tracker.Service = (*Service)(nil)

// Service is the cli-mock tracker.
type Service struct {
	mu       sync.RWMutex
	issues   map[string]*tracker.Issue
	comments map[string][]*tracker.Comment // by issue id
	sessions map[string]*tracker.AgentSession
	out      *os.File
}

// New creates an empty cli-mock tracker writing activities to stdout.
func New() *Service {
	return &Service{
		issues:   make(map[string]*tracker.Issue),
		comments: make(map[string][]*tracker.Comment),
		sessions: make(map[string]*tracker.AgentSession),
		out:      os.Stdout,
	}
}

// ID returns the tracker variant id.
func (s *Service) ID() string { return tracker.TrackerCLIMock }

// SeedIssue registers an issue so webhooks referring to it resolve.
func (s *Service) SeedIssue(issue *tracker.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issue.ID] = issue
}

// FetchIssue returns a seeded issue.
func (s *Service) FetchIssue(ctx context.Context, issueID string) (*tracker.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return nil, &tracker.OperationError{Operation: "fetchIssue", Reason: "issue not found"}
	}
	return issue, nil
}

// FetchIssueChildren returns nothing; the mock tracker has flat issues.
func (s *Service) FetchIssueChildren(ctx context.Context, issueID string) ([]*tracker.Issue, error) {
	return nil, nil
}

// UpdateIssue mutates a seeded issue in place.
func (s *Service) UpdateIssue(ctx context.Context, issueID string, update tracker.IssueUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[issueID]
	if !ok {
		return &tracker.OperationError{Operation: "updateIssue", Reason: "issue not found"}
	}
	if update.Title != nil {
		issue.Title = *update.Title
	}
	if update.Description != nil {
		issue.Description = *update.Description
	}
	if update.StateID != nil {
		issue.StateID = *update.StateID
	}
	if update.AssigneeID != nil {
		issue.AssigneeID = *update.AssigneeID
	}
	return nil
}

// FetchAttachments returns the seeded issue's attachments.
func (s *Service) FetchAttachments(ctx context.Context, issueID string) ([]tracker.Attachment, error) {
	issue, err := s.FetchIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return issue.Attachments, nil
}

// CreateComment records and prints a comment.
func (s *Service) CreateComment(ctx context.Context, issueID, body string) (*tracker.Comment, error) {
	comment := &tracker.Comment{ID: uuid.New().String(), IssueID: issueID, Body: body, UserName: "sylas"}
	s.mu.Lock()
	s.comments[issueID] = append(s.comments[issueID], comment)
	s.mu.Unlock()
	fmt.Fprintf(s.out, "[%s] comment: %s\n", issueID, body)
	return comment, nil
}

// FetchTeams returns a single mock team.
func (s *Service) FetchTeams(ctx context.Context) ([]tracker.Team, error) {
	return []tracker.Team{{ID: "mock-team", Key: "TEST", Name: "Mock Team"}}, nil
}

// FetchWorkflowStates returns a minimal workflow.
func (s *Service) FetchWorkflowStates(ctx context.Context, teamID string) ([]tracker.WorkflowState, error) {
	return []tracker.WorkflowState{
		{ID: "todo", Name: "Todo", Type: "unstarted"},
		{ID: "in-progress", Name: "In Progress", Type: "started"},
		{ID: "done", Name: "Done", Type: "completed"},
	}, nil
}

// FetchCurrentUser returns the mock agent identity.
func (s *Service) FetchCurrentUser(ctx context.Context) (*tracker.User, error) {
	return &tracker.User{ID: "sylas-mock", Name: "sylas", DisplayName: "Sylas", IsBot: true}, nil
}

// CreateAgentSessionOnIssue opens a mock session.
func (s *Service) CreateAgentSessionOnIssue(ctx context.Context, issueID string) (*tracker.AgentSession, error) {
	session := &tracker.AgentSession{
		ID:        uuid.New().String(),
		IssueID:   issueID,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return session, nil
}

// CreateAgentSessionOnComment opens a mock session rooted at a comment.
func (s *Service) CreateAgentSessionOnComment(ctx context.Context, commentID string) (*tracker.AgentSession, error) {
	session := &tracker.AgentSession{
		ID:        uuid.New().String(),
		CommentID: commentID,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return session, nil
}

// FetchAgentSession returns a previously created session.
func (s *Service) FetchAgentSession(ctx context.Context, sessionID string) (*tracker.AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &tracker.OperationError{Operation: "fetchAgentSession", Reason: "session not found"}
	}
	return session, nil
}

// CreateAgentActivity prints the activity to stdout.
func (s *Service) CreateAgentActivity(ctx context.Context, activity *tracker.Activity) error {
	switch activity.Kind {
	case tracker.ActivityAction:
		fmt.Fprintf(s.out, "[%s] %s: %s %s\n", activity.SessionID, activity.Kind, activity.Action, activity.Parameter)
	default:
		fmt.Fprintf(s.out, "[%s] %s: %s\n", activity.SessionID, activity.Kind, activity.Body)
	}
	return nil
}

// RequestFileUpload is not supported by the mock tracker.
func (s *Service) RequestFileUpload(ctx context.Context, filename, contentType string, size int64) (*tracker.UploadTarget, error) {
	return nil, tracker.ErrNotSupported
}

// UploadFile is not supported by the mock tracker.
func (s *Service) UploadFile(ctx context.Context, path string) (string, error) {
	return "", tracker.ErrNotSupported
}

// GetIssueLabels returns the seeded issue's labels.
func (s *Service) GetIssueLabels(ctx context.Context, issueID string) ([]tracker.Label, error) {
	issue, err := s.FetchIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return issue.Labels, nil
}
