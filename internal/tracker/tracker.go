// Package tracker defines the platform-neutral issue-tracker service
// interface. Implementations live in subpackages (linear, climock,
// slackmirror) and are shared by id across sessions; they must be safe for
// concurrent use.
package tracker

import (
	"context"
	"errors"
	"time"
)

// Tracker ids for the built-in variants.
const (
	TrackerLinear      = "linear"
	TrackerCLIMock     = "cli-mock"
	TrackerSlackMirror = "slack-mirror"
)

// ErrNotSupported is returned when a tracker does not implement an operation.
var ErrNotSupported = errors.New("not supported by this tracker")

// Label is an issue label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is a file or link attached to an issue.
type Attachment struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Issue is a platform-neutral work item.
type Issue struct {
	ID          string       `json:"id"`         // internal id
	Identifier  string       `json:"identifier"` // human identifier, e.g. TEST-1
	Title       string       `json:"title"`
	Description string       `json:"description"`
	URL         string       `json:"url"`
	TeamID      string       `json:"team_id"`
	StateID     string       `json:"state_id"`
	AssigneeID  string       `json:"assignee_id"`
	BranchName  string       `json:"branch_name"`
	Labels      []Label      `json:"labels"`
	Attachments []Attachment `json:"attachments"`
}

// IssueUpdate carries mutable issue fields; nil means unchanged.
type IssueUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	StateID     *string `json:"state_id,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

// Comment is a comment on an issue.
type Comment struct {
	ID       string `json:"id"`
	IssueID  string `json:"issue_id"`
	Body     string `json:"body"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// Team is a tracker team or project container.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// WorkflowState is one state in a team's issue workflow.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // triage, backlog, unstarted, started, completed, canceled
}

// User is the tracker identity of an actor.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
}

// AgentSession is the tracker-side handle of an agent engagement.
type AgentSession struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	CommentID string    `json:"comment_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityKind enumerates the activity entries relayed to the tracker.
type ActivityKind string

const (
	ActivityThought            ActivityKind = "thought"
	ActivityAction             ActivityKind = "action"
	ActivityResponse           ActivityKind = "response"
	ActivityProcedureSelection ActivityKind = "procedure-selection"
	ActivityAnalyzing          ActivityKind = "analyzing"
)

// Activity is one entry posted to the tracker for a session.
type Activity struct {
	SessionID string       `json:"session_id"`
	Kind      ActivityKind `json:"kind"`
	Body      string       `json:"body"`
	// Action activities name the tool and its parameter summary.
	Action    string `json:"action,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// UploadTarget is the result of requesting a file upload slot.
type UploadTarget struct {
	UploadURL string            `json:"upload_url"`
	Headers   map[string]string `json:"headers"`
	AssetURL  string            `json:"asset_url"`
}

// Service is the capability set every tracker variant implements.
type Service interface {
	// ID returns the tracker variant id (linear, cli-mock, slack-mirror).
	ID() string

	FetchIssue(ctx context.Context, issueID string) (*Issue, error)
	FetchIssueChildren(ctx context.Context, issueID string) ([]*Issue, error)
	UpdateIssue(ctx context.Context, issueID string, update IssueUpdate) error
	FetchAttachments(ctx context.Context, issueID string) ([]Attachment, error)
	CreateComment(ctx context.Context, issueID, body string) (*Comment, error)
	FetchTeams(ctx context.Context) ([]Team, error)
	FetchWorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error)
	FetchCurrentUser(ctx context.Context) (*User, error)

	CreateAgentSessionOnIssue(ctx context.Context, issueID string) (*AgentSession, error)
	CreateAgentSessionOnComment(ctx context.Context, commentID string) (*AgentSession, error)
	FetchAgentSession(ctx context.Context, sessionID string) (*AgentSession, error)
	CreateAgentActivity(ctx context.Context, activity *Activity) error

	RequestFileUpload(ctx context.Context, filename, contentType string, size int64) (*UploadTarget, error)
	// UploadFile runs the full three-step upload dance and returns the asset URL.
	UploadFile(ctx context.Context, path string) (string, error)

	GetIssueLabels(ctx context.Context, issueID string) ([]Label, error)
}

// OperationError marks a tracker response that reported success=false.
type OperationError struct {
	Operation string
	Reason    string
}

func (e *OperationError) Error() string {
	if e.Reason == "" {
		return "tracker operation " + e.Operation + " failed"
	}
	return "tracker operation " + e.Operation + " failed: " + e.Reason
}
