// Package translator converts verified platform webhooks into the closed set
// of internal messages consumed by the session lifecycle manager.
package translator

import (
	"encoding/json"
	"time"

	"github.com/sylasdev/sylas/internal/tracker"
)

// Action enumerates the closed internal message set.
type Action string

const (
	ActionSessionStart  Action = "session_start"
	ActionUserPrompt    Action = "user_prompt"
	ActionStopSignal    Action = "stop_signal"
	ActionUnassign      Action = "unassign"
	ActionContentUpdate Action = "content_update"
)

// AgentSessionMarker identifies comments authored through an agent session.
// An opening comment without the marker means the session was triggered by a
// plain mention.
const AgentSessionMarker = "(sylas-agent-session)"

// Message is the platform-neutral representation of one webhook.
type Message struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"` // tracker id that produced the webhook
	Action         Action    `json:"action"`
	ReceivedAt     time.Time `json:"received_at"`
	OrganizationID string    `json:"organization_id"`

	// SessionKey is the tracker-assigned external session id; it is stable
	// across webhook retries.
	SessionKey string `json:"session_key"`

	IssueID         string `json:"issue_id"`
	IssueIdentifier string `json:"issue_identifier"`

	SessionStart  *SessionStartData  `json:"session_start,omitempty"`
	UserPrompt    *UserPromptData    `json:"user_prompt,omitempty"`
	ContentUpdate *ContentUpdateData `json:"content_update,omitempty"`

	// Platform carries the raw platform-specific payload for diagnostics.
	Platform json.RawMessage `json:"platform,omitempty"`
}

// SessionStartData carries the payload of a session_start message.
type SessionStartData struct {
	InitialPrompt string        `json:"initial_prompt"`
	Labels        []string      `json:"labels"`
	Issue         tracker.Issue `json:"issue"`
	// MentionTriggered is true iff the opening comment does not contain the
	// agent-session marker string.
	MentionTriggered bool `json:"mention_triggered"`
}

// UserPromptData carries the payload of a user_prompt message.
type UserPromptData struct {
	Text       string `json:"text"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
}

// ContentUpdateData carries before/after issue content and a changed-set
// summary.
type ContentUpdateData struct {
	TitleBefore        string   `json:"title_before,omitempty"`
	TitleAfter         string   `json:"title_after,omitempty"`
	DescriptionBefore  string   `json:"description_before,omitempty"`
	DescriptionAfter   string   `json:"description_after,omitempty"`
	AttachmentsChanged bool     `json:"attachments_changed,omitempty"`
	ChangedFields      []string `json:"changed_fields"`
}

// Context carries per-webhook translation inputs.
type Context struct {
	TrackerID      string
	OrganizationID string
	BotToken       string // optional; Slack bot identity for mention stripping
	BotUserID      string // optional; Slack bot user id
}

// Result is the outcome of a translation attempt. Failures carry a reason so
// ingress can log and 200-ack them.
type Result struct {
	Message *Message
	Reason  string // non-empty on failure
}

// OK reports whether translation produced a message.
func (r Result) OK() bool { return r.Message != nil }

// Translator converts one platform's webhooks.
type Translator interface {
	// Source returns the platform id this translator handles.
	Source() string

	// CanTranslate is strict: unknown type/action combinations report false.
	CanTranslate(payload []byte) bool

	// Translate converts a verified webhook payload. Unknown combinations
	// yield a failed Result, never a silent pass-through.
	Translate(tctx Context, payload []byte) Result
}
