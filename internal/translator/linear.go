package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sylasdev/sylas/internal/tracker"
)

// LinearTranslator converts Linear webhook payloads.
type LinearTranslator struct{}

// NewLinearTranslator creates a Linear webhook translator.
func NewLinearTranslator() *LinearTranslator { return &LinearTranslator{} }

// Source returns the platform id.
func (t *LinearTranslator) Source() string { return tracker.TrackerLinear }

// linearWebhook is the envelope common to all Linear webhooks.
type linearWebhook struct {
	Type           string          `json:"type"`
	Action         string          `json:"action"`
	OrganizationID string          `json:"organizationId"`
	Data           json.RawMessage `json:"data"`
	UpdatedFrom    json.RawMessage `json:"updatedFrom"`
}

type linearIssuePayload struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	TeamID      string `json:"teamId"`
	AssigneeID  string `json:"assigneeId"`
	Labels      []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"labels"`
}

func (p *linearIssuePayload) toIssue() tracker.Issue {
	issue := tracker.Issue{
		ID:          p.ID,
		Identifier:  p.Identifier,
		Title:       p.Title,
		Description: p.Description,
		URL:         p.URL,
		TeamID:      p.TeamID,
		AssigneeID:  p.AssigneeID,
	}
	for _, l := range p.Labels {
		issue.Labels = append(issue.Labels, tracker.Label{ID: l.ID, Name: l.Name})
	}
	return issue
}

type linearAgentSessionPayload struct {
	ID      string             `json:"id"`
	Issue   linearIssuePayload `json:"issue"`
	Comment struct {
		ID     string `json:"id"`
		Body   string `json:"body"`
		UserID string `json:"userId"`
	} `json:"comment"`
	Creator struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"creator"`
}

type linearAgentActivityPayload struct {
	AgentSessionID string `json:"agentSessionId"`
	AgentSession   struct {
		ID    string             `json:"id"`
		Issue linearIssuePayload `json:"issue"`
	} `json:"agentSession"`
	Content struct {
		Type string `json:"type"`
		Body string `json:"body"`
	} `json:"content"`
	SourceCommentID string `json:"sourceCommentId"`
	User            struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

// CanTranslate is strict about the type/action combinations Linear sends for
// agent sessions and issue content.
func (t *LinearTranslator) CanTranslate(payload []byte) bool {
	var hook linearWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return false
	}
	switch hook.Type {
	case "AgentSessionEvent":
		return hook.Action == "created" || hook.Action == "prompted"
	case "AgentActivity":
		return hook.Action == "created"
	case "Issue":
		return hook.Action == "update"
	}
	return false
}

// Translate converts a verified Linear webhook into an internal message.
func (t *LinearTranslator) Translate(tctx Context, payload []byte) Result {
	var hook linearWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return Result{Reason: fmt.Sprintf("invalid linear payload: %v", err)}
	}

	orgID := hook.OrganizationID
	if orgID == "" {
		orgID = tctx.OrganizationID
	}

	base := Message{
		ID:             uuid.New().String(),
		Source:         tracker.TrackerLinear,
		ReceivedAt:     time.Now().UTC(),
		OrganizationID: orgID,
		Platform:       payload,
	}

	switch hook.Type {
	case "AgentSessionEvent":
		switch hook.Action {
		case "created":
			return t.translateSessionCreated(base, hook.Data)
		case "prompted":
			return t.translatePrompted(base, hook.Data)
		}
	case "AgentActivity":
		if hook.Action == "created" {
			return t.translatePrompted(base, hook.Data)
		}
	case "Issue":
		if hook.Action == "update" {
			return t.translateIssueUpdate(base, hook.Data, hook.UpdatedFrom)
		}
	}

	return Result{Reason: fmt.Sprintf("unknown linear webhook type/action: %s/%s", hook.Type, hook.Action)}
}

func (t *LinearTranslator) translateSessionCreated(base Message, data json.RawMessage) Result {
	var session struct {
		AgentSession linearAgentSessionPayload `json:"agentSession"`
	}
	if err := json.Unmarshal(data, &session.AgentSession); err != nil {
		return Result{Reason: fmt.Sprintf("invalid agent session payload: %v", err)}
	}
	// Some deliveries nest the session under "agentSession".
	if session.AgentSession.ID == "" {
		if err := json.Unmarshal(data, &session); err != nil || session.AgentSession.ID == "" {
			return Result{Reason: "agent session payload missing id"}
		}
	}

	payload := session.AgentSession
	issue := payload.Issue.toIssue()
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}

	prompt := payload.Comment.Body
	if prompt == "" {
		prompt = issue.Description
	}

	base.Action = ActionSessionStart
	base.SessionKey = payload.ID
	base.IssueID = issue.ID
	base.IssueIdentifier = issue.Identifier
	base.SessionStart = &SessionStartData{
		InitialPrompt:    prompt,
		Labels:           labels,
		Issue:            issue,
		MentionTriggered: !containsMarker(payload.Comment.Body),
	}
	return Result{Message: &base}
}

func (t *LinearTranslator) translatePrompted(base Message, data json.RawMessage) Result {
	var activity struct {
		AgentActivity linearAgentActivityPayload `json:"agentActivity"`
	}
	if err := json.Unmarshal(data, &activity.AgentActivity); err != nil {
		return Result{Reason: fmt.Sprintf("invalid agent activity payload: %v", err)}
	}
	if activity.AgentActivity.AgentSessionID == "" && activity.AgentActivity.AgentSession.ID == "" {
		if err := json.Unmarshal(data, &activity); err != nil {
			return Result{Reason: fmt.Sprintf("invalid agent activity payload: %v", err)}
		}
	}

	payload := activity.AgentActivity
	sessionID := payload.AgentSessionID
	if sessionID == "" {
		sessionID = payload.AgentSession.ID
	}
	if sessionID == "" {
		return Result{Reason: "agent activity payload missing session id"}
	}

	base.SessionKey = sessionID
	base.IssueID = payload.AgentSession.Issue.ID
	base.IssueIdentifier = payload.AgentSession.Issue.Identifier

	switch payload.Content.Type {
	case "stop":
		base.Action = ActionStopSignal
		return Result{Message: &base}
	case "prompt", "":
		base.Action = ActionUserPrompt
		base.UserPrompt = &UserPromptData{
			Text:       payload.Content.Body,
			AuthorID:   payload.User.ID,
			AuthorName: payload.User.Name,
		}
		return Result{Message: &base}
	}
	return Result{Reason: fmt.Sprintf("unknown agent activity content type: %s", payload.Content.Type)}
}

func (t *LinearTranslator) translateIssueUpdate(base Message, data, updatedFrom json.RawMessage) Result {
	var issue linearIssuePayload
	if err := json.Unmarshal(data, &issue); err != nil {
		return Result{Reason: fmt.Sprintf("invalid issue payload: %v", err)}
	}

	var before struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		AssigneeID  *string `json:"assigneeId"`
	}
	if len(updatedFrom) > 0 {
		if err := json.Unmarshal(updatedFrom, &before); err != nil {
			return Result{Reason: fmt.Sprintf("invalid updatedFrom payload: %v", err)}
		}
	}

	base.IssueID = issue.ID
	base.IssueIdentifier = issue.Identifier
	// Issue webhooks carry no session id; the issue id keys the routing cache
	// and dedup instead.
	base.SessionKey = issue.ID

	// An assignee transition away from the agent is an unassign, not a
	// content update.
	if before.AssigneeID != nil && *before.AssigneeID != "" && issue.AssigneeID == "" {
		base.Action = ActionUnassign
		return Result{Message: &base}
	}

	update := &ContentUpdateData{}
	if before.Title != nil {
		update.TitleBefore = *before.Title
		update.TitleAfter = issue.Title
		update.ChangedFields = append(update.ChangedFields, "title")
	}
	if before.Description != nil {
		update.DescriptionBefore = *before.Description
		update.DescriptionAfter = issue.Description
		update.ChangedFields = append(update.ChangedFields, "description")
	}
	if len(update.ChangedFields) == 0 {
		return Result{Reason: "issue update carries no tracked content changes"}
	}

	base.Action = ActionContentUpdate
	base.ContentUpdate = update
	return Result{Message: &base}
}

func containsMarker(body string) bool {
	return strings.Contains(body, AgentSessionMarker)
}
