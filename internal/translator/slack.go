package translator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sylasdev/sylas/internal/tracker"
)

// SlackTranslator converts Slack Events API payloads. Mentions are keyed by
// "channel:thread_ts"; a mention opening a new thread starts a session, a
// mention inside an existing thread is a user prompt.
type SlackTranslator struct{}

// NewSlackTranslator creates a Slack event translator.
func NewSlackTranslator() *SlackTranslator { return &SlackTranslator{} }

// Source returns the platform id.
func (t *SlackTranslator) Source() string { return tracker.TrackerSlackMirror }

// mentionToken matches a leading Slack user mention, e.g. "<@U123ABC> ".
var mentionToken = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

type slackEnvelope struct {
	Type   string `json:"type"`
	TeamID string `json:"team_id"`
	Event  struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		User     string `json:"user"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// CanTranslate accepts only event_callback envelopes carrying app mentions or
// thread messages.
func (t *SlackTranslator) CanTranslate(payload []byte) bool {
	var env slackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	if env.Type != "event_callback" {
		return false
	}
	switch env.Event.Type {
	case "app_mention":
		return true
	case "message":
		return env.Event.Subtype == "" && env.Event.ThreadTS != ""
	}
	return false
}

// Translate converts a Slack event into an internal message.
func (t *SlackTranslator) Translate(tctx Context, payload []byte) Result {
	var env slackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Result{Reason: fmt.Sprintf("invalid slack payload: %v", err)}
	}
	if env.Type != "event_callback" {
		return Result{Reason: fmt.Sprintf("unknown slack envelope type: %s", env.Type)}
	}

	event := env.Event
	orgID := env.TeamID
	if orgID == "" {
		orgID = tctx.OrganizationID
	}

	// The thread root keys the session: replies carry thread_ts, the opening
	// mention only ts.
	threadTS := event.ThreadTS
	isThreadReply := threadTS != "" && threadTS != event.TS
	if threadTS == "" {
		threadTS = event.TS
	}
	sessionKey := event.Channel + ":" + threadTS

	text := strings.TrimSpace(mentionToken.ReplaceAllString(event.Text, ""))

	base := Message{
		ID:              uuid.New().String(),
		Source:          tracker.TrackerSlackMirror,
		ReceivedAt:      time.Now().UTC(),
		OrganizationID:  orgID,
		SessionKey:      sessionKey,
		IssueID:         sessionKey,
		IssueIdentifier: fmt.Sprintf("SLACK-%s", threadTS),
		Platform:        payload,
	}

	switch event.Type {
	case "app_mention":
		if isThreadReply {
			base.Action = ActionUserPrompt
			base.UserPrompt = &UserPromptData{Text: text, AuthorID: event.User}
			return Result{Message: &base}
		}
		base.Action = ActionSessionStart
		base.SessionStart = &SessionStartData{
			InitialPrompt: text,
			Issue: tracker.Issue{
				ID:         sessionKey,
				Identifier: base.IssueIdentifier,
				Title:      firstLine(text),
			},
			MentionTriggered: true,
		}
		return Result{Message: &base}

	case "message":
		if !isThreadReply {
			return Result{Reason: "slack message outside an agent thread"}
		}
		base.Action = ActionUserPrompt
		base.UserPrompt = &UserPromptData{Text: text, AuthorID: event.User}
		return Result{Message: &base}
	}

	return Result{Reason: fmt.Sprintf("unknown slack event type: %s", event.Type)}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
