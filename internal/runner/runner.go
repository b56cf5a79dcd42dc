// Package runner supervises agent CLI child processes behind a uniform
// contract. Each adapter hides its CLI's transport (JSON vs. JSONL, streaming
// vs. single-shot, abortable vs. signal-killed) and emits the same event
// stream: the runner session id is stamped on every event once assigned, and
// the final result is deferred until the process has fully quiesced.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// Type identifies which agent CLI backs a supervisor.
type Type string

const (
	TypeClaude   Type = "claude"
	TypeGemini   Type = "gemini"
	TypeCodex    Type = "codex"
	TypeCursor   Type = "cursor"
	TypeOpencode Type = "opencode"
)

// KnownTypes lists every supported runner type.
var KnownTypes = []Type{TypeClaude, TypeGemini, TypeCodex, TypeCursor, TypeOpencode}

// ParseType returns the runner type for a name, reporting whether it is known.
func ParseType(name string) (Type, bool) {
	for _, t := range KnownTypes {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// EventType enumerates supervisor events.
type EventType string

const (
	EventMessage   EventType = "message"   // raw runner message
	EventAssistant EventType = "assistant" // assistant text block
	EventToolUse   EventType = "tool-use"
	EventText      EventType = "text" // partial/accumulated text
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

// Result is the final outcome of one runner invocation.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// Event is one observation from a runner. SessionID is empty until the runner
// assigns one on its first event.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    *Result         `json:"result,omitempty"`
	Err       error           `json:"-"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Options configure one supervisor instance.
type Options struct {
	Model           string
	FallbackModel   string
	WorkDir         string
	ResumeSessionID string

	AllowedTools     []string
	DisallowedTools  []string
	DisallowAllTools bool
	SingleTurn       bool

	// SystemPromptAppend is extra guidance appended to the runner's system
	// prompt (subroutine prompts, hook instructions).
	SystemPromptAppend string

	// MCP configuration sources, merged in order: auto-detected .mcp.json in
	// WorkDir, then ConfigPaths, then Inline. Later same-name entries win.
	MCPConfigPaths []string
	MCPInline      map[string]MCPServerConfig

	// LogDir receives the event log and transcript pair for this session.
	LogDir string

	Env map[string]string
}

// Supervisor is the uniform contract over heterogeneous agent CLIs.
//
// Events() yields a finite, non-restartable sequence observed by a single
// consumer; the channel closes after the final event. The complete event, if
// any, is always last: it is buffered until the child has exited and the
// running flag has dropped.
type Supervisor interface {
	Type() Type

	// Start runs the runner in single-shot mode with one prompt.
	Start(ctx context.Context, prompt string) error

	// StartStreaming starts a session that accepts later messages via
	// AddStreamMessage and is terminated by CompleteStream.
	// Returns ErrStreamingUnsupported for non-streaming runners.
	StartStreaming(ctx context.Context, initialPrompt string) error

	// AddStreamMessage injects a message into a live streaming session
	// without restarting the runner.
	AddStreamMessage(text string) error

	// CompleteStream closes the streaming input; the runner finishes its
	// current work and exits.
	CompleteStream() error

	// Stop cancels the runner cooperatively. Stops are idempotent and never
	// produce an error event.
	Stop(ctx context.Context) error

	// Events returns the supervisor's event stream.
	Events() <-chan Event

	// SessionID returns the runner-assigned session id, or "" before the
	// first event.
	SessionID() string

	// IsRunning reports whether the child (or SDK iterator) is live.
	IsRunning() bool

	// SupportsStreamingInput reports whether AddStreamMessage works while
	// the runner is mid-flight.
	SupportsStreamingInput() bool

	// AddPostToolHook registers a hook invoked after each tool-use event.
	AddPostToolHook(hook PostToolHook)
}

// ErrStreamingUnsupported is returned by StartStreaming on runners without
// streaming input.
var ErrStreamingUnsupported = errors.New("runner does not support streaming input")

// ErrNotRunning is returned when stream input is offered to a dead runner.
var ErrNotRunning = errors.New("runner is not running")

// New creates a supervisor for the given runner type.
func New(t Type, opts Options, log *logger.Logger) (Supervisor, error) {
	switch t {
	case TypeClaude:
		return newClaude(opts, log), nil
	case TypeGemini:
		return newGemini(opts, log), nil
	case TypeCodex:
		return newCodex(opts, log), nil
	case TypeCursor:
		return newCursor(opts, log), nil
	case TypeOpencode:
		return newOpencode(opts, log), nil
	default:
		return nil, fmt.Errorf("unknown runner type: %s", t)
	}
}
