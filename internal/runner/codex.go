package runner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// codexRunner drives `codex exec --json`. Codex emits complete items rather
// than deltas and has no streaming input.
type codexRunner struct {
	*emitter
	opts Options
	p    *proc
}

func newCodex(opts Options, log *logger.Logger) *codexRunner {
	return &codexRunner{emitter: newEmitter(TypeCodex, opts.LogDir, log), opts: opts}
}

func (r *codexRunner) SupportsStreamingInput() bool { return false }

func (r *codexRunner) StartStreaming(ctx context.Context, initialPrompt string) error {
	return ErrStreamingUnsupported
}
func (r *codexRunner) AddStreamMessage(text string) error { return ErrStreamingUnsupported }
func (r *codexRunner) CompleteStream() error              { return ErrStreamingUnsupported }

func (r *codexRunner) Start(ctx context.Context, prompt string) error {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "resume", r.opts.ResumeSessionID)
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.DisallowAllTools {
		args = append(args, "--sandbox", "read-only")
	} else {
		args = append(args, "--full-auto")
	}

	fullPrompt := prompt
	if r.opts.SystemPromptAppend != "" {
		fullPrompt = r.opts.SystemPromptAppend + "\n\n" + prompt
	}
	args = append(args, fullPrompt)

	p, err := startProc(ctx, "codex", args, r.opts.WorkDir, r.opts.Env, false, r.handleLine, func(p *proc, runErr error, stderr string) {
		r.finish(runErr, gracefulExit(runErr, p.wasStopped(), ctx), stderr)
	})
	if err != nil {
		return err
	}
	r.p = p
	r.setRunning(true)
	return nil
}

func (r *codexRunner) Stop(ctx context.Context) error {
	if r.p != nil {
		r.p.stop(ctx)
	}
	return nil
}

type codexEvent struct {
	Msg struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Message   string          `json:"message"`
		Call      string          `json:"call_id"`
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
		LastAgent string          `json:"last_agent_message"`
	} `json:"msg"`
}

func (r *codexRunner) handleLine(line []byte) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		r.log.Debug("unparseable runner line", zap.Error(err))
		return
	}

	switch ev.Msg.Type {
	case "session_configured":
		r.assignSessionID(ev.Msg.SessionID)
		r.emit(Event{Type: EventMessage, Raw: line})
	case "agent_message":
		r.emit(Event{Type: EventAssistant, Role: "assistant", Text: ev.Msg.Message, Raw: line})
	case "agent_reasoning":
		r.emit(Event{Type: EventText, Role: "thought", Text: ev.Msg.Message, Raw: line})
	case "exec_command_begin", "mcp_tool_call_begin":
		r.emitToolUse(ev.Msg.Tool, ev.Msg.Arguments, line)
	case "task_complete":
		r.deferResult(Result{Text: ev.Msg.LastAgent})
	case "error":
		r.deferResult(Result{Text: ev.Msg.Message, IsError: true})
	default:
		r.emit(Event{Type: EventMessage, Raw: line})
	}
}
