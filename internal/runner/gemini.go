package runner

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// geminiRunner drives the gemini CLI in stream-json mode. The CLI streams
// partial message deltas, so text is accumulated per role and flushed on role
// change, on any non-message event, and at exit. Gemini has no streaming
// input; new prompts require a resume invocation.
type geminiRunner struct {
	*emitter
	opts Options
	p    *proc
}

func newGemini(opts Options, log *logger.Logger) *geminiRunner {
	return &geminiRunner{emitter: newEmitter(TypeGemini, opts.LogDir, log), opts: opts}
}

func (r *geminiRunner) SupportsStreamingInput() bool { return false }

func (r *geminiRunner) StartStreaming(ctx context.Context, initialPrompt string) error {
	return ErrStreamingUnsupported
}
func (r *geminiRunner) AddStreamMessage(text string) error { return ErrStreamingUnsupported }
func (r *geminiRunner) CompleteStream() error              { return ErrStreamingUnsupported }

func (r *geminiRunner) Start(ctx context.Context, prompt string) error {
	args := []string{"--output-format", "stream-json", "--yolo"}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "--resume", r.opts.ResumeSessionID)
	}
	if !r.opts.DisallowAllTools && len(r.opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(r.opts.AllowedTools, ","))
	}

	fullPrompt := prompt
	if r.opts.SystemPromptAppend != "" {
		fullPrompt = r.opts.SystemPromptAppend + "\n\n" + prompt
	}
	args = append(args, "--prompt", fullPrompt)

	p, err := startProc(ctx, "gemini", args, r.opts.WorkDir, r.opts.Env, false, r.handleLine, func(p *proc, runErr error, stderr string) {
		r.finish(runErr, gracefulExit(runErr, p.wasStopped(), ctx), stderr)
	})
	if err != nil {
		return err
	}
	r.p = p
	r.setRunning(true)
	return nil
}

func (r *geminiRunner) Stop(ctx context.Context) error {
	if r.p != nil {
		r.p.stop(ctx)
	}
	return nil
}

type geminiEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Delta     string `json:"delta"`
	Content   string `json:"content"`
	Thought   bool   `json:"thought"`
	ToolCall  struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"tool_call"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

func (r *geminiRunner) handleLine(line []byte) {
	var ev geminiEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		r.log.Debug("unparseable runner line", zap.Error(err))
		return
	}

	switch ev.Type {
	case "init":
		r.assignSessionID(ev.SessionID)
		r.emit(Event{Type: EventMessage, Raw: line})
	case "message":
		role := orRole(ev.Role, "assistant")
		if ev.Thought {
			role = "thought"
		}
		text := ev.Delta
		if text == "" {
			text = ev.Content
		}
		r.addDelta(role, text)
	case "tool_call", "tool_use":
		// Any non-message event ends the current accumulation.
		r.flushDelta()
		r.emitToolUse(ev.ToolCall.Name, ev.ToolCall.Args, line)
	case "result":
		r.flushDelta()
		r.deferResult(Result{Text: ev.Result, IsError: ev.IsError})
	default:
		r.flushDelta()
		r.emit(Event{Type: EventMessage, Raw: line})
	}
}
