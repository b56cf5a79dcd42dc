package runner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// cursorRunner drives `cursor-agent --print` with stream-json output. The
// wire shape mirrors the claude protocol but without streaming input.
type cursorRunner struct {
	*emitter
	opts Options
	p    *proc
}

func newCursor(opts Options, log *logger.Logger) *cursorRunner {
	return &cursorRunner{emitter: newEmitter(TypeCursor, opts.LogDir, log), opts: opts}
}

func (r *cursorRunner) SupportsStreamingInput() bool { return false }

func (r *cursorRunner) StartStreaming(ctx context.Context, initialPrompt string) error {
	return ErrStreamingUnsupported
}
func (r *cursorRunner) AddStreamMessage(text string) error { return ErrStreamingUnsupported }
func (r *cursorRunner) CompleteStream() error              { return ErrStreamingUnsupported }

func (r *cursorRunner) Start(ctx context.Context, prompt string) error {
	args := []string{"--print", "--output-format", "stream-json", "--force"}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "--resume", r.opts.ResumeSessionID)
	}

	fullPrompt := prompt
	if r.opts.SystemPromptAppend != "" {
		fullPrompt = r.opts.SystemPromptAppend + "\n\n" + prompt
	}
	args = append(args, fullPrompt)

	p, err := startProc(ctx, "cursor-agent", args, r.opts.WorkDir, r.opts.Env, false, r.handleLine, func(p *proc, runErr error, stderr string) {
		r.finish(runErr, gracefulExit(runErr, p.wasStopped(), ctx), stderr)
	})
	if err != nil {
		return err
	}
	r.p = p
	r.setRunning(true)
	return nil
}

func (r *cursorRunner) Stop(ctx context.Context) error {
	if r.p != nil {
		r.p.stop(ctx)
	}
	return nil
}

func (r *cursorRunner) handleLine(line []byte) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		r.log.Debug("unparseable runner line", zap.Error(err))
		return
	}
	r.assignSessionID(ev.SessionID)

	switch ev.Type {
	case "system":
		r.emit(Event{Type: EventMessage, Raw: line})
	case "assistant":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				r.emit(Event{Type: EventAssistant, Role: "assistant", Text: block.Text, Raw: line})
			case "tool_use":
				r.emitToolUse(block.Name, block.Input, line)
			}
		}
	case "result":
		r.deferResult(Result{Text: ev.Result, IsError: ev.IsError})
	default:
		r.emit(Event{Type: EventMessage, Raw: line})
	}
}
