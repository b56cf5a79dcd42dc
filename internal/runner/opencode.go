package runner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// opencodeRunner drives the opencode CLI in JSON mode with NDJSON prompt
// input on stdin, so it supports streamed messages like claude does.
type opencodeRunner struct {
	*emitter
	opts Options

	buf *streamBuffer
	p   *proc
}

func newOpencode(opts Options, log *logger.Logger) *opencodeRunner {
	r := &opencodeRunner{
		emitter: newEmitter(TypeOpencode, opts.LogDir, log),
		opts:    opts,
		buf:     newStreamBuffer(),
	}
	r.inject = r.AddStreamMessage
	return r
}

func (r *opencodeRunner) SupportsStreamingInput() bool { return true }

func (r *opencodeRunner) Start(ctx context.Context, prompt string) error {
	if err := r.StartStreaming(ctx, prompt); err != nil {
		return err
	}
	return r.CompleteStream()
}

func (r *opencodeRunner) StartStreaming(ctx context.Context, initialPrompt string) error {
	args := []string{"run", "--print-logs", "--format", "json"}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "--session", r.opts.ResumeSessionID)
	}

	p, err := startProc(ctx, "opencode", args, r.opts.WorkDir, r.opts.Env, true, r.handleLine, func(p *proc, runErr error, stderr string) {
		r.finish(runErr, gracefulExit(runErr, p.wasStopped(), ctx), stderr)
	})
	if err != nil {
		return err
	}
	r.p = p
	r.setRunning(true)

	first := initialPrompt
	if r.opts.SystemPromptAppend != "" {
		first = r.opts.SystemPromptAppend + "\n\n" + initialPrompt
	}
	if err := r.buf.add(first); err != nil {
		return err
	}
	go r.drain(ctx)
	return nil
}

func (r *opencodeRunner) drain(ctx context.Context) {
	for {
		msg, ok := r.buf.next(ctx)
		if !ok {
			r.p.closeStdin()
			return
		}
		line, err := json.Marshal(map[string]any{"type": "prompt", "text": msg})
		if err != nil {
			continue
		}
		if err := r.p.writeLine(line); err != nil {
			r.log.Warn("stream write failed", zap.Error(err))
			return
		}
	}
}

func (r *opencodeRunner) AddStreamMessage(text string) error {
	if !r.IsRunning() {
		return ErrNotRunning
	}
	return r.buf.add(text)
}

func (r *opencodeRunner) CompleteStream() error {
	r.buf.complete()
	return nil
}

func (r *opencodeRunner) Stop(ctx context.Context) error {
	r.buf.complete()
	if r.p != nil {
		r.p.stop(ctx)
	}
	return nil
}

type opencodeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	Part      struct {
		Type string          `json:"type"`
		Text string          `json:"text"`
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	} `json:"part"`
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

func (r *opencodeRunner) handleLine(line []byte) {
	var ev opencodeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		r.log.Debug("unparseable runner line", zap.Error(err))
		return
	}
	r.assignSessionID(ev.SessionID)

	switch ev.Type {
	case "message.part.updated", "part":
		switch ev.Part.Type {
		case "text":
			r.emit(Event{Type: EventAssistant, Role: "assistant", Text: ev.Part.Text, Raw: line})
		case "reasoning":
			r.emit(Event{Type: EventText, Role: "thought", Text: ev.Part.Text, Raw: line})
		case "tool":
			r.emitToolUse(ev.Part.Tool, ev.Part.Args, line)
		}
	case "result", "session.idle":
		r.deferResult(Result{Text: ev.Text, IsError: ev.IsError})
		r.buf.completeIfIdle()
	default:
		r.emit(Event{Type: EventMessage, Raw: line})
	}
}
