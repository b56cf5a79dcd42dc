package runner

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// claudeRunner drives the claude CLI over its stream-json protocol: NDJSON
// events on stdout, user messages as NDJSON on stdin. It is the only runner
// besides opencode that accepts input mid-flight.
type claudeRunner struct {
	*emitter
	opts Options

	buf *streamBuffer
	p   *proc
}

func newClaude(opts Options, log *logger.Logger) *claudeRunner {
	r := &claudeRunner{
		emitter: newEmitter(TypeClaude, opts.LogDir, log),
		opts:    opts,
		buf:     newStreamBuffer(),
	}
	r.inject = r.AddStreamMessage
	return r
}

func (r *claudeRunner) SupportsStreamingInput() bool { return true }

func (r *claudeRunner) Start(ctx context.Context, prompt string) error {
	if err := r.StartStreaming(ctx, prompt); err != nil {
		return err
	}
	return r.CompleteStream()
}

func (r *claudeRunner) StartStreaming(ctx context.Context, initialPrompt string) error {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if r.opts.FallbackModel != "" {
		args = append(args, "--fallback-model", r.opts.FallbackModel)
	}
	if r.opts.ResumeSessionID != "" {
		args = append(args, "--resume", r.opts.ResumeSessionID)
	}
	if r.opts.SingleTurn {
		args = append(args, "--max-turns", "1")
	}
	if r.opts.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", r.opts.SystemPromptAppend)
	}
	if r.opts.DisallowAllTools {
		args = append(args, "--disallowedTools", "*")
	} else {
		if len(r.opts.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(r.opts.AllowedTools, ","))
		}
		if len(r.opts.DisallowedTools) > 0 {
			args = append(args, "--disallowedTools", strings.Join(r.opts.DisallowedTools, ","))
		}
	}

	servers, err := MergeMCPConfig(r.opts.WorkDir, r.opts.MCPConfigPaths, r.opts.MCPInline)
	if err != nil {
		return err
	}
	mcpPath, err := WriteMCPConfig(r.opts.WorkDir, servers)
	if err != nil {
		r.log.Warn("failed to write merged mcp config", zap.Error(err))
	} else if mcpPath != "" {
		args = append(args, "--mcp-config", mcpPath)
	}

	p, err := startProc(ctx, "claude", args, r.opts.WorkDir, r.opts.Env, true, r.handleLine, func(p *proc, runErr error, stderr string) {
		r.finish(runErr, gracefulExit(runErr, p.wasStopped(), ctx), stderr)
	})
	if err != nil {
		return err
	}
	r.p = p
	r.setRunning(true)

	if err := r.buf.add(initialPrompt); err != nil {
		return err
	}
	go r.drain(ctx)
	return nil
}

// drain moves buffered prompt messages onto the child's stdin and closes it
// once the stream completes.
func (r *claudeRunner) drain(ctx context.Context) {
	for {
		msg, ok := r.buf.next(ctx)
		if !ok {
			r.p.closeStdin()
			return
		}
		line, err := json.Marshal(map[string]any{
			"type": "user",
			"message": map[string]any{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": msg},
				},
			},
		})
		if err != nil {
			continue
		}
		if err := r.p.writeLine(line); err != nil {
			r.log.Warn("stream write failed", zap.Error(err))
			return
		}
	}
}

func (r *claudeRunner) AddStreamMessage(text string) error {
	if !r.IsRunning() {
		return ErrNotRunning
	}
	return r.buf.add(text)
}

func (r *claudeRunner) CompleteStream() error {
	r.buf.complete()
	return nil
}

func (r *claudeRunner) Stop(ctx context.Context) error {
	r.buf.complete()
	if r.p != nil {
		r.p.stop(ctx)
	}
	return nil
}

type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string          `json:"type"`
			Text     string          `json:"text"`
			Thinking string          `json:"thinking"`
			Name     string          `json:"name"`
			Input    json.RawMessage `json:"input"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

func (r *claudeRunner) handleLine(line []byte) {
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
			case "thinking":
				text := block.Thinking
				if text == "" {
					text = block.Text
				}
				r.emit(Event{Type: EventText, Role: "thought", Text: text, Raw: line})
			case "tool_use":
				r.emitToolUse(block.Name, block.Input, line)
			}
		}
	case "user":
		// Tool results echoed back; logged, not surfaced.
		r.emit(Event{Type: EventMessage, Role: "user", Raw: line})
	case "result":
		r.deferResult(Result{Text: ev.Result, IsError: ev.IsError})
		// A turn finished; if no further input is queued, let the child exit
		// so the deferred result can be emitted.
		r.buf.completeIfIdle()
	}
}
