package runner

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// emitter holds the state every adapter shares: the event channel, the
// runner session id, the running flag, the deferred final result, and the
// delta accumulation buffer for runners that stream partial text.
type emitter struct {
	typ Type
	log *logger.Logger

	events    chan Event
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string
	running   bool
	pending   *Result

	logs  *SessionLogs
	hooks hookSet

	// inject delivers hook guidance back into the runner's context; nil for
	// runners without streaming input.
	inject func(text string) error

	deltaRole string
	delta     strings.Builder
}

func newEmitter(typ Type, logDir string, log *logger.Logger) *emitter {
	e := &emitter{
		typ:    typ,
		log:    log.WithFields(zap.String("runner", string(typ))),
		events: make(chan Event, 256),
	}
	if logDir != "" {
		logs, err := NewSessionLogs(logDir)
		if err != nil {
			e.log.Warn("session log unavailable", zap.String("dir", logDir), zap.Error(err))
		} else {
			e.logs = logs
		}
	}
	return e
}

func (e *emitter) Type() Type           { return e.typ }
func (e *emitter) Events() <-chan Event { return e.events }

func (e *emitter) AddPostToolHook(hook PostToolHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks.add(hook)
}

func (e *emitter) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *emitter) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *emitter) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

// assignSessionID records the runner-assigned id on first sight and rotates
// the log artifacts to their final names.
func (e *emitter) assignSessionID(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	if e.sessionID == id {
		e.mu.Unlock()
		return
	}
	e.sessionID = id
	logs := e.logs
	e.mu.Unlock()

	e.log.Info("runner session id assigned", zap.String("runner_session_id", id))
	if logs != nil {
		if err := logs.Rotate(id); err != nil {
			e.log.Warn("log rotation failed", zap.Error(err))
		}
	}
}

// emit stamps the session id and ships the event. Raw payloads also land in
// the JSONL event log; readable text lands in the transcript.
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	ev.SessionID = e.sessionID
	logs := e.logs
	e.mu.Unlock()

	if logs != nil {
		if len(ev.Raw) > 0 {
			logs.AppendEvent(ev.Raw)
		}
		switch ev.Type {
		case EventAssistant, EventText:
			logs.AppendTranscript(orRole(ev.Role, "assistant"), ev.Text)
		case EventToolUse:
			logs.AppendTranscript("tool", ev.ToolName)
		case EventComplete:
			if ev.Result != nil {
				logs.AppendTranscript("result", ev.Result.Text)
			}
		}
	}

	e.events <- ev
}

// emitToolUse ships a tool-use event and runs post-tool hooks, injecting any
// guidance they return when the runner accepts streamed input.
func (e *emitter) emitToolUse(name string, input json.RawMessage, raw json.RawMessage) {
	e.emit(Event{Type: EventToolUse, ToolName: name, ToolInput: input, Raw: raw})

	e.mu.Lock()
	hooks := e.hooks
	inject := e.inject
	e.mu.Unlock()

	for _, guidance := range hooks.run(name, input) {
		if inject == nil {
			e.log.Debug("dropping hook guidance, runner has no streaming input",
				zap.String("tool", name))
			continue
		}
		if err := inject(guidance); err != nil {
			e.log.Warn("hook guidance injection failed", zap.String("tool", name), zap.Error(err))
		}
	}
}

// deferResult stashes the final result; it is emitted only at finish, after
// the child has exited.
func (e *emitter) deferResult(res Result) {
	e.mu.Lock()
	e.pending = &res
	e.mu.Unlock()
}

// addDelta accumulates streamed text for one role. A role change flushes the
// previous accumulation as a single event.
func (e *emitter) addDelta(role, text string) {
	e.mu.Lock()
	if e.deltaRole != "" && e.deltaRole != role {
		e.mu.Unlock()
		e.flushDelta()
		e.mu.Lock()
	}
	e.deltaRole = role
	e.delta.WriteString(text)
	e.mu.Unlock()
}

// flushDelta emits the accumulated text, if any, as one assistant event.
func (e *emitter) flushDelta() {
	e.mu.Lock()
	if e.delta.Len() == 0 {
		e.mu.Unlock()
		return
	}
	role := e.deltaRole
	text := e.delta.String()
	e.delta.Reset()
	e.deltaRole = ""
	e.mu.Unlock()

	e.emit(Event{Type: EventAssistant, Role: role, Text: text})
}

// finish closes out the invocation: flush pending deltas, drop the running
// flag, then emit the deferred result or, for unexpected deaths only, an
// error event. The channel closes afterwards.
func (e *emitter) finish(runErr error, graceful bool, stderr string) {
	e.closeOnce.Do(func() {
		e.flushDelta()
		e.setRunning(false)

		e.mu.Lock()
		pending := e.pending
		e.pending = nil
		logs := e.logs
		e.mu.Unlock()

		switch {
		case pending != nil:
			e.emit(Event{Type: EventComplete, Result: pending})
		case runErr != nil && !graceful:
			e.log.Error("runner exited unexpectedly",
				zap.Error(runErr), zap.String("stderr", truncate(stderr, 2048)))
			e.emit(Event{Type: EventError, Err: runErr, Text: truncate(stderr, 2048)})
		default:
			e.emit(Event{Type: EventComplete, Result: &Result{}})
		}

		if logs != nil {
			logs.Close()
		}
		close(e.events)
	})
}

func orRole(role, fallback string) string {
	if role != "" {
		return role
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
