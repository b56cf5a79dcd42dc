package runner

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/common/logger"
)

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestEmitterDeferredResultIsLastEvent(t *testing.T) {
	e := newEmitter(TypeClaude, "", logger.Default())
	e.setRunning(true)

	e.assignSessionID("abc-123")
	e.emit(Event{Type: EventAssistant, Text: "working on it"})
	e.deferResult(Result{Text: "all done"})
	e.emit(Event{Type: EventAssistant, Text: "one more thing"})
	e.finish(nil, true, "")

	events := collect(e.Events())
	require.Len(t, events, 3)
	last := events[len(events)-1]
	assert.Equal(t, EventComplete, last.Type)
	require.NotNil(t, last.Result)
	assert.Equal(t, "all done", last.Result.Text)
	assert.False(t, e.IsRunning(), "running must drop before the final event")

	// Session id is stamped on every event emitted after assignment.
	for _, ev := range events {
		assert.Equal(t, "abc-123", ev.SessionID)
	}
}

func TestEmitterGracefulExitWithoutResult(t *testing.T) {
	e := newEmitter(TypeClaude, "", logger.Default())
	e.setRunning(true)
	e.finish(errors.New("signal: terminated"), true, "")

	events := collect(e.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Type)
	require.NotNil(t, events[0].Result)
	assert.False(t, events[0].Result.IsError)
}

func TestEmitterUnexpectedDeathEmitsError(t *testing.T) {
	e := newEmitter(TypeClaude, "", logger.Default())
	e.setRunning(true)
	e.finish(errors.New("exit status 1"), false, "command not found")

	events := collect(e.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Text, "command not found")
}

func TestEmitterPendingResultBeatsRunError(t *testing.T) {
	// A deferred result means the work finished; the exit error is noise.
	e := newEmitter(TypeClaude, "", logger.Default())
	e.deferResult(Result{Text: "done"})
	e.finish(errors.New("exit status 1"), false, "")

	events := collect(e.Events())
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Type)
}

func TestEmitterFinishIdempotent(t *testing.T) {
	e := newEmitter(TypeClaude, "", logger.Default())
	e.finish(nil, true, "")
	e.finish(errors.New("again"), false, "ignored")
	assert.Len(t, collect(e.Events()), 1)
}

func TestDeltaAccumulation(t *testing.T) {
	e := newEmitter(TypeGemini, "", logger.Default())

	e.addDelta("assistant", "Hello ")
	e.addDelta("assistant", "world.")
	// Role change flushes the previous accumulation.
	e.addDelta("thought", "Considering the ")
	e.addDelta("thought", "options.")
	e.finish(nil, true, "")

	events := collect(e.Events())
	require.Len(t, events, 3)
	assert.Equal(t, EventAssistant, events[0].Type)
	assert.Equal(t, "assistant", events[0].Role)
	assert.Equal(t, "Hello world.", events[0].Text)
	assert.Equal(t, "thought", events[1].Role)
	assert.Equal(t, "Considering the options.", events[1].Text)
	assert.Equal(t, EventComplete, events[2].Type)
}

func TestFlushDeltaEmptyIsNoop(t *testing.T) {
	e := newEmitter(TypeGemini, "", logger.Default())
	e.flushDelta()
	e.finish(nil, true, "")
	assert.Len(t, collect(e.Events()), 1)
}

func TestAssignSessionIDFirstSightOnly(t *testing.T) {
	e := newEmitter(TypeClaude, "", logger.Default())
	e.assignSessionID("")
	assert.Empty(t, e.SessionID())

	e.assignSessionID("first")
	e.assignSessionID("first")
	assert.Equal(t, "first", e.SessionID())
}

func TestEmitToolUseRunsHooks(t *testing.T) {
	e := newEmitter(TypeClaude, "", logger.Default())

	var injected []string
	e.inject = func(text string) error {
		injected = append(injected, text)
		return nil
	}
	e.AddPostToolHook(func(name string, input json.RawMessage) string {
		if name == "screenshot" {
			return "upload it"
		}
		return ""
	})

	e.emitToolUse("screenshot", nil, nil)
	e.emitToolUse("other-tool", nil, nil)
	e.finish(nil, true, "")

	events := collect(e.Events())
	require.Len(t, events, 3)
	assert.Equal(t, EventToolUse, events[0].Type)
	assert.Equal(t, []string{"upload it"}, injected)
}

func TestSessionLogsRotate(t *testing.T) {
	dir := t.TempDir()
	logs, err := NewSessionLogs(dir)
	require.NoError(t, err)

	logs.AppendEvent(json.RawMessage(`{"type":"system"}`))
	logs.AppendTranscript("assistant", "hello")
	require.NoError(t, logs.Rotate("sess-42"))
	logs.AppendTranscript("assistant", "after rotation")
	require.NoError(t, logs.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Contains(t, entry.Name(), "session-sess-42-")
		assert.NotContains(t, entry.Name(), "pending")
	}
}
