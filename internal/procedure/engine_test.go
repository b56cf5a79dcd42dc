package procedure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/common/logger"
)

type stubClassifier struct {
	label string
	err   error
	calls int
}

func (s *stubClassifier) Classify(ctx context.Context, request string) (string, error) {
	s.calls++
	return s.label, s.err
}

func TestSelectClassifierLabel(t *testing.T) {
	cls := &stubClassifier{label: "question"}
	e := NewEngine(cls, nil, logger.Default())

	assert.Equal(t, "simple-question", e.Select(context.Background(), "how does auth work?", nil))
	assert.Equal(t, 1, cls.calls)
}

func TestSelectClassifierErrorFallsBack(t *testing.T) {
	cls := &stubClassifier{err: assert.AnError}
	e := NewEngine(cls, nil, logger.Default())

	assert.Equal(t, FallbackProcedure, e.Select(context.Background(), "anything", nil))
}

func TestSelectNoClassifierFallsBack(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	assert.Equal(t, FallbackProcedure, e.Select(context.Background(), "anything", nil))
}

func TestSelectOrchestratorLabelSkipsClassifier(t *testing.T) {
	cls := &stubClassifier{label: "question"}
	e := NewEngine(cls, nil, logger.Default())

	proc := e.Select(context.Background(), "coordinate the subtasks", []string{"Orchestrator"})
	assert.Equal(t, "orchestrator-full", proc)
	assert.Zero(t, cls.calls, "label override must not invoke AI routing")

	// Case-insensitive match.
	assert.Equal(t, "orchestrator-full", e.Select(context.Background(), "x", []string{"ORCHESTRATOR"}))
}

func TestSelectConfiguredLabelMapping(t *testing.T) {
	cls := &stubClassifier{label: "code"}
	e := NewEngine(cls, map[string]string{"Bug": "debugger-full"}, logger.Default())

	assert.Equal(t, "debugger-full", e.Select(context.Background(), "x", []string{"bug"}))
	assert.Zero(t, cls.calls)

	// A mapping to an unknown procedure is ignored and routing continues.
	e = NewEngine(cls, map[string]string{"bug": "no-such-procedure"}, logger.Default())
	assert.Equal(t, "full-development", e.Select(context.Background(), "x", []string{"bug"}))
	assert.Equal(t, 1, cls.calls)
}

func TestAdvanceRecordsCurrentSubroutine(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development"}

	require.Equal(t, "coding-activity", e.Current(state).Name)
	e.Advance(state, "runner-sess-1", "implemented the thing")

	require.Len(t, state.History, 1)
	assert.Equal(t, "coding-activity", state.History[0].Subroutine)
	assert.Equal(t, "runner-sess-1", state.History[0].RunnerSessionID)
	assert.Equal(t, "implemented the thing", state.History[0].Result)
	assert.Equal(t, "verifications", e.Current(state).Name)
}

func TestFullDevelopmentWalkStopsBeforeFinalAdvance(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development"}

	var visited []string
	for {
		cur := e.Current(state)
		require.NotNil(t, cur)
		visited = append(visited, cur.Name)
		if e.IsComplete(state) {
			break
		}
		e.Advance(state, "", "")
	}

	assert.Equal(t, []string{
		"coding-activity", "verifications", "changelog-update",
		"git-commit", "gh-pr", "concise-summary",
	}, visited)
	// The final subroutine runs but never enters history.
	assert.Len(t, state.History, 5)
	assert.Equal(t, "concise-summary", e.Current(state).Name)
}

func TestSingleSubroutineProcedureIsImmediatelyComplete(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-delegation"}

	assert.True(t, e.IsComplete(state))
	assert.Equal(t, "full-delegation", e.Current(state).Name)
	assert.Nil(t, e.Next(state))
}

func TestCheckValidationPass(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development", CurrentIndex: 1} // verifications

	outcome := e.CheckValidation(state, `{"pass": true, "reason": ""}`)
	assert.Equal(t, ValidationPass, outcome)
	assert.Nil(t, state.Validation)
}

func TestCheckValidationNonValidatingAlwaysPasses(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development"} // coding-activity

	assert.Equal(t, ValidationPass, e.CheckValidation(state, "not json at all"))
}

func TestCheckValidationFailSchedulesFixer(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development", CurrentIndex: 1}

	outcome := e.CheckValidation(state, `{"pass": false, "reason": "3 tests failing"}`)
	assert.Equal(t, ValidationRetry, outcome)
	require.NotNil(t, state.Validation)
	assert.True(t, state.Validation.FixerPending)
	assert.Equal(t, 1, state.Validation.Iterations)
	assert.Equal(t, "3 tests failing", state.Validation.LastReason)

	// While the fixer is pending it replaces the table subroutine.
	assert.Equal(t, "validation-fixer", e.Current(state).Name)
	e.FixerDone(state)
	assert.Equal(t, "verifications", e.Current(state).Name)
	assert.Equal(t, 1, state.Validation.Iterations)
}

func TestCheckValidationExhaustsAfterCap(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development", CurrentIndex: 1}

	for i := 0; i < ValidationCap; i++ {
		outcome := e.CheckValidation(state, `{"pass": false, "reason": "still broken"}`)
		require.Equal(t, ValidationRetry, outcome)
		e.FixerDone(state)
	}
	assert.Equal(t, ValidationExhausted, e.CheckValidation(state, `{"pass": false, "reason": "still broken"}`))
}

func TestCheckValidationUnparseableTreatedAsFail(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development", CurrentIndex: 1}

	outcome := e.CheckValidation(state, "everything looks great to me")
	assert.Equal(t, ValidationRetry, outcome)
	assert.Equal(t, "unparseable validation output", state.Validation.LastReason)
}

func TestCheckValidationPassClearsPriorFailures(t *testing.T) {
	e := NewEngine(nil, nil, logger.Default())
	state := &State{ProcedureName: "full-development", CurrentIndex: 1}

	require.Equal(t, ValidationRetry, e.CheckValidation(state, `{"pass": false, "reason": "x"}`))
	e.FixerDone(state)
	assert.Equal(t, ValidationPass, e.CheckValidation(state, `{"pass": true}`))
	assert.Nil(t, state.Validation)
}

func TestParseVerdictEmbeddedJSON(t *testing.T) {
	v, err := parseVerdict("Here is my verdict:\n```json\n{\"pass\": false, \"reason\": \"lint errors\"}\n```\nDone.")
	require.NoError(t, err)
	assert.False(t, v.Pass)
	assert.Equal(t, "lint errors", v.Reason)

	v, err = parseVerdict(`{"pass": true}`)
	require.NoError(t, err)
	assert.True(t, v.Pass)

	_, err = parseVerdict("no braces here")
	assert.Error(t, err)
}

func TestProcedureTableShapes(t *testing.T) {
	for name, proc := range Procedures {
		require.NotEmpty(t, proc.Subroutines, name)
		assert.Equal(t, name, proc.Name)
	}

	// Summary steps run single-turn with tools disallowed and thoughts suppressed.
	for _, sub := range []Subroutine{subConciseSummary, subPlanSummary, subUserTestingSummary, subReleaseSummary} {
		assert.True(t, sub.SingleTurn, sub.Name)
		assert.True(t, sub.DisallowAllTools, sub.Name)
		assert.True(t, sub.SuppressThoughtPosting, sub.Name)
	}

	assert.True(t, subPreparation.RequiresApproval)
	assert.True(t, subUserTesting.RequiresApproval)
	assert.True(t, subVerifications.UsesValidationLoop)
}

func TestProcedureForLabelCoversKnownSet(t *testing.T) {
	cases := map[string]string{
		"question":      "simple-question",
		"documentation": "documentation-edit",
		"transient":     "full-delegation",
		"planning":      "plan-mode",
		"code":          "full-development",
		"debugger":      "debugger-full",
		"orchestrator":  "orchestrator-full",
		"user-testing":  "user-testing",
		"release":       "release",
	}
	for label, want := range cases {
		got, ok := ProcedureForLabel(label)
		require.True(t, ok, label)
		assert.Equal(t, want, got)
	}
	_, ok := ProcedureForLabel("nonsense")
	assert.False(t, ok)
}

func TestClassifierPromptListsLabels(t *testing.T) {
	prompt := classifierPrompt("fix the login bug")
	assert.Contains(t, prompt, "code")
	assert.Contains(t, prompt, "debugger")
	assert.Contains(t, prompt, "fix the login bug")
}
