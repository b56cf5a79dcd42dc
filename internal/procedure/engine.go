package procedure

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
)

// ValidationCap bounds fixer retries per validating subroutine.
const ValidationCap = 3

// ValidationOutcome is the result of checking a validating subroutine.
type ValidationOutcome int

const (
	ValidationPass ValidationOutcome = iota
	ValidationRetry
	ValidationExhausted
)

// Engine selects procedures and advances sessions through their subroutines.
// Procedure definitions are immutable after load; the engine itself is
// stateless and safe for concurrent use. All mutation happens on the *State
// the caller owns.
type Engine struct {
	classifier Classifier
	// labelRoles maps lowercase issue labels to procedure names, from config.
	labelRoles map[string]string
	logger     *logger.Logger
}

// NewEngine builds the procedure engine. labelRoles keys are normalized to
// lowercase.
func NewEngine(classifier Classifier, labelRoles map[string]string, log *logger.Logger) *Engine {
	normalized := make(map[string]string, len(labelRoles))
	for label, proc := range labelRoles {
		normalized[strings.ToLower(label)] = proc
	}
	return &Engine{
		classifier: classifier,
		labelRoles: normalized,
		logger:     log.WithFields(zap.String("component", "procedure-engine")),
	}
}

// Select picks the procedure for a request. Issue labels are checked first
// against the configured mapping and the built-in orchestrator override; only
// when no label matches does AI classification run. Classification failures
// fall back to full-development.
func (e *Engine) Select(ctx context.Context, request string, issueLabels []string) string {
	for _, label := range issueLabels {
		key := strings.ToLower(label)
		if proc, ok := e.labelRoles[key]; ok {
			if _, known := Procedures[proc]; known {
				e.logger.Info("procedure forced by label mapping",
					zap.String("label", label), zap.String("procedure", proc))
				return proc
			}
			e.logger.Warn("label maps to unknown procedure, ignoring",
				zap.String("label", label), zap.String("procedure", proc))
		}
		if key == "orchestrator" {
			e.logger.Info("Using orchestrator-full procedure due to Orchestrator label (skipping AI routing)")
			return "orchestrator-full"
		}
	}

	if e.classifier == nil {
		e.logger.Warn("no classifier configured, using fallback procedure",
			zap.String("procedure", FallbackProcedure))
		return FallbackProcedure
	}

	label, err := e.classifier.Classify(ctx, request)
	if err != nil {
		e.logger.Warn("classification failed, using fallback procedure",
			zap.String("procedure", FallbackProcedure), zap.Error(err))
		return FallbackProcedure
	}
	proc, _ := ProcedureForLabel(label)
	e.logger.Info("procedure selected", zap.String("label", label), zap.String("procedure", proc))
	return proc
}

// Initialise returns fresh procedure state for a request. A prompt on a
// running session goes through here again: procedure state never continues
// across prompts.
func (e *Engine) Initialise(ctx context.Context, request string, issueLabels []string) *State {
	return &State{ProcedureName: e.Select(ctx, request, issueLabels)}
}

// Current returns the subroutine at the current index, or nil when the state
// is past the end. While a validation fixer is pending it is returned in
// place of the table subroutine.
func (e *Engine) Current(state *State) *Subroutine {
	if state == nil {
		return nil
	}
	if state.Validation != nil && state.Validation.FixerPending {
		fixer := subValidationFixer
		return &fixer
	}
	return subroutineAt(state, state.CurrentIndex)
}

// Next returns the subroutine after the current one, or nil.
func (e *Engine) Next(state *State) *Subroutine {
	if state == nil {
		return nil
	}
	return subroutineAt(state, state.CurrentIndex+1)
}

// IsComplete reports whether no further subroutine exists.
func (e *Engine) IsComplete(state *State) bool {
	return e.Next(state) == nil
}

// Advance appends a history entry for the CURRENT subroutine and increments
// the index. The final subroutine of a procedure therefore only enters
// history if the session is later re-initialised past it.
func (e *Engine) Advance(state *State, runnerSessionID, result string) {
	current := e.Current(state)
	name := ""
	if current != nil {
		name = current.Name
	}
	state.History = append(state.History, HistoryEntry{
		Subroutine:      name,
		CompletedAt:     time.Now().UTC(),
		RunnerSessionID: runnerSessionID,
		Result:          result,
	})
	state.CurrentIndex++
	state.Validation = nil
}

type validationVerdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// CheckValidation inspects a validating subroutine's final text. A fail
// schedules the fixer until the retry cap is exhausted. Non-validating
// subroutines always pass.
func (e *Engine) CheckValidation(state *State, resultText string) ValidationOutcome {
	current := subroutineAt(state, state.CurrentIndex)
	if current == nil || !current.UsesValidationLoop {
		return ValidationPass
	}

	verdict, err := parseVerdict(resultText)
	if err != nil {
		e.logger.Warn("validation output unparseable, treating as fail", zap.Error(err))
		verdict = validationVerdict{Pass: false, Reason: "unparseable validation output"}
	}
	if verdict.Pass {
		state.Validation = nil
		return ValidationPass
	}

	if state.Validation == nil {
		state.Validation = &ValidationState{}
	}
	state.Validation.Iterations++
	state.Validation.LastReason = verdict.Reason
	if state.Validation.Iterations > ValidationCap {
		e.logger.Warn("validation retries exhausted",
			zap.String("subroutine", current.Name),
			zap.Int("iterations", state.Validation.Iterations),
			zap.String("reason", verdict.Reason))
		return ValidationExhausted
	}

	state.Validation.FixerPending = true
	e.logger.Info("validation failed, scheduling fixer",
		zap.String("subroutine", current.Name),
		zap.Int("iteration", state.Validation.Iterations),
		zap.String("reason", verdict.Reason))
	return ValidationRetry
}

// FixerDone marks the pending fixer as finished; the validating subroutine
// reruns at the unchanged index.
func (e *Engine) FixerDone(state *State) {
	if state.Validation != nil {
		state.Validation.FixerPending = false
	}
}

func subroutineAt(state *State, index int) *Subroutine {
	proc, ok := Procedures[state.ProcedureName]
	if !ok || index < 0 || index >= len(proc.Subroutines) {
		return nil
	}
	sub := proc.Subroutines[index]
	return &sub
}

// parseVerdict extracts the {pass, reason} object from the runner's final
// text, which may wrap it in prose or a code fence.
func parseVerdict(text string) (validationVerdict, error) {
	var v validationVerdict
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return v, json.Unmarshal([]byte(text), &v)
	}
	err := json.Unmarshal([]byte(text[start:end+1]), &v)
	return v, err
}
