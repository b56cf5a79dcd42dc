// Package procedure holds the closed set of procedures, the classifier that
// routes a request to one of them, and the engine that steps a session
// through its ordered subroutines.
package procedure

import "time"

// Subroutine is one step of a procedure with its execution policy.
type Subroutine struct {
	Name   string
	Prompt string

	SingleTurn             bool
	SuppressThoughtPosting bool
	DisallowAllTools       bool
	AllowedTools           []string
	DisallowedTools        []string
	RequiresApproval       bool
	UsesValidationLoop     bool
}

// Procedure is a named, ordered list of subroutines.
type Procedure struct {
	Name        string
	Subroutines []Subroutine
}

// HistoryEntry records a completed subroutine.
type HistoryEntry struct {
	Subroutine      string    `json:"subroutine"`
	CompletedAt     time.Time `json:"completed_at"`
	RunnerSessionID string    `json:"runner_session_id,omitempty"`
	Result          string    `json:"result,omitempty"`
}

// ValidationState tracks the fixer loop for a validating subroutine.
type ValidationState struct {
	Iterations   int  `json:"iterations"`
	FixerPending bool `json:"fixer_pending"`
	LastReason   string `json:"last_reason,omitempty"`
}

// State is the per-session procedure position. It is embedded in the session
// record and persisted with it.
type State struct {
	ProcedureName string          `json:"procedure_name"`
	CurrentIndex  int             `json:"current_index"`
	History       []HistoryEntry  `json:"history"`
	Validation    *ValidationState `json:"validation,omitempty"`
}

// summary marks the terminal summary steps; they are the only subroutines
// that run single-turn with all tools disallowed and thoughts suppressed.
func summary(name, prompt string) Subroutine {
	return Subroutine{
		Name:                   name,
		Prompt:                 prompt,
		SingleTurn:             true,
		SuppressThoughtPosting: true,
		DisallowAllTools:       true,
	}
}

var (
	subQuestionInvestigation = Subroutine{
		Name:   "question-investigation",
		Prompt: "Investigate the codebase to answer the user's question. Read whatever files are needed; do not modify anything.",
		DisallowedTools: []string{"Write", "Edit"},
	}
	subQuestionAnswer = Subroutine{
		Name:                   "question-answer",
		Prompt:                 "Answer the user's question concisely based on your investigation.",
		SingleTurn:             true,
		SuppressThoughtPosting: true,
	}
	subPrimary = Subroutine{
		Name:   "primary",
		Prompt: "Carry out the requested work in the repository.",
	}
	subCoding = Subroutine{
		Name:   "coding-activity",
		Prompt: "Implement the requested change. Follow the existing code style and keep the change focused.",
	}
	subVerifications = Subroutine{
		Name:               "verifications",
		Prompt:             "Verify the change: run the project's tests and linters. Respond with a JSON object {\"pass\": boolean, \"reason\": string}.",
		UsesValidationLoop: true,
	}
	subValidationFixer = Subroutine{
		Name:   "validation-fixer",
		Prompt: "The verification step failed. Fix the reported problem, then stop.",
	}
	subChangelog = Subroutine{
		Name:   "changelog-update",
		Prompt: "Update the changelog with a short entry describing the change, if the project keeps one.",
	}
	subGitCommit = Subroutine{
		Name:   "git-commit",
		Prompt: "Commit the work on a feature branch with a clear message.",
	}
	subGhPR = Subroutine{
		Name:   "gh-pr",
		Prompt: "Push the branch and open a pull request describing the change.",
	}
	subConciseSummary = summary("concise-summary",
		"Summarize in a few sentences what was done and link the pull request if one was opened.")
	subDebuggerRepro = Subroutine{
		Name:   "debugger-reproduction",
		Prompt: "Reproduce the reported bug. Write a failing test or a minimal reproduction script.",
	}
	subDebuggerFix = Subroutine{
		Name:   "debugger-fix",
		Prompt: "Fix the bug so the reproduction passes.",
	}
	subPreparation = Subroutine{
		Name:             "preparation",
		Prompt:           "Produce an implementation plan for the request. Do not write code yet.",
		RequiresApproval: true,
		DisallowedTools:  []string{"Write", "Edit"},
	}
	subPlanSummary = summary("plan-summary",
		"Summarize the approved plan and the suggested next steps.")
	subUserTesting = Subroutine{
		Name:             "user-testing",
		Prompt:           "Prepare the change for manual testing and post step-by-step instructions for the user.",
		RequiresApproval: true,
	}
	subUserTestingSummary = summary("user-testing-summary",
		"Summarize the testing session and its outcome.")
	subReleaseExecution = Subroutine{
		Name:   "release-execution",
		Prompt: "Execute the release procedure for this repository: version bump, tags, release notes.",
	}
	subReleaseSummary = summary("release-summary",
		"Summarize the release that was performed, including the version and links.")
	subFullDelegation = Subroutine{
		Name:   "full-delegation",
		Prompt: "Handle the request end to end, including any commits and pull requests it needs.",
	}
)

// Procedures is the closed procedure set, fixed at process start.
var Procedures = map[string]Procedure{
	"simple-question": {
		Name:        "simple-question",
		Subroutines: []Subroutine{subQuestionInvestigation, subQuestionAnswer},
	},
	"documentation-edit": {
		Name:        "documentation-edit",
		Subroutines: []Subroutine{subPrimary, subGitCommit, subGhPR, subConciseSummary},
	},
	"full-development": {
		Name:        "full-development",
		Subroutines: []Subroutine{subCoding, subVerifications, subChangelog, subGitCommit, subGhPR, subConciseSummary},
	},
	"debugger-full": {
		Name:        "debugger-full",
		Subroutines: []Subroutine{subDebuggerRepro, subDebuggerFix, subVerifications, subChangelog, subGitCommit, subGhPR, subConciseSummary},
	},
	"orchestrator-full": {
		Name:        "orchestrator-full",
		Subroutines: []Subroutine{subPrimary, subConciseSummary},
	},
	"plan-mode": {
		Name:        "plan-mode",
		Subroutines: []Subroutine{subPreparation, subPlanSummary},
	},
	"user-testing": {
		Name:        "user-testing",
		Subroutines: []Subroutine{subUserTesting, subUserTestingSummary},
	},
	"release": {
		Name:        "release",
		Subroutines: []Subroutine{subReleaseExecution, subReleaseSummary},
	},
	"full-delegation": {
		Name:        "full-delegation",
		Subroutines: []Subroutine{subFullDelegation},
	},
}

// FallbackProcedure is used when classification is unavailable or errors.
const FallbackProcedure = "full-development"

// labelProcedures maps classifier labels to procedure names.
var labelProcedures = map[string]string{
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

// ProcedureForLabel resolves a classifier label, reporting whether the label
// is in the known set.
func ProcedureForLabel(label string) (string, bool) {
	name, ok := labelProcedures[label]
	return name, ok
}
