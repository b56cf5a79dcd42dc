// Package session owns the session table and the lifecycle manager that
// drives each session through its procedure.
package session

import (
	"sync"
	"time"

	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/runner"
)

// Status is the session lifecycle state. Ended is terminal.
type Status string

const (
	StatusPending          Status = "pending"
	StatusActive           Status = "active"
	StatusAwaitingInput    Status = "awaiting_input"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleting       Status = "completing"
	StatusEnded            Status = "ended"
)

// RunnerSessionIDs keeps the last-known runner-assigned session id per
// runner type.
type RunnerSessionIDs struct {
	Claude   string `json:"claude,omitempty"`
	Gemini   string `json:"gemini,omitempty"`
	Codex    string `json:"codex,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Opencode string `json:"opencode,omitempty"`
}

// Set stores the id in the slot for the given runner type.
func (r *RunnerSessionIDs) Set(t runner.Type, id string) {
	if id == "" {
		return
	}
	switch t {
	case runner.TypeClaude:
		r.Claude = id
	case runner.TypeGemini:
		r.Gemini = id
	case runner.TypeCodex:
		r.Codex = id
	case runner.TypeCursor:
		r.Cursor = id
	case runner.TypeOpencode:
		r.Opencode = id
	}
}

// Get returns the slot for the given runner type.
func (r *RunnerSessionIDs) Get(t runner.Type) string {
	switch t {
	case runner.TypeClaude:
		return r.Claude
	case runner.TypeGemini:
		return r.Gemini
	case runner.TypeCodex:
		return r.Codex
	case runner.TypeCursor:
		return r.Cursor
	case runner.TypeOpencode:
		return r.Opencode
	}
	return ""
}

// Preferred returns whichever slot is set, in the fixed priority order
// opencode, cursor, codex, gemini, claude.
func (r *RunnerSessionIDs) Preferred() string {
	for _, id := range []string{r.Opencode, r.Cursor, r.Codex, r.Gemini, r.Claude} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Session is one supervised agent session, keyed by the tracker-assigned
// external session id. Mutable fields are guarded by mu; the manager's
// per-session serialisation keeps webhook handling ordered, but the driver
// goroutine updates status concurrently with it.
type Session struct {
	mu sync.Mutex

	ID             string `json:"id"`
	ExternalID     string `json:"external_id"`
	TrackerID      string `json:"tracker_id"`
	OrganizationID string `json:"organization_id"`
	RepositoryID   string `json:"repository_id"`

	IssueID         string `json:"issue_id"`
	IssueIdentifier string `json:"issue_identifier"`
	IssueTitle      string `json:"issue_title"`

	// WorkspacePath is the per-issue working directory, provisioned on first
	// dispatch and reused across resumes.
	WorkspacePath string `json:"workspace_path,omitempty"`

	Status     Status      `json:"status"`
	RunnerType runner.Type `json:"runner_type"`
	Model      string      `json:"model,omitempty"`

	RunnerIDs RunnerSessionIDs `json:"runner_ids"`
	Procedure *procedure.State `json:"procedure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EndNote   string    `json:"end_note,omitempty"`
}

// SetStatus transitions the session. Ended is sticky.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusEnded {
		return
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
}

// GetStatus returns the current status.
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// Ended reports whether the session reached its terminal state.
func (s *Session) Ended() bool { return s.GetStatus() == StatusEnded }

// End marks the session terminal with an optional note.
func (s *Session) End(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.EndNote = note
	s.UpdatedAt = time.Now().UTC()
}

// RecordRunnerID stores a runner-assigned session id in its slot.
func (s *Session) RecordRunnerID(t runner.Type, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunnerIDs.Set(t, id)
	s.UpdatedAt = time.Now().UTC()
}

// SetWorkspacePath records the provisioned working directory.
func (s *Session) SetWorkspacePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WorkspacePath = path
	s.UpdatedAt = time.Now().UTC()
}

// GetWorkspacePath returns the provisioned working directory, or "".
func (s *Session) GetWorkspacePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WorkspacePath
}

// SetModel updates the model used for subsequent runner invocations.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Model = model
	s.UpdatedAt = time.Now().UTC()
}

// GetModel returns the current model.
func (s *Session) GetModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Model
}

// ProcedureState returns the current procedure state pointer.
func (s *Session) ProcedureState() *procedure.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Procedure
}

// ResetProcedure installs fresh procedure state.
func (s *Session) ResetProcedure(state *procedure.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Procedure = state
	s.UpdatedAt = time.Now().UTC()
}
