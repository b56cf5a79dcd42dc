package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/runner"
)

// SnapshotVersion tags the on-disk format for forward migrations.
const SnapshotVersion = 1

// SessionDTO is the explicit persisted shape of a session. It is decoupled
// from the in-memory Session so either side can evolve.
type SessionDTO struct {
	ID              string           `json:"id"`
	ExternalID      string           `json:"external_id"`
	TrackerID       string           `json:"tracker_id"`
	OrganizationID  string           `json:"organization_id"`
	RepositoryID    string           `json:"repository_id"`
	IssueID         string           `json:"issue_id"`
	IssueIdentifier string           `json:"issue_identifier"`
	IssueTitle      string           `json:"issue_title,omitempty"`
	WorkspacePath   string           `json:"workspace_path,omitempty"`
	Status          string           `json:"status"`
	RunnerType      string           `json:"runner_type"`
	Model           string           `json:"model,omitempty"`
	RunnerIDs       RunnerSessionIDs `json:"runner_ids"`
	Procedure       *procedure.State `json:"procedure,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	EndNote         string           `json:"end_note,omitempty"`
}

// Snapshot is the versioned persistence document written to state.json.
type Snapshot struct {
	Version      int               `json:"version"`
	SavedAt      time.Time         `json:"saved_at"`
	Sessions     []SessionDTO      `json:"sessions"`
	IssueRouting map[string]string `json:"issue_routing,omitempty"`
}

// Store reads and writes the snapshot file atomically.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store writing to the given path.
func NewStore(path string) *Store { return &Store{path: path} }

// Save writes the snapshot via a temp file and rename.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the snapshot; a missing file yields an empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{Version: SnapshotVersion}, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	return &snap, nil
}

func (s *Session) toDTO() SessionDTO {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionDTO{
		ID:              s.ID,
		ExternalID:      s.ExternalID,
		TrackerID:       s.TrackerID,
		OrganizationID:  s.OrganizationID,
		RepositoryID:    s.RepositoryID,
		IssueID:         s.IssueID,
		IssueIdentifier: s.IssueIdentifier,
		IssueTitle:      s.IssueTitle,
		WorkspacePath:   s.WorkspacePath,
		Status:          string(s.Status),
		RunnerType:      string(s.RunnerType),
		Model:           s.Model,
		RunnerIDs:       s.RunnerIDs,
		Procedure:       s.Procedure,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		EndNote:         s.EndNote,
	}
}

func sessionFromDTO(dto SessionDTO) *Session {
	status := Status(dto.Status)
	// Sessions that had a live runner come back parked; the runner is gone.
	switch status {
	case StatusPending, StatusActive, StatusCompleting:
		status = StatusAwaitingInput
	}
	return &Session{
		ID:              dto.ID,
		ExternalID:      dto.ExternalID,
		TrackerID:       dto.TrackerID,
		OrganizationID:  dto.OrganizationID,
		RepositoryID:    dto.RepositoryID,
		IssueID:         dto.IssueID,
		IssueIdentifier: dto.IssueIdentifier,
		IssueTitle:      dto.IssueTitle,
		WorkspacePath:   dto.WorkspacePath,
		Status:          status,
		RunnerType:      runner.Type(dto.RunnerType),
		Model:           dto.Model,
		RunnerIDs:       dto.RunnerIDs,
		Procedure:       dto.Procedure,
		CreatedAt:       dto.CreatedAt,
		UpdatedAt:       dto.UpdatedAt,
		EndNote:         dto.EndNote,
	}
}

// saveSnapshot flushes the session table and routing cache to disk. Failures
// are logged, not propagated; persistence is best-effort in the hot path.
func (m *Manager) saveSnapshot() {
	if m.store == nil {
		return
	}
	snap := &Snapshot{Version: SnapshotVersion, SavedAt: time.Now().UTC()}

	m.mu.Lock()
	for _, sess := range m.sessions {
		snap.Sessions = append(snap.Sessions, sess.toDTO())
	}
	m.mu.Unlock()

	if m.routingBindings != nil {
		snap.IssueRouting = m.routingBindings()
	}
	if err := m.store.Save(snap); err != nil {
		m.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

// Restore replays the persisted snapshot into the session table and routing
// cache. Called once, before webhook intake starts.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	snap, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, dto := range snap.Sessions {
		if dto.ExternalID == "" {
			continue
		}
		m.sessions[dto.ExternalID] = sessionFromDTO(dto)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if m.restoreRouting != nil && len(snap.IssueRouting) > 0 {
		m.restoreRouting(snap.IssueRouting)
	}
	if count > 0 {
		m.logger.Info("state restored", zap.Int("sessions", count))
	}
	return nil
}
