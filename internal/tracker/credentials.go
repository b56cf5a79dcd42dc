package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Credential holds the OAuth material for one tracker workspace.
type Credential struct {
	TrackerID    string     `json:"tracker_id"`
	WorkspaceID  string     `json:"workspace_id"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	// WebhookSecret verifies direct-mode webhook signatures.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// CredentialStore persists tracker credentials. Implementations must be safe
// for concurrent use; token refresh writes back through Save.
type CredentialStore interface {
	Get(workspaceID string) (*Credential, bool)
	Save(cred *Credential) error
	List() []*Credential
}

// FileCredentialStore keeps credentials in credentials.json under the Sylas
// home directory.
type FileCredentialStore struct {
	path  string
	mu    sync.RWMutex
	creds map[string]*Credential // by workspace id
}

// NewFileCredentialStore loads credentials.json from the given home dir.
// A missing file yields an empty store.
func NewFileCredentialStore(home string) (*FileCredentialStore, error) {
	s := &FileCredentialStore{
		path:  filepath.Join(home, "credentials.json"),
		creds: make(map[string]*Credential),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var list []*Credential
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	for _, c := range list {
		s.creds[c.WorkspaceID] = c
	}
	return s, nil
}

// Get returns the credential for a workspace id.
func (s *FileCredentialStore) Get(workspaceID string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[workspaceID]
	return c, ok
}

// Save upserts a credential and writes the file back to disk.
func (s *FileCredentialStore) Save(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[cred.WorkspaceID] = cred

	list := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		list = append(list, c)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// List returns all stored credentials.
func (s *FileCredentialStore) List() []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		list = append(list, c)
	}
	return list
}
