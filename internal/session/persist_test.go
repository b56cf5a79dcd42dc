package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/runner"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.json")
	store := NewStore(path)

	snap := &Snapshot{
		Version: SnapshotVersion,
		SavedAt: time.Now().UTC(),
		Sessions: []SessionDTO{{
			ID:         "s-1",
			ExternalID: "ext-1",
			Status:     string(StatusAwaitingInput),
			RunnerType: string(runner.TypeClaude),
			Procedure:  &procedure.State{ProcedureName: "full-development", CurrentIndex: 2},
		}},
		IssueRouting: map[string]string{"issue-1": "repo-a"},
	}
	require.NoError(t, store.Save(snap))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Sessions, 1)
	assert.Equal(t, "ext-1", loaded.Sessions[0].ExternalID)
	assert.Equal(t, 2, loaded.Sessions[0].Procedure.CurrentIndex)
	assert.Equal(t, "repo-a", loaded.IssueRouting["issue-1"])

	// No stray temp file.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Empty(t, snap.Sessions)
}

func TestStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o644))

	_, err := NewStore(path).Load()
	assert.ErrorContains(t, err, "newer than supported")
}

func TestSessionFromDTORemapsLiveStatuses(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusActive, StatusCompleting} {
		sess := sessionFromDTO(SessionDTO{ExternalID: "ext-1", Status: string(status)})
		assert.Equal(t, StatusAwaitingInput, sess.GetStatus(), string(status))
	}

	// Stable statuses come back unchanged.
	for _, status := range []Status{StatusAwaitingInput, StatusAwaitingApproval, StatusEnded} {
		sess := sessionFromDTO(SessionDTO{ExternalID: "ext-1", Status: string(status)})
		assert.Equal(t, status, sess.GetStatus(), string(status))
	}
}

func TestSessionDTORoundTripKeepsRunnerIDs(t *testing.T) {
	sess := &Session{
		ID:         "s-1",
		ExternalID: "ext-1",
		Status:     StatusAwaitingInput,
		RunnerType: runner.TypeClaude,
		Model:      "claude-sonnet-4",
	}
	sess.RecordRunnerID(runner.TypeClaude, "claude-abc")
	sess.RecordRunnerID(runner.TypeCodex, "codex-def")

	restored := sessionFromDTO(sess.toDTO())
	assert.Equal(t, "claude-abc", restored.RunnerIDs.Get(runner.TypeClaude))
	assert.Equal(t, "codex-def", restored.RunnerIDs.Preferred())
	assert.Equal(t, "claude-sonnet-4", restored.GetModel())
}

func TestRunnerSessionIDsPreferredOrder(t *testing.T) {
	ids := RunnerSessionIDs{}
	assert.Empty(t, ids.Preferred())

	ids.Set(runner.TypeClaude, "c")
	assert.Equal(t, "c", ids.Preferred())
	ids.Set(runner.TypeGemini, "g")
	assert.Equal(t, "g", ids.Preferred())
	ids.Set(runner.TypeOpencode, "o")
	assert.Equal(t, "o", ids.Preferred())

	// Empty ids never overwrite.
	ids.Set(runner.TypeOpencode, "")
	assert.Equal(t, "o", ids.Get(runner.TypeOpencode))
}

func TestEndIsSticky(t *testing.T) {
	sess := &Session{Status: StatusActive}
	sess.End("stopped by user")
	assert.Equal(t, StatusEnded, sess.GetStatus())
	assert.Equal(t, "stopped by user", sess.EndNote)

	sess.SetStatus(StatusActive)
	assert.Equal(t, StatusEnded, sess.GetStatus())
}
