package session

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/common/config"
	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/runner"
	"github.com/sylasdev/sylas/internal/tracker"
	"github.com/sylasdev/sylas/internal/translator"
)

// fakeSupervisor completes immediately with a fixed result.
type fakeSupervisor struct {
	typ        runner.Type
	streaming  bool
	resultText string

	running atomic.Bool
	events  chan runner.Event

	mu       sync.Mutex
	injected []string
	stopped  bool
}

func newFakeSupervisor(t runner.Type, result string) *fakeSupervisor {
	return &fakeSupervisor{typ: t, resultText: result, events: make(chan runner.Event, 8)}
}

func (f *fakeSupervisor) Type() runner.Type { return f.typ }

func (f *fakeSupervisor) Start(ctx context.Context, prompt string) error {
	f.events <- runner.Event{
		Type:      runner.EventComplete,
		SessionID: "fake-" + string(f.typ),
		Result:    &runner.Result{Text: f.resultText},
	}
	close(f.events)
	return nil
}

func (f *fakeSupervisor) StartStreaming(ctx context.Context, prompt string) error {
	if !f.streaming {
		return runner.ErrStreamingUnsupported
	}
	f.running.Store(true)
	return nil
}

func (f *fakeSupervisor) AddStreamMessage(text string) error {
	if !f.running.Load() {
		return runner.ErrNotRunning
	}
	f.mu.Lock()
	f.injected = append(f.injected, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSupervisor) CompleteStream() error { return nil }

func (f *fakeSupervisor) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.running.Store(false)
	return nil
}

func (f *fakeSupervisor) Events() <-chan runner.Event       { return f.events }
func (f *fakeSupervisor) SessionID() string                 { return "fake-" + string(f.typ) }
func (f *fakeSupervisor) IsRunning() bool                   { return f.running.Load() }
func (f *fakeSupervisor) SupportsStreamingInput() bool      { return f.streaming }
func (f *fakeSupervisor) AddPostToolHook(runner.PostToolHook) {}

func (f *fakeSupervisor) injectedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.injected...)
}

func testManagerConfig(t *testing.T) (*config.Config, *config.RepositoryConfig) {
	t.Helper()
	cfg := &config.Config{
		Home: t.TempDir(),
		Runners: config.RunnerDefaults{
			Default:            "claude",
			ClaudeDefaultModel: "claude-sonnet-4",
		},
		Repositories: []config.RepositoryConfig{
			{ID: "repo-a", Name: "alpha", Path: t.TempDir(), CredentialsID: "ws-1"},
		},
	}
	return cfg, &cfg.Repositories[0]
}

func noTrackers(string) (tracker.Service, bool) { return nil, false }

// labelService serves a fixed label set; activity posts are swallowed. No
// other Service method is reached from the manager.
type labelService struct {
	tracker.Service
	labels []tracker.Label
}

func (s *labelService) ID() string { return tracker.TrackerLinear }

func (s *labelService) GetIssueLabels(ctx context.Context, issueID string) ([]tracker.Label, error) {
	return s.labels, nil
}

func (s *labelService) CreateAgentActivity(ctx context.Context, activity *tracker.Activity) error {
	return nil
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *atomic.Int64) {
	t.Helper()
	engine := procedure.NewEngine(nil, nil, logger.Default())
	m := NewManager(cfg, engine, noTrackers, nil, nil, logger.Default())

	var constructed atomic.Int64
	m.SetRunnerFactory(func(tp runner.Type, opts runner.Options, log *logger.Logger) (runner.Supervisor, error) {
		constructed.Add(1)
		return newFakeSupervisor(tp, `{"pass": true, "reason": "ok"}`), nil
	})
	return m, &constructed
}

func startMessage(key string) *translator.Message {
	return &translator.Message{
		Source:          tracker.TrackerLinear,
		Action:          translator.ActionSessionStart,
		OrganizationID:  "org-1",
		SessionKey:      key,
		IssueID:         "issue-1",
		IssueIdentifier: "TEST-1",
		SessionStart: &translator.SessionStartData{
			InitialPrompt: "implement the widget",
			Issue:         tracker.Issue{ID: "issue-1", Identifier: "TEST-1", Title: "Widget"},
		},
	}
}

func promptMessage(key, text string) *translator.Message {
	return &translator.Message{
		Source:     tracker.TrackerLinear,
		Action:     translator.ActionUserPrompt,
		SessionKey: key,
		UserPrompt: &translator.UserPromptData{Text: text, AuthorID: "user-1"},
	}
}

func TestSessionStartRunsProcedureToAwaitingInput(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)

	sess, ok := m.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, StatusAwaitingInput, sess.GetStatus())
	assert.Equal(t, runner.TypeClaude, sess.RunnerType)

	// Fallback procedure ran every subroutine; the final one stays out of
	// history.
	state := sess.ProcedureState()
	require.NotNil(t, state)
	assert.Equal(t, "full-development", state.ProcedureName)
	require.Len(t, state.History, 5)
	assert.Equal(t, "gh-pr", state.History[4].Subroutine)
	assert.Equal(t, int64(6), constructed.Load())
	assert.Equal(t, "fake-claude", sess.RunnerIDs.Get(runner.TypeClaude))
}

func TestDuplicateSessionStartIgnored(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)
	ran := constructed.Load()

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	assert.Equal(t, ran, constructed.Load(), "duplicate start must not spawn runners")
}

func TestRedeliveredSessionStartDoesNotReviveEndedSession(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)

	stop := &translator.Message{Source: tracker.TrackerLinear, Action: translator.ActionStopSignal, SessionKey: "sess-1"}
	require.NoError(t, m.HandleMessage(context.Background(), repo, stop))
	ran := constructed.Load()

	// A tracker retry of the original start arrives after the session ended.
	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)

	sess, ok := m.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, StatusEnded, sess.GetStatus())
	assert.Equal(t, "stopped by user", sess.EndNote)
	assert.Equal(t, ran, constructed.Load(), "no runner may spawn for an ended session")
}

func TestSessionStartProvisionsWorkspace(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, _ := newTestManager(t, cfg)

	workspace := filepath.Join(t.TempDir(), "TEST-1")
	var provisioned atomic.Int64
	m.SetWorkspaceFactory(func(ctx context.Context, r *config.RepositoryConfig, issueIdentifier string) (string, error) {
		provisioned.Add(1)
		assert.Equal(t, repo.ID, r.ID)
		assert.Equal(t, "TEST-1", issueIdentifier)
		return workspace, nil
	})

	var mu sync.Mutex
	var workDirs []string
	m.SetRunnerFactory(func(tp runner.Type, opts runner.Options, log *logger.Logger) (runner.Supervisor, error) {
		mu.Lock()
		workDirs = append(workDirs, opts.WorkDir)
		mu.Unlock()
		return newFakeSupervisor(tp, `{"pass": true, "reason": "ok"}`), nil
	})

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)

	sess, ok := m.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, workspace, sess.GetWorkspacePath())
	assert.Equal(t, int64(1), provisioned.Load(), "workspace is provisioned once, on first dispatch")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, workDirs)
	for _, dir := range workDirs {
		assert.Equal(t, workspace, dir, "every runner works inside the provisioned workspace")
	}
}

func TestSessionStartWorkspaceFailureEndsSession(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)
	m.SetWorkspaceFactory(func(context.Context, *config.RepositoryConfig, string) (string, error) {
		return "", assert.AnError
	})

	require.Error(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))

	sess, ok := m.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, StatusEnded, sess.GetStatus())
	assert.Equal(t, "workspace provisioning failed", sess.EndNote)
	assert.Zero(t, constructed.Load())
}

func TestUserPromptInjectsIntoLiveStream(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		Status: StatusActive, RunnerType: runner.TypeClaude}
	sess.ResetProcedure(&procedure.State{ProcedureName: "full-development", CurrentIndex: 3})
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	live := newFakeSupervisor(runner.TypeClaude, "")
	live.streaming = true
	require.NoError(t, live.StartStreaming(context.Background(), "initial"))
	m.setRunner("sess-1", live)

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "also update the docs")))

	assert.Equal(t, []string{"also update the docs"}, live.injectedMessages())
	assert.Zero(t, constructed.Load(), "injection must not spawn a new runner")

	// The prompt re-routes the procedure from the start.
	state := sess.ProcedureState()
	assert.Equal(t, 0, state.CurrentIndex)
}

func TestUserPromptRunnerMismatchDiscardsOverride(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, _ := newTestManager(t, cfg)

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		Status: StatusAwaitingInput, RunnerType: runner.TypeClaude, Model: "claude-sonnet-4"}
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "[agent=codex] try again")))
	m.awaitDriver("sess-1", 5*time.Second)

	// Cross-runner switches are impossible mid-session; model unchanged.
	assert.Equal(t, runner.TypeClaude, sess.RunnerType)
	assert.Equal(t, "claude-sonnet-4", sess.GetModel())
}

func TestUserPromptModelOverrideSameRunner(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, _ := newTestManager(t, cfg)

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		Status: StatusAwaitingInput, RunnerType: runner.TypeClaude, Model: "claude-sonnet-4"}
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "[model=opus-4] try again")))
	m.awaitDriver("sess-1", 5*time.Second)

	assert.Equal(t, "opus-4", sess.GetModel())
}

func newLabelTestManager(t *testing.T, cfg *config.Config, labels []string) *Manager {
	t.Helper()
	svc := &labelService{}
	for _, l := range labels {
		svc.labels = append(svc.labels, tracker.Label{Name: l})
	}
	engine := procedure.NewEngine(nil, nil, logger.Default())
	m := NewManager(cfg, engine, func(string) (tracker.Service, bool) { return svc, true }, nil, nil, logger.Default())
	m.SetRunnerFactory(func(tp runner.Type, opts runner.Options, log *logger.Logger) (runner.Supervisor, error) {
		return newFakeSupervisor(tp, `{"pass": true, "reason": "ok"}`), nil
	})
	return m
}

func TestUserPromptLabelModelMismatchDiscarded(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m := newLabelTestManager(t, cfg, []string{"opus"})

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		IssueID: "issue-1", Status: StatusAwaitingInput, RunnerType: runner.TypeGemini, Model: "gemini-2.5-pro"}
	sess.RecordRunnerID(runner.TypeGemini, "gem-123")
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "keep going")))
	m.awaitDriver("sess-1", 5*time.Second)

	// An opus label cannot move a Gemini session; the override is dropped.
	assert.Equal(t, runner.TypeGemini, sess.RunnerType)
	assert.Equal(t, "gemini-2.5-pro", sess.GetModel())
	assert.NotEqual(t, StatusEnded, sess.GetStatus())
}

func TestUserPromptLabelModelMatchingRunnerApplied(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m := newLabelTestManager(t, cfg, []string{"opus"})

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		IssueID: "issue-1", Status: StatusAwaitingInput, RunnerType: runner.TypeClaude, Model: "claude-sonnet-4"}
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "keep going")))
	m.awaitDriver("sess-1", 5*time.Second)

	assert.Equal(t, "opus", sess.GetModel())
}

func TestUserPromptTagBeatsLabelOverride(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m := newLabelTestManager(t, cfg, []string{"opus"})

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		IssueID: "issue-1", Status: StatusAwaitingInput, RunnerType: runner.TypeClaude, Model: "claude-sonnet-4"}
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "[model=haiku-3.5] quick pass")))
	m.awaitDriver("sess-1", 5*time.Second)

	assert.Equal(t, "haiku-3.5", sess.GetModel())
}

func TestApprovalGateResumesWithoutReclassifying(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		Status: StatusAwaitingApproval, RunnerType: runner.TypeClaude}
	sess.ResetProcedure(&procedure.State{
		ProcedureName: "plan-mode",
		CurrentIndex:  1,
		History:       []procedure.HistoryEntry{{Subroutine: "preparation"}},
	})
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "looks good, go ahead")))
	m.awaitDriver("sess-1", 5*time.Second)

	state := sess.ProcedureState()
	assert.Equal(t, "plan-mode", state.ProcedureName, "approval must resume, not re-route")
	assert.Equal(t, StatusAwaitingInput, sess.GetStatus())
	assert.Equal(t, int64(1), constructed.Load())
}

func TestStopEndsSessionAndLaterPromptsIgnored(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, constructed := newTestManager(t, cfg)

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)
	ran := constructed.Load()

	stop := &translator.Message{Source: tracker.TrackerLinear, Action: translator.ActionStopSignal, SessionKey: "sess-1"}
	require.NoError(t, m.HandleMessage(context.Background(), repo, stop))

	sess, _ := m.Session("sess-1")
	assert.Equal(t, StatusEnded, sess.GetStatus())
	assert.Equal(t, "stopped by user", sess.EndNote)

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "wait, one more thing")))
	assert.Equal(t, ran, constructed.Load())
}

func TestUserPromptAccessControl(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	cfg.UserAccessControl = config.AccessControl{Deny: []string{"user-1"}}
	m, constructed := newTestManager(t, cfg)

	sess := &Session{ID: "s-1", ExternalID: "sess-1", TrackerID: tracker.TrackerLinear,
		Status: StatusAwaitingInput, RunnerType: runner.TypeClaude}
	m.mu.Lock()
	m.sessions["sess-1"] = sess
	m.mu.Unlock()

	require.NoError(t, m.HandleMessage(context.Background(), repo, promptMessage("sess-1", "do more")))
	assert.Zero(t, constructed.Load())
}

func TestValidationExhaustionEndsSession(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	engine := procedure.NewEngine(nil, nil, logger.Default())
	m := NewManager(cfg, engine, noTrackers, nil, nil, logger.Default())
	m.SetRunnerFactory(func(tp runner.Type, opts runner.Options, log *logger.Logger) (runner.Supervisor, error) {
		return newFakeSupervisor(tp, `{"pass": false, "reason": "tests failing"}`), nil
	})

	require.NoError(t, m.HandleMessage(context.Background(), repo, startMessage("sess-1")))
	m.awaitDriver("sess-1", 5*time.Second)

	sess, _ := m.Session("sess-1")
	assert.Equal(t, StatusEnded, sess.GetStatus())
	assert.Equal(t, "validation retries exhausted", sess.EndNote)
}

func TestShutdownStopsLiveRunners(t *testing.T) {
	cfg, _ := testManagerConfig(t)
	m, _ := newTestManager(t, cfg)

	live := newFakeSupervisor(runner.TypeClaude, "")
	live.streaming = true
	require.NoError(t, live.StartStreaming(context.Background(), "x"))
	m.setRunner("sess-1", live)
	assert.True(t, m.HasActiveRunners())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, m.IsShuttingDown())
	live.mu.Lock()
	stopped := live.stopped
	live.mu.Unlock()
	assert.True(t, stopped)
	assert.ErrorContains(t, m.HandleMessage(context.Background(), nil, startMessage("sess-2")), "shutting down")
}
