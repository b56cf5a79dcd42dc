package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sylasdev/sylas/internal/common/config"
	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/events/bus"
	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/relay"
	"github.com/sylasdev/sylas/internal/runner"
	"github.com/sylasdev/sylas/internal/tracker"
	"github.com/sylasdev/sylas/internal/translator"
)

// runnerStopTimeout bounds each runner cancellation during shutdown.
const runnerStopTimeout = 10 * time.Second

// TrackerResolver returns the shared tracker service for a tracker id.
type TrackerResolver func(trackerID string) (tracker.Service, bool)

// RunnerFactory builds supervisors; replaced in tests.
type RunnerFactory func(t runner.Type, opts runner.Options, log *logger.Logger) (runner.Supervisor, error)

// Manager owns the session table. Webhook handling is serialised per
// external session id; different sessions proceed fully in parallel.
type Manager struct {
	engine   *procedure.Engine
	trackers TrackerResolver
	eventBus bus.EventBus
	store    *Store
	logger   *logger.Logger

	newRunner       RunnerFactory
	createWorkspace WorkspaceFactory

	// Routing-cache hooks, wired to the ingress router so the snapshot can
	// carry its issue bindings.
	routingBindings func() map[string]string
	restoreRouting  func(map[string]string)

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu       sync.Mutex
	sessions map[string]*Session
	runners  map[string]runner.Supervisor
	drivers  map[string]chan struct{}
	locks    map[string]*sync.Mutex
	relays   map[string]*relay.Relay

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewManager builds the lifecycle manager.
func NewManager(cfg *config.Config, engine *procedure.Engine, trackers TrackerResolver, eventBus bus.EventBus, store *Store, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		engine:   engine,
		trackers: trackers,
		eventBus: eventBus,
		store:    store,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		newRunner: func(t runner.Type, opts runner.Options, l *logger.Logger) (runner.Supervisor, error) {
			return runner.New(t, opts, l)
		},
		sessions: make(map[string]*Session),
		runners:  make(map[string]runner.Supervisor),
		drivers:  make(map[string]chan struct{}),
		locks:    make(map[string]*sync.Mutex),
		relays:   make(map[string]*relay.Relay),
	}
	m.createWorkspace = m.provisionWorkspace
	return m
}

// SetRunnerFactory swaps the supervisor constructor; used by tests.
func (m *Manager) SetRunnerFactory(f RunnerFactory) { m.newRunner = f }

// SetRoutingCacheHooks wires the issue routing cache into the snapshot.
func (m *Manager) SetRoutingCacheHooks(get func() map[string]string, restore func(map[string]string)) {
	m.routingBindings = get
	m.restoreRouting = restore
}

// SetConfig installs a reloaded configuration.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Manager) config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// IsShuttingDown reports whether shutdown has begun.
func (m *Manager) IsShuttingDown() bool { return m.shuttingDown.Load() }

// HasActiveRunners reports whether any session owns a live runner.
func (m *Manager) HasActiveRunners() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sup := range m.runners {
		if sup.IsRunning() {
			return true
		}
	}
	return false
}

// Session returns the session for an external id, if known.
func (m *Manager) Session(externalID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[externalID]
	return s, ok
}

func (m *Manager) sessionLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) relayFor(trackerID string) *relay.Relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[trackerID]; ok {
		return r
	}
	svc, ok := m.trackers(trackerID)
	if !ok {
		return nil
	}
	r := relay.New(svc, m.eventBus, m.logger)
	m.relays[trackerID] = r
	return r
}

func (m *Manager) liveRunner(key string) (runner.Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.runners[key]
	return sup, ok
}

func (m *Manager) setRunner(key string, sup runner.Supervisor) {
	m.mu.Lock()
	m.runners[key] = sup
	m.mu.Unlock()
}

func (m *Manager) clearRunner(key string) {
	m.mu.Lock()
	delete(m.runners, key)
	m.mu.Unlock()
}

// HandleMessage dispatches one translated message. Handling is serialised
// per session key; the ingress server calls this from its request goroutines.
func (m *Manager) HandleMessage(ctx context.Context, repo *config.RepositoryConfig, msg *translator.Message) error {
	if m.shuttingDown.Load() {
		return fmt.Errorf("shutting down, message dropped")
	}

	lock := m.sessionLock(msg.SessionKey)
	lock.Lock()
	defer lock.Unlock()

	switch msg.Action {
	case translator.ActionSessionStart:
		return m.handleSessionStart(ctx, repo, msg)
	case translator.ActionUserPrompt:
		return m.handleUserPrompt(ctx, repo, msg)
	case translator.ActionStopSignal:
		return m.handleStop(ctx, msg, "stopped by user")
	case translator.ActionUnassign:
		return m.handleStop(ctx, msg, "issue unassigned")
	case translator.ActionContentUpdate:
		// No session action; the issue is refetched lazily on next event.
		m.logger.Debug("content update noted",
			zap.String("session_key", msg.SessionKey),
			zap.String("issue_identifier", msg.IssueIdentifier))
		return nil
	}
	return fmt.Errorf("unhandled message action: %s", msg.Action)
}

func (m *Manager) handleSessionStart(ctx context.Context, repo *config.RepositoryConfig, msg *translator.Message) error {
	// Ended is terminal: a redelivered session_start for a known key is a
	// retry, never a resurrection.
	if existing, ok := m.Session(msg.SessionKey); ok {
		m.logger.Info("duplicate session_start ignored",
			zap.String("session_key", msg.SessionKey),
			zap.Bool("ended", existing.Ended()))
		return nil
	}

	data := msg.SessionStart
	if data == nil {
		return fmt.Errorf("session_start without payload")
	}

	cfg := m.config()
	sel := SelectRunner(data.Issue.Description, data.Labels, cfg.Runners)

	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.New().String(),
		ExternalID:      msg.SessionKey,
		TrackerID:       msg.Source,
		OrganizationID:  msg.OrganizationID,
		RepositoryID:    repo.ID,
		IssueID:         msg.IssueID,
		IssueIdentifier: msg.IssueIdentifier,
		IssueTitle:      data.Issue.Title,
		Status:          StatusPending,
		RunnerType:      sel.Runner,
		Model:           sel.Model,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.mu.Lock()
	m.sessions[msg.SessionKey] = sess
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_key", msg.SessionKey),
		zap.String("issue_identifier", msg.IssueIdentifier),
		zap.String("repository_id", repo.ID),
		zap.String("runner", string(sel.Runner)),
		zap.String("model", sel.Model))

	rel := m.relayFor(msg.Source)
	if rel != nil {
		rel.Post(ctx, tracker.Activity{
			SessionID: msg.SessionKey,
			Kind:      tracker.ActivityAnalyzing,
			Body:      "Analyzing request",
		})
	}

	workspace, err := m.createWorkspace(ctx, repo, msg.IssueIdentifier)
	if err != nil {
		m.logger.Error("workspace provisioning failed",
			zap.String("session_key", msg.SessionKey),
			zap.String("issue_identifier", msg.IssueIdentifier),
			zap.Error(err))
		if rel != nil {
			rel.Post(ctx, tracker.Activity{
				SessionID: msg.SessionKey,
				Kind:      tracker.ActivityResponse,
				Body:      "Could not prepare a workspace for this issue.",
				IsError:   true,
			})
		}
		sess.End("workspace provisioning failed")
		m.saveSnapshot()
		return err
	}
	sess.SetWorkspacePath(workspace)

	// A fresh label fetch beats the webhook snapshot; failure falls back.
	labels := data.Labels
	if svc, ok := m.trackers(msg.Source); ok {
		if fetched, err := svc.GetIssueLabels(ctx, msg.IssueID); err == nil {
			labels = labelNames(fetched)
		} else {
			m.logger.Warn("label fetch failed, using webhook labels", zap.Error(err))
		}
	}

	state := m.engine.Initialise(ctx, data.InitialPrompt, labels)
	sess.ResetProcedure(state)
	if rel != nil {
		rel.Post(ctx, tracker.Activity{
			SessionID: msg.SessionKey,
			Kind:      tracker.ActivityProcedureSelection,
			Body:      state.ProcedureName,
		})
	}

	sess.SetStatus(StatusActive)
	m.startDriver(sess, repo, buildInitialRequest(repo, data, msg))
	m.saveSnapshot()
	return nil
}

func (m *Manager) handleUserPrompt(ctx context.Context, repo *config.RepositoryConfig, msg *translator.Message) error {
	sess, ok := m.Session(msg.SessionKey)
	if !ok {
		m.logger.Warn("prompt for unknown session ignored",
			zap.String("session_key", msg.SessionKey))
		return nil
	}
	if sess.Ended() {
		m.logger.Info("prompt for ended session ignored",
			zap.String("session_key", msg.SessionKey))
		return nil
	}

	data := msg.UserPrompt
	if data == nil {
		return fmt.Errorf("user_prompt without payload")
	}
	if !m.permits(repo, data.AuthorID) {
		m.logger.Warn("prompt rejected by access control",
			zap.String("session_key", msg.SessionKey),
			zap.String("author_id", data.AuthorID))
		return nil
	}

	text := data.Text

	// A model/agent tag in the prompt may switch models, never runners:
	// resuming another runner's session id is impossible. Without a tag,
	// issue labels added since the last turn get the same treatment.
	if override, tagged := PromptOverride(text); tagged {
		m.applyOverride(sess, override, "prompt tag")
	} else if svc, ok := m.trackers(msg.Source); ok {
		if fetched, err := svc.GetIssueLabels(ctx, sess.IssueID); err == nil {
			if sel := SelectRunner("", labelNames(fetched), config.RunnerDefaults{}); sel.Explicit {
				m.applyOverride(sess, sel, "issue label")
			}
		}
	}

	// Approval gates resume the paused procedure instead of re-classifying.
	if sess.GetStatus() == StatusAwaitingApproval {
		sess.SetStatus(StatusActive)
		m.startDriver(sess, repo, text)
		return nil
	}

	// A live streaming runner gets the prompt injected in place.
	if sup, live := m.liveRunner(msg.SessionKey); live && sup.SupportsStreamingInput() && sup.IsRunning() {
		state := m.engine.Initialise(ctx, text, nil)
		sess.ResetProcedure(state)
		if err := sup.AddStreamMessage(text); err == nil {
			m.logger.Info("prompt injected into live stream",
				zap.String("session_key", msg.SessionKey))
			return nil
		}
		m.logger.Warn("stream injection failed, restarting runner",
			zap.String("session_key", msg.SessionKey))
	}

	// Otherwise stop whatever is running and resume with a fresh child.
	if sup, live := m.liveRunner(msg.SessionKey); live {
		stopCtx, cancel := context.WithTimeout(ctx, runnerStopTimeout)
		sup.Stop(stopCtx)
		cancel()
	}
	m.awaitDriver(msg.SessionKey, runnerStopTimeout)

	state := m.engine.Initialise(ctx, text, nil)
	sess.ResetProcedure(state)
	sess.SetStatus(StatusActive)
	m.startDriver(sess, repo, text)
	return nil
}

// applyOverride applies a mid-session runner/model override. A request whose
// runner type differs from the session's is discarded with a warning.
func (m *Manager) applyOverride(sess *Session, override Selection, origin string) {
	if override.Runner != sess.RunnerType {
		m.logger.Warn("runner override discarded: type mismatch",
			zap.String("session_key", sess.ExternalID),
			zap.String("origin", origin),
			zap.String("requested", string(override.Runner)),
			zap.String("requested_model", override.Model),
			zap.String("current", string(sess.RunnerType)))
		return
	}
	if override.Model != "" {
		sess.SetModel(override.Model)
	}
}

func (m *Manager) handleStop(ctx context.Context, msg *translator.Message, note string) error {
	sess, ok := m.Session(msg.SessionKey)
	if !ok {
		return nil
	}
	if sup, live := m.liveRunner(msg.SessionKey); live {
		stopCtx, cancel := context.WithTimeout(ctx, runnerStopTimeout)
		sup.Stop(stopCtx)
		cancel()
	}
	sess.End(note)
	m.logger.Info("session ended",
		zap.String("session_key", msg.SessionKey),
		zap.String("note", note))
	m.saveSnapshot()
	return nil
}

func (m *Manager) permits(repo *config.RepositoryConfig, userID string) bool {
	if userID == "" {
		return true
	}
	cfg := m.config()
	if !cfg.UserAccessControl.Permits(userID) {
		return false
	}
	if repo != nil && !repo.AccessControl.Permits(userID) {
		return false
	}
	return true
}

// startDriver launches the goroutine that steps the session through its
// remaining subroutines.
func (m *Manager) startDriver(sess *Session, repo *config.RepositoryConfig, request string) {
	done := make(chan struct{})
	m.mu.Lock()
	m.drivers[sess.ExternalID] = done
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.drive(context.Background(), sess, repo, request)
	}()
}

func (m *Manager) awaitDriver(key string, timeout time.Duration) {
	m.mu.Lock()
	done, ok := m.drivers[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("driver did not finish in time", zap.String("session_key", key))
	}
}

// drive runs subroutines in order until the procedure completes, an approval
// gate pauses it, or the session ends.
func (m *Manager) drive(ctx context.Context, sess *Session, repo *config.RepositoryConfig, request string) {
	rel := m.relayFor(sess.TrackerID)
	log := m.logger.WithFields(
		zap.String("session_key", sess.ExternalID),
		zap.String("issue_identifier", sess.IssueIdentifier))

	firstTurn := true
	for !sess.Ended() && !m.shuttingDown.Load() {
		state := sess.ProcedureState()
		sub := m.engine.Current(state)
		if sub == nil {
			sess.SetStatus(StatusAwaitingInput)
			break
		}
		isFixer := state.Validation != nil && state.Validation.FixerPending
		if !isFixer && m.engine.IsComplete(state) {
			sess.SetStatus(StatusCompleting)
		}

		prompt := m.subroutinePrompt(sub, state, request, firstTurn)
		firstTurn = false

		resultText, runFailed := m.runSubroutine(ctx, sess, repo, sub, prompt, rel, log)
		if sess.Ended() || m.shuttingDown.Load() {
			break
		}
		if runFailed {
			sess.End("runner failed during " + sub.Name)
			break
		}

		if isFixer {
			m.engine.FixerDone(state)
			m.saveSnapshot()
			continue
		}

		switch m.engine.CheckValidation(state, resultText) {
		case procedure.ValidationRetry:
			m.saveSnapshot()
			continue
		case procedure.ValidationExhausted:
			if rel != nil {
				rel.Post(ctx, tracker.Activity{
					SessionID: sess.ExternalID,
					Kind:      tracker.ActivityResponse,
					Body:      "Verification kept failing after repeated fixes; stopping here.",
					IsError:   true,
				})
			}
			sess.End("validation retries exhausted")
			m.saveSnapshot()
			return
		}

		// The final subroutine is never advanced past, so it stays out of
		// history until a future prompt re-initialises the procedure.
		if m.engine.IsComplete(state) {
			sess.SetStatus(StatusAwaitingInput)
			break
		}

		m.engine.Advance(state, sess.RunnerIDs.Preferred(), resultText)
		m.saveSnapshot()

		if sub.RequiresApproval {
			sess.SetStatus(StatusAwaitingApproval)
			log.Info("awaiting approval", zap.String("subroutine", sub.Name))
			return
		}
	}
	m.saveSnapshot()
}

// runSubroutine spawns one runner for one subroutine and pumps its events.
func (m *Manager) runSubroutine(ctx context.Context, sess *Session, repo *config.RepositoryConfig, sub *procedure.Subroutine, prompt string, rel *relay.Relay, log *logger.Logger) (string, bool) {
	opts := m.runnerOptions(sess, repo, sub)
	sup, err := m.newRunner(sess.RunnerType, opts, m.logger)
	if err != nil {
		log.Error("runner construction failed", zap.Error(err))
		return "", true
	}
	sup.AddPostToolHook(relay.ScreenshotUploadHook)

	log.Info("subroutine starting",
		zap.String("subroutine", sub.Name),
		zap.String("runner", string(sess.RunnerType)),
		zap.String("resume_session_id", opts.ResumeSessionID))

	if sup.SupportsStreamingInput() {
		err = sup.StartStreaming(ctx, prompt)
	} else {
		err = sup.Start(ctx, prompt)
	}
	if err != nil {
		log.Error("runner start failed", zap.Error(err))
		return "", true
	}
	m.setRunner(sess.ExternalID, sup)

	var resultText string
	var isErr bool
	if rel != nil {
		resultText, isErr = rel.Pump(ctx, sess.ExternalID, sub, sup.Events())
	} else {
		for ev := range sup.Events() {
			if ev.Type == runner.EventComplete && ev.Result != nil {
				resultText, isErr = ev.Result.Text, ev.Result.IsError
			}
		}
	}

	sess.RecordRunnerID(sess.RunnerType, sup.SessionID())
	m.clearRunner(sess.ExternalID)

	log.Info("subroutine finished",
		zap.String("subroutine", sub.Name),
		zap.Bool("is_error", isErr))
	return resultText, isErr && !m.shuttingDown.Load()
}

func (m *Manager) runnerOptions(sess *Session, repo *config.RepositoryConfig, sub *procedure.Subroutine) runner.Options {
	cfg := m.config()
	workDir := sess.GetWorkspacePath()
	if workDir == "" {
		workDir = repo.Path
	}
	opts := runner.Options{
		Model:            sess.GetModel(),
		WorkDir:          workDir,
		ResumeSessionID:  sess.RunnerIDs.Get(sess.RunnerType),
		SingleTurn:       sub.SingleTurn,
		DisallowAllTools: sub.DisallowAllTools,
		AllowedTools:     mergeTools(repo.AllowedTools, cfg.Runners.AllowedToolList(), sub.AllowedTools),
		DisallowedTools:  mergeTools(repo.DisallowedTools, cfg.Runners.DisallowedToolList(), sub.DisallowedTools),
		LogDir:           cfg.LogDir() + "/" + repo.Name,
	}
	if sess.RunnerType == runner.TypeClaude {
		opts.FallbackModel = cfg.Runners.ClaudeDefaultFallbackModel
	}
	return opts
}

// subroutinePrompt composes the text handed to the runner: the subroutine
// instruction, the request on the first turn, and the failure reason when
// rerunning after a fixer.
func (m *Manager) subroutinePrompt(sub *procedure.Subroutine, state *procedure.State, request string, firstTurn bool) string {
	var b strings.Builder
	b.WriteString(sub.Prompt)
	if firstTurn && request != "" {
		b.WriteString("\n\n")
		b.WriteString(request)
	}
	if sub.Name == "validation-fixer" && state.Validation != nil && state.Validation.LastReason != "" {
		b.WriteString("\n\nReported failure: ")
		b.WriteString(state.Validation.LastReason)
	}
	return b.String()
}

// Shutdown stops every runner with a bounded timeout, waits for drivers,
// flushes the snapshot. Sessions whose runners had to be force-killed keep
// their state for a later resume.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)

	m.mu.Lock()
	live := make(map[string]runner.Supervisor, len(m.runners))
	for key, sup := range m.runners {
		live[key] = sup
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for key, sup := range live {
		key, sup := key, sup
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(gctx, runnerStopTimeout)
			defer cancel()
			if err := sup.Stop(stopCtx); err != nil {
				m.logger.Warn("runner stop failed during shutdown",
					zap.String("session_key", key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with drivers still running")
	}

	m.saveSnapshot()
	return nil
}

func labelNames(labels []tracker.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Name)
	}
	return out
}

func mergeTools(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, tool := range list {
			if tool == "" || seen[tool] {
				continue
			}
			seen[tool] = true
			out = append(out, tool)
		}
	}
	return out
}

// buildInitialRequest assembles the first-turn request: issue context, any
// label-specific prompt snippets configured on the repository, then the
// user's prompt.
func buildInitialRequest(repo *config.RepositoryConfig, data *translator.SessionStartData, msg *translator.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue %s: %s\n", msg.IssueIdentifier, data.Issue.Title)
	if data.Issue.Description != "" {
		b.WriteString("\n")
		b.WriteString(data.Issue.Description)
		b.WriteString("\n")
	}
	for _, label := range data.Labels {
		if snippet, ok := repo.LabelPrompts[label]; ok {
			b.WriteString("\n")
			b.WriteString(snippet)
			b.WriteString("\n")
		}
	}
	if data.InitialPrompt != "" {
		b.WriteString("\n")
		b.WriteString(data.InitialPrompt)
	}
	return b.String()
}
