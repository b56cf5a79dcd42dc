package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/config"
	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/events/bus"
	wsgateway "github.com/sylasdev/sylas/internal/gateway/websocket"
	"github.com/sylasdev/sylas/internal/ingress"
	"github.com/sylasdev/sylas/internal/procedure"
	"github.com/sylasdev/sylas/internal/runner"
	"github.com/sylasdev/sylas/internal/session"
	"github.com/sylasdev/sylas/internal/tracker"
	"github.com/sylasdev/sylas/internal/tracker/climock"
	"github.com/sylasdev/sylas/internal/tracker/linear"
	"github.com/sylasdev/sylas/internal/tracker/slackmirror"
	"github.com/sylasdev/sylas/internal/translator"
)

const shutdownTimeout = 60 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sylas: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	home := config.DefaultHome()
	cfg, err := config.LoadWithHome(home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	log.Info("sylas starting",
		zap.Int("port", cfg.Server.Port),
		zap.Int("repositories", len(cfg.Repositories)),
		zap.String("home", home))

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	credStore, err := tracker.NewFileCredentialStore(home)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	refresher := linear.NewTokenRefresher(
		os.Getenv("LINEAR_OAUTH_TOKEN_URL"),
		os.Getenv("LINEAR_CLIENT_ID"),
		os.Getenv("LINEAR_CLIENT_SECRET"),
		func(workspaceID string, result linear.RefreshResult) error {
			cred, ok := credStore.Get(workspaceID)
			if !ok {
				return fmt.Errorf("no credential for workspace %s", workspaceID)
			}
			cred.AccessToken = result.AccessToken
			if result.RefreshToken != "" {
				cred.RefreshToken = result.RefreshToken
			}
			cred.ExpiresAt = result.ExpiresAt
			return credStore.Save(cred)
		},
		log,
	)

	// Tracker services, shared by id.
	services := map[string]tracker.Service{
		tracker.TrackerCLIMock: climock.New(),
	}
	for _, cred := range credStore.List() {
		if cred.TrackerID == tracker.TrackerLinear {
			services[tracker.TrackerLinear] = linear.NewClient(*cred, refresher, log)
			break
		}
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		services[tracker.TrackerSlackMirror] = slackmirror.New(token, log)
	}
	resolveTracker := func(id string) (tracker.Service, bool) {
		svc, ok := services[id]
		return svc, ok
	}

	classifierRunner := runner.TypeClaude
	if t, ok := runner.ParseType(cfg.Runners.Default); ok {
		classifierRunner = t
	}
	classifierWorkDir := ""
	if len(cfg.Repositories) > 0 {
		classifierWorkDir = cfg.Repositories[0].Path
	}
	classifier := procedure.NewRunnerClassifier(
		classifierRunner, cfg.Runners.DefaultModel(string(classifierRunner)), classifierWorkDir, log)
	engine := procedure.NewEngine(classifier, cfg.LabelRoles, log)

	router := ingress.NewRouter(cfg.Repositories, func(credentialsID string) (string, bool) {
		cred, ok := credStore.Get(credentialsID)
		if !ok {
			return "", false
		}
		return cred.WorkspaceID, true
	})

	store := session.NewStore(cfg.StatePath())
	manager := session.NewManager(cfg, engine, resolveTracker, eventBus, store, log)
	manager.SetRoutingCacheHooks(router.Bindings, router.RestoreBindings)

	// Replay persisted state before webhook intake starts.
	if err := manager.Restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	secretResolver := func(organizationID string) (string, bool) {
		cred, ok := credStore.Get(organizationID)
		if !ok || cred.WebhookSecret == "" {
			return "", false
		}
		return cred.WebhookSecret, true
	}

	server := ingress.NewServer(cfg.Server, router, manager,
		translator.NewLinearTranslator(), translator.NewSlackTranslator(), secretResolver, log)

	gateway := wsgateway.New(eventBus, log)
	if err := gateway.Start(); err != nil {
		return fmt.Errorf("start ws gateway: %w", err)
	}
	server.SetWebSocketHandler(gateway.Handle)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	watcher, err := config.NewWatcher(home, func(updated *config.Config) {
		manager.SetConfig(updated)
		router.SetRepositories(updated.Repositories)
		log.Info("configuration reloaded",
			zap.Int("repositories", len(updated.Repositories)))
	}, log)
	if err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
	} else {
		go watcher.Run(watchCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ingress server: %w", err)
		}
		return nil
	}

	// Shutdown order: stop accepting work, quiesce runners, flush state,
	// then close the HTTP surface.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(ctx); err != nil {
		log.Warn("manager shutdown incomplete", zap.Error(err))
	}
	gateway.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	log.Info("sylas stopped")
	return nil
}
