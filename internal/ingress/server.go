// Package ingress exposes the verified webhook endpoints and hands translated
// messages to the session lifecycle manager.
package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/config"
	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/translator"
)

// MessageSink receives translated messages routed to a repository.
// The session lifecycle manager implements it.
type MessageSink interface {
	HandleMessage(ctx context.Context, repo *config.RepositoryConfig, msg *translator.Message) error
	// HasActiveRunners reports whether any session currently owns a live
	// runner; feeds the /status endpoint.
	HasActiveRunners() bool
	// IsShuttingDown gates webhook intake during shutdown.
	IsShuttingDown() bool
}

// SecretResolver returns the HMAC secret for direct-mode verification of a
// given organization's webhooks; ok=false when none is configured.
type SecretResolver func(organizationID string) (secret string, ok bool)

// Server is the HTTP ingress for tracker and Slack webhooks.
type Server struct {
	cfg        config.ServerConfig
	router     *Router
	sink       MessageSink
	translator translator.Translator
	slack      translator.Translator
	secrets    SecretResolver
	logger     *logger.Logger

	// activeWebhooks counts webhooks currently being handled; feeds /status.
	activeWebhooks atomic.Int64

	wsHandler  gin.HandlerFunc
	httpServer *http.Server
}

// SetWebSocketHandler registers the activity stream endpoint at GET /ws.
func (s *Server) SetWebSocketHandler(h gin.HandlerFunc) { s.wsHandler = h }

// NewServer wires the ingress endpoints.
func NewServer(cfg config.ServerConfig, router *Router, sink MessageSink, trackerTr, slackTr translator.Translator, secrets SecretResolver, log *logger.Logger) *Server {
	return &Server{
		cfg:        cfg,
		router:     router,
		sink:       sink,
		translator: trackerTr,
		slack:      slackTr,
		secrets:    secrets,
		logger:     log.WithFields(zap.String("component", "ingress")),
	}
}

// ActiveWebhooks returns the current webhook gauge value.
func (s *Server) ActiveWebhooks() int64 { return s.activeWebhooks.Load() }

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/webhook", s.handleTrackerWebhook)
	engine.POST("/slack-webhook", s.handleSlackWebhook)
	engine.GET("/status", s.handleStatus)
	if s.wsHandler != nil {
		engine.GET("/ws", s.wsHandler)
	}

	return engine
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.BindAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	s.logger.Info("ingress listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server with the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := "idle"
	if s.activeWebhooks.Load() > 0 || s.sink.HasActiveRunners() {
		status = "busy"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// verify checks the webhook authenticity. Proxy mode (bearer) applies when an
// API key is configured; otherwise direct mode expects an HMAC signature.
func (s *Server) verify(c *gin.Context, body []byte, organizationID string) bool {
	if s.cfg.APIKey != "" {
		if err := VerifyBearer(c.GetHeader("Authorization"), s.cfg.APIKey); err != nil {
			s.logger.Warn("webhook bearer verification failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false})
			return false
		}
		return true
	}

	secret, ok := s.secrets(organizationID)
	if !ok {
		s.logger.Warn("no webhook secret configured for organization",
			zap.String("organization_id", organizationID))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false})
		return false
	}
	if err := VerifyHMAC(body, c.GetHeader("Linear-Signature"), secret); err != nil {
		s.logger.Warn("webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false})
		return false
	}
	return true
}

func (s *Server) handleTrackerWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false})
		return
	}

	// Peek the organization id for secret lookup before full translation.
	var envelope struct {
		OrganizationID string `json:"organizationId"`
	}
	_ = json.Unmarshal(body, &envelope)

	if !s.verify(c, body, envelope.OrganizationID) {
		return
	}

	if s.sink.IsShuttingDown() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "reason": "shutting down"})
		return
	}

	s.dispatch(c, s.translator, translator.Context{
		TrackerID:      s.translator.Source(),
		OrganizationID: envelope.OrganizationID,
	}, body)
}

func (s *Server) handleSlackWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false})
		return
	}

	// Slack's URL verification challenge is answered inline, before auth.
	var challenge struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &challenge); err == nil && challenge.Type == "url_verification" {
		c.JSON(http.StatusOK, gin.H{"challenge": challenge.Challenge})
		return
	}

	if s.cfg.APIKey != "" {
		if err := VerifyBearer(c.GetHeader("Authorization"), s.cfg.APIKey); err != nil {
			s.logger.Warn("slack webhook bearer verification failed", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false})
			return
		}
	}

	if s.sink.IsShuttingDown() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "reason": "shutting down"})
		return
	}

	var envelope struct {
		TeamID string `json:"team_id"`
	}
	_ = json.Unmarshal(body, &envelope)

	s.dispatch(c, s.slack, translator.Context{
		TrackerID:      s.slack.Source(),
		OrganizationID: envelope.TeamID,
	}, body)
}

// dispatch translates the payload and offers the message to every matching
// repository. Translation failures are 200-acked so the tracker stops
// retrying.
func (s *Server) dispatch(c *gin.Context, tr translator.Translator, tctx translator.Context, body []byte) {
	s.activeWebhooks.Add(1)
	defer s.activeWebhooks.Add(-1)

	result := tr.Translate(tctx, body)
	if !result.OK() {
		s.logger.Info("webhook not translatable, acknowledging",
			zap.String("source", tr.Source()),
			zap.String("reason", result.Reason))
		c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
		return
	}
	msg := result.Message

	repos := s.router.Route(msg.OrganizationID, msg.IssueID)
	if len(repos) == 0 {
		s.logger.Info("webhook matched no repository, acknowledging",
			zap.String("organization_id", msg.OrganizationID),
			zap.String("issue_identifier", msg.IssueIdentifier))
		c.JSON(http.StatusOK, gin.H{"success": true, "ignored": true})
		return
	}

	ctx := c.Request.Context()
	// The issue is pinned to the first matched repository, the one the
	// session is created under; later repos only see this delivery.
	s.router.Bind(msg.IssueID, repos[0].ID)
	for _, repo := range repos {
		if err := s.sink.HandleMessage(ctx, repo, msg); err != nil {
			s.logger.Error("message handling failed",
				zap.String("repository_id", repo.ID),
				zap.String("action", string(msg.Action)),
				zap.String("session_key", msg.SessionKey),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
