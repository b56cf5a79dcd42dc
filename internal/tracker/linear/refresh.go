package linear

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/tracker"
)

// DefaultTokenEndpoint is Linear's OAuth token endpoint.
const DefaultTokenEndpoint = "https://api.linear.app/oauth/token"

// RefreshResult carries the tokens produced by one refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// OnTokenRefresh is invoked after a successful refresh so the new tokens can
// be persisted. A persistence failure is logged but does not fail the refresh.
type OnTokenRefresh func(workspaceID string, result RefreshResult) error

// TokenRefresher coalesces concurrent OAuth refreshes per workspace id.
// All callers that hit a 401 for the same workspace share one refresh
// round-trip; the singleflight entry is dropped on completion so a later 401
// may refresh afresh.
type TokenRefresher struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	onRefresh    OnTokenRefresh
	logger       *logger.Logger

	group singleflight.Group
}

// NewTokenRefresher creates a refresher for the given OAuth client.
func NewTokenRefresher(endpoint, clientID, clientSecret string, onRefresh OnTokenRefresh, log *logger.Logger) *TokenRefresher {
	if endpoint == "" {
		endpoint = DefaultTokenEndpoint
	}
	return &TokenRefresher{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		onRefresh:    onRefresh,
		logger:       log.WithFields(zap.String("component", "linear-token-refresher")),
	}
}

// Refresh exchanges the credential's refresh token for a new access token.
// Concurrent calls for the same workspace id coalesce onto one request.
func (r *TokenRefresher) Refresh(ctx context.Context, cred *tracker.Credential) (RefreshResult, error) {
	v, err, shared := r.group.Do(cred.WorkspaceID, func() (interface{}, error) {
		return r.refresh(ctx, cred)
	})
	if err != nil {
		return RefreshResult{}, err
	}
	if shared {
		r.logger.Debug("joined in-flight token refresh",
			zap.String("workspace_id", cred.WorkspaceID))
	}
	return v.(RefreshResult), nil
}

func (r *TokenRefresher) refresh(ctx context.Context, cred *tracker.Credential) (RefreshResult, error) {
	if cred.RefreshToken == "" {
		return RefreshResult{}, fmt.Errorf("no refresh token for workspace %s", cred.WorkspaceID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RefreshResult{}, fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RefreshResult{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("token refresh returned empty access token")
	}

	result := RefreshResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
	}
	if result.RefreshToken == "" {
		result.RefreshToken = cred.RefreshToken
	}
	if body.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		result.ExpiresAt = &expires
	}

	r.logger.Info("refreshed OAuth token", zap.String("workspace_id", cred.WorkspaceID))

	if r.onRefresh != nil {
		if err := r.onRefresh(cred.WorkspaceID, result); err != nil {
			// Persistence failure must not cancel the refresh; the process keeps
			// the new token in memory and retries persistence on the next refresh.
			r.logger.Error("failed to persist refreshed tokens",
				zap.String("workspace_id", cred.WorkspaceID),
				zap.Error(err))
		}
	}

	return result, nil
}
