package ingress

import (
	"sync"

	"github.com/sylasdev/sylas/internal/common/config"
)

// WorkspaceResolver maps a repository's credentials handle to the tracker
// workspace (organization) id it belongs to.
type WorkspaceResolver func(credentialsID string) (workspaceID string, ok bool)

// Router matches webhooks to repositories. A webhook is offered to every
// active repository whose tracker workspace matches the organization id;
// issue-identified events are pinned to the repository that first handled
// them via the issue routing cache.
type Router struct {
	mu        sync.RWMutex
	repos     []config.RepositoryConfig
	resolver  WorkspaceResolver
	issueRepo map[string]string // issue id -> repository id
}

// NewRouter creates a router over the given repositories.
func NewRouter(repos []config.RepositoryConfig, resolver WorkspaceResolver) *Router {
	return &Router{
		repos:     repos,
		resolver:  resolver,
		issueRepo: make(map[string]string),
	}
}

// SetRepositories replaces the repository list (config reload). The issue
// routing cache is preserved; stale entries age out when repos disappear.
func (r *Router) SetRepositories(repos []config.RepositoryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos = repos
}

// Route returns the repositories that should receive a webhook for the given
// organization and issue. A cached issue→repository binding wins over
// workspace matching.
func (r *Router) Route(organizationID, issueID string) []*config.RepositoryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if issueID != "" {
		if repoID, ok := r.issueRepo[issueID]; ok {
			for i := range r.repos {
				if r.repos[i].ID == repoID && r.repos[i].IsActive() {
					return []*config.RepositoryConfig{&r.repos[i]}
				}
			}
		}
	}

	var matched []*config.RepositoryConfig
	for i := range r.repos {
		repo := &r.repos[i]
		if !repo.IsActive() {
			continue
		}
		workspaceID, ok := r.resolver(repo.CredentialsID)
		if !ok || workspaceID != organizationID {
			continue
		}
		matched = append(matched, repo)
	}
	return matched
}

// Bind pins an issue to the repository that handled it so later events for
// the same issue route to the same place.
func (r *Router) Bind(issueID, repositoryID string) {
	if issueID == "" || repositoryID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issueRepo[issueID] = repositoryID
}

// Bindings returns a copy of the issue routing cache for persistence.
func (r *Router) Bindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.issueRepo))
	for k, v := range r.issueRepo {
		out[k] = v
	}
	return out
}

// RestoreBindings replays a persisted issue routing cache.
func (r *Router) RestoreBindings(bindings map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range bindings {
		r.issueRepo[k] = v
	}
}
