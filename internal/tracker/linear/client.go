// Package linear implements the tracker.Service interface against the Linear
// GraphQL API, including singleflight OAuth token refresh and the three-step
// file upload dance.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/logger"
	"github.com/sylasdev/sylas/internal/tracker"
)

// DefaultAPIEndpoint is Linear's GraphQL endpoint.
const DefaultAPIEndpoint = "https://api.linear.app/graphql"

var _ tracker.Service = (*Client)(nil)

// Client is a Linear tracker service bound to one workspace credential.
type Client struct {
	endpoint   string
	httpClient *http.Client
	refresher  *TokenRefresher
	logger     *logger.Logger

	mu   sync.RWMutex
	cred tracker.Credential
}

// NewClient creates a Linear client for the given credential. The refresher
// may be shared across clients; it coalesces refreshes per workspace id.
func NewClient(cred tracker.Credential, refresher *TokenRefresher, log *logger.Logger) *Client {
	return &Client{
		endpoint:   DefaultAPIEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		refresher:  refresher,
		logger: log.WithFields(
			zap.String("component", "linear-client"),
			zap.String("workspace_id", cred.WorkspaceID)),
		cred: cred,
	}
}

// SetEndpoint overrides the API endpoint (tests, proxies).
func (c *Client) SetEndpoint(endpoint string) { c.endpoint = endpoint }

// ID returns the tracker variant id.
func (c *Client) ID() string { return tracker.TrackerLinear }

// WorkspaceID returns the workspace this client is bound to.
func (c *Client) WorkspaceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred.WorkspaceID
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred.AccessToken
}

func (c *Client) setTokens(result RefreshResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		c.cred.RefreshToken = result.RefreshToken
	}
	c.cred.ExpiresAt = result.ExpiresAt
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// query executes a GraphQL operation and decodes the data payload into out.
// Every request goes through the 401-refresh middleware: on the first 401 the
// shared refresher is consulted and the request retried once with the new
// token; a 401 on the retry surfaces as an error.
func (c *Client) query(ctx context.Context, operation, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	retried := false
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request failed: %w", operation, err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if retried {
				return fmt.Errorf("%s unauthorized after token refresh", operation)
			}
			retried = true

			c.mu.RLock()
			cred := c.cred
			c.mu.RUnlock()
			result, err := c.refresher.Refresh(ctx, &cred)
			if err != nil {
				return fmt.Errorf("%s token refresh failed: %w", operation, err)
			}
			c.setTokens(result)
			continue
		}

		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("%s returned status %d: %s", operation, resp.StatusCode, string(data))
		}

		var gql graphqlResponse
		if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
		if len(gql.Errors) > 0 {
			return &tracker.OperationError{Operation: operation, Reason: gql.Errors[0].Message}
		}
		if out != nil {
			if err := json.Unmarshal(gql.Data, out); err != nil {
				return fmt.Errorf("failed to decode %s data: %w", operation, err)
			}
		}
		return nil
	}
}

type linearLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type linearIssue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	BranchName  string `json:"branchName"`
	Team        struct {
		ID string `json:"id"`
	} `json:"team"`
	State struct {
		ID string `json:"id"`
	} `json:"state"`
	Assignee *struct {
		ID string `json:"id"`
	} `json:"assignee"`
	Labels struct {
		Nodes []linearLabel `json:"nodes"`
	} `json:"labels"`
	Attachments struct {
		Nodes []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"nodes"`
	} `json:"attachments"`
}

func (i *linearIssue) toIssue() *tracker.Issue {
	issue := &tracker.Issue{
		ID:          i.ID,
		Identifier:  i.Identifier,
		Title:       i.Title,
		Description: i.Description,
		URL:         i.URL,
		BranchName:  i.BranchName,
		TeamID:      i.Team.ID,
		StateID:     i.State.ID,
	}
	if i.Assignee != nil {
		issue.AssigneeID = i.Assignee.ID
	}
	for _, l := range i.Labels.Nodes {
		issue.Labels = append(issue.Labels, tracker.Label{ID: l.ID, Name: l.Name})
	}
	for _, a := range i.Attachments.Nodes {
		issue.Attachments = append(issue.Attachments, tracker.Attachment{ID: a.ID, Title: a.Title, URL: a.URL})
	}
	return issue
}

const issueFields = `
	id identifier title description url branchName
	team { id }
	state { id }
	assignee { id }
	labels { nodes { id name } }
	attachments { nodes { id title url } }
`

// FetchIssue retrieves one issue by internal id.
func (c *Client) FetchIssue(ctx context.Context, issueID string) (*tracker.Issue, error) {
	var data struct {
		Issue *linearIssue `json:"issue"`
	}
	q := fmt.Sprintf(`query Issue($id: String!) { issue(id: $id) { %s } }`, issueFields)
	if err := c.query(ctx, "fetchIssue", q, map[string]interface{}{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, &tracker.OperationError{Operation: "fetchIssue", Reason: "issue not found"}
	}
	return data.Issue.toIssue(), nil
}

// FetchIssueChildren retrieves an issue's sub-issues.
func (c *Client) FetchIssueChildren(ctx context.Context, issueID string) ([]*tracker.Issue, error) {
	var data struct {
		Issue *struct {
			Children struct {
				Nodes []linearIssue `json:"nodes"`
			} `json:"children"`
		} `json:"issue"`
	}
	q := fmt.Sprintf(`query IssueChildren($id: String!) { issue(id: $id) { children { nodes { %s } } } }`, issueFields)
	if err := c.query(ctx, "fetchIssueChildren", q, map[string]interface{}{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, nil
	}
	children := make([]*tracker.Issue, 0, len(data.Issue.Children.Nodes))
	for i := range data.Issue.Children.Nodes {
		children = append(children, data.Issue.Children.Nodes[i].toIssue())
	}
	return children, nil
}

// UpdateIssue applies the given update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, issueID string, update tracker.IssueUpdate) error {
	input := map[string]interface{}{}
	if update.Title != nil {
		input["title"] = *update.Title
	}
	if update.Description != nil {
		input["description"] = *update.Description
	}
	if update.StateID != nil {
		input["stateId"] = *update.StateID
	}
	if update.AssigneeID != nil {
		input["assigneeId"] = *update.AssigneeID
	}
	if len(input) == 0 {
		return nil
	}

	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	q := `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
		issueUpdate(id: $id, input: $input) { success }
	}`
	if err := c.query(ctx, "updateIssue", q, map[string]interface{}{"id": issueID, "input": input}, &data); err != nil {
		return err
	}
	if !data.IssueUpdate.Success {
		return &tracker.OperationError{Operation: "updateIssue"}
	}
	return nil
}

// FetchAttachments returns an issue's attachments.
func (c *Client) FetchAttachments(ctx context.Context, issueID string) ([]tracker.Attachment, error) {
	issue, err := c.FetchIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return issue.Attachments, nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) (*tracker.Comment, error) {
	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID   string `json:"id"`
				Body string `json:"body"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	q := `mutation CommentCreate($input: CommentCreateInput!) {
		commentCreate(input: $input) { success comment { id body } }
	}`
	vars := map[string]interface{}{"input": map[string]interface{}{"issueId": issueID, "body": body}}
	if err := c.query(ctx, "createComment", q, vars, &data); err != nil {
		return nil, err
	}
	if !data.CommentCreate.Success {
		return nil, &tracker.OperationError{Operation: "createComment"}
	}
	return &tracker.Comment{ID: data.CommentCreate.Comment.ID, IssueID: issueID, Body: data.CommentCreate.Comment.Body}, nil
}

// FetchTeams lists the workspace's teams.
func (c *Client) FetchTeams(ctx context.Context) ([]tracker.Team, error) {
	var data struct {
		Teams struct {
			Nodes []struct {
				ID   string `json:"id"`
				Key  string `json:"key"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"teams"`
	}
	q := `query Teams { teams { nodes { id key name } } }`
	if err := c.query(ctx, "fetchTeams", q, nil, &data); err != nil {
		return nil, err
	}
	teams := make([]tracker.Team, 0, len(data.Teams.Nodes))
	for _, t := range data.Teams.Nodes {
		teams = append(teams, tracker.Team{ID: t.ID, Key: t.Key, Name: t.Name})
	}
	return teams, nil
}

// FetchWorkflowStates lists a team's workflow states.
func (c *Client) FetchWorkflowStates(ctx context.Context, teamID string) ([]tracker.WorkflowState, error) {
	var data struct {
		WorkflowStates struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"nodes"`
		} `json:"workflowStates"`
	}
	q := `query WorkflowStates($teamId: ID!) {
		workflowStates(filter: { team: { id: { eq: $teamId } } }) { nodes { id name type } }
	}`
	if err := c.query(ctx, "fetchWorkflowStates", q, map[string]interface{}{"teamId": teamID}, &data); err != nil {
		return nil, err
	}
	states := make([]tracker.WorkflowState, 0, len(data.WorkflowStates.Nodes))
	for _, s := range data.WorkflowStates.Nodes {
		states = append(states, tracker.WorkflowState{ID: s.ID, Name: s.Name, Type: s.Type})
	}
	return states, nil
}

// FetchCurrentUser returns the authenticated user (the agent identity).
func (c *Client) FetchCurrentUser(ctx context.Context) (*tracker.User, error) {
	var data struct {
		Viewer struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
		} `json:"viewer"`
	}
	q := `query Viewer { viewer { id name displayName } }`
	if err := c.query(ctx, "fetchCurrentUser", q, nil, &data); err != nil {
		return nil, err
	}
	return &tracker.User{ID: data.Viewer.ID, Name: data.Viewer.Name, DisplayName: data.Viewer.DisplayName, IsBot: true}, nil
}

// CreateAgentSessionOnIssue opens an agent session attached to an issue.
func (c *Client) CreateAgentSessionOnIssue(ctx context.Context, issueID string) (*tracker.AgentSession, error) {
	return c.createAgentSession(ctx, "createAgentSessionOnIssue", map[string]interface{}{"issueId": issueID})
}

// CreateAgentSessionOnComment opens an agent session attached to a comment thread.
func (c *Client) CreateAgentSessionOnComment(ctx context.Context, commentID string) (*tracker.AgentSession, error) {
	return c.createAgentSession(ctx, "createAgentSessionOnComment", map[string]interface{}{"commentId": commentID})
}

func (c *Client) createAgentSession(ctx context.Context, operation string, input map[string]interface{}) (*tracker.AgentSession, error) {
	var data struct {
		AgentSessionCreate struct {
			Success      bool `json:"success"`
			AgentSession struct {
				ID string `json:"id"`
				Issue struct {
					ID string `json:"id"`
				} `json:"issue"`
			} `json:"agentSession"`
		} `json:"agentSessionCreate"`
	}
	q := `mutation AgentSessionCreate($input: AgentSessionCreateInput!) {
		agentSessionCreate(input: $input) { success agentSession { id issue { id } } }
	}`
	if err := c.query(ctx, operation, q, map[string]interface{}{"input": input}, &data); err != nil {
		return nil, err
	}
	if !data.AgentSessionCreate.Success {
		return nil, &tracker.OperationError{Operation: operation}
	}
	return &tracker.AgentSession{
		ID:        data.AgentSessionCreate.AgentSession.ID,
		IssueID:   data.AgentSessionCreate.AgentSession.Issue.ID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// FetchAgentSession retrieves an agent session by id.
func (c *Client) FetchAgentSession(ctx context.Context, sessionID string) (*tracker.AgentSession, error) {
	var data struct {
		AgentSession *struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Issue  struct {
				ID string `json:"id"`
			} `json:"issue"`
		} `json:"agentSession"`
	}
	q := `query AgentSession($id: String!) { agentSession(id: $id) { id status issue { id } } }`
	if err := c.query(ctx, "fetchAgentSession", q, map[string]interface{}{"id": sessionID}, &data); err != nil {
		return nil, err
	}
	if data.AgentSession == nil {
		return nil, &tracker.OperationError{Operation: "fetchAgentSession", Reason: "session not found"}
	}
	return &tracker.AgentSession{
		ID:      data.AgentSession.ID,
		IssueID: data.AgentSession.Issue.ID,
		Status:  data.AgentSession.Status,
	}, nil
}

// CreateAgentActivity posts one activity entry to an agent session.
func (c *Client) CreateAgentActivity(ctx context.Context, activity *tracker.Activity) error {
	content := map[string]interface{}{"type": string(activity.Kind)}
	switch activity.Kind {
	case tracker.ActivityAction:
		content["action"] = activity.Action
		content["parameter"] = activity.Parameter
	default:
		content["body"] = activity.Body
	}

	var data struct {
		AgentActivityCreate struct {
			Success bool `json:"success"`
		} `json:"agentActivityCreate"`
	}
	q := `mutation AgentActivityCreate($input: AgentActivityCreateInput!) {
		agentActivityCreate(input: $input) { success }
	}`
	vars := map[string]interface{}{"input": map[string]interface{}{
		"agentSessionId": activity.SessionID,
		"content":        content,
	}}
	if err := c.query(ctx, "createAgentActivity", q, vars, &data); err != nil {
		return err
	}
	if !data.AgentActivityCreate.Success {
		return &tracker.OperationError{Operation: "createAgentActivity"}
	}
	return nil
}

// GetIssueLabels returns the labels on an issue.
func (c *Client) GetIssueLabels(ctx context.Context, issueID string) ([]tracker.Label, error) {
	var data struct {
		Issue *struct {
			Labels struct {
				Nodes []linearLabel `json:"nodes"`
			} `json:"labels"`
		} `json:"issue"`
	}
	q := `query IssueLabels($id: String!) { issue(id: $id) { labels { nodes { id name } } } }`
	if err := c.query(ctx, "getIssueLabels", q, map[string]interface{}{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, &tracker.OperationError{Operation: "getIssueLabels", Reason: "issue not found"}
	}
	labels := make([]tracker.Label, 0, len(data.Issue.Labels.Nodes))
	for _, l := range data.Issue.Labels.Nodes {
		labels = append(labels, tracker.Label{ID: l.ID, Name: l.Name})
	}
	return labels, nil
}
