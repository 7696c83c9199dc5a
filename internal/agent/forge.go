package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pilotbridge/pilotbridge/internal/protocol"
)

// httpClientTimeout bounds every forge API call, matching this domain's
// own HTTP client timeout convention.
const httpClientTimeout = 30 * time.Second

// ForgeClient talks to a GitHub-compatible REST API: hand-built
// net/http requests with typed JSON bodies, exactly the shape this
// domain's own relay API client uses for its own backend. No generated
// SDK is used anywhere in the corpus this is grounded on.
type ForgeClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewForgeClient constructs a client against a GitHub-compatible REST
// API base URL (e.g. "https://api.github.com") using token as a bearer
// credential.
func NewForgeClient(baseURL, token string) *ForgeClient {
	return &ForgeClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: httpClientTimeout},
	}
}

// RepoMeta is the subset of forge repository metadata the working-copy
// manager needs to clone and fast-forward.
type RepoMeta struct {
	CloneURL      string
	DefaultBranch string
}

type repoResponse struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
	Language      string `json:"language"`
	Private       bool   `json:"private"`
	UpdatedAt     string `json:"updated_at"`
	CloneURL      string `json:"clone_url"`
}

// RepoMeta fetches clone URL and default branch for fullName.
func (c *ForgeClient) RepoMeta(ctx context.Context, fullName string) (RepoMeta, error) {
	var repo repoResponse
	if err := c.do(ctx, http.MethodGet, "/repos/"+fullName, nil, &repo); err != nil {
		return RepoMeta{}, err
	}
	return RepoMeta{CloneURL: repo.CloneURL, DefaultBranch: repo.DefaultBranch}, nil
}

// ListRepositories implements §4.3.4: repositories accessible to the
// configured credential, sorted by last update, capped at 100.
func (c *ForgeClient) ListRepositories(ctx context.Context) ([]protocol.Repository, error) {
	var repos []repoResponse
	path := "/user/repos?sort=updated&direction=desc&per_page=100"
	if err := c.do(ctx, http.MethodGet, path, nil, &repos); err != nil {
		return nil, err
	}

	out := make([]protocol.Repository, 0, len(repos))
	for _, r := range repos {
		out = append(out, toRepository(r))
	}
	return out, nil
}

func toRepository(r repoResponse) protocol.Repository {
	var desc, lang *string
	if r.Description != "" {
		desc = &r.Description
	}
	if r.Language != "" {
		lang = &r.Language
	}
	return protocol.Repository{
		ID:            r.ID,
		FullName:      r.FullName,
		Description:   desc,
		DefaultBranch: r.DefaultBranch,
		Language:      lang,
		Private:       r.Private,
		UpdatedAt:     r.UpdatedAt,
	}
}

// PullRequest is the result of opening a pull request.
type PullRequest struct {
	URL   string
	Title string
}

type createPullRequestBody struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

type pullRequestResponse struct {
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
}

// CreatePullRequest implements §4.3.3 step 9: opens a PR from branch
// against baseBranch with a generated title and body referencing the
// task.
func (c *ForgeClient) CreatePullRequest(ctx context.Context, repoFullName, branch, baseBranch, title, taskContext string) (PullRequest, error) {
	body := createPullRequestBody{
		Title: title,
		Head:  branch,
		Base:  baseBranch,
		Body:  fmt.Sprintf("Autonomous task run via pilotbridge.\n\n**Task:**\n%s", taskContext),
	}

	var resp pullRequestResponse
	if err := c.do(ctx, http.MethodPost, "/repos/"+repoFullName+"/pulls", body, &resp); err != nil {
		return PullRequest{}, err
	}
	return PullRequest{URL: resp.HTMLURL, Title: resp.Title}, nil
}

func (c *ForgeClient) do(ctx context.Context, method, path string, reqBody, out interface{}) error {
	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("forge request failed: %s - %s", resp.Status, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode forge response: %w", err)
		}
	}
	return nil
}
