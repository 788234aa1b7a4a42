package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
)

const (
	// DefaultGitHubAPI is the public GitHub REST endpoint.
	DefaultGitHubAPI     = "https://api.github.com"
	defaultGitHubTimeout = 30 * time.Second
)

// GitHubResolver looks commits up through the GitHub REST API. It needs no
// local cache and does not check that the commit belongs to the branch.
type GitHubResolver struct {
	APIBase    string
	HTTPClient *http.Client
}

// NewGitHubResolver creates a resolver. A non-empty token authenticates
// every request.
func NewGitHubResolver(apiBase, token string, timeout time.Duration) *GitHubResolver {
	if apiBase == "" {
		apiBase = DefaultGitHubAPI
	}
	if timeout <= 0 {
		timeout = defaultGitHubTimeout
	}
	client := &http.Client{Timeout: timeout}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		client.Timeout = timeout
	}
	return &GitHubResolver{
		APIBase:    strings.TrimSuffix(apiBase, "/"),
		HTTPClient: client,
	}
}

type githubSignature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type githubCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author    githubSignature `json:"author"`
		Committer githubSignature `json:"committer"`
		Message   string          `json:"message"`
	} `json:"commit"`
}

// Resolve fetches the commit from the repository named by req.RepoURL.
func (g *GitHubResolver) Resolve(ctx context.Context, req Request) Outcome {
	owner, repo, err := githubRepo(req.RepoURL)
	if err != nil {
		return failed(err)
	}
	if !validCommit(req.Commit) {
		return notFound("%q is not a commit hash", req.Commit)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s", g.APIBase, owner, repo, req.Commit)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return failed(err)
	}
	httpReq.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := g.HTTPClient.Do(httpReq)
	if err != nil {
		return failed(errors.Wrap(err, "GitHub API request failed"))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		return notFound("commit %s not in %s", req.Commit, req.RepoURL)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return failed(errors.Errorf("GitHub API returned %d: %s", resp.StatusCode, string(body)))
	}

	var data githubCommit
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return failed(errors.Wrap(err, "decoding GitHub commit"))
	}
	return found(models.Source{
		RepoURL:        req.RepoURL,
		BranchOrTag:    req.Branch,
		CommitID:       data.SHA,
		CommitMsg:      strings.TrimSpace(data.Commit.Message),
		AuthorName:     data.Commit.Author.Name,
		AuthorEmail:    data.Commit.Author.Email,
		CommitterName:  data.Commit.Committer.Name,
		CommitterEmail: data.Commit.Committer.Email,
	}, data.Commit.Committer.Date)
}

// githubRepo extracts owner and name from a repository URL such as
// http://github.com/meilisearch/milli.
func githubRepo(repoURL string) (string, string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid repository URL %q", repoURL)
	}
	parts := strings.Split(strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("%q is not a GitHub repository URL", repoURL)
	}
	return parts[0], parts[1], nil
}
