package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API request failed with status %d: %s", e.StatusCode, e.Detail)
}

// Client wraps the GitHub REST API for a single access token.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// NewClient constructs a GitHub API client with sensible defaults.
func NewClient(accessToken string) *Client {
	return &Client{
		token:      accessToken,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithAPIBase points the client at a different API root. Used by tests.
func (c *Client) WithAPIBase(base string) *Client {
	c.apiBase = base
	return c
}

// User is the authenticated GitHub account.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

// Repo describes a repository in list and detail responses.
type Repo struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	Description     string `json:"description"`
	Private         bool   `json:"private"`
	Fork            bool   `json:"fork"`
	HTMLURL         string `json:"html_url"`
	CloneURL        string `json:"clone_url"`
	DefaultBranch   string `json:"default_branch"`
	Language        string `json:"language"`
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	UpdatedAt       string `json:"updated_at"`
	PushedAt        string `json:"pushed_at"`
}

// ContentItem is one entry of a directory listing.
type ContentItem struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int    `json:"size"`
	Type        string `json:"type"`
	DownloadURL string `json:"download_url"`
	HTMLURL     string `json:"html_url"`
}

// FileContent is a single file with its decoded body.
type FileContent struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int    `json:"size"`
	Type        string `json:"type"`
	Encoding    string `json:"encoding"`
	Content     string `json:"content"`
	DownloadURL string `json:"download_url"`
	HTMLURL     string `json:"html_url"`
}

// Branch is a repository branch with its head commit.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected"`
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"`
}

// CommitFile is one changed file within a commit or comparison.
type CommitFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   int    `json:"changes"`
	Patch     string `json:"patch"`
}

// CommitStats aggregates line counts for a commit.
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// Commit is a flattened commit record. Files and Stats are populated only
// when a single commit is fetched by SHA.
type Commit struct {
	SHA       string       `json:"sha"`
	Message   string       `json:"message"`
	Author    Signature    `json:"author"`
	Committer Signature    `json:"committer"`
	HTMLURL   string       `json:"html_url"`
	Parents   []CommitRef  `json:"parents"`
	Files     []CommitFile `json:"files,omitempty"`
	Stats     *CommitStats `json:"stats,omitempty"`
}

// CommitRef is a bare parent pointer.
type CommitRef struct {
	SHA string `json:"sha"`
}

// Comparison is the result of comparing two refs.
type Comparison struct {
	Status       string       `json:"status"`
	AheadBy      int          `json:"ahead_by"`
	BehindBy     int          `json:"behind_by"`
	TotalCommits int          `json:"total_commits"`
	Commits      []Commit     `json:"commits"`
	Files        []CommitFile `json:"files"`
	HTMLURL      string       `json:"html_url"`
	DiffURL      string       `json:"diff_url"`
}

// Webhook is a created repository hook.
type Webhook struct {
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

// RepoListOptions control pagination and filtering of repository listings.
type RepoListOptions struct {
	Visibility string
	Sort       string
	PerPage    int
	Page       int
}

// CommitListOptions control pagination and filtering of commit listings.
type CommitListOptions struct {
	SHA     string
	Path    string
	PerPage int
	Page    int
}

// User returns the authenticated account.
func (c *Client) User(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Repos lists repositories for the authenticated user.
func (c *Client) Repos(ctx context.Context, opts RepoListOptions) ([]Repo, error) {
	if opts.Visibility == "" {
		opts.Visibility = "all"
	}
	if opts.Sort == "" {
		opts.Sort = "updated"
	}
	query := url.Values{
		"visibility": {opts.Visibility},
		"sort":       {opts.Sort},
		"per_page":   {strconv.Itoa(pageSize(opts.PerPage))},
		"page":       {strconv.Itoa(pageNumber(opts.Page))},
	}

	var repos []Repo
	if err := c.get(ctx, "/user/repos", query, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// SearchRepos searches the authenticated user's repositories. The query is
// scoped to the user's login so results never leak other accounts' repos.
func (c *Client) SearchRepos(ctx context.Context, q string, page, perPage int) ([]Repo, error) {
	user, err := c.User(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"q":        {fmt.Sprintf("%s user:%s", q, user.Login)},
		"per_page": {strconv.Itoa(pageSize(perPage))},
		"page":     {strconv.Itoa(pageNumber(page))},
	}

	var result struct {
		Items []Repo `json:"items"`
	}
	if err := c.get(ctx, "/search/repositories", query, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Repo returns details for a single repository.
func (c *Client) Repo(ctx context.Context, owner, repo string) (*Repo, error) {
	var r Repo
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Contents lists files and directories at a repository path. A file path
// yields a single-element list, matching the directory shape.
func (c *Client) Contents(ctx context.Context, owner, repo, path, ref string) ([]ContentItem, error) {
	query := url.Values{}
	if ref != "" {
		query.Set("ref", ref)
	}

	raw, err := c.getRaw(ctx, contentsPath(owner, repo, path), query)
	if err != nil {
		return nil, err
	}

	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	var single ContentItem
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode contents response: %w", err)
	}
	return []ContentItem{single}, nil
}

// File fetches a single file and decodes its body.
func (c *Client) File(ctx context.Context, owner, repo, path, ref string) (*FileContent, error) {
	query := url.Values{}
	if ref != "" {
		query.Set("ref", ref)
	}

	raw, err := c.getRaw(ctx, contentsPath(owner, repo, path), query)
	if err != nil {
		return nil, err
	}

	var dir []ContentItem
	if err := json.Unmarshal(raw, &dir); err == nil {
		return nil, fmt.Errorf("path %q is a directory, not a file", path)
	}

	var wire struct {
		Name        string `json:"name"`
		Path        string `json:"path"`
		SHA         string `json:"sha"`
		Size        int    `json:"size"`
		Encoding    string `json:"encoding"`
		Content     string `json:"content"`
		DownloadURL string `json:"download_url"`
		HTMLURL     string `json:"html_url"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode file response: %w", err)
	}

	decoded := ""
	if wire.Content != "" {
		body, err := base64.StdEncoding.DecodeString(stripNewlines(wire.Content))
		if err != nil {
			return nil, fmt.Errorf("decode file body: %w", err)
		}
		decoded = string(body)
	}

	return &FileContent{
		Name:        wire.Name,
		Path:        wire.Path,
		SHA:         wire.SHA,
		Size:        wire.Size,
		Type:        "file",
		Encoding:    wire.Encoding,
		Content:     decoded,
		DownloadURL: wire.DownloadURL,
		HTMLURL:     wire.HTMLURL,
	}, nil
}

// Branches lists the repository's branches.
func (c *Client) Branches(ctx context.Context, owner, repo string) ([]Branch, error) {
	var wire []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
		Protected bool `json:"protected"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/branches", owner, repo), nil, &wire); err != nil {
		return nil, err
	}

	branches := make([]Branch, 0, len(wire))
	for _, b := range wire {
		branches = append(branches, Branch{Name: b.Name, SHA: b.Commit.SHA, Protected: b.Protected})
	}
	return branches, nil
}

// Commits lists commit history for a repository.
func (c *Client) Commits(ctx context.Context, owner, repo string, opts CommitListOptions) ([]Commit, error) {
	query := url.Values{
		"per_page": {strconv.Itoa(pageSize(opts.PerPage))},
		"page":     {strconv.Itoa(pageNumber(opts.Page))},
	}
	if opts.SHA != "" {
		query.Set("sha", opts.SHA)
	}
	if opts.Path != "" {
		query.Set("path", opts.Path)
	}

	var wire []wireCommit
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/commits", owner, repo), query, &wire); err != nil {
		return nil, err
	}

	commits := make([]Commit, 0, len(wire))
	for _, w := range wire {
		commits = append(commits, w.flatten())
	}
	return commits, nil
}

// Commit fetches a single commit with its changed files and stats.
func (c *Client) Commit(ctx context.Context, owner, repo, sha string) (*Commit, error) {
	var wire wireCommit
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, sha), nil, &wire); err != nil {
		return nil, err
	}

	commit := wire.flatten()
	commit.Files = wire.Files
	if wire.Stats != nil {
		commit.Stats = wire.Stats
	}
	return &commit, nil
}

// Compare diffs two refs within a repository.
func (c *Client) Compare(ctx context.Context, owner, repo, base, head string) (*Comparison, error) {
	var wire struct {
		Status       string       `json:"status"`
		AheadBy      int          `json:"ahead_by"`
		BehindBy     int          `json:"behind_by"`
		TotalCommits int          `json:"total_commits"`
		Commits      []wireCommit `json:"commits"`
		Files        []CommitFile `json:"files"`
		HTMLURL      string       `json:"html_url"`
		DiffURL      string       `json:"diff_url"`
	}
	path := fmt.Sprintf("/repos/%s/%s/compare/%s...%s", owner, repo, base, head)
	if err := c.get(ctx, path, nil, &wire); err != nil {
		return nil, err
	}

	commits := make([]Commit, 0, len(wire.Commits))
	for _, w := range wire.Commits {
		commits = append(commits, w.flatten())
	}
	files := wire.Files
	if files == nil {
		files = []CommitFile{}
	}

	return &Comparison{
		Status:       wire.Status,
		AheadBy:      wire.AheadBy,
		BehindBy:     wire.BehindBy,
		TotalCommits: wire.TotalCommits,
		Commits:      commits,
		Files:        files,
		HTMLURL:      wire.HTMLURL,
		DiffURL:      wire.DiffURL,
	}, nil
}

// CreateWebhook registers a push webhook on the repository.
func (c *Client) CreateWebhook(ctx context.Context, owner, repo, webhookURL, secret string, events []string) (*Webhook, error) {
	if len(events) == 0 {
		events = []string{"push"}
	}

	payload := map[string]any{
		"name": "web",
		"config": map[string]string{
			"url":          webhookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
		"events": events,
		"active": true,
	}

	var hook Webhook
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/hooks", owner, repo), nil, payload, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// DeleteWebhook removes a repository hook by id.
func (c *Client) DeleteWebhook(ctx context.Context, owner, repo string, hookID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/hooks/%d", owner, repo, hookID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// wireCommit matches the nested REST shape before flattening.
type wireCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message   string    `json:"message"`
		Author    Signature `json:"author"`
		Committer Signature `json:"committer"`
	} `json:"commit"`
	HTMLURL string       `json:"html_url"`
	Parents []CommitRef  `json:"parents"`
	Files   []CommitFile `json:"files"`
	Stats   *CommitStats `json:"stats"`
}

func (w wireCommit) flatten() Commit {
	parents := w.Parents
	if parents == nil {
		parents = []CommitRef{}
	}
	return Commit{
		SHA:       w.SHA,
		Message:   w.Commit.Message,
		Author:    w.Commit.Author,
		Committer: w.Commit.Committer,
		HTMLURL:   w.HTMLURL,
		Parents:   parents,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) getRaw(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, path, query, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.apiBase + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build GitHub request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "CodeAlign")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GitHub request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode GitHub response: %w", err)
	}
	return nil
}

func contentsPath(owner, repo, path string) string {
	escaped := ""
	if path != "" {
		segments := strings.Split(strings.Trim(path, "/"), "/")
		for i, seg := range segments {
			segments[i] = url.PathEscape(seg)
		}
		escaped = "/" + strings.Join(segments, "/")
	}
	return fmt.Sprintf("/repos/%s/%s/contents%s", owner, repo, escaped)
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

func pageSize(n int) int {
	if n <= 0 {
		return 30
	}
	if n > 100 {
		return 100
	}
	return n
}

func pageNumber(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
