package github

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Handlers exposes the GitHub subsystem under /github.
type Handlers struct {
	oauth    *OAuth
	sessions *Sessions
	tracking *Tracking
	webhooks *Webhooks
	apiBase  string
}

// NewHandlers wires the subsystem's services into one HTTP surface.
func NewHandlers(oauth *OAuth, sessions *Sessions, tracking *Tracking, webhooks *Webhooks) *Handlers {
	return &Handlers{
		oauth:    oauth,
		sessions: sessions,
		tracking: tracking,
		webhooks: webhooks,
		apiBase:  defaultAPIBase,
	}
}

// WithAPIBase points per-request GitHub clients at a different API root.
// Used by tests.
func (h *Handlers) WithAPIBase(base string) *Handlers {
	h.apiBase = base
	return h
}

// Register mounts all GitHub routes on the server.
func (h *Handlers) Register(e *echo.Echo) {
	g := e.Group("/github")
	g.GET("/login", h.login)
	g.GET("/callback", h.callback)
	g.POST("/webhook", h.webhook)

	authed := g.Group("", RequireSession(h.sessions))
	authed.GET("/status", h.status)
	authed.DELETE("/disconnect", h.disconnect)
	authed.GET("/user", h.user)
	authed.GET("/repos", h.listRepos)
	authed.GET("/repos/search", h.searchRepos)
	authed.GET("/repos/:owner/:repo", h.getRepo)
	authed.GET("/repos/:owner/:repo/branches", h.branches)
	authed.GET("/repos/:owner/:repo/contents", h.contents)
	authed.GET("/repos/:owner/:repo/file", h.file)
	authed.GET("/repos/:owner/:repo/commits", h.commits)
	authed.GET("/repos/:owner/:repo/commits/:sha", h.commit)
	authed.GET("/repos/:owner/:repo/compare/:base/:head", h.compare)
	authed.POST("/track", h.track)
	authed.DELETE("/track/:owner/:repo", h.untrack)
	authed.GET("/tracked", h.listTracked)
}

func (h *Handlers) login(c echo.Context) error {
	authURL := h.oauth.AuthorizeURL(c.QueryParam("redirect_after"))
	return c.Redirect(http.StatusFound, authURL)
}

func (h *Handlers) callback(c echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing code or state")
	}

	user, redirectAfter, err := h.oauth.HandleCallback(c.Request().Context(), code, state)
	if err != nil {
		log.Error().Err(err).Msg("GitHub OAuth callback failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "Authentication failed")
	}

	token, err := h.sessions.Issue(user.ID, user.Login)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"user":       user,
		"redirect":   redirectAfter,
	})
}

func (h *Handlers) status(c echo.Context) error {
	claims := CurrentSession(c)
	status, err := h.oauth.Status(c.Request().Context(), claims.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) disconnect(c echo.Context) error {
	claims := CurrentSession(c)
	if err := h.oauth.Disconnect(c.Request().Context(), claims.UserID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (h *Handlers) user(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}
	user, err := gh.User(c.Request().Context())
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handlers) listRepos(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", 30)
	repos, err := gh.Repos(c.Request().Context(), RepoListOptions{
		Visibility: c.QueryParam("visibility"),
		Sort:       c.QueryParam("sort"),
		PerPage:    perPage,
		Page:       page,
	})
	if err != nil {
		return githubError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"repos":    repos,
		"page":     page,
		"per_page": perPage,
	})
}

func (h *Handlers) searchRepos(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing search query")
	}

	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", 30)
	repos, err := gh.SearchRepos(c.Request().Context(), q, page, perPage)
	if err != nil {
		return githubError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"repos":    repos,
		"query":    q,
		"page":     page,
		"per_page": perPage,
	})
}

func (h *Handlers) getRepo(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}
	repo, err := gh.Repo(c.Request().Context(), c.Param("owner"), c.Param("repo"))
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, repo)
}

func (h *Handlers) branches(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}
	branches, err := gh.Branches(c.Request().Context(), c.Param("owner"), c.Param("repo"))
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, branches)
}

func (h *Handlers) contents(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	owner, repo := c.Param("owner"), c.Param("repo")
	path := c.QueryParam("path")
	ref := c.QueryParam("ref")

	items, err := gh.Contents(c.Request().Context(), owner, repo, path, ref)
	if err != nil {
		return githubError(err)
	}

	// Directories first, then files, both alphabetical.
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := items[i].Type == "dir", items[j].Type == "dir"
		if di != dj {
			return di
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})

	return c.JSON(http.StatusOK, map[string]any{
		"contents": items,
		"path":     path,
		"ref":      ref,
		"owner":    owner,
		"repo":     repo,
	})
}

func (h *Handlers) file(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing file path")
	}

	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	file, err := gh.File(c.Request().Context(), c.Param("owner"), c.Param("repo"), path, c.QueryParam("ref"))
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, file)
}

func (h *Handlers) commits(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	owner, repo := c.Param("owner"), c.Param("repo")
	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", 30)
	path := c.QueryParam("path")

	commits, err := gh.Commits(c.Request().Context(), owner, repo, CommitListOptions{
		SHA:     c.QueryParam("sha"),
		Path:    path,
		PerPage: perPage,
		Page:    page,
	})
	if err != nil {
		return githubError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"commits":  commits,
		"owner":    owner,
		"repo":     repo,
		"path":     path,
		"page":     page,
		"per_page": perPage,
	})
}

func (h *Handlers) commit(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}
	commit, err := gh.Commit(c.Request().Context(), c.Param("owner"), c.Param("repo"), c.Param("sha"))
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, commit)
}

func (h *Handlers) compare(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}
	comparison, err := gh.Compare(c.Request().Context(),
		c.Param("owner"), c.Param("repo"), c.Param("base"), c.Param("head"))
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, comparison)
}

func (h *Handlers) track(c echo.Context) error {
	var body struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	}
	if err := c.Bind(&body); err != nil || body.Owner == "" || body.Repo == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner and repo are required")
	}

	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	claims := CurrentSession(c)
	result, err := h.tracking.Track(c.Request().Context(), gh, claims.UserID, body.Owner, body.Repo)
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) untrack(c echo.Context) error {
	gh, err := h.clientFor(c)
	if err != nil {
		return err
	}

	claims := CurrentSession(c)
	result, err := h.tracking.Untrack(c.Request().Context(), gh, claims.UserID, c.Param("owner"), c.Param("repo"))
	if err != nil {
		return githubError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handlers) listTracked(c echo.Context) error {
	claims := CurrentSession(c)
	tracked, err := h.tracking.List(c.Request().Context(), claims.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if tracked == nil {
		tracked = []TrackedRepo{}
	}
	return c.JSON(http.StatusOK, map[string]any{"tracked": tracked})
}

func (h *Handlers) webhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read request body")
	}

	var envelope struct {
		Repository repoRef `json:"repository"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Repository.FullName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Could not determine repository")
	}
	fullName := envelope.Repository.FullName

	secret, tracked, err := h.tracking.SecretFor(c.Request().Context(), fullName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Repository is not tracked")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	signature := c.Request().Header.Get("X-Hub-Signature-256")
	if !VerifySignature(secret, body, signature) {
		log.Debug().Str("repo", fullName).Msg("webhook signature rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid signature")
	}

	eventType := c.Request().Header.Get("X-GitHub-Event")
	deliveryID := c.Request().Header.Get("X-GitHub-Delivery")

	outcome, err := h.webhooks.HandleEvent(c.Request().Context(), eventType, deliveryID, tracked, body)
	if err != nil {
		log.Error().Str("repo", fullName).Str("event", eventType).Err(err).Msg("webhook handling failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to process event")
	}

	return c.JSON(http.StatusOK, outcome)
}

// clientFor builds a GitHub client with the session user's stored token.
func (h *Handlers) clientFor(c echo.Context) (*Client, error) {
	claims := CurrentSession(c)
	if claims == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
	}

	token, err := h.oauth.AccessToken(c.Request().Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "GitHub account not connected")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return NewClient(token).WithAPIBase(h.apiBase), nil
}

// githubError maps upstream API failures onto this server's responses.
func githubError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return echo.NewHTTPError(http.StatusNotFound, "Not found on GitHub")
		case http.StatusUnauthorized, http.StatusForbidden:
			return echo.NewHTTPError(http.StatusUnauthorized, "GitHub rejected the stored credentials")
		default:
			return echo.NewHTTPError(http.StatusBadGateway, apiErr.Error())
		}
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
