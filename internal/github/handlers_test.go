package github

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlersFixture wires the whole subsystem against one fake GitHub server.
type handlersFixture struct {
	e        *echo.Echo
	oauth    *OAuth
	store    *MemoryStore
	enqueuer *recordingEnqueuer

	// secret captured from webhook creation, for signing deliveries.
	hookSecret string
}

func newHandlersFixture(t *testing.T) *handlersFixture {
	t.Helper()

	f := &handlersFixture{store: NewMemoryStore(), enqueuer: &recordingEnqueuer{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "gho_token", "token_type": "bearer", "scope": "repo"})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "login": "octocat", "name": "Octo Cat"})
	})
	mux.HandleFunc("/user/repos", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1001, "full_name": "octocat/hello", "default_branch": "main"},
		})
	})
	mux.HandleFunc("/repos/octocat/hello", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 1001, "full_name": "octocat/hello", "default_branch": "main"})
	})
	mux.HandleFunc("/repos/octocat/hello/hooks", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Config map[string]string `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		f.hookSecret = payload.Config["secret"]
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 555, "events": []string{"push"}, "active": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	vault, err := NewVault("handlers-test-secret")
	require.NoError(t, err)

	f.oauth = NewOAuth("client-id", "client-secret", "https://example.com/github/callback", vault, f.store).
		WithEndpoints(srv.URL+"/authorize", srv.URL+"/token", srv.URL)
	sessions := NewSessions("session-secret")
	tracking := NewTracking(f.store, vault, "https://example.com/github/webhook")
	webhooks := NewWebhooks(f.store, f.enqueuer)

	f.e = echo.New()
	NewHandlers(f.oauth, sessions, tracking, webhooks).WithAPIBase(srv.URL).Register(f.e)
	return f
}

// signIn runs the OAuth dance and returns a session token.
func (f *handlersFixture) signIn(t *testing.T) string {
	t.Helper()

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/github/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/github/callback?code=auth-code&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.Equal(t, "Bearer", resp.TokenType)
	return resp.Token
}

func (f *handlersFixture) authedRequest(method, target, token string, body string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req
}

func TestLoginRedirectsToGitHub(t *testing.T) {
	f := newHandlersFixture(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/github/login?redirect_after=/repos", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "/authorize?")
	assert.Contains(t, location, "client_id=client-id")
	assert.Contains(t, location, "state=")
}

func TestCallbackIssuesWorkingSession(t *testing.T) {
	f := newHandlersFixture(t)
	token := f.signIn(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodGet, "/github/user", token, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var user User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, "octocat", user.Login)
}

func TestCallbackMissingParams(t *testing.T) {
	f := newHandlersFixture(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/github/callback?code=only-code", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackBadStateRejected(t *testing.T) {
	f := newHandlersFixture(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/github/callback?code=auth-code&state="+strings.Repeat("0", 32), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBrowsingRequiresSession(t *testing.T) {
	f := newHandlersFixture(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/github/repos", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListReposEnvelope(t *testing.T) {
	f := newHandlersFixture(t)
	token := f.signIn(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodGet, "/github/repos", token, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Repos   []Repo `json:"repos"`
		Page    int    `json:"page"`
		PerPage int    `json:"per_page"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Repos, 1)
	assert.Equal(t, "octocat/hello", resp.Repos[0].FullName)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 30, resp.PerPage)
}

func TestStatusAfterSignIn(t *testing.T) {
	f := newHandlersFixture(t)
	token := f.signIn(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodGet, "/github/status", token, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var status AuthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Authenticated)
	assert.Equal(t, "octocat", status.Login)
}

func TestTrackAndWebhookDelivery(t *testing.T) {
	f := newHandlersFixture(t)
	token := f.signIn(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodPost, "/github/track", token,
		`{"owner":"octocat","repo":"hello"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, f.hookSecret)

	var result TrackResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, int64(555), result.WebhookID)

	pushBody := `{
		"ref": "refs/heads/main",
		"commits": [{"id": "sha1"}],
		"head_commit": {"id": "sha1"},
		"pusher": {"name": "octocat"},
		"repository": {"id": 1001, "full_name": "octocat/hello"}
	}`

	t.Run("valid signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(pushBody))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-GitHub-Delivery", "delivery-1")
		req.Header.Set("X-Hub-Signature-256", signBody(f.hookSecret, []byte(pushBody)))

		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var outcome EventOutcome
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
		assert.Equal(t, "push", outcome.EventType)
		assert.NotZero(t, outcome.EventID)
		require.Len(t, f.enqueuer.jobs, 1)
		assert.Equal(t, []string{"sha1"}, f.enqueuer.jobs[0].CommitSHAs)
	})

	t.Run("invalid signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(pushBody))
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", signBody("wrong-secret", []byte(pushBody)))

		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("untracked repository", func(t *testing.T) {
		body := `{"repository": {"full_name": "octocat/other"}}`
		req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(body))
		req.Header.Set("X-GitHub-Event", "push")

		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing repository", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/github/webhook", strings.NewReader(`{}`))
		req.Header.Set("X-GitHub-Event", "push")

		rec := httptest.NewRecorder()
		f.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUntrackRoute(t *testing.T) {
	f := newHandlersFixture(t)
	token := f.signIn(t)

	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodPost, "/github/track", token,
		`{"owner":"octocat","repo":"hello"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodGet, "/github/tracked", token, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Tracked []TrackedRepo `json:"tracked"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Tracked, 1)

	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodDelete, "/github/track/octocat/hello", token, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	f.e.ServeHTTP(rec, f.authedRequest(http.MethodGet, "/github/tracked", token, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Tracked)
}
