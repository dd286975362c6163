package github

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultAuthorizeURL = "https://github.com/login/oauth/authorize"
	defaultTokenURL     = "https://github.com/login/oauth/access_token"

	stateTTL = 10 * time.Minute
)

// Requested on every sign-in: profile, email, private repos, webhook admin.
var defaultScopes = []string{"read:user", "user:email", "repo", "admin:repo_hook"}

// OAuth drives the GitHub OAuth 2.0 authorization-code flow.
type OAuth struct {
	clientID     string
	clientSecret string
	redirectURI  string

	authorizeURL string
	tokenURL     string
	apiBase      string

	vault      *Vault
	store      Store
	states     *stateRegistry
	httpClient *http.Client
}

// NewOAuth builds the flow around the configured OAuth app.
func NewOAuth(clientID, clientSecret, redirectURI string, vault *Vault, store Store) *OAuth {
	return &OAuth{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		authorizeURL: defaultAuthorizeURL,
		tokenURL:     defaultTokenURL,
		apiBase:      defaultAPIBase,
		vault:        vault,
		store:        store,
		states:       newStateRegistry(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithEndpoints redirects the exchange and API calls. Used by tests.
func (o *OAuth) WithEndpoints(authorizeURL, tokenURL, apiBase string) *OAuth {
	o.authorizeURL = authorizeURL
	o.tokenURL = tokenURL
	o.apiBase = apiBase
	return o
}

// AuthorizeURL registers a fresh state and returns the GitHub authorize URL
// the browser should be sent to.
func (o *OAuth) AuthorizeURL(redirectAfter string) string {
	if redirectAfter == "" {
		redirectAfter = "/"
	}
	state := o.states.Issue(redirectAfter, time.Now())

	params := url.Values{
		"client_id":    {o.clientID},
		"redirect_uri": {o.redirectURI},
		"scope":        {strings.Join(defaultScopes, " ")},
		"state":        {state},
		"allow_signup": {"true"},
	}
	return o.authorizeURL + "?" + params.Encode()
}

// HandleCallback validates the state, exchanges the code, fetches the GitHub
// user, and stores the account with its sealed token. Returns the user and
// the post-login redirect target.
func (o *OAuth) HandleCallback(ctx context.Context, code, state string) (*User, string, error) {
	redirectAfter, ok := o.states.Consume(state, time.Now())
	if !ok {
		return nil, "", fmt.Errorf("invalid or expired OAuth state")
	}

	token, err := o.exchangeCode(ctx, code)
	if err != nil {
		return nil, "", err
	}
	if token.AccessToken == "" {
		return nil, "", fmt.Errorf("no access token in response")
	}

	user, err := NewClient(token.AccessToken).WithAPIBase(o.apiBase).User(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("fetch github user: %w", err)
	}

	sealed, err := o.vault.Seal(token.AccessToken)
	if err != nil {
		return nil, "", fmt.Errorf("seal access token: %w", err)
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	account := Account{
		UserID:         user.ID,
		Login:          user.Login,
		Name:           user.Name,
		Email:          user.Email,
		AvatarURL:      user.AvatarURL,
		EncryptedToken: sealed,
		TokenType:      tokenType,
		TokenScope:     token.Scope,
	}
	if err := o.store.SaveAccount(ctx, account); err != nil {
		return nil, "", fmt.Errorf("save github account: %w", err)
	}

	log.Debug().Str("login", user.Login).Msg("GitHub account connected")
	return user, redirectAfter, nil
}

// AccessToken returns the decrypted token for a connected account.
func (o *OAuth) AccessToken(ctx context.Context, userID int64) (string, error) {
	account, err := o.store.Account(ctx, userID)
	if err != nil {
		return "", err
	}
	token, err := o.vault.Open(account.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("unseal access token: %w", err)
	}
	return token, nil
}

// Disconnect drops the stored account. GitHub OAuth apps have no revocation
// endpoint, so the grant itself survives until the user revokes it on GitHub.
func (o *OAuth) Disconnect(ctx context.Context, userID int64) error {
	return o.store.DeleteAccount(ctx, userID)
}

// AuthStatus reports whether a user has a connected account.
type AuthStatus struct {
	Authenticated bool       `json:"authenticated"`
	Login         string     `json:"login,omitempty"`
	Scope         string     `json:"scope,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
}

// Status looks up the connection state for a user.
func (o *OAuth) Status(ctx context.Context, userID int64) (AuthStatus, error) {
	account, err := o.store.Account(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthStatus{Authenticated: false}, nil
		}
		return AuthStatus{}, err
	}
	connectedAt := account.ConnectedAt
	return AuthStatus{
		Authenticated: true,
		Login:         account.Login,
		Scope:         account.TokenScope,
		ConnectedAt:   &connectedAt,
	}, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (o *OAuth) exchangeCode(ctx context.Context, code string) (tokenResponse, error) {
	form := url.Values{
		"client_id":     {o.clientID},
		"client_secret": {o.clientSecret},
		"code":          {code},
		"redirect_uri":  {o.redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("exchange code for token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tokenResponse{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if token.Error != "" {
		detail := token.ErrorDescription
		if detail == "" {
			detail = token.Error
		}
		return tokenResponse{}, fmt.Errorf("OAuth token error: %s", detail)
	}
	return token, nil
}

// stateRegistry keeps single-use CSRF states in memory. States are tied to
// the issuing process, which is fine: the browser returns to the same host
// that started the flow.
type stateRegistry struct {
	mu      sync.Mutex
	entries map[string]stateEntry
}

type stateEntry struct {
	redirectAfter string
	expiresAt     time.Time
}

func newStateRegistry() *stateRegistry {
	return &stateRegistry{entries: make(map[string]stateEntry)}
}

// Issue sweeps expired states and registers a new one.
func (r *stateRegistry) Issue(redirectAfter string, now time.Time) string {
	u := uuid.New()
	state := hex.EncodeToString(u[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	for s, entry := range r.entries {
		if now.After(entry.expiresAt) {
			delete(r.entries, s)
		}
	}
	r.entries[state] = stateEntry{redirectAfter: redirectAfter, expiresAt: now.Add(stateTTL)}
	return state
}

// Consume removes a state and returns its redirect target. A state can be
// consumed exactly once, and only before it expires.
func (r *stateRegistry) Consume(state string, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s, entry := range r.entries {
		if subtle.ConstantTimeCompare([]byte(s), []byte(state)) != 1 {
			continue
		}
		delete(r.entries, s)
		if now.After(entry.expiresAt) {
			return "", false
		}
		return entry.redirectAfter, true
	}
	return "", false
}
