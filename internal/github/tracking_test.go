package github

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracking(t *testing.T, store Store) (*Tracking, *Vault) {
	t.Helper()
	vault, err := NewVault("tracking-test-secret")
	require.NoError(t, err)
	return NewTracking(store, vault, "https://example.com/github/webhook"), vault
}

func fakeRepoAPI(t *testing.T, hookDeletes *[]string) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octocat/hello", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": 1001, "full_name": "octocat/hello", "default_branch": "main",
		})
	})
	mux.HandleFunc("POST /repos/octocat/hello/hooks", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Config map[string]string `json:"config"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "https://example.com/github/webhook", payload.Config["url"])
		assert.Len(t, payload.Config["secret"], 64, "webhook secret must be 32 random bytes hex encoded")

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 555, "events": []string{"push"}, "active": true})
	})
	mux.HandleFunc("DELETE /repos/octocat/hello/hooks/555", func(w http.ResponseWriter, r *http.Request) {
		if hookDeletes != nil {
			*hookDeletes = append(*hookDeletes, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestTrackCreatesWebhookAndRecord(t *testing.T) {
	store := NewMemoryStore()
	tracking, vault := newTestTracking(t, store)
	gh := newTestClient(t, fakeRepoAPI(t, nil))

	result, err := tracking.Track(context.Background(), gh, 7, "octocat", "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Now tracking octocat/hello", result.Message)
	assert.Equal(t, int64(555), result.WebhookID)
	assert.Equal(t, []string{"push"}, result.Events)

	tracked, err := store.TrackedRepo(context.Background(), 7, "octocat/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), tracked.RepoID)
	assert.Equal(t, "main", tracked.DefaultBranch)
	assert.Equal(t, int64(555), tracked.HookID)

	secret, err := vault.Open(tracked.EncryptedSecret)
	require.NoError(t, err)
	assert.Len(t, secret, 64)
}

func TestTrackIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	tracking, _ := newTestTracking(t, store)
	gh := newTestClient(t, fakeRepoAPI(t, nil))

	_, err := tracking.Track(context.Background(), gh, 7, "octocat", "hello")
	require.NoError(t, err)

	again, err := tracking.Track(context.Background(), gh, 7, "octocat", "hello")
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.True(t, again.Tracked)
	assert.Equal(t, "Already tracking this repository", again.Message)
	assert.Equal(t, int64(555), again.WebhookID)
}

func TestUntrackDeletesHookAndRecord(t *testing.T) {
	store := NewMemoryStore()
	tracking, _ := newTestTracking(t, store)

	var hookDeletes []string
	gh := newTestClient(t, fakeRepoAPI(t, &hookDeletes))

	_, err := tracking.Track(context.Background(), gh, 7, "octocat", "hello")
	require.NoError(t, err)

	result, err := tracking.Untrack(context.Background(), gh, 7, "octocat", "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Stopped tracking octocat/hello", result.Message)
	assert.Len(t, hookDeletes, 1)

	_, err = store.TrackedRepo(context.Background(), 7, "octocat/hello")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUntrackUnknownRepo(t *testing.T) {
	store := NewMemoryStore()
	tracking, _ := newTestTracking(t, store)
	gh := newTestClient(t, http.NotFoundHandler())

	result, err := tracking.Untrack(context.Background(), gh, 7, "octocat", "unknown")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Not tracking this repository", result.Message)
}

func TestSecretForRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	tracking, _ := newTestTracking(t, store)
	gh := newTestClient(t, fakeRepoAPI(t, nil))

	_, err := tracking.Track(context.Background(), gh, 7, "octocat", "hello")
	require.NoError(t, err)

	secret, tracked, err := tracking.SecretFor(context.Background(), "octocat/hello")
	require.NoError(t, err)
	assert.Len(t, secret, 64)
	assert.Equal(t, int64(7), tracked.UserID)

	_, _, err = tracking.SecretFor(context.Background(), "octocat/other")
	assert.ErrorIs(t, err, ErrNotFound)
}
