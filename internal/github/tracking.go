package github

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Tracking manages push webhooks on user repositories.
type Tracking struct {
	store      Store
	vault      *Vault
	webhookURL string
}

// NewTracking builds the tracking service. webhookURL is the public address
// GitHub will deliver events to.
func NewTracking(store Store, vault *Vault, webhookURL string) *Tracking {
	return &Tracking{store: store, vault: vault, webhookURL: webhookURL}
}

// TrackResult reports the outcome of a track or untrack call.
type TrackResult struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Tracked   bool     `json:"tracked,omitempty"`
	WebhookID int64    `json:"webhook_id,omitempty"`
	Events    []string `json:"events,omitempty"`
}

// Track creates a push webhook on the repository and records it. Tracking an
// already-tracked repository is a no-op that reports the existing hook.
func (t *Tracking) Track(ctx context.Context, gh *Client, userID int64, owner, repo string) (*TrackResult, error) {
	fullName := owner + "/" + repo

	existing, err := t.store.TrackedRepo(ctx, userID, fullName)
	if err == nil {
		return &TrackResult{
			Success:   true,
			Message:   "Already tracking this repository",
			Tracked:   true,
			WebhookID: existing.HookID,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	repoInfo, err := gh.Repo(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("look up repository %s: %w", fullName, err)
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}

	events := []string{"push"}
	hook, err := gh.CreateWebhook(ctx, owner, repo, t.webhookURL, secret, events)
	if err != nil {
		return nil, fmt.Errorf("create webhook on %s: %w", fullName, err)
	}

	sealed, err := t.vault.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("seal webhook secret: %w", err)
	}

	_, err = t.store.SaveTrackedRepo(ctx, TrackedRepo{
		UserID:          userID,
		RepoID:          repoInfo.ID,
		FullName:        fullName,
		DefaultBranch:   repoInfo.DefaultBranch,
		HookID:          hook.ID,
		EncryptedSecret: sealed,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("repo", fullName).Int64("hook_id", hook.ID).Msg("repository tracked")
	return &TrackResult{
		Success:   true,
		Message:   fmt.Sprintf("Now tracking %s", fullName),
		WebhookID: hook.ID,
		Events:    events,
	}, nil
}

// Untrack deletes the webhook and forgets the repository. A failed hook
// deletion still removes the record: the hook may already be gone on GitHub.
func (t *Tracking) Untrack(ctx context.Context, gh *Client, userID int64, owner, repo string) (*TrackResult, error) {
	fullName := owner + "/" + repo

	tracked, err := t.store.TrackedRepo(ctx, userID, fullName)
	if errors.Is(err, ErrNotFound) {
		return &TrackResult{Success: true, Message: "Not tracking this repository"}, nil
	}
	if err != nil {
		return nil, err
	}

	if tracked.HookID != 0 {
		if err := gh.DeleteWebhook(ctx, owner, repo, tracked.HookID); err != nil {
			log.Debug().Str("repo", fullName).Err(err).Msg("webhook deletion failed")
		}
	}

	if err := t.store.DeleteTrackedRepo(ctx, userID, fullName); err != nil {
		return nil, err
	}

	return &TrackResult{
		Success: true,
		Message: fmt.Sprintf("Stopped tracking %s", fullName),
	}, nil
}

// List returns the user's tracked repositories.
func (t *Tracking) List(ctx context.Context, userID int64) ([]TrackedRepo, error) {
	return t.store.TrackedRepos(ctx, userID)
}

// SecretFor resolves the webhook secret for a delivery from the given
// repository.
func (t *Tracking) SecretFor(ctx context.Context, fullName string) (string, TrackedRepo, error) {
	tracked, err := t.store.TrackedRepoByFullName(ctx, fullName)
	if err != nil {
		return "", TrackedRepo{}, err
	}
	secret, err := t.vault.Open(tracked.EncryptedSecret)
	if err != nil {
		return "", TrackedRepo{}, fmt.Errorf("unseal webhook secret for %s: %w", fullName, err)
	}
	return secret, tracked, nil
}

func newWebhookSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
