package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// VerifySignature checks a GitHub X-Hub-Signature-256 header against the raw
// request body.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	provided := strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// PushScan describes the background scan queued for a push delivery.
type PushScan struct {
	EventID      int64    `json:"event_id"`
	UserID       int64    `json:"user_id"`
	RepoFullName string   `json:"repo_full_name"`
	CommitSHAs   []string `json:"commit_shas"`
}

// Enqueuer hands push scans to the background queue. The queue package
// implements it; a nil Enqueuer disables scanning.
type Enqueuer interface {
	EnqueuePushScan(ctx context.Context, job PushScan) error
}

// Webhooks dispatches verified webhook deliveries.
type Webhooks struct {
	store    Store
	enqueuer Enqueuer
}

// NewWebhooks builds the dispatcher. enqueuer may be nil.
func NewWebhooks(store Store, enqueuer Enqueuer) *Webhooks {
	return &Webhooks{store: store, enqueuer: enqueuer}
}

// EventOutcome is the acknowledgement returned to GitHub.
type EventOutcome struct {
	EventType string         `json:"event_type"`
	Repo      string         `json:"repo"`
	EventID   int64          `json:"event_id,omitempty"`
	Result    map[string]any `json:"result"`
}

type repoRef struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

// HandleEvent processes one verified delivery for a tracked repository.
func (w *Webhooks) HandleEvent(ctx context.Context, eventType, deliveryID string, tracked TrackedRepo, body []byte) (EventOutcome, error) {
	outcome := EventOutcome{EventType: eventType, Repo: tracked.FullName}

	switch eventType {
	case "push":
		result, eventID, err := w.handlePush(ctx, deliveryID, tracked, body)
		if err != nil {
			return EventOutcome{}, err
		}
		outcome.EventID = eventID
		outcome.Result = result
	case "ping":
		var payload struct {
			Zen    string `json:"zen"`
			HookID int64  `json:"hook_id"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return EventOutcome{}, fmt.Errorf("decode ping payload: %w", err)
		}
		log.Debug().Str("repo", tracked.FullName).Str("zen", payload.Zen).Msg("webhook ping")
		outcome.Result = map[string]any{
			"action":  "pong",
			"zen":     payload.Zen,
			"hook_id": payload.HookID,
		}
	case "repository":
		result, err := w.handleRepository(ctx, tracked, body)
		if err != nil {
			return EventOutcome{}, err
		}
		outcome.Result = result
	default:
		outcome.Result = map[string]any{"action": "ignored"}
	}

	return outcome, nil
}

func (w *Webhooks) handlePush(ctx context.Context, deliveryID string, tracked TrackedRepo, body []byte) (map[string]any, int64, error) {
	var payload struct {
		Ref     string `json:"ref"`
		Commits []struct {
			ID string `json:"id"`
		} `json:"commits"`
		HeadCommit *struct {
			ID string `json:"id"`
		} `json:"head_commit"`
		Pusher struct {
			Name string `json:"name"`
		} `json:"pusher"`
		Repository repoRef `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("decode push payload: %w", err)
	}

	if err := w.store.TouchTrackedRepo(ctx, tracked.FullName, time.Now()); err != nil {
		log.Error().Str("repo", tracked.FullName).Err(err).Msg("failed to update sync time")
	}

	headSHA := ""
	if payload.HeadCommit != nil {
		headSHA = payload.HeadCommit.ID
	}

	eventID, err := w.store.SaveWebhookEvent(ctx, WebhookEvent{
		DeliveryID:   deliveryID,
		RepoFullName: tracked.FullName,
		EventType:    "push",
		Ref:          payload.Ref,
		HeadSHA:      headSHA,
		Pusher:       payload.Pusher.Name,
		CommitCount:  len(payload.Commits),
	})
	if err != nil {
		return nil, 0, err
	}

	if w.enqueuer != nil && len(payload.Commits) > 0 {
		shas := make([]string, 0, len(payload.Commits))
		for _, c := range payload.Commits {
			shas = append(shas, c.ID)
		}
		job := PushScan{
			EventID:      eventID,
			UserID:       tracked.UserID,
			RepoFullName: tracked.FullName,
			CommitSHAs:   shas,
		}
		// Enqueue failures never fail the delivery; the row simply stays
		// unprocessed.
		if err := w.enqueuer.EnqueuePushScan(ctx, job); err != nil {
			log.Error().Str("repo", tracked.FullName).Err(err).Msg("failed to enqueue push scan")
		}
	}

	log.Debug().
		Str("repo", tracked.FullName).
		Str("ref", payload.Ref).
		Int("commits", len(payload.Commits)).
		Msg("push event received")

	return map[string]any{
		"action":        "push_received",
		"ref":           payload.Ref,
		"commits_count": len(payload.Commits),
		"head_commit":   headSHA,
	}, eventID, nil
}

func (w *Webhooks) handleRepository(ctx context.Context, tracked TrackedRepo, body []byte) (map[string]any, error) {
	var payload struct {
		Action  string `json:"action"`
		Changes struct {
			Repository struct {
				Name struct {
					From string `json:"from"`
				} `json:"name"`
			} `json:"repository"`
		} `json:"changes"`
		Repository repoRef `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode repository payload: %w", err)
	}

	switch payload.Action {
	case "deleted":
		if err := w.store.DeleteTrackedByFullName(ctx, tracked.FullName); err != nil {
			return nil, err
		}
		log.Debug().Str("repo", tracked.FullName).Msg("tracked repository deleted")
	case "renamed":
		newFullName := payload.Repository.FullName
		if newFullName != "" && newFullName != tracked.FullName {
			if err := w.store.RenameTrackedRepo(ctx, tracked.FullName, newFullName); err != nil {
				return nil, err
			}
			log.Debug().
				Str("from", tracked.FullName).
				Str("to", newFullName).
				Msg("tracked repository renamed")
		}
	}

	return map[string]any{
		"action": payload.Action,
		"repo":   tracked.FullName,
	}, nil
}
