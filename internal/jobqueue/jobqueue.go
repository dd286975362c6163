/*
Package jobqueue runs background secret scans for webhook push deliveries
on a River job queue.

For worker counts, retry limits, and timeouts, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/codealign/internal/github"
)

// TokenSource resolves the stored GitHub access token for a user.
// *github.OAuth satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
}

// EventStore records scan outcomes on webhook event rows.
type EventStore interface {
	MarkEventProcessed(ctx context.Context, id int64, findings int, scanErr string) error
}

// PushScanArgs represents the arguments for a push scan job.
type PushScanArgs struct {
	EventID      int64    `json:"event_id"`
	UserID       int64    `json:"user_id"`
	RepoFullName string   `json:"repo_full_name"`
	CommitSHAs   []string `json:"commit_shas"`
}

// Kind returns the job kind for River.
func (PushScanArgs) Kind() string {
	return "push_scan"
}

// PushScanWorker fetches the commits behind a push and scans their patches
// for leaked credentials.
type PushScanWorker struct {
	river.WorkerDefaults[PushScanArgs]
	tokens  TokenSource
	store   EventStore
	scanner SecretScanner
	apiBase string
}

// NewPushScanWorker creates a worker with the given dependencies.
func NewPushScanWorker(tokens TokenSource, store EventStore, scanner SecretScanner) *PushScanWorker {
	return &PushScanWorker{tokens: tokens, store: store, scanner: scanner}
}

// WithAPIBase points the worker at a different GitHub API root. Tests use it
// to aim at a local server.
func (w *PushScanWorker) WithAPIBase(base string) *PushScanWorker {
	w.apiBase = base
	return w
}

// Work performs the scan and records the outcome on the webhook event row:
// a finding count on success, an error note when the scan could not run.
// Errors are returned so River retries; a later success overwrites the note.
func (w *PushScanWorker) Work(ctx context.Context, job *river.Job[PushScanArgs]) error {
	args := job.Args

	findings, err := w.scanPush(ctx, args)
	if err != nil {
		log.Error().Err(err).
			Int64("event_id", args.EventID).
			Str("repo", args.RepoFullName).
			Msg("Push scan failed")
		if markErr := w.store.MarkEventProcessed(ctx, args.EventID, 0, err.Error()); markErr != nil {
			return fmt.Errorf("record scan failure: %w", markErr)
		}
		return err
	}

	log.Debug().
		Int64("event_id", args.EventID).
		Str("repo", args.RepoFullName).
		Int("findings", findings).
		Msg("Push scan completed")

	return w.store.MarkEventProcessed(ctx, args.EventID, findings, "")
}

// scanPush pulls each pushed commit from the GitHub API and counts secret
// findings across all file patches.
func (w *PushScanWorker) scanPush(ctx context.Context, args PushScanArgs) (int, error) {
	owner, repo, ok := strings.Cut(args.RepoFullName, "/")
	if !ok || owner == "" || repo == "" {
		return 0, fmt.Errorf("malformed repository name %q", args.RepoFullName)
	}

	token, err := w.tokens.AccessToken(ctx, args.UserID)
	if err != nil {
		return 0, fmt.Errorf("resolve access token: %w", err)
	}

	gh := github.NewClient(token)
	if w.apiBase != "" {
		gh = gh.WithAPIBase(w.apiBase)
	}

	total := 0
	for _, sha := range args.CommitSHAs {
		commit, err := gh.Commit(ctx, owner, repo, sha)
		if err != nil {
			return 0, fmt.Errorf("fetch commit %s: %w", sha, err)
		}
		for _, file := range commit.Files {
			if file.Patch == "" {
				continue
			}
			for _, finding := range w.scanner.Scan(file.Patch) {
				log.Debug().
					Str("repo", args.RepoFullName).
					Str("commit", sha).
					Str("file", file.Filename).
					Str("rule", finding.RuleID).
					Msg("Secret detected in pushed patch")
				total++
			}
		}
	}

	return total, nil
}

// JobQueue manages the River job queue.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance with the push scan worker
// registered. A nil config falls back to DefaultQueueConfig.
func NewJobQueue(databaseURL string, config *QueueConfig, tokens TokenSource, store EventStore) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	scanner, err := NewSecretScanner()
	if err != nil {
		return nil, err
	}

	// Create a pgx connection pool
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Create River client
	workers := river.NewWorkers()
	river.AddWorker(workers, NewPushScanWorker(tokens, store, scanner))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		JobTimeout:  config.JobTimeout,
		MaxAttempts: config.MaxRetries,
		Queues:      config.RiverQueueConfig(),
		Workers:     workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// EnsureSchema applies River's own schema migrations so the queue tables
// exist before workers start.
func (jq *JobQueue) EnsureSchema(ctx context.Context) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(jq.pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("failed to apply River migrations: %w", err)
	}
	return nil
}

// Start starts the job queue workers.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the connection pool.
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// EnqueuePushScan queues a push scan job. It satisfies github.Enqueuer, so
// the webhook handler can hand deliveries straight to the queue.
func (jq *JobQueue) EnqueuePushScan(ctx context.Context, job github.PushScan) error {
	args := PushScanArgs{
		EventID:      job.EventID,
		UserID:       job.UserID,
		RepoFullName: job.RepoFullName,
		CommitSHAs:   job.CommitSHAs,
	}

	if _, err := jq.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("failed to queue push scan job: %w", err)
	}

	return nil
}
