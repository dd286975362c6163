package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/codealign/internal/alignstore"
	"github.com/codealign/internal/api"
	"github.com/codealign/internal/config"
	"github.com/codealign/internal/connectors"
	"github.com/codealign/internal/database"
	"github.com/codealign/internal/envelope"
	"github.com/codealign/internal/github"
	"github.com/codealign/internal/jobqueue"
)

// ServeCommand returns the CLI command for starting the analysis server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the CodeAlign analysis server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Override the configured server port",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	keys, err := loadOrGenerateKeys(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()

	store, db, dbURL, err := openAlignmentStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	deps := api.Deps{
		Config:  cfg,
		Keys:    keys,
		Factory: connectors.NewFactory(),
		Store:   store,
	}

	if cfg.GitHubEnabled() {
		handlers, queue, err := setupGitHub(ctx, cfg, db, dbURL)
		if err != nil {
			return err
		}
		deps.GitHub = handlers

		if err := queue.Start(ctx); err != nil {
			return fmt.Errorf("start job queue: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := queue.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("job queue shutdown failed")
			}
		}()
	}

	server, err := api.NewServer(deps)
	if err != nil {
		return err
	}

	fmt.Printf("Starting CodeAlign analysis server on port %d...\n", cfg.Server.Port)
	return server.Start()
}

// loadConfig resolves the --config flag. An absent default file falls back
// to built-in defaults and environment variables; an explicitly named file
// must exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); err != nil && !c.IsSet("config") {
		path = ""
	}
	return config.LoadConfig(path)
}

// loadOrGenerateKeys loads the envelope keypair from the configured path,
// generating and persisting a fresh one on first run.
func loadOrGenerateKeys(cfg *config.Config) (*envelope.Keypair, error) {
	keys, err := envelope.Load(cfg.Crypto.PrivateKeyPath)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	log.Info().Str("path", cfg.Crypto.PrivateKeyPath).Msg("Generating new envelope keypair")
	keys, err = envelope.Generate()
	if err != nil {
		return nil, err
	}
	if err := keys.WriteFiles(cfg.Crypto.PrivateKeyPath, cfg.Crypto.PublicKeyPath); err != nil {
		return nil, err
	}
	return keys, nil
}

// openAlignmentStore prefers Postgres and falls back to process-local memory
// when no database URL can be resolved. A configured but unreachable
// database is a hard error, as is running the GitHub integration without
// one.
func openAlignmentStore(ctx context.Context, cfg *config.Config) (alignstore.Store, *sql.DB, string, error) {
	dbURL := strings.TrimSpace(cfg.Database.URL)
	if dbURL == "" {
		if resolved, err := database.ResolveURL(); err == nil {
			dbURL = resolved
		}
	}

	if dbURL == "" {
		if cfg.GitHubEnabled() {
			return nil, nil, "", errors.New("the GitHub integration requires database.url (or DATABASE_URL) to be set")
		}
		log.Warn().Msg("No database configured; alignments are stored in memory only")
		return alignstore.NewMemory(), nil, "", nil
	}

	db, err := database.NewDB(dbURL)
	if err != nil {
		return nil, nil, "", err
	}

	pg := alignstore.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, "", err
	}
	return pg, db, dbURL, nil
}

// setupGitHub wires the OAuth flow, token vault, tracking service, and scan
// queue behind the /github route group.
func setupGitHub(ctx context.Context, cfg *config.Config, db *sql.DB, dbURL string) (*github.Handlers, *jobqueue.JobQueue, error) {
	vault, err := github.NewVault(cfg.GitHub.VaultSecret)
	if err != nil {
		return nil, nil, err
	}

	ghStore := github.NewPostgres(db)
	if err := ghStore.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}

	oauth := github.NewOAuth(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.RedirectURL, vault, ghStore)
	sessions := github.NewSessions(cfg.GitHub.SessionSecret)
	tracking := github.NewTracking(ghStore, vault, cfg.GitHub.WebhookURL)

	queue, err := jobqueue.NewJobQueue(dbURL, jobqueue.DefaultQueueConfig(), oauth, ghStore)
	if err != nil {
		return nil, nil, fmt.Errorf("create job queue: %w", err)
	}
	if err := queue.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}

	webhooks := github.NewWebhooks(ghStore, queue)
	return github.NewHandlers(oauth, sessions, tracking, webhooks), queue, nil
}
