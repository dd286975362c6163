package github

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres implements Store on database/sql.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the GitHub tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS github_accounts (
			user_id BIGINT PRIMARY KEY,
			login TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			encrypted_token TEXT NOT NULL,
			token_type TEXT NOT NULL DEFAULT 'bearer',
			token_scope TEXT NOT NULL DEFAULT '',
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tracked_repos (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			repo_id BIGINT NOT NULL,
			full_name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT '',
			hook_id BIGINT NOT NULL,
			encrypted_secret TEXT NOT NULL,
			tracked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_synced_at TIMESTAMPTZ,
			UNIQUE (user_id, full_name)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id BIGSERIAL PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			repo_full_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			head_sha TEXT NOT NULL DEFAULT '',
			pusher TEXT NOT NULL DEFAULT '',
			commit_count INTEGER NOT NULL DEFAULT 0,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			scan_findings INTEGER,
			scan_error TEXT NOT NULL DEFAULT '',
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure github schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) SaveAccount(ctx context.Context, a Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO github_accounts (user_id, login, name, email, avatar_url, encrypted_token, token_type, token_scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE
		SET login = EXCLUDED.login,
		    name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    avatar_url = EXCLUDED.avatar_url,
		    encrypted_token = EXCLUDED.encrypted_token,
		    token_type = EXCLUDED.token_type,
		    token_scope = EXCLUDED.token_scope
	`, a.UserID, a.Login, a.Name, a.Email, a.AvatarURL, a.EncryptedToken, a.TokenType, a.TokenScope)
	if err != nil {
		return fmt.Errorf("save github account: %w", err)
	}
	return nil
}

func (p *Postgres) Account(ctx context.Context, userID int64) (Account, error) {
	var a Account
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, login, name, email, avatar_url, encrypted_token, token_type, token_scope, connected_at
		FROM github_accounts
		WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.Login, &a.Name, &a.Email, &a.AvatarURL, &a.EncryptedToken, &a.TokenType, &a.TokenScope, &a.ConnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("load github account: %w", err)
	}
	return a, nil
}

func (p *Postgres) DeleteAccount(ctx context.Context, userID int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM github_accounts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete github account: %w", err)
	}
	return nil
}

func (p *Postgres) SaveTrackedRepo(ctx context.Context, tr TrackedRepo) (TrackedRepo, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO tracked_repos (user_id, repo_id, full_name, default_branch, hook_id, encrypted_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, full_name) DO UPDATE
		SET repo_id = EXCLUDED.repo_id,
		    default_branch = EXCLUDED.default_branch,
		    hook_id = EXCLUDED.hook_id,
		    encrypted_secret = EXCLUDED.encrypted_secret
		RETURNING id, tracked_at
	`, tr.UserID, tr.RepoID, tr.FullName, tr.DefaultBranch, tr.HookID, tr.EncryptedSecret).Scan(&tr.ID, &tr.TrackedAt)
	if err != nil {
		return TrackedRepo{}, fmt.Errorf("save tracked repo: %w", err)
	}
	return tr, nil
}

const trackedRepoColumns = `id, user_id, repo_id, full_name, default_branch, hook_id, encrypted_secret, tracked_at, last_synced_at`

func (p *Postgres) TrackedRepo(ctx context.Context, userID int64, fullName string) (TrackedRepo, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+trackedRepoColumns+`
		FROM tracked_repos
		WHERE user_id = $1 AND full_name = $2
	`, userID, fullName)
	return scanTrackedRepo(row)
}

func (p *Postgres) TrackedRepoByFullName(ctx context.Context, fullName string) (TrackedRepo, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+trackedRepoColumns+`
		FROM tracked_repos
		WHERE full_name = $1
		ORDER BY tracked_at
		LIMIT 1
	`, fullName)
	return scanTrackedRepo(row)
}

func (p *Postgres) TrackedRepos(ctx context.Context, userID int64) ([]TrackedRepo, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+trackedRepoColumns+`
		FROM tracked_repos
		WHERE user_id = $1
		ORDER BY full_name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tracked repos: %w", err)
	}
	defer rows.Close()

	var out []TrackedRepo
	for rows.Next() {
		tr, err := scanTrackedRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracked repos: %w", err)
	}
	return out, nil
}

func (p *Postgres) DeleteTrackedRepo(ctx context.Context, userID int64, fullName string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM tracked_repos WHERE user_id = $1 AND full_name = $2
	`, userID, fullName)
	if err != nil {
		return fmt.Errorf("delete tracked repo: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteTrackedByFullName(ctx context.Context, fullName string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM tracked_repos WHERE full_name = $1`, fullName); err != nil {
		return fmt.Errorf("delete tracked repo: %w", err)
	}
	return nil
}

func (p *Postgres) RenameTrackedRepo(ctx context.Context, oldFullName, newFullName string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tracked_repos SET full_name = $2 WHERE full_name = $1
	`, oldFullName, newFullName)
	if err != nil {
		return fmt.Errorf("rename tracked repo: %w", err)
	}
	return nil
}

func (p *Postgres) TouchTrackedRepo(ctx context.Context, fullName string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE tracked_repos SET last_synced_at = $2 WHERE full_name = $1
	`, fullName, at)
	if err != nil {
		return fmt.Errorf("touch tracked repo: %w", err)
	}
	return nil
}

func (p *Postgres) SaveWebhookEvent(ctx context.Context, ev WebhookEvent) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (delivery_id, repo_full_name, event_type, ref, head_sha, pusher, commit_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, ev.DeliveryID, ev.RepoFullName, ev.EventType, ev.Ref, ev.HeadSHA, ev.Pusher, ev.CommitCount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save webhook event: %w", err)
	}
	return id, nil
}

func (p *Postgres) WebhookEvent(ctx context.Context, id int64) (WebhookEvent, error) {
	var (
		ev       WebhookEvent
		findings sql.NullInt64
		doneAt   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, delivery_id, repo_full_name, event_type, ref, head_sha, pusher, commit_count,
		       processed, scan_findings, scan_error, received_at, processed_at
		FROM webhook_events
		WHERE id = $1
	`, id).Scan(&ev.ID, &ev.DeliveryID, &ev.RepoFullName, &ev.EventType, &ev.Ref, &ev.HeadSHA,
		&ev.Pusher, &ev.CommitCount, &ev.Processed, &findings, &ev.ScanError, &ev.ReceivedAt, &doneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("load webhook event: %w", err)
	}
	if findings.Valid {
		f := int(findings.Int64)
		ev.ScanFindings = &f
	}
	if doneAt.Valid {
		t := doneAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, id int64, findings int, scanErr string) error {
	var scanned sql.NullInt64
	if scanErr == "" {
		scanned = sql.NullInt64{Int64: int64(findings), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, scan_findings = $2, scan_error = $3, processed_at = NOW()
		WHERE id = $1
	`, id, scanned, scanErr)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrackedRepo(row rowScanner) (TrackedRepo, error) {
	var (
		tr     TrackedRepo
		synced sql.NullTime
	)
	err := row.Scan(&tr.ID, &tr.UserID, &tr.RepoID, &tr.FullName, &tr.DefaultBranch,
		&tr.HookID, &tr.EncryptedSecret, &tr.TrackedAt, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedRepo{}, ErrNotFound
	}
	if err != nil {
		return TrackedRepo{}, fmt.Errorf("scan tracked repo: %w", err)
	}
	if synced.Valid {
		t := synced.Time
		tr.LastSyncedAt = &t
	}
	return tr, nil
}
