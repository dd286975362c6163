package alignstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres is the database-backed Store.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// EnsureSchema creates the alignments table if it does not exist yet. The
// service runs this once at startup.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS alignments (
        signature TEXT PRIMARY KEY,
        alignment_text TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`)
	if err != nil {
		return fmt.Errorf("create alignments table: %w", err)
	}
	return nil
}

func (s *Postgres) Upsert(ctx context.Context, signature, text string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO alignments (signature, alignment_text, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (signature) DO UPDATE SET
            alignment_text=EXCLUDED.alignment_text,
            updated_at=NOW()`,
		signature, text)
	if err != nil {
		return fmt.Errorf("upsert alignment: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, signature string) (Alignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT signature, alignment_text, updated_at FROM alignments WHERE signature = $1`,
		signature)

	var a Alignment
	err := row.Scan(&a.Signature, &a.Text, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Alignment{}, ErrNotFound
	}
	if err != nil {
		return Alignment{}, fmt.Errorf("query alignment: %w", err)
	}
	return a, nil
}

func (s *Postgres) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signature, alignment_text FROM alignments`)
	if err != nil {
		return nil, fmt.Errorf("query alignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var sig, text string
		if err := rows.Scan(&sig, &text); err != nil {
			return nil, err
		}
		out[sig] = text
	}
	return out, rows.Err()
}
