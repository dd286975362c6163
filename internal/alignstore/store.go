// Package alignstore persists completed analysis output keyed by snippet
// signature, so a client presenting the same signature again gets the cached
// alignment instead of a fresh model run.
package alignstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no alignment exists for a signature.
var ErrNotFound = errors.New("alignment not found")

// Alignment is one stored analysis result.
type Alignment struct {
	Signature string
	Text      string
	UpdatedAt time.Time
}

// Store saves and serves alignments. Upsert with an existing signature
// replaces the stored text; storing the same text twice leaves exactly one
// row behind.
type Store interface {
	Upsert(ctx context.Context, signature, text string) error
	Get(ctx context.Context, signature string) (Alignment, error)
	All(ctx context.Context) (map[string]string, error)
}

// Memory is an in-process Store. It backs tests and deployments that run
// without a database configured.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]Alignment
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Alignment)}
}

func (m *Memory) Upsert(_ context.Context, signature, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[signature] = Alignment{
		Signature: signature,
		Text:      text,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, signature string) (Alignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.rows[signature]
	if !ok {
		return Alignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) All(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.rows))
	for sig, a := range m.rows {
		out[sig] = a.Text
	}
	return out, nil
}
