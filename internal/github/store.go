package github

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("github: record not found")

// Account is a connected GitHub account with its sealed OAuth token.
type Account struct {
	UserID         int64     `json:"user_id"`
	Login          string    `json:"login"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	AvatarURL      string    `json:"avatar_url"`
	EncryptedToken string    `json:"-"`
	TokenType      string    `json:"-"`
	TokenScope     string    `json:"scope"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// TrackedRepo is a repository with an active push webhook.
type TrackedRepo struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	RepoID          int64      `json:"repo_id"`
	FullName        string     `json:"full_name"`
	DefaultBranch   string     `json:"default_branch"`
	HookID          int64      `json:"webhook_id"`
	EncryptedSecret string     `json:"-"`
	TrackedAt       time.Time  `json:"tracked_at"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
}

// WebhookEvent is a received push event and its scan outcome.
type WebhookEvent struct {
	ID           int64      `json:"id"`
	DeliveryID   string     `json:"delivery_id"`
	RepoFullName string     `json:"repo"`
	EventType    string     `json:"event_type"`
	Ref          string     `json:"ref"`
	HeadSHA      string     `json:"head_sha"`
	Pusher       string     `json:"pusher"`
	CommitCount  int        `json:"commit_count"`
	Processed    bool       `json:"processed"`
	ScanFindings *int       `json:"scan_findings,omitempty"`
	ScanError    string     `json:"scan_error,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// Store persists accounts, tracked repositories, and webhook events.
type Store interface {
	SaveAccount(ctx context.Context, a Account) error
	Account(ctx context.Context, userID int64) (Account, error)
	DeleteAccount(ctx context.Context, userID int64) error

	SaveTrackedRepo(ctx context.Context, tr TrackedRepo) (TrackedRepo, error)
	TrackedRepo(ctx context.Context, userID int64, fullName string) (TrackedRepo, error)
	TrackedRepoByFullName(ctx context.Context, fullName string) (TrackedRepo, error)
	TrackedRepos(ctx context.Context, userID int64) ([]TrackedRepo, error)
	DeleteTrackedRepo(ctx context.Context, userID int64, fullName string) error
	DeleteTrackedByFullName(ctx context.Context, fullName string) error
	RenameTrackedRepo(ctx context.Context, oldFullName, newFullName string) error
	TouchTrackedRepo(ctx context.Context, fullName string, at time.Time) error

	SaveWebhookEvent(ctx context.Context, ev WebhookEvent) (int64, error)
	WebhookEvent(ctx context.Context, id int64) (WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id int64, findings int, scanErr string) error
}

// MemoryStore keeps everything in maps. It backs tests and is never used in
// a served deployment: the GitHub subsystem requires a database.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]Account
	tracked  map[int64]TrackedRepo
	events   map[int64]WebhookEvent
	nextID   int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]Account),
		tracked:  make(map[int64]TrackedRepo),
		events:   make(map[int64]WebhookEvent),
		nextID:   1,
	}
}

func (m *MemoryStore) SaveAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.accounts[a.UserID]; ok && a.ConnectedAt.IsZero() {
		a.ConnectedAt = existing.ConnectedAt
	}
	if a.ConnectedAt.IsZero() {
		a.ConnectedAt = time.Now()
	}
	m.accounts[a.UserID] = a
	return nil
}

func (m *MemoryStore) Account(_ context.Context, userID int64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, userID)
	return nil
}

func (m *MemoryStore) SaveTrackedRepo(_ context.Context, tr TrackedRepo) (TrackedRepo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr.ID = m.nextID
	m.nextID++
	if tr.TrackedAt.IsZero() {
		tr.TrackedAt = time.Now()
	}
	m.tracked[tr.ID] = tr
	return tr, nil
}

func (m *MemoryStore) TrackedRepo(_ context.Context, userID int64, fullName string) (TrackedRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tr := range m.tracked {
		if tr.UserID == userID && tr.FullName == fullName {
			return tr, nil
		}
	}
	return TrackedRepo{}, ErrNotFound
}

func (m *MemoryStore) TrackedRepoByFullName(_ context.Context, fullName string) (TrackedRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tr := range m.tracked {
		if tr.FullName == fullName {
			return tr, nil
		}
	}
	return TrackedRepo{}, ErrNotFound
}

func (m *MemoryStore) TrackedRepos(_ context.Context, userID int64) ([]TrackedRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TrackedRepo
	for _, tr := range m.tracked {
		if tr.UserID == userID {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (m *MemoryStore) DeleteTrackedRepo(_ context.Context, userID int64, fullName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.tracked {
		if tr.UserID == userID && tr.FullName == fullName {
			delete(m.tracked, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteTrackedByFullName(_ context.Context, fullName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.tracked {
		if tr.FullName == fullName {
			delete(m.tracked, id)
		}
	}
	return nil
}

func (m *MemoryStore) RenameTrackedRepo(_ context.Context, oldFullName, newFullName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.tracked {
		if tr.FullName == oldFullName {
			tr.FullName = newFullName
			m.tracked[id] = tr
		}
	}
	return nil
}

func (m *MemoryStore) TouchTrackedRepo(_ context.Context, fullName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tr := range m.tracked {
		if tr.FullName == fullName {
			t := at
			tr.LastSyncedAt = &t
			m.tracked[id] = tr
		}
	}
	return nil
}

func (m *MemoryStore) SaveWebhookEvent(_ context.Context, ev WebhookEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.nextID
	m.nextID++
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	m.events[ev.ID] = ev
	return ev.ID, nil
}

func (m *MemoryStore) WebhookEvent(_ context.Context, id int64) (WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return WebhookEvent{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) MarkEventProcessed(_ context.Context, id int64, findings int, scanErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	ev.Processed = true
	now := time.Now()
	ev.ProcessedAt = &now
	if scanErr != "" {
		ev.ScanError = scanErr
	} else {
		f := findings
		ev.ScanFindings = &f
	}
	m.events[id] = ev
	return nil
}
