// Package repository declares the Repository Interface (L11): the
// narrow surface the core calls out to for durable storage (spec.md
// §4.11). The implementation lives in internal/repository/sqlitestore;
// the core only ever depends on this package's interface type.
package repository

import (
	"context"
	"time"
)

// ConversationEntry is one durable entry in an instance's conversation
// log, upserted idempotently on ID.
type ConversationEntry struct {
	ID         string
	InstanceID string
	Role       string
	Content    string
	At         time.Time
}

// Task is a durable task-board item (spec.md §10's supplemented
// task-board feature, scoped to CRUD only — no scheduling/orchestration).
type Task struct {
	ID        string
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one durable lifecycle chat message.
type ChatMessage struct {
	ID      string
	Scope   string
	Author  string
	Body    string
	PostedAt time.Time
}

// Account is a durable identity record used by the Identity Gate (L10).
type Account struct {
	ID         string
	Label      string
	Capability string
	CreatedAt  time.Time
}

// Store is the Repository Interface (L11). Every method may fail with
// an internal/rerr StorageUnavailable-kind error, which callers MUST
// surface rather than silently swallow (spec.md §4.11).
type Store interface {
	// UpsertConversationEntry is idempotent on entry.ID.
	UpsertConversationEntry(ctx context.Context, entry ConversationEntry) error

	GetTask(ctx context.Context, id string) (Task, error)
	PutTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id string) error

	PutChatMessage(ctx context.Context, msg ChatMessage) error
	RecentChatMessages(ctx context.Context, scope string, limit int, before time.Time) ([]ChatMessage, error)

	AccountLookup(ctx context.Context, id string) (Account, error)
	AccountCreate(ctx context.Context, acct Account) error
	SessionVerify(ctx context.Context, token string) (Account, error)

	Close() error
}

// SessionIssuer is an optional capability a Store may additionally
// implement: persisting the server-side session record SessionVerify
// later looks up. Kept separate from Store because spec.md §4.11 names
// only AccountLookup/AccountCreate/SessionVerify as the Identity Gate's
// contract — issuance is an implementation detail of how SessionVerify's
// backing store gets populated, not part of the narrow interface itself.
type SessionIssuer interface {
	CreateSession(ctx context.Context, token string, accountID string, expiresAt time.Time) error
}
