// Package sqlitestore implements the Repository Interface (L11) on top
// of modernc.org/sqlite.
//
// Grounded on the reference's internal/relay/store.go: sql.Open("sqlite",
// dsn), PRAGMA journal_mode=WAL / PRAGMA foreign_keys=ON on open,
// //go:embed migrations/*.sql applied in filename order against a
// schema_migrations tracking table, and the conditional-UPDATE +
// RowsAffected idiom for claim-style operations (used here for
// DeleteTask). Table layout and query shapes are new — the reference has
// no conversation/task/chat-message schema — but the storage plumbing
// (open/migrate/close, prepared SQL over database/sql) is copied from it.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anselm-vey/roost/internal/repository"
	"github.com/anselm-vey/roost/internal/rerr"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed repository.Store implementation.
type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)
var _ repository.SessionIssuer = (*Store)(nil)

// Open opens (creating if absent) the sqlite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("open db: %w", err))
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("set WAL mode: %w", err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("enable foreign keys: %w", err))
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("migrate: %w", err))
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

const timeLayout = "2006-01-02 15:04:05"

func (s *Store) UpsertConversationEntry(ctx context.Context, e repository.ConversationEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_entries (id, instance_id, role, content, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET instance_id=excluded.instance_id,
			role=excluded.role, content=excluded.content, at=excluded.at`,
		e.ID, e.InstanceID, e.Role, e.Content, e.At.UTC().Format(timeLayout))
	if err != nil {
		return rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("upsert conversation entry: %w", err))
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (repository.Task, error) {
	var t repository.Task
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, status, created_at, updated_at FROM tasks WHERE id = ?", id,
	).Scan(&t.ID, &t.Title, &t.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return repository.Task{}, rerr.New(rerr.KindNotFound, fmt.Sprintf("no task %q", id))
	}
	if err != nil {
		return repository.Task{}, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("get task: %w", err))
	}
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	t.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return t, nil
}

func (s *Store) PutTask(ctx context.Context, t repository.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, status=excluded.status,
			updated_at=excluded.updated_at`,
		t.ID, t.Title, t.Status, t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("put task: %w", err))
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("delete task: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerr.New(rerr.KindNotFound, fmt.Sprintf("no task %q", id))
	}
	return nil
}

func (s *Store) PutChatMessage(ctx context.Context, msg repository.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, scope, author, body, posted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET scope=excluded.scope, author=excluded.author,
			body=excluded.body, posted_at=excluded.posted_at`,
		msg.ID, msg.Scope, msg.Author, msg.Body, msg.PostedAt.UTC().Format(timeLayout))
	if err != nil {
		return rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("put chat message: %w", err))
	}
	return nil
}

func (s *Store) RecentChatMessages(ctx context.Context, scope string, limit int, before time.Time) ([]repository.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, author, body, posted_at FROM chat_messages
		WHERE scope = ? AND posted_at < ?
		ORDER BY posted_at DESC LIMIT ?`,
		scope, before.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("recent chat messages: %w", err))
	}
	defer rows.Close()

	var out []repository.ChatMessage
	for rows.Next() {
		var m repository.ChatMessage
		var posted string
		if err := rows.Scan(&m.ID, &m.Scope, &m.Author, &m.Body, &posted); err != nil {
			return nil, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("scan chat message: %w", err))
		}
		m.PostedAt, _ = time.Parse(timeLayout, posted)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, rerr.Wrap(rerr.KindStorageUnavailable, err)
	}
	return out, nil
}

func (s *Store) AccountLookup(ctx context.Context, id string) (repository.Account, error) {
	var a repository.Account
	var created string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, label, capability, created_at FROM accounts WHERE id = ?", id,
	).Scan(&a.ID, &a.Label, &a.Capability, &created)
	if err == sql.ErrNoRows {
		return repository.Account{}, rerr.New(rerr.KindNotFound, fmt.Sprintf("no account %q", id))
	}
	if err != nil {
		return repository.Account{}, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("account lookup: %w", err))
	}
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	return a, nil
}

func (s *Store) AccountCreate(ctx context.Context, acct repository.Account) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, label, capability, created_at) VALUES (?, ?, ?, ?)",
		acct.ID, acct.Label, acct.Capability, acct.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("account create: %w", err))
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, token string, accountID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, account_id, expires_at) VALUES (?, ?, ?)",
		token, accountID, expiresAt.UTC().Format(timeLayout))
	if err != nil {
		return rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("create session: %w", err))
	}
	return nil
}

func (s *Store) SessionVerify(ctx context.Context, token string) (repository.Account, error) {
	var accountID, expiresAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id, expires_at FROM sessions WHERE token = ?", token,
	).Scan(&accountID, &expiresAt)
	if err == sql.ErrNoRows {
		return repository.Account{}, rerr.New(rerr.KindUnauthorized, "unknown session token")
	}
	if err != nil {
		return repository.Account{}, rerr.Wrap(rerr.KindStorageUnavailable, fmt.Errorf("session verify: %w", err))
	}
	exp, _ := time.Parse(timeLayout, expiresAt)
	if time.Now().After(exp) {
		return repository.Account{}, rerr.New(rerr.KindUnauthorized, "session expired")
	}
	return s.AccountLookup(ctx, accountID)
}
