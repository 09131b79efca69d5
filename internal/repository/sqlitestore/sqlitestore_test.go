package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/repository"
	"github.com/anselm-vey/roost/internal/rerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	task := repository.Task{ID: "t1", Title: "write tests", Status: "open", CreatedAt: now, UpdatedAt: now}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "write tests" {
		t.Fatalf("unexpected title %q", got.Title)
	}

	task.Status = "done"
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetTask(ctx, "t1")
	if got.Status != "done" {
		t.Fatalf("expected upserted status done, got %q", got.Status)
	}

	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); !rerr.Is(err, rerr.KindNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	if err := s.DeleteTask(ctx, "t1"); !rerr.Is(err, rerr.KindNotFound) {
		t.Fatalf("expected NotFound deleting already-deleted task, got %v", err)
	}
}

func TestChatMessagesRecentOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		msg := repository.ChatMessage{
			ID: string(rune('a' + i)), Scope: "room-1", Author: "alice",
			Body: "msg", PostedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.PutChatMessage(ctx, msg); err != nil {
			t.Fatalf("put chat message %d: %v", i, err)
		}
	}

	msgs, err := s.RecentChatMessages(ctx, "room-1", 10, time.Now())
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "c" {
		t.Fatalf("expected most recent message first, got %q", msgs[0].ID)
	}
}

func TestAccountAndSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acct := repository.Account{ID: "u1", Label: "alice", Capability: "owner", CreatedAt: time.Now()}
	if err := s.AccountCreate(ctx, acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	got, err := s.AccountLookup(ctx, "u1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Label != "alice" {
		t.Fatalf("unexpected label %q", got.Label)
	}

	if err := s.CreateSession(ctx, "tok-1", "u1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create session: %v", err)
	}
	verified, err := s.SessionVerify(ctx, "tok-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.ID != "u1" {
		t.Fatalf("expected session to resolve to u1, got %q", verified.ID)
	}

	if err := s.CreateSession(ctx, "tok-2", "u1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("create expired session: %v", err)
	}
	if _, err := s.SessionVerify(ctx, "tok-2"); !rerr.Is(err, rerr.KindUnauthorized) {
		t.Fatalf("expected Unauthorized for expired session, got %v", err)
	}
	if _, err := s.SessionVerify(ctx, "does-not-exist"); !rerr.Is(err, rerr.KindUnauthorized) {
		t.Fatalf("expected Unauthorized for unknown token, got %v", err)
	}
}

func TestUpsertConversationEntryIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := repository.ConversationEntry{ID: "e1", InstanceID: "inst-1", Role: "user", Content: "hi", At: time.Now()}
	if err := s.UpsertConversationEntry(ctx, entry); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	entry.Content = "hi again"
	if err := s.UpsertConversationEntry(ctx, entry); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversation_entries WHERE id = ?", "e1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row after idempotent upsert, got %d", count)
	}
}
