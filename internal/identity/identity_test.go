package identity

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/repository"
	"github.com/anselm-vey/roost/internal/rerr"
)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

type fakeStore struct {
	sessions map[string]string // token -> accountID
	accounts map[string]repository.Account
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]string{}, accounts: map[string]repository.Account{}}
}

func (f *fakeStore) UpsertConversationEntry(ctx context.Context, e repository.ConversationEntry) error {
	return nil
}
func (f *fakeStore) GetTask(ctx context.Context, id string) (repository.Task, error) {
	return repository.Task{}, rerr.New(rerr.KindNotFound, "no task")
}
func (f *fakeStore) PutTask(ctx context.Context, t repository.Task) error    { return nil }
func (f *fakeStore) DeleteTask(ctx context.Context, id string) error         { return nil }
func (f *fakeStore) PutChatMessage(ctx context.Context, m repository.ChatMessage) error { return nil }
func (f *fakeStore) RecentChatMessages(ctx context.Context, scope string, limit int, before time.Time) ([]repository.ChatMessage, error) {
	return nil, nil
}
func (f *fakeStore) AccountCreate(ctx context.Context, a repository.Account) error {
	f.accounts[a.ID] = a
	return nil
}
func (f *fakeStore) AccountLookup(ctx context.Context, id string) (repository.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return repository.Account{}, rerr.New(rerr.KindNotFound, "no account")
	}
	return a, nil
}
func (f *fakeStore) CreateSession(ctx context.Context, token, accountID string, expiresAt time.Time) error {
	f.sessions[token] = accountID
	return nil
}
func (f *fakeStore) SessionVerify(ctx context.Context, token string) (repository.Account, error) {
	accountID, ok := f.sessions[token]
	if !ok {
		return repository.Account{}, rerr.New(rerr.KindUnauthorized, "unknown token")
	}
	return f.AccountLookup(ctx, accountID)
}
func (f *fakeStore) Close() error { return nil }

var _ repository.Store = (*fakeStore)(nil)
var _ repository.SessionIssuer = (*fakeStore)(nil)

func TestLoopbackBypassIsNotConfigurable(t *testing.T) {
	store := newFakeStore()
	g, err := New(Config{AuthDisabled: false, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := g.Admit(context.Background(), fakeAddr{"127.0.0.1:5555"}, "")
	if err != nil {
		t.Fatalf("admit loopback: %v", err)
	}
	if !p.IsAdmin() {
		t.Fatal("expected loopback to be admitted with admin capability")
	}
}

func TestAuthDisabledAdmitsAnonymous(t *testing.T) {
	g, err := New(Config{AuthDisabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := g.Admit(context.Background(), fakeAddr{"203.0.113.5:5555"}, "")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !p.Anonymous || !p.IsAdmin() {
		t.Fatalf("expected anonymous admin principal, got %+v", p)
	}
}

func TestCredentialedAdmissionRequiresValidToken(t *testing.T) {
	store := newFakeStore()
	g, err := New(Config{AuthDisabled: false, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	remote := fakeAddr{"203.0.113.5:5555"}

	if _, err := g.Admit(context.Background(), remote, ""); !rerr.Is(err, rerr.KindUnauthorized) {
		t.Fatalf("expected Unauthorized with no token, got %v", err)
	}

	store.accounts["u1"] = repository.Account{ID: "u1", Label: "alice", Capability: "member"}
	token, err := g.IssueSessionToken(context.Background(), "u1", CapabilityMember, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := g.Admit(context.Background(), remote, token)
	if err != nil {
		t.Fatalf("admit with valid token: %v", err)
	}
	if p.ID != "u1" || p.IsAdmin() {
		t.Fatalf("expected member principal u1, got %+v", p)
	}

	if _, err := g.Admit(context.Background(), remote, "garbage"); !rerr.Is(err, rerr.KindUnauthorized) {
		t.Fatalf("expected Unauthorized for garbage token, got %v", err)
	}
}
