package store

import (
	"testing"

	"bken/relay/internal/identity"
)

// newMemStore opens an in-memory SQLite database, runs migrations, and
// returns the store. The database is discarded when the test process
// exits.
func newMemStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestLookupMissingAccount(t *testing.T) {
	s := newMemStore(t)

	_, ok, err := s.Lookup(identity.User{ClassID: 2, UserID: 1})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown account")
	}
}

func TestUpsertAndLookupAccount(t *testing.T) {
	s := newMemStore(t)

	acct := Account{Password: "pw", MaxInst: 3, IsC2s: false, BoundIP: "10.0.0.1"}
	if err := s.UpsertAccount(2, 1, acct); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	got, ok, err := s.Lookup(identity.User{ClassID: 2, UserID: 1})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after upsert")
	}
	if got != acct {
		t.Errorf("Lookup = %+v, want %+v", got, acct)
	}

	acct.MaxInst = 5
	if err := s.UpsertAccount(2, 1, acct); err != nil {
		t.Fatalf("UpsertAccount (update): %v", err)
	}
	got, _, _ = s.Lookup(identity.User{ClassID: 2, UserID: 1})
	if got.MaxInst != 5 {
		t.Errorf("expected updated max_inst=5, got %d", got.MaxInst)
	}
}

func TestOnlineStateRoundTrip(t *testing.T) {
	s := newMemStore(t)
	u := identity.User{ClassID: 2, UserID: 1, InstID: 7}

	if err := s.RecordOnline(u, "203.0.113.9"); err != nil {
		t.Fatalf("RecordOnline: %v", err)
	}
	n, err := s.OnlineCount(2, 1)
	if err != nil {
		t.Fatalf("OnlineCount: %v", err)
	}
	if n != 1 {
		t.Errorf("OnlineCount = %d, want 1", n)
	}

	if err := s.RecordOffline(u); err != nil {
		t.Fatalf("RecordOffline: %v", err)
	}
	n, _ = s.OnlineCount(2, 1)
	if n != 0 {
		t.Errorf("OnlineCount after offline = %d, want 0", n)
	}
}

func TestPendingKicksQueueAndClear(t *testing.T) {
	s := newMemStore(t)
	u1 := identity.User{ClassID: 2, UserID: 1, InstID: 1}
	u2 := identity.User{ClassID: 2, UserID: 2, InstID: 1}

	if err := s.QueueKick(u1); err != nil {
		t.Fatalf("QueueKick u1: %v", err)
	}
	if err := s.QueueKick(u2); err != nil {
		t.Fatalf("QueueKick u2: %v", err)
	}
	// Re-queueing is idempotent.
	if err := s.QueueKick(u1); err != nil {
		t.Fatalf("re-QueueKick u1: %v", err)
	}

	pending, err := s.PendingKicks()
	if err != nil {
		t.Fatalf("PendingKicks: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending kicks, got %d", len(pending))
	}

	if err := s.ClearKick(u1); err != nil {
		t.Fatalf("ClearKick: %v", err)
	}
	pending, _ = s.PendingKicks()
	if len(pending) != 1 || pending[0] != u2 {
		t.Errorf("expected only u2 pending, got %v", pending)
	}
}
