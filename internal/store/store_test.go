package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "hub.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertPeer_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := &Peer{
		Key:            "deadbeef",
		DiscoveryKey:   "discovery1",
		ModelName:      "llama3",
		MaxConnections: 4,
		Name:           "provider one",
	}
	if err := s.UpsertPeer(p); err != nil {
		t.Fatalf("UpsertPeer() error: %v", err)
	}

	got, err := s.GetByKey(p.Key)
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got.DiscoveryKey != p.DiscoveryKey || got.ModelName != p.ModelName {
		t.Errorf("GetByKey() = %+v, want equivalent of %+v", got, p)
	}
	if !got.Online {
		t.Error("UpsertPeer() should set online=true")
	}
}

func TestUpsertPeer_Overwrite(t *testing.T) {
	s := newTestStore(t)

	p := &Peer{Key: "k1", DiscoveryKey: "d1", ModelName: "llama3", MaxConnections: 4}
	if err := s.UpsertPeer(p); err != nil {
		t.Fatalf("UpsertPeer() error: %v", err)
	}

	if err := s.SetOffline(p.Key); err != nil {
		t.Fatalf("SetOffline() error: %v", err)
	}

	p.ModelName = "mixtral"
	if err := s.UpsertPeer(p); err != nil {
		t.Fatalf("UpsertPeer() second call error: %v", err)
	}

	got, err := s.GetByKey(p.Key)
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got.ModelName != "mixtral" {
		t.Errorf("ModelName = %q, want mixtral", got.ModelName)
	}
	if !got.Online {
		t.Error("re-upsert should reset online=true")
	}
}

func TestGetByKey_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetByKey("nonexistent"); err != ErrNotFound {
		t.Errorf("GetByKey() error = %v, want ErrNotFound", err)
	}
}

func TestGetRandom_NoMatch(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRandom("llama3"); err != ErrNotFound {
		t.Errorf("GetRandom() error = %v, want ErrNotFound", err)
	}
}

func TestGetRandom_OnlyOnlineMatchingModel(t *testing.T) {
	s := newTestStore(t)

	online := &Peer{Key: "online1", DiscoveryKey: "d-online", ModelName: "llama3", MaxConnections: 1}
	s.UpsertPeer(online)

	offline := &Peer{Key: "offline1", DiscoveryKey: "d-offline", ModelName: "llama3", MaxConnections: 1}
	s.UpsertPeer(offline)
	s.SetOffline(offline.Key)

	wrongModel := &Peer{Key: "wrong1", DiscoveryKey: "d-wrong", ModelName: "mixtral", MaxConnections: 1}
	s.UpsertPeer(wrongModel)

	got, err := s.GetRandom("llama3")
	if err != nil {
		t.Fatalf("GetRandom() error: %v", err)
	}
	if got.Key != online.Key {
		t.Errorf("GetRandom() = %s, want %s", got.Key, online.Key)
	}
}

func TestResetAllConnections(t *testing.T) {
	s := newTestStore(t)

	p := &Peer{Key: "k1", DiscoveryKey: "d1", ModelName: "llama3", MaxConnections: 4}
	s.UpsertPeer(p)
	s.UpdateConnections(p.Key, 3)

	if err := s.ResetAllConnections(); err != nil {
		t.Fatalf("ResetAllConnections() error: %v", err)
	}

	got, err := s.GetByKey(p.Key)
	if err != nil {
		t.Fatalf("GetByKey() error: %v", err)
	}
	if got.Online || got.Connections != 0 {
		t.Errorf("after reset: online=%v connections=%d, want false/0", got.Online, got.Connections)
	}
}

func TestProviderSession_SingleOpenRowPerPeer(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPeer(&Peer{Key: "p1", DiscoveryKey: "d1", ModelName: "llama3"})

	id1, err := s.StartSession("p1")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}

	// Starting again while the first is open force-closes the stale row and
	// opens a fresh one — at most one open row survives at any instant.
	id2, err := s.StartSession("p1")
	if err != nil {
		t.Fatalf("second StartSession() error: %v", err)
	}
	if id1 == id2 {
		t.Error("second StartSession() should open a new row")
	}

	activeID, err := s.ActiveSessionID("p1")
	if err != nil {
		t.Fatalf("ActiveSessionID() error: %v", err)
	}
	if activeID != id2 {
		t.Errorf("ActiveSessionID() = %d, want %d", activeID, id2)
	}
}

func TestProviderSession_EndAndOrphans(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPeer(&Peer{Key: "p1", DiscoveryKey: "d1", ModelName: "llama3"})
	s.UpsertPeer(&Peer{Key: "p2", DiscoveryKey: "d2", ModelName: "llama3"})

	s.StartSession("p1")
	s.StartSession("p2")

	if err := s.EndSession("p1"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if _, err := s.ActiveSessionID("p1"); err != ErrNotFound {
		t.Errorf("ActiveSessionID(p1) after EndSession = %v, want ErrNotFound", err)
	}

	if err := s.EndOrphans(); err != nil {
		t.Fatalf("EndOrphans() error: %v", err)
	}
	if _, err := s.ActiveSessionID("p2"); err != ErrNotFound {
		t.Errorf("ActiveSessionID(p2) after EndOrphans = %v, want ErrNotFound", err)
	}
}

func TestSession_CreateVerifyDelete(t *testing.T) {
	s := newTestStore(t)

	token, err := s.CreateSession("discovery-1")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	got, err := s.VerifySession(token)
	if err != nil {
		t.Fatalf("VerifySession() error: %v", err)
	}
	if got != "discovery-1" {
		t.Errorf("VerifySession() = %q, want discovery-1", got)
	}

	deleted, err := s.DeleteSession(token)
	if err != nil {
		t.Fatalf("DeleteSession() error: %v", err)
	}
	if !deleted {
		t.Error("DeleteSession() should report a row was removed")
	}

	if _, err := s.VerifySession(token); err != ErrNotFound {
		t.Errorf("VerifySession() after delete = %v, want ErrNotFound", err)
	}
}

func TestSession_VerifyAbsent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.VerifySession("nonexistent"); err != ErrNotFound {
		t.Errorf("VerifySession() error = %v, want ErrNotFound", err)
	}
}

func TestSession_ExtendIsNoOpWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	if err := s.ExtendSession("nonexistent"); err != nil {
		t.Errorf("ExtendSession() on absent token should not error, got %v", err)
	}
}

func TestIPMessages_WindowedCount(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.TouchIPMessage("203.0.113.5", 60); err != nil {
			t.Fatalf("TouchIPMessage() error: %v", err)
		}
	}

	count, ok, err := s.GetIPMessageCount("203.0.113.5", 60)
	if err != nil {
		t.Fatalf("GetIPMessageCount() error: %v", err)
	}
	if !ok || count != 3 {
		t.Errorf("GetIPMessageCount() = (%d, %v), want (3, true)", count, ok)
	}
}

// TestIPMessages_WindowResets exercises the fixed-window boundary: once
// first_seen falls outside the window, the next touch must restart the
// count at 1 instead of adding to the stale total (otherwise an IP that
// once hit the cap stays permanently rate-limited).
func TestIPMessages_WindowResets(t *testing.T) {
	s := newTestStore(t)
	ip := "203.0.113.7"

	for i := 0; i < 5; i++ {
		if err := s.TouchIPMessage(ip, 60); err != nil {
			t.Fatalf("TouchIPMessage() error: %v", err)
		}
	}
	if _, err := s.db.Exec(`UPDATE ip_messages SET first_seen = datetime('now', '-61 minutes') WHERE ip_address = ?`, ip); err != nil {
		t.Fatalf("failed to backdate first_seen: %v", err)
	}

	count, ok, err := s.GetIPMessageCount(ip, 60)
	if err != nil {
		t.Fatalf("GetIPMessageCount() error: %v", err)
	}
	if ok {
		t.Errorf("GetIPMessageCount() after window elapsed = (%d, %v), want seen=false", count, ok)
	}

	if err := s.TouchIPMessage(ip, 60); err != nil {
		t.Fatalf("TouchIPMessage() error: %v", err)
	}
	count, ok, err = s.GetIPMessageCount(ip, 60)
	if err != nil {
		t.Fatalf("GetIPMessageCount() error: %v", err)
	}
	if !ok || count != 1 {
		t.Errorf("GetIPMessageCount() after a window reset = (%d, %v), want (1, true)", count, ok)
	}
}

func TestIPMessages_UnseenIP(t *testing.T) {
	s := newTestStore(t)
	count, ok, err := s.GetIPMessageCount("203.0.113.9", 60)
	if err != nil {
		t.Fatalf("GetIPMessageCount() error: %v", err)
	}
	if ok || count != 0 {
		t.Errorf("GetIPMessageCount() for unseen ip = (%d, %v), want (0, false)", count, ok)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	s.UpsertPeer(&Peer{Key: "p1", DiscoveryKey: "d1", ModelName: "llama3"})
	id, _ := s.StartSession("p1")
	s.LogRequest(id)
	s.LogRequest(id)

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
}

func TestMigrations_AppliedOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	s1.Close()

	// Reopening must not re-run migrations or error on "already exists".
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer s2.Close()

	var count int
	row := s2.db.QueryRow(`SELECT COUNT(*) FROM migrations`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan migrations count: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("applied migrations = %d, want %d", count, len(migrations))
	}
}
