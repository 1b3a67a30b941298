package p2p

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestBanStore(t *testing.T) *BanStore {
	t.Helper()
	store, err := OpenBanStore(filepath.Join(t.TempDir(), "banstore"))
	if err != nil {
		t.Fatalf("open ban store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBanStorePutGetRoundTrip(t *testing.T) {
	store := openTestBanStore(t)
	rec := BanRecord{IP: "10.0.0.1", Reason: SuspensionBlacklisted, Until: time.Now().Add(time.Hour)}

	if err := store.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(rec.IP)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to be found")
	}
	if got.Reason != rec.Reason {
		t.Fatalf("expected reason %q, got %q", rec.Reason, got.Reason)
	}
}

func TestBanStoreGetMissingReturnsNotFound(t *testing.T) {
	store := openTestBanStore(t)
	_, ok, err := store.Get("10.0.0.99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected no record")
	}
}

func TestBanStorePruneExpired(t *testing.T) {
	store := openTestBanStore(t)
	now := time.Now()
	if err := store.Put(BanRecord{IP: "10.0.0.2", Reason: SuspensionUnresponsive, Until: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if err := store.Put(BanRecord{IP: "10.0.0.3", Reason: SuspensionUnresponsive, Until: now.Add(time.Hour)}); err != nil {
		t.Fatalf("put active: %v", err)
	}

	removed, err := store.PruneExpired(now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok, _ := store.Get("10.0.0.3"); !ok {
		t.Fatalf("expected active record to survive prune")
	}
}
