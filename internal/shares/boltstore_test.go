package shares

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/djkazic/stratumd/testutil"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestBoltStore_AddAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(filepath.Join(dir, "test.db"), testLogger())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()

	share := testutil.SampleShare([32]byte{1}, "worker1", 1700000000)

	if err := store.Add(share); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := store.Get(share.Hash)
	if !ok {
		t.Fatal("share not found after Add")
	}
	if got.Worker != "worker1" {
		t.Errorf("worker = %s, want worker1", got.Worker)
	}
	if got.Nonce != share.Nonce {
		t.Errorf("nonce = %s, want %s", got.Nonce, share.Nonce)
	}
	if got.Difficulty != share.Difficulty {
		t.Errorf("difficulty = %f, want %f", got.Difficulty, share.Difficulty)
	}
	if store.Count() != 1 {
		t.Errorf("count = %d, want 1", store.Count())
	}
}

func TestBoltStore_DuplicateAdd(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(filepath.Join(dir, "test.db"), testLogger())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()

	share := testutil.SampleShare([32]byte{1}, "worker1", 1700000000)
	_ = store.Add(share)
	err = store.Add(share)
	if err == nil {
		t.Error("expected error on duplicate add")
	}
}

func TestBoltStore_Recent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(filepath.Join(dir, "test.db"), testLogger())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()

	for i := byte(1); i <= 5; i++ {
		share := testutil.SampleShare([32]byte{i}, "worker1", int64(1700000000+int(i)))
		if err := store.Add(share); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	recent := store.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("got %d shares, want 3", len(recent))
	}
	// Newest first: the last-added share leads.
	if recent[0].AcceptedAt != 1700000005 {
		t.Errorf("first recent share accepted at %d, want 1700000005", recent[0].AcceptedAt)
	}
	if recent[0].AcceptedAt < recent[1].AcceptedAt || recent[1].AcceptedAt < recent[2].AcceptedAt {
		t.Error("recent shares not in newest-first order")
	}
}

func TestBoltStore_SharesSince(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(filepath.Join(dir, "test.db"), testLogger())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()

	for i := byte(1); i <= 5; i++ {
		share := testutil.SampleShare([32]byte{i}, "worker1", int64(1700000000+int(i)*60))
		if err := store.Add(share); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	since := store.SharesSince(time.Unix(1700000000+3*60, 0))
	if len(since) != 3 {
		t.Fatalf("got %d shares, want 3", len(since))
	}
	// Oldest first within the window.
	if since[0].AcceptedAt != 1700000180 || since[2].AcceptedAt != 1700000300 {
		t.Errorf("window bounds = %d..%d, want 1700000180..1700000300",
			since[0].AcceptedAt, since[2].AcceptedAt)
	}
}

func TestBoltStore_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// Phase 1: create store, add shares, close.
	{
		store, err := NewBoltStore(dbPath, testLogger())
		if err != nil {
			t.Fatalf("NewBoltStore (phase 1): %v", err)
		}

		for i := byte(1); i <= 5; i++ {
			share := testutil.SampleShare([32]byte{i}, "worker1", int64(1700000000+int(i)*30))
			if err := store.Add(share); err != nil {
				t.Fatalf("Add %d: %v", i, err)
			}
		}

		if err := store.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	// Phase 2: reopen and verify everything survived.
	{
		store, err := NewBoltStore(dbPath, testLogger())
		if err != nil {
			t.Fatalf("NewBoltStore (phase 2): %v", err)
		}
		defer store.Close()

		if store.Count() != 5 {
			t.Errorf("count after reopen = %d, want 5", store.Count())
		}

		got, ok := store.Get([32]byte{3})
		if !ok {
			t.Fatal("share not found after reopen")
		}
		if got.Worker != "worker1" {
			t.Errorf("worker = %s, want worker1", got.Worker)
		}
		if got.AcceptedAt != 1700000090 {
			t.Errorf("accepted at = %d, want 1700000090", got.AcceptedAt)
		}

		recent := store.Recent(10)
		if len(recent) != 5 {
			t.Errorf("recent after reopen = %d, want 5", len(recent))
		}
	}

	// Verify the db file actually exists on disk.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file does not exist")
	}
}
