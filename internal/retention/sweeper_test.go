package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSweepRemovesOnlyExpiredMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe("message.purged", 10)
	defer unsub()

	stale := time.Now().Add(-2 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	if _, err := db.AppendMessage("alice", "stale", stale); err != nil {
		t.Fatal(err)
	}
	keepID, err := db.AppendMessage("alice", "fresh", fresh)
	if err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(db, b, zap.NewNop(), time.Hour, time.Minute)
	s.Start(context.Background())
	defer s.Stop()

	// The initial pass runs on Start.
	select {
	case evt := <-ch:
		result := evt.Payload.(bus.PurgeResult)
		if result.Removed != 1 {
			t.Errorf("removed = %d, want 1", result.Removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for purge event")
	}

	msgs, err := db.ListRecent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != keepID {
		t.Errorf("survivors = %+v, want only id %d", msgs, keepID)
	}
}

func TestSweepWithNothingExpiredIsQuiet(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe("message.purged", 10)
	defer unsub()

	if _, err := db.AppendMessage("alice", "fresh", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(db, b, zap.NewNop(), time.Hour, time.Minute)
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		t.Errorf("unexpected purge event: %v", evt)
	case <-time.After(200 * time.Millisecond):
		// Expected: nothing removed, nothing published.
	}
}
