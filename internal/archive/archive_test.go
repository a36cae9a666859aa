package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertAndRecent(t *testing.T) {
	db := testDB(t)

	entries := []ArchivedMessage{
		{ChatID: "alice_bob", MsgID: "00000000000000000001", Sender: "alice", Body: "first", Timestamp: 100},
		{ChatID: "alice_bob", MsgID: "00000000000000000002", Sender: "bob", Body: "second", Timestamp: 200},
		{ChatID: "alice_carol", MsgID: "00000000000000000003", Sender: "carol", Body: "other chat", Timestamp: 300},
	}
	for _, e := range entries {
		if err := db.Upsert(e); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	// Re-upserting the same key updates in place, no duplicate row.
	edited := entries[0]
	edited.Body = "first, edited"
	edited.Edited = true
	if err := db.Upsert(edited); err != nil {
		t.Fatalf("Upsert(edit) error = %v", err)
	}

	got, err := db.Recent("alice_bob", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(got))
	}
	if got[0].Body != "first, edited" || !got[0].Edited {
		t.Errorf("first entry = %+v, want the edited body", got[0])
	}
	if got[1].Body != "second" {
		t.Errorf("entries out of order: %+v", got)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	db := testDB(t)

	entry := ArchivedMessage{ChatID: "alice_bob", MsgID: "k1", Sender: "alice", Body: "gone soon", Timestamp: 1}
	if err := db.Upsert(entry); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("alice_bob", "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err := db.Recent("alice_bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Recent() after delete = %d entries, want 0", len(got))
	}
}

func TestSearch(t *testing.T) {
	db := testDB(t)

	seed := []ArchivedMessage{
		{ChatID: "alice_bob", MsgID: "k1", Sender: "alice", Body: "the quarterly report is ready", Timestamp: 1},
		{ChatID: "alice_bob", MsgID: "k2", Sender: "bob", Body: "lunch tomorrow?", Timestamp: 2},
		{ChatID: "alice_carol", MsgID: "k3", Sender: "carol", Body: "report looks wrong", Timestamp: 3},
	}
	for _, e := range seed {
		if err := db.Upsert(e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.Search("report", "", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Search(report) = %d results, want 2", len(all))
	}

	scoped, err := db.Search("report", "alice_bob", 10)
	if err != nil {
		t.Fatalf("Search(scoped) error = %v", err)
	}
	if len(scoped) != 1 || scoped[0].Message.MsgID != "k1" {
		t.Errorf("scoped search = %+v, want only k1", scoped)
	}
	if scoped[0].Snippet == "" {
		t.Error("search result missing snippet")
	}
}

func TestMirrorFollowsStore(t *testing.T) {
	db := testDB(t)
	store := kv.NewMemory()
	ctx := context.Background()

	// Entries present before the mirror starts are backfilled by replay.
	pre := chat.Message{Text: "before mirror", Sender: "alice", Time: 10}
	preKey, err := store.Push(ctx, chat.MessagesPath("alice_bob"), pre)
	if err != nil {
		t.Fatal(err)
	}

	m := NewMirror(db, store, zap.NewNop())
	defer m.Close()

	waitRows := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			got, err := db.Recent("alice_bob", 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d mirrored rows", want)
	}
	waitRows(1)

	post := chat.Message{Text: "after mirror", Sender: "bob", Time: 20}
	postKey, err := store.Push(ctx, chat.MessagesPath("alice_bob"), post)
	if err != nil {
		t.Fatal(err)
	}
	waitRows(2)

	// Call records under the same chat never land in the archive.
	if err := store.Write(ctx, chat.CallPath("alice_bob"), map[string]string{"type": "offer"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(ctx, chat.MessagePath("alice_bob", preKey)); err != nil {
		t.Fatal(err)
	}
	waitRows(1)

	got, _ := db.Recent("alice_bob", 10)
	if got[0].MsgID != postKey || got[0].Body != "after mirror" {
		t.Errorf("surviving row = %+v, want the second entry", got[0])
	}
}
