package store

import (
	"path/filepath"
	"testing"

	"github.com/guildwork/chatsync/internal/model"
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

func TestOutboxQueueOrder(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.QueueOutbox(&model.OutboxEntry{
			LocalID:        id,
			ConversationID: "c1",
			Body:           "msg " + id,
			Kind:           model.KindText,
		}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d entries, want 3", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].LocalID != want {
			t.Errorf("entry %d = %q, want %q", i, pending[i].LocalID, want)
		}
	}
}

func TestOutboxDeleteRemovesEntry(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&model.OutboxEntry{LocalID: "x", ConversationID: "c1", Body: "hi", Kind: model.KindText}); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteOutbox("x"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d entries, want 0", len(pending))
	}
}

func TestOutboxFailedExcludedFromPending(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&model.OutboxEntry{LocalID: "x", ConversationID: "c1", Body: "hi", Kind: model.KindText}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("x", "send timeout"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("failed entry still pending: %v", pending)
	}
}

func TestOutboxAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)

	refs := []string{"att/1.jpg", "att/2.pdf"}
	if err := db.QueueOutbox(&model.OutboxEntry{
		LocalID: "x", ConversationID: "c1", Body: "files",
		Kind: model.KindFile, Attachments: refs,
	}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d entries, want 1", len(pending))
	}
	got := pending[0].Attachments
	if len(got) != 2 || got[0] != refs[0] || got[1] != refs[1] {
		t.Errorf("attachments = %v, want %v", got, refs)
	}
}

func TestOutboxRequeueAfterFailure(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&model.OutboxEntry{LocalID: "x", ConversationID: "c1", Body: "hi", Kind: model.KindText}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("x", "send timeout"); err != nil {
		t.Fatal(err)
	}

	// A retry reuses the stable local id; the failed row must return to
	// queued instead of tripping the unique constraint.
	if err := db.QueueOutbox(&model.OutboxEntry{LocalID: "x", ConversationID: "c1", Body: "hi", Kind: model.KindText}); err != nil {
		t.Fatalf("re-queue after failure: %v", err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending entries, want 1", len(pending))
	}
	if pending[0].Status != "queued" {
		t.Errorf("status = %q, want queued", pending[0].Status)
	}
	if pending[0].ErrorMessage != "" {
		t.Errorf("error message not cleared: %q", pending[0].ErrorMessage)
	}
}
