package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%q) = %v, want nil", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestInsertIfAbsent(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	rec := message.Record{Identity: "a@example.com", Folder: "INBOX", ImportedAt: time.Now()}
	ok, err := db.InsertIfAbsent(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("first InsertIfAbsent = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = db.InsertIfAbsent(ctx, rec)
	if err != nil || ok {
		t.Fatalf("second InsertIfAbsent = (%v, %v), want (false, nil)", ok, err)
	}

	exists, err := db.ExistsByIdentity(ctx, "a@example.com")
	if err != nil || !exists {
		t.Errorf("ExistsByIdentity = (%v, %v), want (true, nil)", exists, err)
	}
	exists, err = db.ExistsByIdentity(ctx, "missing@example.com")
	if err != nil || exists {
		t.Errorf("ExistsByIdentity(missing) = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	got, err := db.GetCursor(ctx, "INBOX")
	if err != nil || got != nil {
		t.Fatalf("GetCursor before set = (%v, %v), want (nil, nil)", got, err)
	}

	want := message.Cursor{Folder: "INBOX", UIDValidity: 7, LastUID: 203}
	if err := db.SetCursor(ctx, want); err != nil {
		t.Fatalf("SetCursor = %v, want nil", err)
	}
	got, err = db.GetCursor(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetCursor = %v, want nil", err)
	}
	if *got != want {
		t.Errorf("GetCursor = %+v, want %+v", *got, want)
	}

	// Replacing is allowed; there is one cursor per folder.
	want.LastUID = 300
	if err := db.SetCursor(ctx, want); err != nil {
		t.Fatalf("SetCursor (replace) = %v, want nil", err)
	}
	got, _ = db.GetCursor(ctx, "INBOX")
	if got.LastUID != 300 {
		t.Errorf("LastUID after replace = %d, want 300", got.LastUID)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	got, err := db.GetSignature(ctx, "/a/b.json")
	if err != nil || got != nil {
		t.Fatalf("GetSignature before put = (%v, %v), want (nil, nil)", got, err)
	}

	want := message.Signature{
		UnitKey: "/a/b.json",
		Size:    123,
		ModTime: time.Unix(0, 1700000000123456789),
	}
	if err := db.PutSignature(ctx, want); err != nil {
		t.Fatalf("PutSignature = %v, want nil", err)
	}
	got, err = db.GetSignature(ctx, "/a/b.json")
	if err != nil {
		t.Fatalf("GetSignature = %v, want nil", err)
	}
	if got.Size != want.Size || !got.ModTime.Equal(want.ModTime) {
		t.Errorf("GetSignature = %+v, want %+v", *got, want)
	}
}

func TestSignatureInTx(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin = %v, want nil", err)
	}
	sig := message.Signature{UnitKey: "dir:/a", ModTime: time.Now()}
	if err := tx.PutSignature(ctx, sig); err != nil {
		t.Fatalf("Tx.PutSignature = %v, want nil", err)
	}
	if _, err := tx.InsertIfAbsent(ctx, message.Record{
		Identity: "tx@example.com", Folder: "INBOX", ImportedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Tx.InsertIfAbsent = %v, want nil", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit = %v, want nil", err)
	}

	if got, _ := db.GetSignature(ctx, "dir:/a"); got == nil {
		t.Error("signature written in tx not visible after commit")
	}
	if exists, _ := db.ExistsByIdentity(ctx, "tx@example.com"); !exists {
		t.Error("record written in tx not visible after commit")
	}
}

func TestItemFailureLedger(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	if n, err := db.ItemAttempts(ctx, "INBOX", 101); err != nil || n != 0 {
		t.Fatalf("ItemAttempts before failure = (%d, %v), want (0, nil)", n, err)
	}
	for want := 1; want <= 3; want++ {
		n, err := db.NoteItemFailure(ctx, "INBOX", 101, "boom")
		if err != nil || n != want {
			t.Fatalf("NoteItemFailure #%d = (%d, %v), want (%d, nil)", want, n, err, want)
		}
	}
	if err := db.ClearItemFailure(ctx, "INBOX", 101); err != nil {
		t.Fatalf("ClearItemFailure = %v, want nil", err)
	}
	if n, _ := db.ItemAttempts(ctx, "INBOX", 101); n != 0 {
		t.Errorf("ItemAttempts after clear = %d, want 0", n)
	}
}

func TestOpenOrRecoverHealthy(t *testing.T) {
	_, path := openTestDB(t)

	walker := func(ctx context.Context, handler func(message.Sidecar) error) error {
		t.Error("walker must not run for a healthy store")
		return nil
	}
	db, recovered, err := OpenOrRecover(context.Background(), path, walker, observe.Nop())
	if err != nil {
		t.Fatalf("OpenOrRecover = %v, want nil", err)
	}
	defer db.Close()
	if recovered {
		t.Error("recovered = true for a healthy store")
	}
}

func TestOpenOrRecoverCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database at all"), 0600); err != nil {
		t.Fatal(err)
	}

	archived := []message.Sidecar{
		{Identity: "a@example.com", Folder: "INBOX", ArchivedAt: time.Now()},
		{Identity: "b@example.com", Folder: "INBOX", ArchivedAt: time.Now()},
		{Identity: "c@example.com", Folder: "Sent", ArchivedAt: time.Now()},
	}
	walker := func(ctx context.Context, handler func(message.Sidecar) error) error {
		for _, sc := range archived {
			if err := handler(sc); err != nil {
				return err
			}
		}
		return nil
	}

	ctx := context.Background()
	db, recovered, err := OpenOrRecover(ctx, path, walker, observe.Nop())
	if err != nil {
		t.Fatalf("OpenOrRecover = %v, want nil", err)
	}
	defer db.Close()
	if !recovered {
		t.Fatal("recovered = false, want true")
	}

	// The existence set must match what was archived.
	for _, sc := range archived {
		exists, err := db.ExistsByIdentity(ctx, sc.Identity)
		if err != nil || !exists {
			t.Errorf("ExistsByIdentity(%q) = (%v, %v), want (true, nil)", sc.Identity, exists, err)
		}
	}
	// Cursors are deliberately empty after recovery; the next sync
	// is a full deduplicated rescan.
	if cur, _ := db.GetCursor(ctx, "INBOX"); cur != nil {
		t.Errorf("GetCursor after recovery = %+v, want nil", cur)
	}

	// The corrupt file was quarantined, not deleted.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	quarantined := false
	for _, e := range entries {
		if len(e.Name()) >= len("index.db.corrupt") && e.Name()[:len("index.db.corrupt")] == "index.db.corrupt" {
			quarantined = true
		}
	}
	if !quarantined {
		t.Errorf("no quarantined store among %v", entries)
	}
}
