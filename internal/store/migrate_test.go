package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestEnsureColumnAdditive(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`CREATE TABLE things (id TEXT PRIMARY KEY);`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	added, err := EnsureColumn(ctx, db, "things", "label", "TEXT")
	if err != nil {
		t.Fatalf("ensure column: %v", err)
	}
	if !added {
		t.Fatalf("expected label to be added")
	}

	// Second call is a no-op.
	added, err = EnsureColumn(ctx, db, "things", "label", "TEXT")
	if err != nil {
		t.Fatalf("ensure column again: %v", err)
	}
	if added {
		t.Fatalf("label should already exist")
	}

	if _, err := EnsureColumn(ctx, db, "missing", "label", "TEXT"); err == nil {
		t.Fatalf("expected error for missing table")
	}

	cols, err := TableInfo(ctx, db, "things")
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	if _, ok := cols["label"]; !ok {
		t.Fatalf("table info missing label column, got %v", cols)
	}
	if !cols["id"].NotNull && cols["id"].Name != "id" {
		t.Fatalf("unexpected id column: %+v", cols["id"])
	}
}

func TestHasTableAndIndex(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`CREATE TABLE things (id TEXT PRIMARY KEY, label TEXT);`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`CREATE INDEX idx_things_label ON things(label);`); err != nil {
		t.Fatalf("create index: %v", err)
	}

	ok, err := HasTable(ctx, db, "things")
	if err != nil || !ok {
		t.Fatalf("HasTable(things) = %v, %v", ok, err)
	}
	ok, err = HasTable(ctx, db, "nothing")
	if err != nil || ok {
		t.Fatalf("HasTable(nothing) = %v, %v", ok, err)
	}

	ok, err = HasIndex(ctx, db, "things", "idx_things_label")
	if err != nil || !ok {
		t.Fatalf("HasIndex = %v, %v", ok, err)
	}
	ok, err = HasIndex(ctx, db, "things", "idx_absent")
	if err != nil || ok {
		t.Fatalf("HasIndex(absent) = %v, %v", ok, err)
	}
}

func TestUserVersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	v, err := UserVersion(ctx, db)
	if err != nil {
		t.Fatalf("user version: %v", err)
	}
	if v != 0 {
		t.Fatalf("fresh database user_version = %d, want 0", v)
	}
	if err := SetUserVersion(ctx, db, 3); err != nil {
		t.Fatalf("set user version: %v", err)
	}
	v, err = UserVersion(ctx, db)
	if err != nil {
		t.Fatalf("user version: %v", err)
	}
	if v != 3 {
		t.Fatalf("user_version = %d, want 3", v)
	}
}
