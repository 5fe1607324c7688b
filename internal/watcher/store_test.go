package watcher

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "watchers.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndGetActive(t *testing.T) {
	s := testStore(t)

	w := &Watcher{
		ID:           "w1",
		Kind:         KindFile,
		Action:       "notify",
		ReplyChannel: "internal",
		Active:       true,
		File:         &FileWatch{Path: "/tmp/x"},
	}
	if err := s.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}

	active, bad, err := s.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(bad) != 0 {
		t.Fatalf("unexpected bad rows: %v", bad)
	}
	if len(active) != 1 || active[0].ID != "w1" {
		t.Fatalf("active = %+v, want one watcher w1", active)
	}
	if active[0].File == nil || active[0].File.Path != "/tmp/x" {
		t.Errorf("File field did not round-trip: %+v", active[0].File)
	}
}

func TestStore_DeactivateIsNonDestructive(t *testing.T) {
	s := testStore(t)
	w := &Watcher{ID: "w2", Kind: KindOneShot, Active: true, OneShot: &OneShot{At: time.Now(), Task: "t"}}
	if err := s.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Deactivate("w2"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	got, err := s.GetByID("w2")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("row was deleted, want it to persist with active=0")
	}
	if got.Active {
		t.Error("Active = true, want false after Deactivate")
	}

	active, _, err := s.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("GetActive returned %d rows, want 0 after deactivate", len(active))
	}
}

func TestStore_DeleteCascadesEvents(t *testing.T) {
	s := testStore(t)
	w := &Watcher{ID: "w3", Kind: KindFile, Active: true, File: &FileWatch{Path: "/tmp"}}
	if err := s.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.SaveEvent("w3", "file_changed", map[string]any{"path": "/tmp/a"}); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	if err := s.Delete("w3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	events, err := s.GetEvents("w3", 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("GetEvents returned %d rows after cascade delete, want 0", len(events))
	}
}

func TestStore_BadKindJSONIsSkippedNotFatal(t *testing.T) {
	s := testStore(t)
	// Insert a row with unparseable kind_json directly, bypassing Save.
	_, err := s.db.Exec(
		`INSERT INTO watchers (id, kind, kind_json, action, reply_channel, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"bad1", string(KindFile), "{not json", "a", "internal", 1, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("insert bad row: %v", err)
	}
	good := &Watcher{ID: "good1", Kind: KindFile, Active: true, File: &FileWatch{Path: "/tmp"}}
	if err := s.Save(good); err != nil {
		t.Fatalf("Save good row: %v", err)
	}

	active, bad, err := s.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if len(bad) != 1 || bad[0].ID != "bad1" {
		t.Fatalf("bad rows = %+v, want exactly bad1", bad)
	}
	if len(active) != 1 || active[0].ID != "good1" {
		t.Fatalf("active = %+v, want exactly good1", active)
	}
}

func TestStore_CleanupEventsPrunesOldRows(t *testing.T) {
	s := testStore(t)
	w := &Watcher{ID: "w4", Kind: KindFile, Active: true, File: &FileWatch{Path: "/tmp"}}
	if err := s.Save(w); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.SaveEvent("w4", "file_changed", nil); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	old := time.Now().UTC().Add(-60 * 24 * time.Hour).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE watcher_events SET timestamp = ? WHERE watcher_id = ?`, old, "w4"); err != nil {
		t.Fatalf("backdate event: %v", err)
	}

	n, err := s.CleanupEvents(30)
	if err != nil {
		t.Fatalf("CleanupEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupEvents pruned %d rows, want 1", n)
	}
}
