package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClearDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "in")
	n, err := ClearDir(dir)
	if err != nil || n != 0 {
		t.Fatalf("ClearDir(new) = %d, %v", n, err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("dir not created: %v", err)
	}

	for _, name := range []string{"a.jpg", "b.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "keep"), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err = ClearDir(dir)
	if err != nil {
		t.Fatalf("ClearDir: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "keep" {
		t.Errorf("remaining entries = %v", entries)
	}
}

func TestSweepOlderThan(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	old := filepath.Join(dir, "old.jpg")
	fresh := filepath.Join(dir, "fresh.jpg")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.Chtimes(old, now.Add(-48*time.Hour), now.Add(-48*time.Hour))
	os.Chtimes(fresh, now.Add(-time.Hour), now.Add(-time.Hour))

	n, err := SweepOlderThan(dir, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("SweepOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file removed")
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old file kept")
	}

	if n, err := SweepOlderThan(filepath.Join(dir, "missing"), time.Hour, now); err != nil || n != 0 {
		t.Errorf("missing dir = %d, %v", n, err)
	}
}
