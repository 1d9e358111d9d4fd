package vfs

import (
	"path/filepath"
	"testing"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")

	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	fs := New()
	fs.Mkdir("/usr/logs")
	fs.WriteFile("/usr/logs/boot", []byte("hello"))
	fs.RegisterCallback("/proc/x", func(string) string { return "" })

	if err := store.Save(fs); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New()
	if err := store.Load(restored); err != nil {
		t.Fatalf("load: %v", err)
	}

	data, err := restored.ReadFile("/usr/logs/boot")
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
	if restored.GetNode("/usr/logs").Type != TypeDir {
		t.Fatal("restored /usr/logs is not a directory")
	}
	// Callback nodes are boot-time constructs, never persisted.
	if restored.GetNode("/proc/x") != nil {
		t.Fatal("callback node should not have been persisted")
	}
}

func TestStoreSaveTwiceReplaces(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	fs := New()
	fs.WriteFile("/a", []byte("1"))
	if err := store.Save(fs); err != nil {
		t.Fatalf("first save: %v", err)
	}

	fs.RemoveSafe("/a")
	fs.WriteFile("/b", []byte("2"))
	if err := store.Save(fs); err != nil {
		t.Fatalf("second save: %v", err)
	}

	restored := New()
	if err := store.Load(restored); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.GetNode("/a") != nil {
		t.Fatal("stale node /a survived re-save")
	}
	if restored.GetNode("/b") == nil {
		t.Fatal("node /b missing after re-save")
	}
}
