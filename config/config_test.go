package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
[screen]
rows = 40
cols = 120

[vm]
frames = 4096
entry = "/bin/shell"

[tuning]
target-fps = 60
low-rate = 0.4
high-rate = 0.9

[storage]
path = "/tmp/ccos.db"
`
	if err := os.WriteFile(filepath.Join(dir, "ccos.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Screen.Rows != 40 || c.Screen.Cols != 120 {
		t.Errorf("screen %dx%d", c.Screen.Rows, c.Screen.Cols)
	}
	if c.VM.Frames != 4096 || c.VM.Entry != "/bin/shell" {
		t.Errorf("vm %+v", c.VM)
	}
	if c.Tuning.TargetFPS != 60 {
		t.Errorf("tuning %+v", c.Tuning)
	}
	if c.Storage.Path != "/tmp/ccos.db" {
		t.Errorf("storage %+v", c.Storage)
	}
	if c.Dir != dir {
		t.Errorf("dir %q", c.Dir)
	}
}

func TestLoadPartialConfigFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[screen]
rows = 50
`
	if err := os.WriteFile(filepath.Join(dir, "ccos.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Screen.Rows != 50 {
		t.Errorf("rows %d", c.Screen.Rows)
	}
	if c.Screen.Cols != Default().Screen.Cols {
		t.Errorf("cols default not applied: %d", c.Screen.Cols)
	}
	if c.VM.Entry != Default().VM.Entry {
		t.Errorf("entry default not applied: %q", c.VM.Entry)
	}
}

func TestLoadMissingConfig(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing ccos.toml")
	}
	c := LoadOrDefault(t.TempDir())
	if c.Screen.Rows != Default().Screen.Rows {
		t.Fatal("LoadOrDefault should fall back to defaults")
	}
}

func TestLoadBadToml(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "ccos.toml"), []byte("not [valid"), 0644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}
