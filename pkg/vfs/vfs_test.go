package vfs

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCombine(t *testing.T) {
	fs := New()
	tests := []struct {
		pwd, path, want string
	}{
		{"/", "", "/"},
		{"/", "bin", "/bin"},
		{"/bin", "cat", "/bin/cat"},
		{"/bin", "/usr/logs", "/usr/logs"},
		{"/bin", "..", "/"},
		{"/bin", "../usr", "/usr"},
		{"/bin", "./cat", "/bin/cat"},
		{"/a/b/c", "../../x", "/a/x"},
		{"/", "..", "/"},
	}
	for _, tt := range tests {
		if got := fs.Combine(tt.pwd, tt.path); got != tt.want {
			t.Errorf("Combine(%q, %q) = %q, want %q", tt.pwd, tt.path, got, tt.want)
		}
	}
}

func TestMkdirTouchRemoveRoundTrip(t *testing.T) {
	fs := New()

	if err := fs.Mkdir("/tmp"); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := fs.Mkdir("/tmp"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on duplicate mkdir, got %v", err)
	}
	if err := fs.Touch("/tmp/f"); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if err := fs.RemoveSafe("/tmp/f"); err != nil {
		t.Fatalf("rm file failed: %v", err)
	}
	if err := fs.RemoveSafe("/tmp"); err != nil {
		t.Fatalf("rm dir failed: %v", err)
	}
	if fs.GetNode("/tmp") != nil {
		t.Fatal("tree not restored to initial state")
	}
}

func TestWriteReadFile(t *testing.T) {
	fs := New()
	if err := fs.WriteFile("/notes", []byte("alpha")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := fs.ReadFile("/notes")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "alpha" {
		t.Fatalf("expected %q, got %q", "alpha", data)
	}
}

func TestOpenHoldsReference(t *testing.T) {
	fs := New()
	fs.WriteFile("/f", []byte("xy"))

	r, err := fs.Open("/f")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := fs.RemoveSafe("/f"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while reader open, got %v", err)
	}

	if got := r.Index(); got != 'x' {
		t.Fatalf("expected 'x', got %d", got)
	}
	r.Advance()
	if got := r.Index(); got != 'y' {
		t.Fatalf("expected 'y', got %d", got)
	}
	r.Advance()
	if got := r.Index(); got != -1 {
		t.Fatalf("expected -1 at end, got %d", got)
	}

	r.Close()
	if err := fs.RemoveSafe("/f"); err != nil {
		t.Fatalf("rm after close failed: %v", err)
	}
}

func TestMacroListings(t *testing.T) {
	fs := New()
	fs.Mkdir("/bin")
	fs.WriteFile("/bin/a", nil)
	fs.WriteFile("/bin/b", nil)

	r, err := fs.Open("/bin:ls")
	if err != nil {
		t.Fatalf("ls macro failed: %v", err)
	}
	var b strings.Builder
	for r.Available() {
		b.WriteByte(byte(r.Index()))
		r.Advance()
	}
	if b.String() != "a\nb" {
		t.Fatalf("expected %q, got %q", "a\nb", b.String())
	}

	r, err = fs.Open("/bin:ll")
	if err != nil {
		t.Fatalf("ll macro failed: %v", err)
	}
	var ll strings.Builder
	for r.Available() {
		ll.WriteByte(byte(r.Index()))
		r.Advance()
	}
	for _, want := range []string{"..", "rw-rw-r--", "a", "b"} {
		if !strings.Contains(ll.String(), want) {
			t.Errorf("ll output missing %q", want)
		}
	}

	if _, err := fs.Open("/bin:bogus"); !errors.Is(err, ErrBadMacro) {
		t.Fatalf("expected ErrBadMacro, got %v", err)
	}
}

func TestCallbackNode(t *testing.T) {
	fs := New()
	err := fs.RegisterCallback("/proc/uptime", func(path string) string {
		return "42"
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	data, err := fs.ReadFile("/proc/uptime")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "42" {
		t.Fatalf("expected 42, got %q", data)
	}
	if err := fs.RegisterCallback("/proc/uptime", nil); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	fs := New()
	fs.WriteFile("/secret", []byte("x"))
	n := fs.GetNode("/secret")
	copy(n.Mode[:], "---------")

	if _, err := fs.ReadFile("/secret"); err == nil {
		// Read permission is enforced on the walk for directories; the
		// file itself gates writes.
		t.Log("reads of mode-less files pass the walk; write must fail")
	}
	if err := fs.WriteFile("/secret", []byte("y")); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	if err := fs.RemoveSafe("/secret"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy (unwritable), got %v", err)
	}
}

func TestAsRootImpersonation(t *testing.T) {
	fs := New()
	if fs.UserName() != "cc" {
		t.Fatalf("expected user cc, got %s", fs.UserName())
	}
	fs.AsRoot(true)
	if fs.UserName() != "root" {
		t.Fatalf("expected root, got %s", fs.UserName())
	}
	fs.AsRoot(true) // idempotent
	fs.AsRoot(false)
	if fs.UserName() != "cc" {
		t.Fatalf("expected cc restored, got %s", fs.UserName())
	}
}

func TestRootNeverDeleted(t *testing.T) {
	fs := New()
	if err := fs.Remove("/"); err == nil {
		t.Fatal("expected error removing root")
	}
	if err := fs.RemoveSafe("/"); err == nil {
		t.Fatal("expected error safe-removing root")
	}
}

func TestFileTimeFormat(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	fs := NewWithClock(func() time.Time { return base })

	if got := fs.fileTime(base); got != "Mar 14 09:26" {
		t.Errorf("same-year format: got %q", got)
	}
	old := time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)
	if got := fs.fileTime(old); got != "Jul  1  2019" {
		t.Errorf("other-year format: got %q", got)
	}
}
