package memory

import (
	"errors"
	"testing"
)

func newMappedTable(t *testing.T, pool *Pool, vas ...uint32) *PageTable {
	t.Helper()
	pt := NewPageTable(pool)
	for _, va := range vas {
		f, err := pool.AllocFrame()
		if err != nil {
			t.Fatalf("alloc frame for 0x%08X: %v", va, err)
		}
		if err := pt.Map(va, f, PTEWritable|PTEUser); err != nil {
			t.Fatalf("map 0x%08X: %v", va, err)
		}
	}
	return pt
}

func TestTranslateUnmappedFaults(t *testing.T) {
	pool := NewPool(8)
	pt := NewPageTable(pool)
	if _, _, err := pt.Translate(DataBase); !errors.Is(err, ErrUnmappedAddress) {
		t.Fatalf("expected ErrUnmappedAddress, got %v", err)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	pool := NewPool(8)
	pt := newMappedTable(t, pool, DataBase)

	f, off, err := pt.Translate(DataBase + 123)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if off != 123 {
		t.Fatalf("expected offset 123, got %d", off)
	}
	flags, err := pt.EntryFlags(DataBase)
	if err != nil {
		t.Fatalf("entry flags: %v", err)
	}
	if flags&PTEAccessed == 0 {
		t.Fatal("expected accessed bit set after translate")
	}
	_ = f

	pt.Unmap(DataBase)
	if pt.IsMapped(DataBase) {
		t.Fatal("page still mapped after unmap")
	}
}

func TestReadWriteAcrossPages(t *testing.T) {
	pool := NewPool(8)
	pt := newMappedTable(t, pool, DataBase, DataBase+PageSize)

	// A quad straddling the page boundary.
	va := DataBase + PageSize - 4
	if err := pt.WriteQuad(va, 0x1122334455667788); err != nil {
		t.Fatalf("straddling write failed: %v", err)
	}
	v, err := pt.ReadQuad(va)
	if err != nil {
		t.Fatalf("straddling read failed: %v", err)
	}
	if v != 0x1122334455667788 {
		t.Fatalf("got 0x%016X", v)
	}
}

func TestGetSetStr(t *testing.T) {
	pool := NewPool(8)
	pt := newMappedTable(t, pool, DataBase)

	if err := pt.SetStr(DataBase+16, "hello"); err != nil {
		t.Fatalf("setstr failed: %v", err)
	}
	s, err := pt.GetStr(DataBase + 16)
	if err != nil {
		t.Fatalf("getstr failed: %v", err)
	}
	if s != "hello" {
		t.Fatalf("expected %q, got %q", "hello", s)
	}
}

func TestMemsetMemcmp(t *testing.T) {
	pool := NewPool(8)
	pt := newMappedTable(t, pool, DataBase)

	if err := pt.Memset(DataBase, 0xAB, 32); err != nil {
		t.Fatalf("memset failed: %v", err)
	}
	if err := pt.Memset(DataBase+64, 0xAB, 32); err != nil {
		t.Fatalf("memset failed: %v", err)
	}
	cmp, err := pt.Memcmp(DataBase, DataBase+64, 32)
	if err != nil {
		t.Fatalf("memcmp failed: %v", err)
	}
	if cmp != 0 {
		t.Fatalf("expected equal regions, got %d", cmp)
	}
	pt.WriteByte(DataBase+70, 0xFF)
	cmp, _ = pt.Memcmp(DataBase, DataBase+64, 32)
	if cmp >= 0 {
		t.Fatalf("expected negative compare, got %d", cmp)
	}
}

func TestPushPop(t *testing.T) {
	pool := NewPool(8)
	pt := newMappedTable(t, pool, StackBase)

	sp := StackBase + PageSize
	if err := pt.Push(&sp, 42); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := pt.Push(&sp, 7); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if sp != StackBase+PageSize-2*StackCell {
		t.Fatalf("sp not decremented: 0x%08X", sp)
	}
	v, err := pt.Pop(&sp)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	v, _ = pt.Pop(&sp)
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if sp != StackBase+PageSize {
		t.Fatalf("sp not restored: 0x%08X", sp)
	}
}

func TestMappedPages(t *testing.T) {
	pool := NewPool(8)
	pt := newMappedTable(t, pool, TextBase, DataBase, StackBase)

	pages := pt.MappedPages()
	if len(pages) != 3 {
		t.Fatalf("expected 3 mapped pages, got %d", len(pages))
	}
	seen := map[uint32]bool{}
	for _, va := range pages {
		seen[va] = true
	}
	for _, want := range []uint32{TextBase, DataBase, StackBase} {
		if !seen[want] {
			t.Fatalf("missing page 0x%08X", want)
		}
	}
}
