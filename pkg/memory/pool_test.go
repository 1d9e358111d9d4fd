package memory

import (
	"errors"
	"testing"
)

func TestPoolAllocFree(t *testing.T) {
	p := NewPool(4)
	if p.FreeCount() != 4 {
		t.Fatalf("expected 4 free frames, got %d", p.FreeCount())
	}

	var ids []FrameID
	for i := 0; i < 4; i++ {
		id, err := p.AllocFrame()
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := p.AllocFrame(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	if err := p.FreeFrame(ids[2]); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if p.FreeCount() != 1 {
		t.Fatalf("expected 1 free frame after free, got %d", p.FreeCount())
	}
	id, err := p.AllocFrame()
	if err != nil {
		t.Fatalf("realloc failed: %v", err)
	}
	if id != ids[2] {
		t.Fatalf("expected recycled frame %d, got %d", ids[2], id)
	}
}

func TestPoolDoubleFree(t *testing.T) {
	p := NewPool(2)
	id, _ := p.AllocFrame()
	if err := p.FreeFrame(id); err != nil {
		t.Fatalf("first free failed: %v", err)
	}
	if err := p.FreeFrame(id); err == nil {
		t.Fatal("expected error on double free")
	}
}

func TestPoolFramesZeroedOnAlloc(t *testing.T) {
	p := NewPool(1)
	id, _ := p.AllocFrame()
	if err := p.Write(id, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	p.FreeFrame(id)

	id2, _ := p.AllocFrame()
	got, err := p.Read(id2, 0, 3)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}

func TestPoolReadWriteBounds(t *testing.T) {
	p := NewPool(1)
	id, _ := p.AllocFrame()

	if err := p.Write(id, PageSize-2, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected out-of-bounds write to fail")
	}
	if _, err := p.Read(id, PageSize-1, 2); err == nil {
		t.Fatal("expected out-of-bounds read to fail")
	}
	if err := p.Write(id, PageSize-3, []byte{9, 9, 9}); err != nil {
		t.Fatalf("in-bounds write failed: %v", err)
	}
}
