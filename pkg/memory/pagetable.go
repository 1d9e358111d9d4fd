package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Leaf entry flags. A leaf entry packs a frame id in the high 20 bits and
// flags in the low 12, mirroring the usual x86 layout.
type PTEFlags uint32

const (
	PTEPresent  PTEFlags = 1 << 0
	PTEWritable PTEFlags = 1 << 1
	PTEUser     PTEFlags = 1 << 2
	PTEAccessed PTEFlags = 1 << 5

	pteFlagMask uint32 = 0xFFF
)

const (
	// DirEntries is the number of entries in the page directory; each
	// entry optionally points at a table frame of TableEntries leaves.
	DirEntries   = 1024
	TableEntries = 1024
)

// ErrUnmappedAddress is returned by Translate for a non-present page.
var ErrUnmappedAddress = errors.New("memory: unmapped virtual address")

func dirIndex(va uint32) int   { return int((va >> 22) & 0x3FF) }
func tableIndex(va uint32) int { return int((va >> 12) & 0x3FF) }
func pageOffset(va uint32) int { return int(va & 0xFFF) }

// PageTable is one process's two-level page table. Leaf tables live in
// pool frames; the directory itself is host-side.
type PageTable struct {
	pool *Pool
	dir  [DirEntries]uint32 // table frame id <<12 | PTEPresent, or 0
}

// NewPageTable creates an empty page table over the given pool.
func NewPageTable(pool *Pool) *PageTable {
	return &PageTable{pool: pool}
}

// Map installs a leaf mapping va -> frame, lazily allocating the
// directory slot's table frame if absent.
func (pt *PageTable) Map(va uint32, frame FrameID, flags PTEFlags) error {
	di := dirIndex(va)
	if pt.dir[di]&uint32(PTEPresent) == 0 {
		tf, err := pt.pool.AllocFrame()
		if err != nil {
			return err
		}
		pt.dir[di] = uint32(tf)<<12 | uint32(PTEPresent)
	}
	tf := FrameID(pt.dir[di] >> 12)
	entry := uint32(frame)<<12 | uint32(flags|PTEPresent)
	tbl := pt.pool.Bytes(tf)
	binary.LittleEndian.PutUint32(tbl[tableIndex(va)*4:], entry)
	return nil
}

// Unmap clears the leaf entry for va. Unmapping a non-present page is a
// no-op. The table frame itself is released at teardown, not here.
func (pt *PageTable) Unmap(va uint32) {
	di := dirIndex(va)
	if pt.dir[di]&uint32(PTEPresent) == 0 {
		return
	}
	tbl := pt.pool.Bytes(FrameID(pt.dir[di] >> 12))
	binary.LittleEndian.PutUint32(tbl[tableIndex(va)*4:], 0)
}

// Translate walks both levels and returns the backing frame and page
// offset for va. The accessed bit is set on the leaf.
func (pt *PageTable) Translate(va uint32) (FrameID, int, error) {
	di := dirIndex(va)
	if pt.dir[di]&uint32(PTEPresent) == 0 {
		return 0, 0, fmt.Errorf("%w: 0x%08X", ErrUnmappedAddress, va)
	}
	tbl := pt.pool.Bytes(FrameID(pt.dir[di] >> 12))
	ti := tableIndex(va)
	entry := binary.LittleEndian.Uint32(tbl[ti*4:])
	if entry&uint32(PTEPresent) == 0 {
		return 0, 0, fmt.Errorf("%w: 0x%08X", ErrUnmappedAddress, va)
	}
	if entry&uint32(PTEAccessed) == 0 {
		binary.LittleEndian.PutUint32(tbl[ti*4:], entry|uint32(PTEAccessed))
	}
	return FrameID(entry >> 12), pageOffset(va), nil
}

// IsMapped reports whether va resolves to a present page, without
// touching the accessed bit.
func (pt *PageTable) IsMapped(va uint32) bool {
	di := dirIndex(va)
	if pt.dir[di]&uint32(PTEPresent) == 0 {
		return false
	}
	tbl := pt.pool.Bytes(FrameID(pt.dir[di] >> 12))
	entry := binary.LittleEndian.Uint32(tbl[tableIndex(va)*4:])
	return entry&uint32(PTEPresent) != 0
}

// TableFrames returns the frames holding leaf tables, for teardown.
func (pt *PageTable) TableFrames() []FrameID {
	var out []FrameID
	for _, e := range pt.dir {
		if e&uint32(PTEPresent) != 0 {
			out = append(out, FrameID(e>>12))
		}
	}
	return out
}

// MappedPages returns every present page va, for fork-time frame copies.
func (pt *PageTable) MappedPages() []uint32 {
	var out []uint32
	for di, e := range pt.dir {
		if e&uint32(PTEPresent) == 0 {
			continue
		}
		tbl := pt.pool.Bytes(FrameID(e >> 12))
		for ti := 0; ti < TableEntries; ti++ {
			entry := binary.LittleEndian.Uint32(tbl[ti*4:])
			if entry&uint32(PTEPresent) != 0 {
				out = append(out, uint32(di)<<22|uint32(ti)<<12)
			}
		}
	}
	return out
}

// EntryFlags returns the flags of the leaf entry for va.
func (pt *PageTable) EntryFlags(va uint32) (PTEFlags, error) {
	di := dirIndex(va)
	if pt.dir[di]&uint32(PTEPresent) == 0 {
		return 0, fmt.Errorf("%w: 0x%08X", ErrUnmappedAddress, va)
	}
	tbl := pt.pool.Bytes(FrameID(pt.dir[di] >> 12))
	entry := binary.LittleEndian.Uint32(tbl[tableIndex(va)*4:])
	if entry&uint32(PTEPresent) == 0 {
		return 0, fmt.Errorf("%w: 0x%08X", ErrUnmappedAddress, va)
	}
	return PTEFlags(entry & pteFlagMask), nil
}

// ---------------------------------------------------------------------------
// Convenience operations over translated addresses
// ---------------------------------------------------------------------------

// ReadByte loads one byte from guest memory.
func (pt *PageTable) ReadByte(va uint32) (byte, error) {
	f, off, err := pt.Translate(va)
	if err != nil {
		return 0, err
	}
	return pt.pool.Bytes(f)[off], nil
}

// WriteByte stores one byte to guest memory.
func (pt *PageTable) WriteByte(va uint32, b byte) error {
	f, off, err := pt.Translate(va)
	if err != nil {
		return err
	}
	pt.pool.Bytes(f)[off] = b
	return nil
}

// ReadWord loads a little-endian 32-bit word, handling page straddles.
func (pt *PageTable) ReadWord(va uint32) (uint32, error) {
	var b [4]byte
	if err := pt.readInto(va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteWord stores a little-endian 32-bit word.
func (pt *PageTable) WriteWord(va uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return pt.writeFrom(va, b[:])
}

// ReadQuad loads a little-endian 64-bit value.
func (pt *PageTable) ReadQuad(va uint32) (uint64, error) {
	var b [8]byte
	if err := pt.readInto(va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteQuad stores a little-endian 64-bit value.
func (pt *PageTable) WriteQuad(va uint32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return pt.writeFrom(va, b[:])
}

func (pt *PageTable) readInto(va uint32, dst []byte) error {
	for i := range dst {
		b, err := pt.ReadByte(va + uint32(i))
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}

func (pt *PageTable) writeFrom(va uint32, src []byte) error {
	for i, b := range src {
		if err := pt.WriteByte(va+uint32(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Memset fills count bytes starting at va.
func (pt *PageTable) Memset(va uint32, value byte, count uint32) error {
	for i := uint32(0); i < count; i++ {
		if err := pt.WriteByte(va+i, value); err != nil {
			return err
		}
	}
	return nil
}

// Memcmp compares count bytes at two guest addresses; returns -1/0/1.
func (pt *PageTable) Memcmp(a, b, count uint32) (int, error) {
	for i := uint32(0); i < count; i++ {
		x, err := pt.ReadByte(a + i)
		if err != nil {
			return 0, err
		}
		y, err := pt.ReadByte(b + i)
		if err != nil {
			return 0, err
		}
		if x < y {
			return -1, nil
		}
		if x > y {
			return 1, nil
		}
	}
	return 0, nil
}

// maxGuestString bounds GetStr so a missing terminator cannot spin.
const maxGuestString = 64 * 1024

// GetStr reads a NUL-terminated guest string.
func (pt *PageTable) GetStr(va uint32) (string, error) {
	var out []byte
	for i := uint32(0); i < maxGuestString; i++ {
		b, err := pt.ReadByte(va + i)
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return "", fmt.Errorf("memory: unterminated string at 0x%08X", va)
}

// SetStr writes s plus a NUL terminator at va.
func (pt *PageTable) SetStr(va uint32, s string) error {
	if err := pt.writeFrom(va, []byte(s)); err != nil {
		return err
	}
	return pt.WriteByte(va+uint32(len(s)), 0)
}

// StackCell is the size of one evaluation-stack slot.
const StackCell = 8

// Push decrements sp by one cell and stores v there.
func (pt *PageTable) Push(sp *uint32, v uint64) error {
	*sp -= StackCell
	return pt.WriteQuad(*sp, v)
}

// Pop loads the cell at sp and increments sp.
func (pt *PageTable) Pop(sp *uint32) (uint64, error) {
	v, err := pt.ReadQuad(*sp)
	if err != nil {
		return 0, err
	}
	*sp += StackCell
	return v, nil
}
