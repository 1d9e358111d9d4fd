package vm

import (
	"errors"
	"fmt"

	"github.com/Codeyellow27/ccos/pkg/bytecode"
	"github.com/Codeyellow27/ccos/pkg/memory"
)

// ErrTaskExhausted is returned when the process table is full.
var ErrTaskExhausted = errors.New("vm: process table exhausted")

// ErrHandleExhausted is returned when the handle table is full.
var ErrHandleExhausted = errors.New("vm: handle table exhausted")

// newPID scans for a free process slot.
func (m *Machine) newPID() (int, error) {
	for i := 0; i < TaskMax; i++ {
		pid := (m.pids + i) % TaskMax
		if !m.tasks[pid].Valid() {
			m.pids = pid + 1
			return pid, nil
		}
	}
	return 0, ErrTaskExhausted
}

// heapMapper backs a process's heap pages with pool frames.
type heapMapper struct {
	m *Machine
	c *Context
}

func (hm *heapMapper) MapHeapPage(va uint32) error {
	frame, err := hm.m.pool.AllocFrame()
	if err != nil {
		return err
	}
	if err := hm.c.PageTable.Map(va, frame, memory.PTEWritable|memory.PTEUser); err != nil {
		hm.m.pool.FreeFrame(frame)
		return err
	}
	hm.c.Frames = append(hm.c.Frames, frame)
	return nil
}

// mapRegion allocates frames for a byte region, copies the content, and
// maps it at base.
func (m *Machine) mapRegion(c *Context, base uint32, data []byte, flags memory.PTEFlags) error {
	for off := 0; off == 0 || off < len(data); off += memory.PageSize {
		frame, err := m.pool.AllocFrame()
		if err != nil {
			return err
		}
		if err := c.PageTable.Map(base+uint32(off), frame, flags); err != nil {
			m.pool.FreeFrame(frame)
			return err
		}
		c.Frames = append(c.Frames, frame)
		if off < len(data) {
			end := off + memory.PageSize
			if end > len(data) {
				end = len(data)
			}
			if err := m.pool.Write(frame, 0, data[off:end]); err != nil {
				return err
			}
		}
	}
	return nil
}

func textVA(entry int) uint32 {
	return memory.TextBase + uint32(entry)*4
}

// Load installs an image into a fresh process: frames for text, data,
// and stack, the argv block pushed on the stack, pc at the entry, and
// the child registered under its parent. Parent -1 marks the first
// process.
func (m *Machine) Load(path string, img *bytecode.Image, args []string, parent int) (int, error) {
	pid, err := m.newPID()
	if err != nil {
		return -1, err
	}
	c := &m.tasks[pid]
	*c = Context{
		ID:             pid,
		Parent:         parent,
		Children:       make(map[int]bool),
		State:          StateRunning,
		Flags:          FlagValid | FlagUser | FlagForeground,
		Path:           path,
		Entry:          img.Entry,
		Image:          img,
		Handles:        make(map[int]bool),
		InputRedirect:  -1,
		OutputRedirect: -1,
	}
	c.PageTable = memory.NewPageTable(m.pool)
	c.Heap = memory.NewHeap(&heapMapper{m: m, c: c})

	fail := func(err error) (int, error) {
		m.teardown(c)
		c.Flags = 0
		c.State = StateDead
		return -1, err
	}

	if err := m.mapRegion(c, memory.TextBase, img.TextBytes(), memory.PTEUser); err != nil {
		return fail(fmt.Errorf("vm: loading text of %s: %w", path, err))
	}
	if err := m.mapRegion(c, memory.DataBase, img.Data, memory.PTEWritable|memory.PTEUser); err != nil {
		return fail(fmt.Errorf("vm: loading data of %s: %w", path, err))
	}
	// The stack occupies [StackBase, StackBase+StackPages*PageSize);
	// sp starts at the top and grows toward StackBase.
	for i := 0; i < StackPages; i++ {
		frame, err := m.pool.AllocFrame()
		if err != nil {
			return fail(fmt.Errorf("vm: loading stack of %s: %w", path, err))
		}
		va := memory.StackBase + uint32(i)*memory.PageSize
		if err := c.PageTable.Map(va, frame, memory.PTEWritable|memory.PTEUser); err != nil {
			m.pool.FreeFrame(frame)
			return fail(err)
		}
		c.Frames = append(c.Frames, frame)
	}

	// The argv block: string bytes first, then the pointer table, then
	// the two cells the entry prelude pops.
	sp := memory.StackBase + uint32(StackPages)*memory.PageSize
	addrs := make([]uint32, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		sp -= uint32(len(args[i]) + 1)
		if err := c.PageTable.SetStr(sp, args[i]); err != nil {
			return fail(err)
		}
		addrs[i] = sp
	}
	sp &^= 7
	sp -= uint32(4 * len(args))
	sp &^= 7
	argvAddr := sp
	for i, a := range addrs {
		if err := c.PageTable.WriteWord(argvAddr+uint32(4*i), a); err != nil {
			return fail(err)
		}
	}
	c.SP = sp
	if err := c.PageTable.Push(&c.SP, uint64(len(args))); err != nil {
		return fail(err)
	}
	if err := c.PageTable.Push(&c.SP, uint64(argvAddr)); err != nil {
		return fail(err)
	}
	c.BP = c.SP
	c.PC = textVA(img.Entry)

	if p := m.Task(parent); p != nil {
		p.Children[pid] = true
	}
	m.log.Infof("loaded %s as pid %d (%d text words, %d data bytes)",
		path, pid, len(img.Text), len(img.Data))
	return pid, nil
}

// Fork duplicates the caller: every mapped frame is copied by value
// into a fresh frame (no sharing), the register set is copied, and the
// child's ax is zeroed so the guest sees pid/0 returns.
func (m *Machine) Fork(parent *Context) (int, error) {
	pid, err := m.newPID()
	if err != nil {
		return -1, err
	}
	child := &m.tasks[pid]
	*child = Context{
		ID:             pid,
		Parent:         parent.ID,
		Children:       make(map[int]bool),
		State:          StateRunning,
		Flags:          parent.Flags,
		Path:           parent.Path,
		Entry:          parent.Entry,
		Image:          parent.Image,
		PC:             parent.PC,
		AX:             0,
		BX:             parent.BX,
		BP:             parent.BP,
		SP:             parent.SP,
		Handles:        make(map[int]bool),
		InputRedirect:  parent.InputRedirect,
		OutputRedirect: parent.OutputRedirect,
	}
	child.InputQueue = append(child.InputQueue, parent.InputQueue...)
	child.PageTable = memory.NewPageTable(m.pool)
	child.Heap = memory.NewHeap(&heapMapper{m: m, c: child})
	parent.Heap.CloneInto(child.Heap)

	for _, va := range parent.PageTable.MappedPages() {
		flags, err := parent.PageTable.EntryFlags(va)
		if err != nil {
			continue
		}
		srcFrame, _, err := parent.PageTable.Translate(va)
		if err != nil {
			continue
		}
		frame, err := m.pool.AllocFrame()
		if err != nil {
			m.teardown(child)
			child.Flags = 0
			child.State = StateDead
			return -1, err
		}
		copy(m.pool.Bytes(frame), m.pool.Bytes(srcFrame))
		if err := child.PageTable.Map(va, frame, flags&^memory.PTEAccessed); err != nil {
			m.pool.FreeFrame(frame)
			m.teardown(child)
			child.Flags = 0
			child.State = StateDead
			return -1, err
		}
		child.Frames = append(child.Frames, frame)
	}

	parent.Children[pid] = true
	m.log.Debugf("forked pid %d from pid %d", pid, parent.ID)
	return pid, nil
}

// teardown returns every owned frame (including page-table frames) to
// the pool and closes handles.
func (m *Machine) teardown(c *Context) {
	for hid := range c.Handles {
		m.destroyHandle(hid)
	}
	c.Handles = nil
	for _, f := range c.Frames {
		m.pool.FreeFrame(f)
	}
	c.Frames = nil
	if c.PageTable != nil {
		for _, f := range c.PageTable.TableFrames() {
			m.pool.FreeFrame(f)
		}
		c.PageTable = nil
	}
	c.Heap = nil
	c.InputQueue = nil
	if m.input.lock == c.ID {
		m.input.lock = -1
		m.input.ready = false
		m.display.CancelInput()
	}
}

// Destroy ends a process: frames return to the pool, handles close, and
// the context becomes a zombie retaining only its parent link and exit
// code until the parent reaps it. Orphans free their slot immediately.
func (m *Machine) Destroy(pid int, code int) {
	c := m.Task(pid)
	if c == nil || c.State == StateZombie {
		return
	}
	m.teardown(c)
	c.ExitCode = code
	m.lastExit = code

	// Orphaned children belong to nobody now; free any that already
	// finished and mark the rest parentless.
	for childPid := range c.Children {
		child := m.Task(childPid)
		if child == nil {
			continue
		}
		child.Parent = -1
		if child.State == StateZombie {
			m.freeSlot(child)
		}
	}
	c.Children = nil

	if p := m.Task(c.Parent); p != nil && c.Parent != pid {
		c.State = StateZombie
		m.log.Infof("pid %d exited with code %d (zombie until reaped)", pid, code)
		return
	}
	m.log.Infof("pid %d exited with code %d", pid, code)
	m.freeSlot(c)
}

// freeSlot releases a process-table slot.
func (m *Machine) freeSlot(c *Context) {
	c.State = StateDead
	c.Flags = 0
}

// reapChild frees one zombie child of c and returns its pid and exit
// code; found is false when no child is reapable.
func (m *Machine) reapChild(c *Context) (pid, code int, found bool) {
	for childPid := range c.Children {
		child := m.Task(childPid)
		if child == nil {
			delete(c.Children, childPid)
			continue
		}
		if child.State == StateZombie {
			code = child.ExitCode
			delete(c.Children, childPid)
			m.freeSlot(child)
			return childPid, code, true
		}
	}
	return 0, 0, false
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// newHandle claims a handle slot for a process.
func (m *Machine) newHandle(owner int) (int, error) {
	for i := 0; i < HandleMax; i++ {
		hid := (m.hids + i) % HandleMax
		if !m.handles[hid].Used {
			m.hids = hid + 1
			m.handles[hid] = Handle{Used: true, Owner: owner}
			return hid, nil
		}
	}
	return -1, ErrHandleExhausted
}

// destroyHandle closes and frees a handle slot.
func (m *Machine) destroyHandle(hid int) {
	if hid < 0 || hid >= HandleMax || !m.handles[hid].Used {
		return
	}
	if m.handles[hid].Reader != nil {
		m.handles[hid].Reader.Close()
	}
	m.handles[hid] = Handle{}
}

// output routes one byte: a redirected writer appends to the target's
// input queue in emission order; otherwise the byte reaches the display.
func (m *Machine) output(c *Context, b byte) {
	if c.OutputRedirect >= 0 {
		if t := m.Task(c.OutputRedirect); t != nil && t.State != StateZombie {
			t.InputQueue = append(t.InputQueue, b)
		}
		return
	}
	m.display.PutByte(b)
}
