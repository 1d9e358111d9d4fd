package vm

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Syscall numbers. The guest convention puts the argument value in ax
// (multi-field arguments are packed); results return in ax, negative
// for errors.
const (
	SysPutChar   = 0
	SysPutInt    = 1
	SysPutHex    = 2
	SysPutFloat  = 4
	SysPutDouble = 6
	SysPutLong   = 7
	SysEchoChar  = 8

	SysInputLock   = 10
	SysInputChar   = 11
	SysInputUnlock = 12
	SysInputState  = 13

	SysResize = 20

	SysMalloc = 30
	SysFree   = 31

	SysExec   = 50
	SysWait   = 51
	SysFork   = 55
	SysGetPid = 56
	SysExit   = 60

	SysSetCycle = 65

	SysOpen  = 70
	SysRead  = 71
	SysClose = 72
	SysWrite = 73

	SysRedirectOutput = 80
	SysRedirectInput  = 81

	SysSleepRecord = 100
	SysSleepWait   = 101
)

// syscall dispatches one interrupt. The global interrupt flag is
// consulted at entry, uniformly: a flagged process returns -1 from any
// blocking call instead of suspending.
func (m *Machine) syscall(c *Context, num int64) error {
	interrupted := m.interrupt.Load()

	switch num {
	case SysPutChar:
		m.output(c, byte(c.AX))

	case SysPutInt:
		m.outputString(c, strconv.FormatInt(int64(int32(c.AX)), 10))

	case SysPutHex:
		m.outputString(c, strconv.FormatUint(uint64(uint32(c.AX)), 16))

	case SysPutFloat, SysPutDouble:
		f := math.Float64frombits(uint64(c.AX))
		m.outputString(c, strconv.FormatFloat(f, 'g', -1, 64))

	case SysPutLong:
		m.outputString(c, strconv.FormatInt(c.AX, 10))

	case SysEchoChar:
		if b := byte(c.AX); b != 0 {
			m.output(c, b)
		}

	case SysInputLock:
		if interrupted {
			c.AX = -1
			return nil
		}
		switch {
		case m.input.lock == c.ID:
			c.AX = 0
		case m.input.lock < 0:
			m.input.lock = c.ID
			m.input.content = m.input.content[:0]
			m.input.readPtr = 0
			m.input.ready = false
			m.display.StartInput()
			c.AX = 0
		default:
			m.suspend(c, WaitInputLock)
		}

	case SysInputChar:
		return m.sysInputChar(c, interrupted)

	case SysInputUnlock:
		if m.input.lock == c.ID {
			m.input.lock = -1
			m.input.ready = false
			m.display.CancelInput()
		}
		c.AX = 0

	case SysInputState:
		c.AX = btoi(m.input.lock >= 0)

	case SysResize:
		rows := int(uint32(c.AX) >> 16)
		cols := int(uint32(c.AX) & 0xFFFF)
		m.display.Resize(rows, cols)
		c.AX = 0

	case SysMalloc:
		va, err := c.Heap.Alloc(uint32(c.AX))
		if err != nil {
			c.AX = 0
			return nil
		}
		c.AX = int64(int32(va))

	case SysFree:
		if err := c.Heap.Free(uint32(c.AX)); err != nil {
			c.AX = -1
			return nil
		}
		c.AX = 0

	case SysExec:
		return m.sysExec(c)

	case SysWait:
		if interrupted {
			c.AX = -1
			return nil
		}
		if pid, code, ok := m.reapChild(c); ok {
			_ = pid
			c.AX = int64(code)
			return nil
		}
		if len(c.Children) == 0 {
			c.AX = -1
			return nil
		}
		m.suspend(c, WaitChild)

	case SysFork:
		child, err := m.Fork(c)
		if err != nil {
			c.AX = -1
			return nil
		}
		c.AX = int64(child)

	case SysGetPid:
		c.AX = int64(c.ID)

	case SysExit:
		m.Destroy(c.ID, int(int32(c.AX)))

	case SysSetCycle:
		if m.SetCycle != nil {
			m.SetCycle(int(c.AX))
		}
		c.AX = 0

	case SysOpen:
		path, err := c.PageTable.GetStr(uint32(c.AX))
		if err != nil {
			return classifyMemErr(c, uint32(c.AX))
		}
		r, err := m.fs.Open(path)
		if err != nil {
			c.AX = -1
			return nil
		}
		hid, err := m.newHandle(c.ID)
		if err != nil {
			r.Close()
			c.AX = -1
			return nil
		}
		m.handles[hid].Kind = HandleFile
		m.handles[hid].Path = path
		m.handles[hid].Reader = r
		c.Handles[hid] = true
		c.AX = int64(hid)

	case SysRead:
		h := m.handleOf(c, int(c.AX))
		if h == nil {
			return &RuntimeError{Fault: FaultBadHandle, PC: c.PC, Pid: c.ID}
		}
		c.AX = int64(h.Reader.Index())
		h.Reader.Advance()

	case SysClose:
		hid := int(c.AX)
		if m.handleOf(c, hid) == nil {
			c.AX = -1
			return nil
		}
		m.destroyHandle(hid)
		delete(c.Handles, hid)
		c.AX = 0

	case SysWrite:
		// ax packs handle<<8 | byte.
		hid := int(c.AX >> 8)
		h := m.handleOf(c, hid)
		if h == nil {
			return &RuntimeError{Fault: FaultBadHandle, PC: c.PC, Pid: c.ID}
		}
		if err := m.fs.Append(h.Path, []byte{byte(c.AX)}); err != nil {
			c.AX = -1
			return nil
		}
		c.AX = 0

	case SysRedirectOutput:
		target := int(int32(c.AX))
		if target >= 0 && m.Task(target) == nil {
			c.AX = -1
			return nil
		}
		c.OutputRedirect = target
		c.AX = 0

	case SysRedirectInput:
		source := int(int32(c.AX))
		if source >= 0 && m.Task(source) == nil {
			c.AX = -1
			return nil
		}
		c.InputRedirect = source
		c.AX = 0

	case SysSleepRecord:
		c.WakeAt = m.clock().Add(time.Duration(int64(int32(c.AX))) * time.Millisecond)

	case SysSleepWait:
		if interrupted {
			c.AX = -1
			return nil
		}
		if !m.clock().Before(c.WakeAt) {
			c.AX = 0
			return nil
		}
		m.suspend(c, WaitSleep)

	default:
		m.log.Warningf("pid %d raised unknown interrupt %d", c.ID, num)
		c.AX = -1
	}
	return nil
}

func (m *Machine) outputString(c *Context, s string) {
	for i := 0; i < len(s); i++ {
		m.output(c, s[i])
	}
}

// handleOf resolves a handle id owned by the calling process.
func (m *Machine) handleOf(c *Context, hid int) *Handle {
	if hid < 0 || hid >= HandleMax || !m.handles[hid].Used {
		return nil
	}
	if !c.Handles[hid] {
		return nil
	}
	return &m.handles[hid]
}

// sysInputChar reads one byte: first from the process's redirected
// input queue, then from the console-committed line. It suspends until
// bytes arrive, the producer dies, or the line commits.
func (m *Machine) sysInputChar(c *Context, interrupted bool) error {
	if interrupted {
		c.AX = -1
		return nil
	}

	// Redirected input: the pipeline primitive.
	if len(c.InputQueue) > 0 {
		c.AX = int64(c.InputQueue[0])
		c.InputQueue = c.InputQueue[1:]
		return nil
	}
	if c.InputRedirect >= 0 {
		if !m.Alive(c.InputRedirect) {
			c.AX = -1
			return nil
		}
		m.suspend(c, WaitPipe)
		return nil
	}

	// Console input requires the lock.
	if m.input.lock != c.ID {
		c.AX = -1
		return nil
	}
	if !m.input.ready {
		m.suspend(c, WaitInputLine)
		return nil
	}
	if m.input.readPtr < len(m.input.content) {
		c.AX = int64(m.input.content[m.input.readPtr])
		m.input.readPtr++
		return nil
	}
	c.AX = -1
	return nil
}

// sysExec forks the pipeline in spirit: compile the named path and load
// it as a child of the caller.
func (m *Machine) sysExec(c *Context) error {
	path, err := c.PageTable.GetStr(uint32(c.AX))
	if err != nil {
		return classifyMemErr(c, uint32(c.AX))
	}
	if m.Exec == nil {
		c.AX = -1
		return nil
	}
	img, err := m.Exec(path)
	if err != nil {
		m.log.Errorf("exec %s: %v", path, err)
		c.AX = -1
		return nil
	}
	pid, err := m.Load(path, img, []string{path}, c.ID)
	if err != nil {
		c.AX = -1
		return nil
	}
	c.AX = int64(pid)
	return nil
}

// String renders a compact process-table row, used by /proc/stat.
func (c *Context) String() string {
	return fmt.Sprintf("%3d %3d %-8s %s", c.ID, c.Parent, c.State, c.Path)
}
