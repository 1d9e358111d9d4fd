// Package vm implements the virtual machine: a register/stack
// interpreter over paged virtual memory, a fixed process table with
// fork/exec semantics, per-process heaps, open-handle descriptors, and
// the blocking interrupt-driven syscall interface.
package vm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/Codeyellow27/ccos/pkg/bytecode"
	"github.com/Codeyellow27/ccos/pkg/memory"
	"github.com/Codeyellow27/ccos/pkg/vfs"

	_ "github.com/tliron/commonlog/simple"
)

const (
	// TaskMax is the size of the process table.
	TaskMax = 256

	// HandleMax is the size of the handle table.
	HandleMax = 1024

	// StackPages is the mapped guest stack size per process.
	StackPages = 16
)

// State is a process's scheduling state.
type State int

const (
	StateDead State = iota
	StateRunning
	StateWaiting
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateDead:
		return "dead"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateZombie:
		return "zombie"
	}
	return "unknown"
}

// Context flags.
const (
	FlagValid = 1 << iota
	FlagKernel
	FlagUser
	FlagForeground
)

// WaitKind names the resume predicate of a suspended process.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitSleep
	WaitInputLine // waiting for a committed input line
	WaitInputLock // waiting for the input lock to free
	WaitPipe      // waiting for redirected input bytes
	WaitChild     // waiting for a child to exit
)

// Context is one process: registers, memory, redirection, handles.
type Context struct {
	ID       int
	Parent   int
	Children map[int]bool
	State    State
	Flags    uint32
	Path     string
	Entry    int

	PC uint32
	AX int64
	BX int64
	BP uint32
	SP uint32

	Image *bytecode.Image

	PageTable *memory.PageTable
	Frames    []memory.FrameID
	Heap      *memory.Heap

	InputRedirect  int
	OutputRedirect int
	InputQueue     []byte
	Handles        map[int]bool

	Wait     WaitKind
	WakeAt   time.Time
	ExitCode int
}

// Valid reports whether this slot holds a live or zombie process.
func (c *Context) Valid() bool { return c.Flags&FlagValid != 0 }

// HandleKind discriminates handle bindings.
type HandleKind int

const (
	HandleNone HandleKind = iota
	HandleFile
)

// Handle binds a small-integer descriptor to a file node or stream
// decoder with a read cursor.
type Handle struct {
	Used   bool
	Kind   HandleKind
	Path   string
	Reader vfs.Reader
	Owner  int
}

// Display is the character output surface served by the console bridge.
type Display interface {
	PutByte(b byte)
	Resize(rows, cols int)
	StartInput()
	CancelInput()
}

// ExecFunc compiles a path into a runnable image (the kernel's compile
// pipeline backs this for the exec syscall).
type ExecFunc func(path string) (*bytecode.Image, error)

// inputState is the machine-global line input channel shared with the
// console bridge.
type inputState struct {
	lock    int // owning pid, -1 when free
	content []byte
	readPtr int
	ready   bool
}

// Machine is the interpreter, scheduler, process table, and syscall
// surface, sharing one frame pool and one VFS.
type Machine struct {
	pool    *memory.Pool
	fs      *vfs.FS
	display Display

	Exec     ExecFunc
	SetCycle func(int)

	tasks   [TaskMax]Context
	handles [HandleMax]Handle
	pids    int
	hids    int

	interrupt atomic.Bool
	input     inputState
	lastExit  int

	clock func() time.Time
	log   commonlog.Logger
}

// LastExit returns the exit code of the most recently destroyed
// process; the host reports it for the first process at shutdown.
func (m *Machine) LastExit() int { return m.lastExit }

// New creates a machine over a frame pool, file system, and display.
func New(pool *memory.Pool, fs *vfs.FS, display Display) *Machine {
	m := &Machine{
		pool:    pool,
		fs:      fs,
		display: display,
		clock:   time.Now,
		log:     commonlog.GetLogger("ccos.vm"),
	}
	m.input.lock = -1
	return m
}

// SetClock injects a time source for tests.
func (m *Machine) SetClock(clock func() time.Time) { m.clock = clock }

// Interrupt sets or clears the global interrupt flag. Processes observe
// it at syscall entry and at the end of each tick slice.
func (m *Machine) Interrupt(flag bool) { m.interrupt.Store(flag) }

// Interrupted reports the flag.
func (m *Machine) Interrupted() bool { return m.interrupt.Load() }

// Task returns the context for a pid, or nil.
func (m *Machine) Task(pid int) *Context {
	if pid < 0 || pid >= TaskMax {
		return nil
	}
	c := &m.tasks[pid]
	if !c.Valid() {
		return nil
	}
	return c
}

// Alive reports whether pid is a live (non-zombie) process.
func (m *Machine) Alive(pid int) bool {
	c := m.Task(pid)
	return c != nil && c.State != StateZombie && c.State != StateDead
}

// TaskCount returns the number of occupied slots.
func (m *Machine) TaskCount() int {
	n := 0
	for i := range m.tasks {
		if m.tasks[i].Valid() {
			n++
		}
	}
	return n
}

// Tasks lists the pids of occupied slots in order.
func (m *Machine) Tasks() []int {
	var out []int
	for i := range m.tasks {
		if m.tasks[i].Valid() {
			out = append(out, i)
		}
	}
	return out
}

// ProvideInput hands a committed line to the process holding the input
// lock.
func (m *Machine) ProvideInput(line string) {
	if m.input.lock < 0 {
		return
	}
	m.input.content = append(m.input.content[:0], line...)
	m.input.readPtr = 0
	m.input.ready = true
}

// InputLocked reports whether a process holds the input lock.
func (m *Machine) InputLocked() bool { return m.input.lock >= 0 }

// ---------------------------------------------------------------------------
// Runtime faults
// ---------------------------------------------------------------------------

// Fault classifies runtime errors that terminate the offending process.
type Fault int

const (
	FaultUnmapped Fault = iota
	FaultInvalidInstruction
	FaultStackOverflow
	FaultDivideByZero
	FaultBadHandle
	FaultPermission
	FaultOutOfMemory
)

var faultNames = []string{
	"unmapped virtual address",
	"invalid instruction",
	"stack overflow",
	"divide by zero",
	"bad handle",
	"permission denied",
	"out of memory",
}

func (f Fault) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return "unknown fault"
}

// RuntimeError carries the fault kind and the faulting location.
type RuntimeError struct {
	Fault Fault
	PC    uint32
	VA    uint32
	Pid   int
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("pid %d: %s at pc 0x%08X (va 0x%08X)", e.Pid, e.Fault, e.PC, e.VA)
}

// classifyMemErr folds a memory translation error into a fault. Misses
// in the stack segment, or just below its floor (where a descending sp
// lands first), report as stack overflow.
func classifyMemErr(c *Context, va uint32) *RuntimeError {
	f := FaultUnmapped
	if va>>28 == memory.StackBase>>28 ||
		(va < memory.StackBase && va >= memory.StackBase-memory.PageSize) {
		f = FaultStackOverflow
	}
	return &RuntimeError{Fault: f, PC: c.PC, VA: va, Pid: c.ID}
}
