package vm

import (
	"math"

	"github.com/Codeyellow27/ccos/pkg/bytecode"
	"github.com/Codeyellow27/ccos/pkg/memory"
)

// Tick runs one cooperative round-robin slice: every running process
// executes up to cycle instructions, yielding early on suspension,
// exit, or fault. It returns the number of instructions retired and
// whether any process remains.
func (m *Machine) Tick(cycle int) (int, bool) {
	retired := 0
	for pid := 0; pid < TaskMax; pid++ {
		c := &m.tasks[pid]
		if !c.Valid() {
			continue
		}
		if c.State == StateWaiting {
			m.tryWake(c)
		}
		if c.State != StateRunning {
			continue
		}
		retired += m.runSlice(c, cycle)
	}
	return retired, m.TaskCount() > 0
}

// runSlice executes up to cycle instructions for one process.
func (m *Machine) runSlice(c *Context, cycle int) int {
	n := 0
	for n < cycle && c.State == StateRunning {
		if err := m.step(c); err != nil {
			m.fault(c, err)
			break
		}
		n++
	}
	// The interrupt flag is also consulted at the end of each slice so
	// a cancelled process never sleeps through its next turn.
	if m.interrupt.Load() && c.State == StateWaiting {
		m.tryWake(c)
	}
	return n
}

// tryWake re-evaluates a waiting process's resume predicate. Resumed
// processes re-execute their suspended syscall.
func (m *Machine) tryWake(c *Context) {
	interrupted := m.interrupt.Load()
	switch c.Wait {
	case WaitSleep:
		if interrupted || !m.clock().Before(c.WakeAt) {
			c.State = StateRunning
		}
	case WaitInputLine:
		if interrupted || m.input.ready {
			c.State = StateRunning
		}
	case WaitInputLock:
		if interrupted || m.input.lock < 0 {
			c.State = StateRunning
		}
	case WaitPipe:
		if interrupted || len(c.InputQueue) > 0 || !m.Alive(c.InputRedirect) {
			c.State = StateRunning
		}
	case WaitChild:
		if interrupted {
			c.State = StateRunning
			return
		}
		for childPid := range c.Children {
			child := m.Task(childPid)
			if child == nil || child.State == StateZombie {
				c.State = StateRunning
				return
			}
		}
	}
	if c.State == StateRunning {
		c.Wait = WaitNone
	}
}

// suspend parks the process on a resume predicate, rewinding pc so the
// interrupted syscall re-executes on wake.
func (m *Machine) suspend(c *Context, kind WaitKind) {
	c.PC -= 8 // INTR plus its immediate
	c.State = StateWaiting
	c.Wait = kind
}

// fault terminates the offending process with a diagnostic; siblings
// continue.
func (m *Machine) fault(c *Context, err error) {
	m.log.Errorf("runtime fault: %v", err)
	m.Destroy(c.ID, -1)
}

// fetch reads the next instruction word through the page table.
func (m *Machine) fetch(c *Context) (uint32, error) {
	w, err := c.PageTable.ReadWord(c.PC)
	if err != nil {
		return 0, classifyMemErr(c, c.PC)
	}
	c.PC += 4
	return w, nil
}

// push spills ax-sized cells; pop reloads them.
func (m *Machine) push(c *Context, v uint64) error {
	if err := c.PageTable.Push(&c.SP, v); err != nil {
		c.SP += memory.StackCell
		return classifyMemErr(c, c.SP-memory.StackCell)
	}
	return nil
}

func (m *Machine) pop(c *Context) (uint64, error) {
	v, err := c.PageTable.Pop(&c.SP)
	if err != nil {
		return 0, classifyMemErr(c, c.SP)
	}
	return v, nil
}

// step is the fetch-decode-execute core.
func (m *Machine) step(c *Context) error {
	w, err := m.fetch(c)
	if err != nil {
		return err
	}
	op := bytecode.Opcode(w)

	// Operand words.
	var imm, imm2 int64
	switch op.Operands() {
	case 1:
		v, err := m.fetch(c)
		if err != nil {
			return err
		}
		imm = int64(int32(v))
	case 2:
		lo, err := m.fetch(c)
		if err != nil {
			return err
		}
		hi, err := m.fetch(c)
		if err != nil {
			return err
		}
		imm = int64(lo)
		imm2 = int64(hi)
	}

	switch op {
	case bytecode.OpNop:

	case bytecode.OpImm:
		c.AX = imm
	case bytecode.OpImx:
		c.AX = int64(uint64(uint32(imm)) | uint64(uint32(imm2))<<32)
	case bytecode.OpLea:
		c.AX = int64(int32(c.BP)) + imm

	case bytecode.OpPush:
		return m.push(c, uint64(c.AX))

	case bytecode.OpJmp:
		c.PC = textVA(int(imm))
	case bytecode.OpJz:
		if c.AX == 0 {
			c.PC = textVA(int(imm))
		}
	case bytecode.OpJnz:
		if c.AX != 0 {
			c.PC = textVA(int(imm))
		}
	case bytecode.OpCase:
		v, err := c.PageTable.ReadQuad(c.SP)
		if err != nil {
			return classifyMemErr(c, c.SP)
		}
		if int64(v) == c.AX {
			c.PC = textVA(int(imm))
		}

	case bytecode.OpCall:
		if err := m.push(c, uint64(c.PC)); err != nil {
			return err
		}
		c.PC = textVA(int(imm))
	case bytecode.OpEnt:
		if err := m.push(c, uint64(c.BP)); err != nil {
			return err
		}
		c.BP = c.SP
		c.SP -= uint32(imm)
	case bytecode.OpAdj:
		c.SP += uint32(imm)
	case bytecode.OpLev:
		c.SP = c.BP
		bp, err := m.pop(c)
		if err != nil {
			return err
		}
		ret, err := m.pop(c)
		if err != nil {
			return err
		}
		c.BP = uint32(bp)
		c.PC = uint32(ret)

	case bytecode.OpIntr:
		return m.syscall(c, imm)
	case bytecode.OpExit:
		m.Destroy(c.ID, int(int32(c.AX)))

	// Loads: address in ax.
	case bytecode.OpLc:
		b, err := c.PageTable.ReadByte(uint32(c.AX))
		if err != nil {
			return classifyMemErr(c, uint32(c.AX))
		}
		c.AX = int64(b)
	case bytecode.OpLi:
		v, err := c.PageTable.ReadWord(uint32(c.AX))
		if err != nil {
			return classifyMemErr(c, uint32(c.AX))
		}
		c.AX = int64(int32(v))
	case bytecode.OpLl:
		v, err := c.PageTable.ReadQuad(uint32(c.AX))
		if err != nil {
			return classifyMemErr(c, uint32(c.AX))
		}
		c.AX = int64(v)
	case bytecode.OpLf:
		v, err := c.PageTable.ReadWord(uint32(c.AX))
		if err != nil {
			return classifyMemErr(c, uint32(c.AX))
		}
		c.AX = int64(math.Float64bits(float64(math.Float32frombits(v))))
	case bytecode.OpLd:
		v, err := c.PageTable.ReadQuad(uint32(c.AX))
		if err != nil {
			return classifyMemErr(c, uint32(c.AX))
		}
		c.AX = int64(v)

	// Stores: address popped, value in ax.
	case bytecode.OpSc, bytecode.OpSi, bytecode.OpSl, bytecode.OpSf, bytecode.OpSd:
		addr64, err := m.pop(c)
		if err != nil {
			return err
		}
		addr := uint32(addr64)
		switch op {
		case bytecode.OpSc:
			err = c.PageTable.WriteByte(addr, byte(c.AX))
		case bytecode.OpSi:
			err = c.PageTable.WriteWord(addr, uint32(c.AX))
		case bytecode.OpSl, bytecode.OpSd:
			err = c.PageTable.WriteQuad(addr, uint64(c.AX))
		case bytecode.OpSf:
			f := math.Float64frombits(uint64(c.AX))
			err = c.PageTable.WriteWord(addr, math.Float32bits(float32(f)))
		}
		if err != nil {
			return classifyMemErr(c, addr)
		}

	// Integer ALU: pop() OP ax.
	case bytecode.OpOr, bytecode.OpXor, bytecode.OpAnd, bytecode.OpShl,
		bytecode.OpShr, bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
		bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe,
		bytecode.OpGt, bytecode.OpGe:
		bv, err := m.pop(c)
		if err != nil {
			return err
		}
		b := int64(bv)
		switch op {
		case bytecode.OpOr:
			c.AX = b | c.AX
		case bytecode.OpXor:
			c.AX = b ^ c.AX
		case bytecode.OpAnd:
			c.AX = b & c.AX
		case bytecode.OpShl:
			c.AX = b << uint(c.AX&63)
		case bytecode.OpShr:
			c.AX = b >> uint(c.AX&63)
		case bytecode.OpAdd:
			c.AX = b + c.AX
		case bytecode.OpSub:
			c.AX = b - c.AX
		case bytecode.OpMul:
			c.AX = b * c.AX
		case bytecode.OpDiv:
			if c.AX == 0 {
				return &RuntimeError{Fault: FaultDivideByZero, PC: c.PC, Pid: c.ID}
			}
			c.AX = b / c.AX
		case bytecode.OpMod:
			if c.AX == 0 {
				return &RuntimeError{Fault: FaultDivideByZero, PC: c.PC, Pid: c.ID}
			}
			c.AX = b % c.AX
		case bytecode.OpEq:
			c.AX = btoi(b == c.AX)
		case bytecode.OpNe:
			c.AX = btoi(b != c.AX)
		case bytecode.OpLt:
			c.AX = btoi(b < c.AX)
		case bytecode.OpLe:
			c.AX = btoi(b <= c.AX)
		case bytecode.OpGt:
			c.AX = btoi(b > c.AX)
		case bytecode.OpGe:
			c.AX = btoi(b >= c.AX)
		}

	case bytecode.OpNeg:
		c.AX = -c.AX
	case bytecode.OpNot:
		c.AX = ^c.AX
	case bytecode.OpLnt:
		c.AX = btoi(c.AX == 0)

	// Floating ALU: operands are float64 bits.
	case bytecode.OpFadd, bytecode.OpFsub, bytecode.OpFmul, bytecode.OpFdiv,
		bytecode.OpFeq, bytecode.OpFne, bytecode.OpFlt, bytecode.OpFle,
		bytecode.OpFgt, bytecode.OpFge:
		bv, err := m.pop(c)
		if err != nil {
			return err
		}
		fb := math.Float64frombits(bv)
		fa := math.Float64frombits(uint64(c.AX))
		switch op {
		case bytecode.OpFadd:
			c.AX = int64(math.Float64bits(fb + fa))
		case bytecode.OpFsub:
			c.AX = int64(math.Float64bits(fb - fa))
		case bytecode.OpFmul:
			c.AX = int64(math.Float64bits(fb * fa))
		case bytecode.OpFdiv:
			c.AX = int64(math.Float64bits(fb / fa))
		case bytecode.OpFeq:
			c.AX = btoi(fb == fa)
		case bytecode.OpFne:
			c.AX = btoi(fb != fa)
		case bytecode.OpFlt:
			c.AX = btoi(fb < fa)
		case bytecode.OpFle:
			c.AX = btoi(fb <= fa)
		case bytecode.OpFgt:
			c.AX = btoi(fb > fa)
		case bytecode.OpFge:
			c.AX = btoi(fb >= fa)
		}

	case bytecode.OpFneg:
		c.AX = int64(math.Float64bits(-math.Float64frombits(uint64(c.AX))))

	case bytecode.OpItof:
		c.AX = int64(math.Float64bits(float64(c.AX)))
	case bytecode.OpFtoi:
		c.AX = int64(math.Float64frombits(uint64(c.AX)))

	default:
		return &RuntimeError{Fault: FaultInvalidInstruction, PC: c.PC - 4, Pid: c.ID}
	}
	return nil
}

func btoi(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
