package codegen

import (
	"fmt"
	"math"

	"github.com/Codeyellow27/ccos/compiler"
	"github.com/Codeyellow27/ccos/pkg/bytecode"
)

// Generator walks the AST, resolves symbols, and emits instructions and
// data. One Generator produces one image from one linked translation
// unit.
type Generator struct {
	text    []uint32
	data    []byte
	strings map[string]uint32 // literal -> data address (interning)

	scopes  scopeStack
	structs map[string]*StructType
	cycles  []*cycleFrame

	fn          *Func // current function, nil at top level
	localExtent int   // bytes of locals allocated so far in fn

	unit   string
	lastOp bytecode.Opcode
}

// cycleFrame collects break/continue fixups for one loop or switch.
type cycleFrame struct {
	isSwitch  bool
	breaks    []int
	continues []int
}

// NewGenerator creates an empty generator.
func NewGenerator() *Generator {
	return &Generator{
		strings: make(map[string]uint32),
		structs: make(map[string]*StructType),
	}
}

// SetUnit names the translation unit for diagnostics.
func (g *Generator) SetUnit(path string) { g.unit = path }

// ---------------------------------------------------------------------------
// Emission surface (the igen contract used by expression nodes)
// ---------------------------------------------------------------------------

// Emit appends one opcode word.
func (g *Generator) Emit(op bytecode.Opcode) {
	g.text = append(g.text, uint32(op))
	g.lastOp = op
}

// Emit1 appends an opcode with one immediate word.
func (g *Generator) Emit1(op bytecode.Opcode, imm int64) {
	g.text = append(g.text, uint32(op), uint32(imm))
	g.lastOp = op
}

// Emit2 appends an opcode with two immediate words.
func (g *Generator) Emit2(op bytecode.Opcode, imm1, imm2 int64) {
	g.text = append(g.text, uint32(op), uint32(imm1), uint32(imm2))
	g.lastOp = op
}

// Current returns the next emission index.
func (g *Generator) Current() int { return len(g.text) }

// Edit back-patches the immediate word at pc.
func (g *Generator) Edit(pc int, imm int64) {
	g.text[pc] = uint32(imm)
}

// emitBranch emits op with a placeholder target and returns the patch
// slot.
func (g *Generator) emitBranch(op bytecode.Opcode) int {
	g.Emit1(op, -1)
	return g.Current() - 1
}

// emitInt loads an integer immediate into ax, choosing the narrow form
// when it fits.
func (g *Generator) emitInt(v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		g.Emit1(bytecode.OpImm, v)
		return
	}
	g.emitImm64(v)
}

// emitImm64 loads a full 64-bit immediate across two words.
func (g *Generator) emitImm64(v int64) {
	g.Emit2(bytecode.OpImx, int64(uint32(v)), int64(uint32(uint64(v)>>32)))
}

// emitScale multiplies ax by an increment size when it is not 1.
func (g *Generator) emitScale(inc int) {
	if inc <= 1 {
		return
	}
	g.Emit(bytecode.OpPush)
	g.emitInt(int64(inc))
	g.Emit(bytecode.OpMul)
}

// emitLoad dereferences the address in ax by the type's size.
func (g *Generator) emitLoad(e Expr, t Type) error {
	op, err := g.accessOp(e, t, true)
	if err != nil {
		return err
	}
	g.Emit(op)
	return nil
}

// emitStore stores ax through the popped address by the type's size.
func (g *Generator) emitStore(e Expr, t Type) error {
	op, err := g.accessOp(e, t, false)
	if err != nil {
		return err
	}
	g.Emit(op)
	return nil
}

func (g *Generator) accessOp(e Expr, t Type, load bool) (bytecode.Opcode, error) {
	u := unwrap(t)
	if isAggregate(u) {
		return 0, g.errAt(e, "type mismatch: cannot access aggregate %s by value", t)
	}
	if u.Ptr() > 0 {
		if load {
			return bytecode.OpLi, nil
		}
		return bytecode.OpSi, nil
	}
	b := u.(*BaseType)
	loads := map[Kind]bytecode.Opcode{
		KindChar: bytecode.OpLc, KindInt: bytecode.OpLi, KindLong: bytecode.OpLl,
		KindFloat: bytecode.OpLf, KindDouble: bytecode.OpLd,
	}
	stores := map[Kind]bytecode.Opcode{
		KindChar: bytecode.OpSc, KindInt: bytecode.OpSi, KindLong: bytecode.OpSl,
		KindFloat: bytecode.OpSf, KindDouble: bytecode.OpSd,
	}
	if load {
		return loads[b.Kind], nil
	}
	return stores[b.Kind], nil
}

// emitConvert bridges integer and floating representations.
func (g *Generator) emitConvert(from, to Type) {
	ff, tf := from.IsFloat(), to.IsFloat()
	if ff && !tf {
		g.Emit(bytecode.OpFtoi)
	} else if !ff && tf {
		g.Emit(bytecode.OpItof)
	}
}

// LoadString interns a string literal in the data segment and returns
// its guest address. Identical literals share one address.
func (g *Generator) LoadString(s string) uint32 {
	if addr, ok := g.strings[s]; ok {
		return addr
	}
	addr := DataAddr(len(g.data))
	g.data = append(g.data, s...)
	g.data = append(g.data, 0)
	g.strings[s] = addr
	return addr
}

// allocGlobal reserves aligned space in the data segment.
func (g *Generator) allocGlobal(t Type) int {
	off := align(len(g.data), alignOf(t))
	for len(g.data) < off+t.Size() {
		g.data = append(g.data, 0)
	}
	return off
}

func (g *Generator) errAt(e Expr, format string, args ...interface{}) error {
	line, col := e.At()
	return g.errPos(line, col, format, args...)
}

func (g *Generator) errPos(line, col int, format string, args ...interface{}) error {
	prefix := fmt.Sprintf("%s:%d:%d: ", g.unit, line, col)
	return fmt.Errorf(prefix+format, args...)
}

// ---------------------------------------------------------------------------
// Program generation
// ---------------------------------------------------------------------------

// preludeArgBytes is what the loader pushes before entry (argc, argv).
const preludeArgBytes = 16

// Generate lowers a parsed translation unit to an image. The entry is a
// startup prelude that calls main and exits with its return value.
func (g *Generator) Generate(prog *compiler.Program) (*bytecode.Image, error) {
	g.scopes.push()
	defer g.scopes.pop()

	// Startup prelude at index 0: CALL main; ADJ; EXIT.
	mainSlot := g.emitBranch(bytecode.OpCall)
	g.Emit1(bytecode.OpAdj, preludeArgBytes)
	g.Emit(bytecode.OpExit)

	for _, d := range prog.Decls {
		if err := g.genDecl(d); err != nil {
			return nil, err
		}
	}

	mainSym := g.scopes.lookup("main")
	mainFn, ok := mainSym.(*Func)
	if !ok {
		return nil, fmt.Errorf("%s: no main function", g.unit)
	}
	g.Edit(mainSlot, int64(mainFn.Entry))

	return &bytecode.Image{Text: g.text, Data: g.data, Entry: 0}, nil
}

func (g *Generator) genDecl(d compiler.Decl) error {
	switch dd := d.(type) {
	case *compiler.StructDecl:
		return g.genStructDecl(dd)
	case *compiler.EnumDecl:
		return g.genEnumDecl(dd)
	case *compiler.TypedefDecl:
		t, err := g.resolveType(dd.Type)
		if err != nil {
			return err
		}
		if err := g.scopes.declare(&TypedefSym{Name: dd.Name, Type: NewTypedefType(dd.Name, t)}); err != nil {
			return g.errPos(dd.Line, dd.Column, "%v", err)
		}
		return nil
	case *compiler.GlobalDecl:
		return g.genGlobalDecl(dd)
	case *compiler.FuncDecl:
		return g.genFuncDecl(dd)
	}
	return fmt.Errorf("%s: unsupported declaration %T", g.unit, d)
}

func (g *Generator) genStructDecl(d *compiler.StructDecl) error {
	if _, exists := g.structs[d.Name]; exists {
		return g.errPos(d.Line, d.Column, "duplicate declaration of struct %q", d.Name)
	}
	var fields []Field
	for _, f := range d.Fields {
		t, err := g.resolveType(f.Type)
		if err != nil {
			return err
		}
		if f.Ptr > 0 {
			t = t.WithPtr(t.Ptr() + f.Ptr)
		}
		fields = append(fields, Field{Name: f.Name, Type: t})
	}
	g.structs[d.Name] = NewStructType(d.Name, fields)
	return nil
}

func (g *Generator) genEnumDecl(d *compiler.EnumDecl) error {
	next := int64(0)
	for _, item := range d.Items {
		if item.Explicit {
			next = item.Value
		}
		if err := g.scopes.declare(&EnumConst{Name: item.Name, Value: next}); err != nil {
			return g.errPos(item.Line, item.Column, "%v", err)
		}
		next++
	}
	return nil
}

func (g *Generator) genGlobalDecl(d *compiler.GlobalDecl) error {
	for _, item := range d.Items {
		t, err := g.resolveType(d.Type)
		if err != nil {
			return err
		}
		if item.Ptr > 0 {
			t = t.WithPtr(t.Ptr() + item.Ptr)
		}
		off := g.allocGlobal(t)
		id := &Ident{
			Name: item.Name, Type: t, Class: ClassGlobal,
			Addr: off, AddrEnd: off + t.Size(),
			Line: item.Line, Column: item.Column,
		}
		if err := g.scopes.declare(id); err != nil {
			return g.errPos(item.Line, item.Column, "%v", err)
		}
		if item.Init != nil {
			if err := g.writeGlobalInit(id, item.Init); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeGlobalInit resolves a constant initializer into the data bytes.
func (g *Generator) writeGlobalInit(id *Ident, init compiler.Expr) error {
	iv, fv, isFloat, ok := g.evalConst(init)
	if !ok {
		return g.errPos(id.Line, id.Column, "initializer for global %q must be constant", id.Name)
	}
	u := unwrap(id.Type)
	if u.IsFloat() {
		if !isFloat {
			fv = float64(iv)
		}
		switch u.Size() {
		case 4:
			putU32(g.data[id.Addr:], math.Float32bits(float32(fv)))
		case 8:
			putU64(g.data[id.Addr:], math.Float64bits(fv))
		}
		return nil
	}
	if isFloat {
		iv = int64(fv)
	}
	switch u.Size() {
	case 1:
		g.data[id.Addr] = byte(iv)
	case 4:
		putU32(g.data[id.Addr:], uint32(iv))
	case 8:
		putU64(g.data[id.Addr:], uint64(iv))
	default:
		return g.errPos(id.Line, id.Column, "initializer for global %q has unsupported type %s", id.Name, id.Type)
	}
	return nil
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putU64(b []byte, v uint64) {
	putU32(b, uint32(v))
	putU32(b[4:], uint32(v>>32))
}

// evalConst folds literals, negation, and enum constants.
func (g *Generator) evalConst(e compiler.Expr) (int64, float64, bool, bool) {
	switch x := e.(type) {
	case *compiler.NumberLit:
		switch x.Kind {
		case compiler.TokenFloat, compiler.TokenDouble:
			return 0, x.FloatVal, true, true
		default:
			return x.IntVal, 0, false, true
		}
	case *compiler.UnaryExpr:
		if x.Op == "-" {
			iv, fv, isFloat, ok := g.evalConst(x.X)
			return -iv, -fv, isFloat, ok
		}
	case *compiler.IdentExpr:
		if ec, ok := g.scopes.lookup(x.Name).(*EnumConst); ok {
			return ec.Value, 0, false, true
		}
	}
	return 0, 0, false, false
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func (g *Generator) genFuncDecl(d *compiler.FuncDecl) error {
	ret, err := g.resolveType(d.Ret)
	if err != nil {
		return err
	}

	fn := &Func{
		Ident: Ident{
			Name: d.Name, Type: ret, Class: ClassFunc,
			Line: d.Line, Column: d.Column,
		},
	}
	if err := g.scopes.declare(fn); err != nil {
		return g.errPos(d.Line, d.Column, "%v", err)
	}

	// A function's emitted text is contiguous; the entry point is the
	// index of its first instruction.
	fn.Entry = g.Current()
	g.fn = fn
	g.localExtent = 0
	g.scopes.push()

	n := len(d.Params)
	for i, p := range d.Params {
		pt, err := g.resolveType(p.Type)
		if err != nil {
			return err
		}
		// Float parameters promote to double: argument cells are eight
		// bytes and carry the wide representation.
		if b, ok := unwrap(pt).(*BaseType); ok && b.PtrN == 0 && b.Kind == KindFloat {
			pt = doubleType()
		}
		id := &Ident{
			Name: p.Name, Type: pt, Class: ClassParam,
			Addr: 16 + 8*(n-1-i), Line: p.Line, Column: p.Column,
		}
		id.AddrEnd = id.Addr + 8
		if err := g.scopes.declare(id); err != nil {
			return g.errPos(p.Line, p.Column, "%v", err)
		}
		fn.Params = append(fn.Params, id)
	}

	g.Emit1(bytecode.OpEnt, 0)
	fn.entSlot = g.Current() - 1

	for _, s := range d.Body.Stmts {
		if err := g.genStmt(s); err != nil {
			g.scopes.pop()
			g.fn = nil
			return err
		}
	}
	if g.lastOp != bytecode.OpLev {
		g.Emit(bytecode.OpLev)
	}

	fn.LocalBytes = align(g.localExtent, 8)
	g.Edit(fn.entSlot, int64(fn.LocalBytes))
	fn.AddrEnd = g.Current()

	g.scopes.pop()
	g.fn = nil
	return nil
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (g *Generator) genStmt(s compiler.Stmt) error {
	switch ss := s.(type) {
	case *compiler.ExprStmt:
		if ss.X == nil {
			return nil
		}
		e, err := g.convertExpr(ss.X)
		if err != nil {
			return err
		}
		return e.GenRValue(g)

	case *compiler.BlockStmt:
		g.scopes.push()
		defer g.scopes.pop()
		for _, st := range ss.Stmts {
			if err := g.genStmt(st); err != nil {
				return err
			}
		}
		return nil

	case *compiler.VarDeclStmt:
		return g.genLocalDecl(ss)

	case *compiler.IfStmt:
		return g.genIf(ss)

	case *compiler.WhileStmt:
		return g.genWhile(ss)

	case *compiler.DoWhileStmt:
		return g.genDoWhile(ss)

	case *compiler.ForStmt:
		return g.genFor(ss)

	case *compiler.SwitchStmt:
		return g.genSwitch(ss)

	case *compiler.ReturnStmt:
		if ss.X != nil {
			e, err := g.convertExpr(ss.X)
			if err != nil {
				return err
			}
			if err := e.GenRValue(g); err != nil {
				return err
			}
			rt, ft := e.ResultType(), g.fn.Type
			if isAggregate(unwrap(rt)) || isAggregate(unwrap(ft)) {
				return g.errPos(ss.Line, ss.Column, "return type mismatch: %s vs %s", rt, ft)
			}
			g.emitConvert(rt, ft)
		}
		g.Emit(bytecode.OpLev)
		return nil

	case *compiler.BreakStmt:
		if len(g.cycles) == 0 {
			return g.errPos(ss.Line, ss.Column, "break outside of loop or switch")
		}
		frame := g.cycles[len(g.cycles)-1]
		frame.breaks = append(frame.breaks, g.emitBranch(bytecode.OpJmp))
		return nil

	case *compiler.ContinueStmt:
		for i := len(g.cycles) - 1; i >= 0; i-- {
			if !g.cycles[i].isSwitch {
				// Each switch frame crossed on the way out still has
				// its subject on the stack; pop them before jumping.
				if crossed := len(g.cycles) - 1 - i; crossed > 0 {
					g.Emit1(bytecode.OpAdj, int64(8*crossed))
				}
				g.cycles[i].continues = append(g.cycles[i].continues, g.emitBranch(bytecode.OpJmp))
				return nil
			}
		}
		return g.errPos(ss.Line, ss.Column, "continue outside of loop")

	case *compiler.InterruptStmt:
		g.Emit1(bytecode.OpIntr, ss.Num)
		return nil
	}
	return fmt.Errorf("%s: unsupported statement %T", g.unit, s)
}

func (g *Generator) genLocalDecl(d *compiler.VarDeclStmt) error {
	for _, item := range d.Items {
		t, err := g.resolveType(d.Type)
		if err != nil {
			return err
		}
		if item.Ptr > 0 {
			t = t.WithPtr(t.Ptr() + item.Ptr)
		}
		g.localExtent = align(g.localExtent, alignOf(t)) + t.Size()
		id := &Ident{
			Name: item.Name, Type: t, Class: ClassLocal,
			Addr: -g.localExtent, AddrEnd: -g.localExtent + t.Size(),
			Line: item.Line, Column: item.Column,
		}
		if err := g.scopes.declare(id); err != nil {
			return g.errPos(item.Line, item.Column, "%v", err)
		}
		if item.Init != nil {
			init, err := g.convertExpr(item.Init)
			if err != nil {
				return err
			}
			assign := &AssignOpExpr{
				exprPos: exprPos{line: item.Line, col: item.Column},
				Lhs:     &VarExpr{exprPos: exprPos{line: item.Line, col: item.Column}, ID: id},
				Rhs:     init,
			}
			if err := assign.GenRValue(g); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Generator) genCond(e compiler.Expr) error {
	x, err := g.convertExpr(e)
	if err != nil {
		return err
	}
	return x.GenRValue(g)
}

func (g *Generator) genIf(s *compiler.IfStmt) error {
	if err := g.genCond(s.Cond); err != nil {
		return err
	}
	elseSlot := g.emitBranch(bytecode.OpJz)
	if err := g.genStmt(s.Then); err != nil {
		return err
	}
	if s.Else == nil {
		g.Edit(elseSlot, int64(g.Current()))
		return nil
	}
	endSlot := g.emitBranch(bytecode.OpJmp)
	g.Edit(elseSlot, int64(g.Current()))
	if err := g.genStmt(s.Else); err != nil {
		return err
	}
	g.Edit(endSlot, int64(g.Current()))
	return nil
}

func (g *Generator) pushCycle(isSwitch bool) *cycleFrame {
	f := &cycleFrame{isSwitch: isSwitch}
	g.cycles = append(g.cycles, f)
	return f
}

func (g *Generator) popCycle(f *cycleFrame, breakPC, continuePC int) {
	for _, slot := range f.breaks {
		g.Edit(slot, int64(breakPC))
	}
	for _, slot := range f.continues {
		g.Edit(slot, int64(continuePC))
	}
	g.cycles = g.cycles[:len(g.cycles)-1]
}

func (g *Generator) genWhile(s *compiler.WhileStmt) error {
	top := g.Current()
	if err := g.genCond(s.Cond); err != nil {
		return err
	}
	exitSlot := g.emitBranch(bytecode.OpJz)
	frame := g.pushCycle(false)
	if err := g.genStmt(s.Body); err != nil {
		return err
	}
	g.Emit1(bytecode.OpJmp, int64(top))
	exit := g.Current()
	g.Edit(exitSlot, int64(exit))
	g.popCycle(frame, exit, top)
	return nil
}

func (g *Generator) genDoWhile(s *compiler.DoWhileStmt) error {
	top := g.Current()
	frame := g.pushCycle(false)
	if err := g.genStmt(s.Body); err != nil {
		return err
	}
	cont := g.Current()
	if err := g.genCond(s.Cond); err != nil {
		return err
	}
	g.Emit1(bytecode.OpJnz, int64(top))
	exit := g.Current()
	g.popCycle(frame, exit, cont)
	return nil
}

func (g *Generator) genFor(s *compiler.ForStmt) error {
	g.scopes.push()
	defer g.scopes.pop()

	if s.Init != nil {
		if err := g.genStmt(s.Init); err != nil {
			return err
		}
	}
	top := g.Current()
	exitSlot := -1
	if s.Cond != nil {
		if err := g.genCond(s.Cond); err != nil {
			return err
		}
		exitSlot = g.emitBranch(bytecode.OpJz)
	}
	frame := g.pushCycle(false)
	if err := g.genStmt(s.Body); err != nil {
		return err
	}
	cont := g.Current()
	if s.Step != nil {
		step, err := g.convertExpr(s.Step)
		if err != nil {
			return err
		}
		if err := step.GenRValue(g); err != nil {
			return err
		}
	}
	g.Emit1(bytecode.OpJmp, int64(top))
	exit := g.Current()
	if exitSlot >= 0 {
		g.Edit(exitSlot, int64(exit))
	}
	g.popCycle(frame, exit, cont)
	return nil
}

// genSwitch keeps the subject on the stack; CASE compares without
// popping so bodies may fall through, and the exit pops it once.
func (g *Generator) genSwitch(s *compiler.SwitchStmt) error {
	subject, err := g.convertExpr(s.Subject)
	if err != nil {
		return err
	}
	if err := subject.GenRValue(g); err != nil {
		return err
	}
	g.Emit(bytecode.OpPush)

	slots := make([]int, len(s.Cases))
	for i, arm := range s.Cases {
		if arm.Default {
			slots[i] = -1
			continue
		}
		iv, _, isFloat, ok := g.evalConst(arm.Value)
		if !ok || isFloat {
			return g.errPos(arm.Line, arm.Column, "case value must be an integer constant")
		}
		g.emitInt(iv)
		slots[i] = g.emitBranch(bytecode.OpCase)
	}
	missSlot := g.emitBranch(bytecode.OpJmp)

	frame := g.pushCycle(true)
	defaultPC := -1
	for i, arm := range s.Cases {
		pc := g.Current()
		if arm.Default {
			defaultPC = pc
		} else {
			g.Edit(slots[i], int64(pc))
		}
		for _, st := range arm.Stmts {
			if err := g.genStmt(st); err != nil {
				return err
			}
		}
	}

	exit := g.Current() // the ADJ below; breaks land here to pop the subject
	g.Emit1(bytecode.OpAdj, 8)
	if defaultPC >= 0 {
		g.Edit(missSlot, int64(defaultPC))
	} else {
		g.Edit(missSlot, int64(exit))
	}
	g.popCycle(frame, exit, 0)
	return nil
}

// ---------------------------------------------------------------------------
// Type resolution and AST-to-symbol conversion
// ---------------------------------------------------------------------------

var kindByName = map[string]Kind{
	"char": KindChar, "int": KindInt, "long": KindLong,
	"float": KindFloat, "double": KindDouble,
}

func (g *Generator) resolveType(tn compiler.TypeName) (Type, error) {
	var base Type
	switch {
	case tn.StructName != "":
		st, ok := g.structs[tn.StructName]
		if !ok {
			return nil, g.errPos(tn.Line, tn.Column, "undeclared struct %q", tn.StructName)
		}
		base = st
	case tn.Typedef != "":
		sym := g.scopes.lookup(tn.Typedef)
		td, ok := sym.(*TypedefSym)
		if !ok {
			return nil, g.errPos(tn.Line, tn.Column, "undeclared type %q", tn.Typedef)
		}
		base = td.Type
	default:
		kind, ok := kindByName[tn.Base]
		if !ok {
			return nil, g.errPos(tn.Line, tn.Column, "unknown type %q", tn.Base)
		}
		base = &BaseType{Kind: kind}
	}
	if tn.Ptr > 0 {
		base = base.WithPtr(base.Ptr() + tn.Ptr)
	}
	return base, nil
}

func (g *Generator) convertExpr(e compiler.Expr) (Expr, error) {
	switch x := e.(type) {
	case *compiler.NumberLit:
		return g.convertNumber(x), nil

	case *compiler.StringLit:
		return &StrExpr{exprPos: atOf(x), Addr: g.LoadString(x.Value)}, nil

	case *compiler.IdentExpr:
		sym := g.scopes.lookup(x.Name)
		switch s := sym.(type) {
		case *Ident:
			return &VarExpr{exprPos: atOf(x), ID: s}, nil
		case *EnumConst:
			return &LitExpr{exprPos: atOf(x), Typ: intType(), IntVal: s.Value}, nil
		case *Func:
			return nil, g.errPos(x.Line, x.Column, "function %q used as a value", x.Name)
		}
		return nil, g.errPos(x.Line, x.Column, "undeclared identifier %q", x.Name)

	case *compiler.UnaryExpr:
		return g.convertUnary(x)

	case *compiler.IncDecExpr:
		inner, err := g.convertExpr(x.X)
		if err != nil {
			return nil, err
		}
		return &SinopExpr{exprPos: atOf(x), Op: x.Op, Prefix: x.Prefix, X: inner}, nil

	case *compiler.CastExpr:
		to, err := g.resolveType(x.To)
		if err != nil {
			return nil, err
		}
		inner, err := g.convertExpr(x.X)
		if err != nil {
			return nil, err
		}
		return &CastExpr{exprPos: atOf(x), To: to, X: inner}, nil

	case *compiler.BinaryExpr:
		return g.convertBinary(x)

	case *compiler.AssignExpr:
		lhs, err := g.convertExpr(x.Lhs)
		if err != nil {
			return nil, err
		}
		rhs, err := g.convertExpr(x.Rhs)
		if err != nil {
			return nil, err
		}
		op := ""
		if x.Op != "=" {
			op = x.Op[:len(x.Op)-1]
		}
		return &AssignOpExpr{exprPos: atOf(x), Op: op, Lhs: lhs, Rhs: rhs}, nil

	case *compiler.CondExpr:
		cond, err := g.convertExpr(x.Cond)
		if err != nil {
			return nil, err
		}
		then, err := g.convertExpr(x.Then)
		if err != nil {
			return nil, err
		}
		els, err := g.convertExpr(x.Else)
		if err != nil {
			return nil, err
		}
		return &TriopExpr{
			exprPos: atOf(x), Cond: cond, Then: then, Else: els,
			Typ: usualArith(then.ResultType(), els.ResultType()),
		}, nil

	case *compiler.CommaExpr:
		items := make([]Expr, 0, len(x.List))
		for _, item := range x.List {
			conv, err := g.convertExpr(item)
			if err != nil {
				return nil, err
			}
			items = append(items, conv)
		}
		return &ListExpr{exprPos: atOf(x), Items: items}, nil

	case *compiler.CallExpr:
		return g.convertCall(x)

	case *compiler.IndexExpr:
		// a[i] desugars to *(a + i).
		sum, err := g.convertBinary(&compiler.BinaryExpr{
			Pos: x.Pos, Op: "+", X: x.X, Y: x.I,
		})
		if err != nil {
			return nil, err
		}
		t := unwrap(sum.ResultType())
		if t.Ptr() == 0 {
			return nil, g.errPos(x.Line, x.Column, "type mismatch: subscript of non-pointer %s", sum.ResultType())
		}
		return &UnopExpr{exprPos: atOf(x), Op: "*", X: sum, Typ: t.WithPtr(t.Ptr() - 1)}, nil

	case *compiler.MemberExpr:
		return g.convertMember(x)
	}
	return nil, fmt.Errorf("%s: unsupported expression %T", g.unit, e)
}

func (g *Generator) convertNumber(x *compiler.NumberLit) Expr {
	switch x.Kind {
	case compiler.TokenFloat:
		return &LitExpr{exprPos: atOf(x), Typ: &BaseType{Kind: KindFloat}, FloatVal: x.FloatVal}
	case compiler.TokenDouble:
		return &LitExpr{exprPos: atOf(x), Typ: doubleType(), FloatVal: x.FloatVal}
	case compiler.TokenLong:
		return &LitExpr{exprPos: atOf(x), Typ: &BaseType{Kind: KindLong}, IntVal: x.IntVal}
	case compiler.TokenChar:
		return &LitExpr{exprPos: atOf(x), Typ: charType(), IntVal: x.IntVal}
	default:
		return &LitExpr{exprPos: atOf(x), Typ: intType(), IntVal: x.IntVal}
	}
}

func (g *Generator) convertUnary(x *compiler.UnaryExpr) (Expr, error) {
	inner, err := g.convertExpr(x.X)
	if err != nil {
		return nil, err
	}
	it := unwrap(inner.ResultType())
	var typ Type
	switch x.Op {
	case "*":
		if it.Ptr() == 0 {
			return nil, g.errPos(x.Line, x.Column, "type mismatch: dereference of non-pointer %s", inner.ResultType())
		}
		typ = it.WithPtr(it.Ptr() - 1)
	case "&":
		typ = it.WithPtr(it.Ptr() + 1)
	case "!":
		typ = intType()
	default: // "~", "-"
		typ = inner.ResultType()
	}
	return &UnopExpr{exprPos: atOf(x), Op: x.Op, X: inner, Typ: typ}, nil
}

func (g *Generator) convertBinary(x *compiler.BinaryExpr) (Expr, error) {
	lhs, err := g.convertExpr(x.X)
	if err != nil {
		return nil, err
	}
	rhs, err := g.convertExpr(x.Y)
	if err != nil {
		return nil, err
	}
	lt, rt := unwrap(lhs.ResultType()), unwrap(rhs.ResultType())

	var typ Type
	switch x.Op {
	case "==", "!=", "<", "<=", ">", ">=", "&&", "||":
		typ = intType()
	case "+", "-":
		switch {
		case lt.Ptr() > 0 && rt.Ptr() > 0:
			typ = intType() // pointer difference
		case lt.Ptr() > 0:
			typ = lhs.ResultType()
		case rt.Ptr() > 0:
			typ = rhs.ResultType()
		default:
			typ = usualArith(lhs.ResultType(), rhs.ResultType())
		}
	default:
		typ = usualArith(lhs.ResultType(), rhs.ResultType())
	}
	return &BinopExpr{exprPos: atOf(x), Op: x.Op, X: lhs, Y: rhs, Typ: typ}, nil
}

func (g *Generator) convertCall(x *compiler.CallExpr) (Expr, error) {
	sym := g.scopes.lookup(x.Name)
	fn, ok := sym.(*Func)
	if !ok {
		if sym == nil {
			return nil, g.errPos(x.Line, x.Column, "undeclared identifier %q", x.Name)
		}
		return nil, g.errPos(x.Line, x.Column, "%q is not a function", x.Name)
	}
	if len(x.Args) != len(fn.Params) {
		return nil, g.errPos(x.Line, x.Column,
			"call of %q with %d arguments, expected %d", x.Name, len(x.Args), len(fn.Params))
	}
	args := make([]Expr, 0, len(x.Args))
	for _, a := range x.Args {
		conv, err := g.convertExpr(a)
		if err != nil {
			return nil, err
		}
		args = append(args, conv)
	}
	return &InvokeExpr{exprPos: atOf(x), Fn: fn, Args: args}, nil
}

func (g *Generator) convertMember(x *compiler.MemberExpr) (Expr, error) {
	inner, err := g.convertExpr(x.X)
	if err != nil {
		return nil, err
	}
	it := unwrap(inner.ResultType())
	st, ok := it.(*StructType)
	if !ok {
		return nil, g.errPos(x.Line, x.Column, "type mismatch: member access on %s", inner.ResultType())
	}
	if x.Arrow {
		if st.PtrN != 1 {
			return nil, g.errPos(x.Line, x.Column, "type mismatch: -> needs a struct pointer, found %s", inner.ResultType())
		}
	} else if st.PtrN != 0 {
		return nil, g.errPos(x.Line, x.Column, "type mismatch: . needs a struct value, found %s", inner.ResultType())
	}
	field, ok := st.FieldByName(x.Name)
	if !ok {
		return nil, g.errPos(x.Line, x.Column, "struct %s has no member %q", st.Name, x.Name)
	}
	return &MemberExpr{exprPos: atOf(x), X: inner, Field: field, Arrow: x.Arrow}, nil
}

func atOf(n compiler.Node) exprPos {
	p := n.NodePos()
	return exprPos{line: p.Line, col: p.Column}
}
