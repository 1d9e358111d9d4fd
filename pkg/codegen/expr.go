package codegen

import (
	"math"

	"github.com/Codeyellow27/ccos/pkg/bytecode"
)

// Expr is a typed expression node of the symbol model. Every node knows
// its result type and can emit an lvalue (address on the evaluation
// stack path, left in ax) or an rvalue (value in ax) form.
type Expr interface {
	ResultType() Type
	GenLValue(g *Generator) error
	GenRValue(g *Generator) error
	At() (line, col int)
}

type exprPos struct {
	line, col int
}

func (p exprPos) At() (int, int) { return p.line, p.col }

// ---------------------------------------------------------------------------
// Variable reference
// ---------------------------------------------------------------------------

// VarExpr references a declared identifier.
type VarExpr struct {
	exprPos
	ID *Ident
}

func (e *VarExpr) ResultType() Type { return e.ID.Type }

func (e *VarExpr) GenLValue(g *Generator) error {
	switch e.ID.Class {
	case ClassGlobal:
		g.Emit1(bytecode.OpImm, int64(int32(DataAddr(e.ID.Addr))))
	case ClassLocal, ClassParam:
		g.Emit1(bytecode.OpLea, int64(e.ID.Addr))
	default:
		return g.errAt(e, "%q is not addressable (%s)", e.ID.Name, e.ID.Class)
	}
	return nil
}

func (e *VarExpr) GenRValue(g *Generator) error {
	if err := e.GenLValue(g); err != nil {
		return err
	}
	return g.emitLoad(e, e.ID.Type)
}

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// LitExpr is a numeric or character literal.
type LitExpr struct {
	exprPos
	Typ     Type
	IntVal  int64
	FloatVal float64
}

func (e *LitExpr) ResultType() Type { return e.Typ }

func (e *LitExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found literal")
}

func (e *LitExpr) GenRValue(g *Generator) error {
	if e.Typ.IsFloat() {
		g.emitImm64(int64(math.Float64bits(e.FloatVal)))
		return nil
	}
	g.emitInt(e.IntVal)
	return nil
}

// StrExpr is an interned string literal; its rvalue is the data-segment
// address.
type StrExpr struct {
	exprPos
	Addr uint32
}

func (e *StrExpr) ResultType() Type { return charPtrType() }

func (e *StrExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found string literal")
}

func (e *StrExpr) GenRValue(g *Generator) error {
	g.Emit1(bytecode.OpImm, int64(int32(e.Addr)))
	return nil
}

// ---------------------------------------------------------------------------
// Unary operators
// ---------------------------------------------------------------------------

// UnopExpr is !x, ~x, -x, &x, *x.
type UnopExpr struct {
	exprPos
	Op  string
	X   Expr
	Typ Type
}

func (e *UnopExpr) ResultType() Type { return e.Typ }

func (e *UnopExpr) GenLValue(g *Generator) error {
	if e.Op == "*" {
		// The pointer's value is the address.
		return e.X.GenRValue(g)
	}
	return g.errAt(e, "lvalue required after unary %q", e.Op)
}

func (e *UnopExpr) GenRValue(g *Generator) error {
	switch e.Op {
	case "*":
		if err := e.GenLValue(g); err != nil {
			return err
		}
		return g.emitLoad(e, e.Typ)
	case "&":
		return e.X.GenLValue(g)
	case "!":
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		if e.X.ResultType().IsFloat() {
			g.Emit(bytecode.OpPush)
			g.emitImm64(0)
			g.Emit(bytecode.OpFeq)
		} else {
			g.Emit(bytecode.OpLnt)
		}
		return nil
	case "~":
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		if e.X.ResultType().IsFloat() {
			return g.errAt(e, "type mismatch: ~ needs an integer operand")
		}
		g.Emit(bytecode.OpNot)
		return nil
	case "-":
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		if e.X.ResultType().IsFloat() {
			g.Emit(bytecode.OpFneg)
		} else {
			g.Emit(bytecode.OpNeg)
		}
		return nil
	}
	return g.errAt(e, "unknown unary operator %q", e.Op)
}

// CastExpr converts its operand to a target type.
type CastExpr struct {
	exprPos
	To Type
	X  Expr
}

func (e *CastExpr) ResultType() Type { return e.To }

func (e *CastExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found cast")
}

func (e *CastExpr) GenRValue(g *Generator) error {
	if err := e.X.GenRValue(g); err != nil {
		return err
	}
	g.emitConvert(e.X.ResultType(), e.To)
	return nil
}

// ---------------------------------------------------------------------------
// Side-effecting prefix/postfix operators
// ---------------------------------------------------------------------------

// SinopExpr is ++x, --x, x++, x--. The emit order is: compute lvalue,
// duplicate the address on the stack, load, compute the new value,
// store, and leave the pre- or post- value in ax.
type SinopExpr struct {
	exprPos
	Op     string // "++" or "--"
	Prefix bool
	X      Expr
}

func (e *SinopExpr) ResultType() Type { return e.X.ResultType() }

func (e *SinopExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found %s", e.Op)
}

func (e *SinopExpr) GenRValue(g *Generator) error {
	t := e.X.ResultType()
	if t.IsFloat() {
		return g.errAt(e, "type mismatch: %s needs an integer or pointer operand", e.Op)
	}
	inc := int64(1)
	if t.Ptr() > 0 {
		inc = int64(t.Inc())
	}

	if err := e.X.GenLValue(g); err != nil {
		return err
	}
	g.Emit(bytecode.OpPush) // save address for the store
	if err := g.emitLoad(e, t); err != nil {
		return err
	}
	g.Emit(bytecode.OpPush) // old value
	g.emitInt(inc)
	if e.Op == "++" {
		g.Emit(bytecode.OpAdd)
	} else {
		g.Emit(bytecode.OpSub)
	}
	if err := g.emitStore(e, t); err != nil {
		return err
	}
	if !e.Prefix {
		// Undo the step so ax holds the original value.
		g.Emit(bytecode.OpPush)
		g.emitInt(inc)
		if e.Op == "++" {
			g.Emit(bytecode.OpSub)
		} else {
			g.Emit(bytecode.OpAdd)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Binary operators
// ---------------------------------------------------------------------------

// BinopExpr is a non-assigning binary operation.
type BinopExpr struct {
	exprPos
	Op   string
	X, Y Expr
	Typ  Type
}

func (e *BinopExpr) ResultType() Type { return e.Typ }

func (e *BinopExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found binary %q", e.Op)
}

var intBinOps = map[string]bytecode.Opcode{
	"|": bytecode.OpOr, "^": bytecode.OpXor, "&": bytecode.OpAnd,
	"<<": bytecode.OpShl, ">>": bytecode.OpShr,
	"+": bytecode.OpAdd, "-": bytecode.OpSub,
	"*": bytecode.OpMul, "/": bytecode.OpDiv, "%": bytecode.OpMod,
	"==": bytecode.OpEq, "!=": bytecode.OpNe,
	"<": bytecode.OpLt, "<=": bytecode.OpLe,
	">": bytecode.OpGt, ">=": bytecode.OpGe,
}

var floatBinOps = map[string]bytecode.Opcode{
	"+": bytecode.OpFadd, "-": bytecode.OpFsub,
	"*": bytecode.OpFmul, "/": bytecode.OpFdiv,
	"==": bytecode.OpFeq, "!=": bytecode.OpFne,
	"<": bytecode.OpFlt, "<=": bytecode.OpFle,
	">": bytecode.OpFgt, ">=": bytecode.OpFge,
}

func (e *BinopExpr) GenRValue(g *Generator) error {
	switch e.Op {
	case "&&":
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		slot := g.emitBranch(bytecode.OpJz)
		if err := e.Y.GenRValue(g); err != nil {
			return err
		}
		g.Edit(slot, int64(g.Current()))
		return nil
	case "||":
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		slot := g.emitBranch(bytecode.OpJnz)
		if err := e.Y.GenRValue(g); err != nil {
			return err
		}
		g.Edit(slot, int64(g.Current()))
		return nil
	}

	xt, yt := unwrap(e.X.ResultType()), unwrap(e.Y.ResultType())

	// Pointer arithmetic scales by the pointee's increment size.
	if xt.Ptr() > 0 || yt.Ptr() > 0 {
		return e.genPointer(g, xt, yt)
	}

	if xt.IsFloat() || yt.IsFloat() {
		op, ok := floatBinOps[e.Op]
		if !ok {
			return g.errAt(e, "type mismatch: %q needs integer operands", e.Op)
		}
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		if !xt.IsFloat() {
			g.Emit(bytecode.OpItof)
		}
		g.Emit(bytecode.OpPush)
		if err := e.Y.GenRValue(g); err != nil {
			return err
		}
		if !yt.IsFloat() {
			g.Emit(bytecode.OpItof)
		}
		g.Emit(op)
		return nil
	}

	op, ok := intBinOps[e.Op]
	if !ok {
		return g.errAt(e, "unknown binary operator %q", e.Op)
	}
	if err := e.X.GenRValue(g); err != nil {
		return err
	}
	g.Emit(bytecode.OpPush)
	if err := e.Y.GenRValue(g); err != nil {
		return err
	}
	g.Emit(op)
	return nil
}

func (e *BinopExpr) genPointer(g *Generator, xt, yt Type) error {
	switch e.Op {
	case "+":
		if xt.Ptr() > 0 && yt.Ptr() == 0 {
			if err := e.X.GenRValue(g); err != nil {
				return err
			}
			g.Emit(bytecode.OpPush)
			if err := e.Y.GenRValue(g); err != nil {
				return err
			}
			g.emitScale(xt.Inc())
			g.Emit(bytecode.OpAdd)
			return nil
		}
		if xt.Ptr() == 0 && yt.Ptr() > 0 {
			if err := e.X.GenRValue(g); err != nil {
				return err
			}
			g.emitScale(yt.Inc())
			g.Emit(bytecode.OpPush)
			if err := e.Y.GenRValue(g); err != nil {
				return err
			}
			g.Emit(bytecode.OpAdd)
			return nil
		}
	case "-":
		if xt.Ptr() > 0 && yt.Ptr() == 0 {
			if err := e.X.GenRValue(g); err != nil {
				return err
			}
			g.Emit(bytecode.OpPush)
			if err := e.Y.GenRValue(g); err != nil {
				return err
			}
			g.emitScale(xt.Inc())
			g.Emit(bytecode.OpSub)
			return nil
		}
		if xt.Ptr() > 0 && yt.Ptr() > 0 {
			if err := e.X.GenRValue(g); err != nil {
				return err
			}
			g.Emit(bytecode.OpPush)
			if err := e.Y.GenRValue(g); err != nil {
				return err
			}
			g.Emit(bytecode.OpSub)
			if inc := xt.Inc(); inc > 1 {
				g.Emit(bytecode.OpPush)
				g.emitInt(int64(inc))
				g.Emit(bytecode.OpDiv)
			}
			return nil
		}
	case "==", "!=", "<", "<=", ">", ">=":
		if err := e.X.GenRValue(g); err != nil {
			return err
		}
		g.Emit(bytecode.OpPush)
		if err := e.Y.GenRValue(g); err != nil {
			return err
		}
		g.Emit(intBinOps[e.Op])
		return nil
	}
	return g.errAt(e, "type mismatch: invalid pointer operation %q", e.Op)
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

// AssignOpExpr is plain or compound assignment. Op is "" for plain "="
// and the base operator ("+", "<<", ...) for compound forms.
type AssignOpExpr struct {
	exprPos
	Op  string
	Lhs Expr
	Rhs Expr
}

func (e *AssignOpExpr) ResultType() Type { return e.Lhs.ResultType() }

func (e *AssignOpExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found assignment")
}

func (e *AssignOpExpr) GenRValue(g *Generator) error {
	lt := unwrap(e.Lhs.ResultType())
	rt := unwrap(e.Rhs.ResultType())
	if isAggregate(lt) || isAggregate(rt) {
		return g.errAt(e, "type mismatch: cannot assign aggregates")
	}

	if err := e.Lhs.GenLValue(g); err != nil {
		return err
	}
	g.Emit(bytecode.OpPush) // the store address

	if e.Op == "" {
		if err := e.Rhs.GenRValue(g); err != nil {
			return err
		}
		if lt.Ptr() > 0 && rt.IsFloat() {
			return g.errAt(e, "type mismatch: cannot assign %s to %s", rt, lt)
		}
		g.emitConvert(rt, lt)
		return g.emitStore(e, lt)
	}

	// Compound: the address is on the stack and still in ax; load the
	// old value through it, apply the operator, store back.
	if err := g.emitLoad(e, lt); err != nil {
		return err
	}
	g.Emit(bytecode.OpPush)
	if err := e.Rhs.GenRValue(g); err != nil {
		return err
	}

	switch {
	case lt.Ptr() > 0:
		if rt.Ptr() > 0 || rt.IsFloat() || (e.Op != "+" && e.Op != "-") {
			return g.errAt(e, "type mismatch: invalid pointer operation %q=", e.Op)
		}
		g.emitScale(lt.Inc())
		g.Emit(intBinOps[e.Op])
	case lt.IsFloat():
		op, ok := floatBinOps[e.Op]
		if !ok {
			return g.errAt(e, "type mismatch: %q= needs integer operands", e.Op)
		}
		if !rt.IsFloat() {
			g.Emit(bytecode.OpItof)
		}
		g.Emit(op)
	default:
		if rt.IsFloat() {
			g.Emit(bytecode.OpFtoi)
		}
		op, ok := intBinOps[e.Op]
		if !ok {
			return g.errAt(e, "unknown operator %q=", e.Op)
		}
		g.Emit(op)
	}
	return g.emitStore(e, lt)
}

func isAggregate(t Type) bool {
	st, ok := unwrap(t).(*StructType)
	return ok && st.PtrN == 0
}

// ---------------------------------------------------------------------------
// Ternary, comma, call, member
// ---------------------------------------------------------------------------

// TriopExpr is the conditional operator.
type TriopExpr struct {
	exprPos
	Cond, Then, Else Expr
	Typ              Type
}

func (e *TriopExpr) ResultType() Type { return e.Typ }

func (e *TriopExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found conditional")
}

func (e *TriopExpr) GenRValue(g *Generator) error {
	if err := e.Cond.GenRValue(g); err != nil {
		return err
	}
	elseSlot := g.emitBranch(bytecode.OpJz)
	if err := e.Then.GenRValue(g); err != nil {
		return err
	}
	endSlot := g.emitBranch(bytecode.OpJmp)
	g.Edit(elseSlot, int64(g.Current()))
	if err := e.Else.GenRValue(g); err != nil {
		return err
	}
	g.Edit(endSlot, int64(g.Current()))
	return nil
}

// ListExpr is a comma expression; the last item's value remains in ax.
type ListExpr struct {
	exprPos
	Items []Expr
}

func (e *ListExpr) ResultType() Type {
	return e.Items[len(e.Items)-1].ResultType()
}

func (e *ListExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found comma expression")
}

func (e *ListExpr) GenRValue(g *Generator) error {
	for _, item := range e.Items {
		if err := item.GenRValue(g); err != nil {
			return err
		}
	}
	return nil
}

// InvokeExpr calls a function: arguments pushed left to right, the
// caller pops them with a frame-adjust after return.
type InvokeExpr struct {
	exprPos
	Fn   *Func
	Args []Expr
}

func (e *InvokeExpr) ResultType() Type { return e.Fn.Type }

func (e *InvokeExpr) GenLValue(g *Generator) error {
	return g.errAt(e, "lvalue required, found call")
}

func (e *InvokeExpr) GenRValue(g *Generator) error {
	for i, arg := range e.Args {
		if err := arg.GenRValue(g); err != nil {
			return err
		}
		if i < len(e.Fn.Params) {
			g.emitConvert(arg.ResultType(), e.Fn.Params[i].Type)
		}
		g.Emit(bytecode.OpPush)
	}
	g.Emit1(bytecode.OpCall, int64(e.Fn.Entry))
	if n := len(e.Args); n > 0 {
		g.Emit1(bytecode.OpAdj, int64(n*8))
	}
	return nil
}

// MemberExpr is s.f or p->f; the lvalue is the member's address.
type MemberExpr struct {
	exprPos
	X     Expr
	Field Field
	Arrow bool
}

func (e *MemberExpr) ResultType() Type { return e.Field.Type }

func (e *MemberExpr) GenLValue(g *Generator) error {
	var err error
	if e.Arrow {
		err = e.X.GenRValue(g)
	} else {
		err = e.X.GenLValue(g)
	}
	if err != nil {
		return err
	}
	if e.Field.Offset != 0 {
		g.Emit(bytecode.OpPush)
		g.emitInt(int64(e.Field.Offset))
		g.Emit(bytecode.OpAdd)
	}
	return nil
}

func (e *MemberExpr) GenRValue(g *Generator) error {
	if err := e.GenLValue(g); err != nil {
		return err
	}
	return g.emitLoad(e, e.Field.Type)
}
