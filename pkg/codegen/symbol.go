// Package codegen lowers the parsed AST into a typed symbol model and
// emits the instruction stream and data segment of a runnable image.
package codegen

import (
	"fmt"
	"strings"

	"github.com/Codeyellow27/ccos/pkg/memory"
)

// Kind is a primitive type kind.
type Kind int

const (
	KindChar Kind = iota
	KindInt
	KindLong
	KindFloat
	KindDouble
)

var kindNames = map[Kind]string{
	KindChar: "char", KindInt: "int", KindLong: "long",
	KindFloat: "float", KindDouble: "double",
}

var kindSizes = map[Kind]int{
	KindChar: 1, KindInt: 4, KindLong: 8, KindFloat: 4, KindDouble: 8,
}

// PointerSize is the byte size of any pointer in the 32-bit guest space.
const PointerSize = 4

// Type reports a byte size and an increment size (the unit of pointer
// arithmetic), plus the pointer indirection count.
type Type interface {
	Size() int
	Inc() int
	Ptr() int
	WithPtr(n int) Type
	IsFloat() bool
	String() string
}

// BaseType is a primitive kind with a pointer indirection count.
type BaseType struct {
	Kind Kind
	PtrN int
}

func (t *BaseType) Size() int {
	if t.PtrN > 0 {
		return PointerSize
	}
	return kindSizes[t.Kind]
}

func (t *BaseType) Inc() int {
	if t.PtrN > 0 {
		return (&BaseType{Kind: t.Kind, PtrN: t.PtrN - 1}).Size()
	}
	return t.Size()
}

func (t *BaseType) Ptr() int            { return t.PtrN }
func (t *BaseType) WithPtr(n int) Type  { return &BaseType{Kind: t.Kind, PtrN: n} }
func (t *BaseType) IsFloat() bool       { return t.PtrN == 0 && (t.Kind == KindFloat || t.Kind == KindDouble) }

func (t *BaseType) String() string {
	return kindNames[t.Kind] + strings.Repeat("*", t.PtrN)
}

// Field is one struct member with its resolved layout offset.
type Field struct {
	Name   string
	Type   Type
	Offset int
}

// StructType is a sequentially laid out record with natural alignment.
type StructType struct {
	Name   string
	Fields []Field
	size   int
	PtrN   int
}

// NewStructType lays out the fields and computes the aligned size.
func NewStructType(name string, fields []Field) *StructType {
	st := &StructType{Name: name}
	off := 0
	maxAlign := 1
	for _, f := range fields {
		a := alignOf(f.Type)
		if a > maxAlign {
			maxAlign = a
		}
		off = align(off, a)
		f.Offset = off
		off += f.Type.Size()
		st.Fields = append(st.Fields, f)
	}
	st.size = align(off, maxAlign)
	if st.size == 0 {
		st.size = 1
	}
	return st
}

func (t *StructType) Size() int {
	if t.PtrN > 0 {
		return PointerSize
	}
	return t.size
}

func (t *StructType) Inc() int {
	if t.PtrN > 0 {
		return (&StructType{Name: t.Name, Fields: t.Fields, size: t.size, PtrN: t.PtrN - 1}).Size()
	}
	return t.size
}

func (t *StructType) Ptr() int { return t.PtrN }

func (t *StructType) WithPtr(n int) Type {
	return &StructType{Name: t.Name, Fields: t.Fields, size: t.size, PtrN: n}
}

func (t *StructType) IsFloat() bool { return false }

func (t *StructType) String() string {
	return "struct " + t.Name + strings.Repeat("*", t.PtrN)
}

// FieldByName returns a field and whether it exists.
func (t *StructType) FieldByName(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// TypedefType is an alias holding a non-owning reference to its target;
// the scope table owns the symbols, so alias chains cannot create
// ownership cycles. Resolution is lazy through Underlying.
type TypedefType struct {
	Name   string
	PtrN   int
	target Type
}

// NewTypedefType aliases target under name.
func NewTypedefType(name string, target Type) *TypedefType {
	return &TypedefType{Name: name, target: target}
}

// Underlying resolves the alias, folding the alias's own indirections
// onto the target.
func (t *TypedefType) Underlying() Type {
	u := t.target
	if td, ok := u.(*TypedefType); ok {
		u = td.Underlying()
	}
	if t.PtrN > 0 {
		u = u.WithPtr(u.Ptr() + t.PtrN)
	}
	return u
}

func (t *TypedefType) Size() int  { return t.Underlying().Size() }
func (t *TypedefType) Inc() int   { return t.Underlying().Inc() }
func (t *TypedefType) Ptr() int   { return t.Underlying().Ptr() }
func (t *TypedefType) IsFloat() bool { return t.Underlying().IsFloat() }

// WithPtr takes the absolute indirection count, like the other types;
// the alias stores only its extra indirections beyond the target's.
// Dereferencing below the target's own depth falls back to the
// unwrapped type.
func (t *TypedefType) WithPtr(n int) Type {
	base := t.target.Ptr()
	if n >= base {
		return &TypedefType{Name: t.Name, PtrN: n - base, target: t.target}
	}
	u := t.target
	if td, ok := u.(*TypedefType); ok {
		u = td.Underlying()
	}
	return u.WithPtr(n)
}

func (t *TypedefType) String() string {
	return t.Name + strings.Repeat("*", t.PtrN)
}

func align(off, a int) int {
	return (off + a - 1) / a * a
}

func alignOf(t Type) int {
	if t.Ptr() > 0 {
		return PointerSize
	}
	if st, ok := unwrap(t).(*StructType); ok && st.PtrN == 0 {
		a := 1
		for _, f := range st.Fields {
			if fa := alignOf(f.Type); fa > a {
				a = fa
			}
		}
		return a
	}
	return t.Size()
}

// unwrap strips typedef aliases.
func unwrap(t Type) Type {
	if td, ok := t.(*TypedefType); ok {
		return td.Underlying()
	}
	return t
}

// ---------------------------------------------------------------------------
// Identifiers and scopes
// ---------------------------------------------------------------------------

// StorageClass classifies where an identifier lives.
type StorageClass int

const (
	ClassUndefined StorageClass = iota
	ClassGlobal                 // data segment, absolute address
	ClassLocal                  // frame-relative, negative offset
	ClassParam                  // frame-relative, positive offset
	ClassMember                 // struct member, layout offset
	ClassFunc                   // text segment entry point
)

var classNames = map[StorageClass]string{
	ClassUndefined: "undefined", ClassGlobal: "global", ClassLocal: "local",
	ClassParam: "param", ClassMember: "member", ClassFunc: "function",
}

func (c StorageClass) String() string { return classNames[c] }

// Symbol is anything a name can resolve to.
type Symbol interface {
	SymName() string
}

// Ident is a named, typed entity with an address range.
type Ident struct {
	Name    string
	Type    Type
	Class   StorageClass
	Addr    int // data offset (global), frame offset (local/param), layout offset (member)
	AddrEnd int
	Line    int
	Column  int
}

func (id *Ident) SymName() string { return id.Name }

// Func is a function identifier: entry point, parameters, frame extent.
type Func struct {
	Ident
	Params     []*Ident
	Entry      int
	LocalBytes int
	entSlot    int // ENT immediate patch slot
}

// EnumConst is a named integer constant.
type EnumConst struct {
	Name  string
	Value int64
}

func (e *EnumConst) SymName() string { return e.Name }

// TypedefSym binds a typedef name in the scope table.
type TypedefSym struct {
	Name string
	Type Type
}

func (t *TypedefSym) SymName() string { return t.Name }

// scopeStack is a vector of maps, innermost last. Declaration inserts
// into the top scope; lookup walks outward.
type scopeStack struct {
	scopes []map[string]Symbol
}

func (s *scopeStack) push() {
	s.scopes = append(s.scopes, make(map[string]Symbol))
}

func (s *scopeStack) pop() {
	s.scopes = s.scopes[:len(s.scopes)-1]
}

// declare inserts into the innermost scope; a duplicate in the same
// scope is an error.
func (s *scopeStack) declare(sym Symbol) error {
	top := s.scopes[len(s.scopes)-1]
	if _, exists := top[sym.SymName()]; exists {
		return fmt.Errorf("duplicate declaration of %q", sym.SymName())
	}
	top[sym.SymName()] = sym
	return nil
}

// lookup resolves to the innermost visible binding.
func (s *scopeStack) lookup(name string) Symbol {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if sym, ok := s.scopes[i][name]; ok {
			return sym
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic conversion
// ---------------------------------------------------------------------------

// rank orders integer kinds for widening.
func rank(t Type) int {
	b, ok := unwrap(t).(*BaseType)
	if !ok {
		return 0
	}
	switch b.Kind {
	case KindChar:
		return 1
	case KindInt:
		return 2
	case KindLong:
		return 3
	case KindFloat:
		return 4
	case KindDouble:
		return 5
	}
	return 0
}

// usualArith computes the C-family promotion of two scalar operands.
// Pointer arithmetic is handled by the binop emitter before this runs.
func usualArith(a, b Type) Type {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// intType and helpers for synthesized node types.
func intType() Type    { return &BaseType{Kind: KindInt} }
func charType() Type   { return &BaseType{Kind: KindChar} }
func doubleType() Type { return &BaseType{Kind: KindDouble} }
func charPtrType() Type {
	return &BaseType{Kind: KindChar, PtrN: 1}
}

// DataAddr converts a data-segment offset into a guest virtual address.
func DataAddr(off int) uint32 {
	return memory.DataBase + uint32(off)
}
