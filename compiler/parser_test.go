package compiler

import "testing"

func parseOne(t *testing.T, src string) *Program {
	t.Helper()
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return prog
}

func TestParseFunction(t *testing.T) {
	prog := parseOne(t, `int add(int a, int b) { return a + b; }`)
	if len(prog.Decls) != 1 {
		t.Fatalf("expected 1 decl, got %d", len(prog.Decls))
	}
	fn, ok := prog.Decls[0].(*FuncDecl)
	if !ok {
		t.Fatalf("expected FuncDecl, got %T", prog.Decls[0])
	}
	if fn.Name != "add" || len(fn.Params) != 2 {
		t.Fatalf("unexpected function %s/%d", fn.Name, len(fn.Params))
	}
	ret, ok := fn.Body.Stmts[0].(*ReturnStmt)
	if !ok {
		t.Fatalf("expected ReturnStmt, got %T", fn.Body.Stmts[0])
	}
	bin, ok := ret.X.(*BinaryExpr)
	if !ok || bin.Op != "+" {
		t.Fatalf("expected binary +, got %T", ret.X)
	}
}

func TestParsePrecedence(t *testing.T) {
	prog := parseOne(t, `int main() { return 2+3*4; }`)
	fn := prog.Decls[0].(*FuncDecl)
	ret := fn.Body.Stmts[0].(*ReturnStmt)
	add := ret.X.(*BinaryExpr)
	if add.Op != "+" {
		t.Fatalf("expected + at root, got %s", add.Op)
	}
	mul, ok := add.Y.(*BinaryExpr)
	if !ok || mul.Op != "*" {
		t.Fatalf("expected * on right, got %T", add.Y)
	}
}

func TestParseControlFlow(t *testing.T) {
	prog := parseOne(t, `
int main() {
	int i, s;
	for (i = 1, s = 0; i <= 10; ++i) {
		if (i % 2) continue;
		s += i;
	}
	while (s > 0) s--;
	do { s++; } while (s < 5);
	return s;
}`)
	fn := prog.Decls[0].(*FuncDecl)
	if len(fn.Body.Stmts) != 5 {
		t.Fatalf("expected 5 statements, got %d", len(fn.Body.Stmts))
	}
	forStmt, ok := fn.Body.Stmts[1].(*ForStmt)
	if !ok {
		t.Fatalf("expected ForStmt, got %T", fn.Body.Stmts[1])
	}
	init := forStmt.Init.(*ExprStmt)
	if _, ok := init.X.(*CommaExpr); !ok {
		t.Fatalf("expected comma init, got %T", init.X)
	}
	if _, ok := fn.Body.Stmts[2].(*WhileStmt); !ok {
		t.Fatalf("expected WhileStmt, got %T", fn.Body.Stmts[2])
	}
	if _, ok := fn.Body.Stmts[3].(*DoWhileStmt); !ok {
		t.Fatalf("expected DoWhileStmt, got %T", fn.Body.Stmts[3])
	}
}

func TestParseSwitch(t *testing.T) {
	prog := parseOne(t, `
int classify(int c) {
	switch (c) {
	case 1:
	case 2:
		return 10;
	default:
		return 0;
	}
}`)
	fn := prog.Decls[0].(*FuncDecl)
	sw := fn.Body.Stmts[0].(*SwitchStmt)
	if len(sw.Cases) != 3 {
		t.Fatalf("expected 3 arms, got %d", len(sw.Cases))
	}
	if len(sw.Cases[0].Stmts) != 0 {
		t.Fatal("fallthrough arm should have no statements")
	}
	if !sw.Cases[2].Default {
		t.Fatal("third arm should be default")
	}
}

func TestParsePointersAndCasts(t *testing.T) {
	prog := parseOne(t, `
int main() {
	char *p;
	int n;
	n = *p++;
	p = (char *) 0;
	n = p[3];
	return n;
}`)
	fn := prog.Decls[0].(*FuncDecl)
	assign := fn.Body.Stmts[2].(*ExprStmt).X.(*AssignExpr)
	deref, ok := assign.Rhs.(*UnaryExpr)
	if !ok || deref.Op != "*" {
		t.Fatalf("expected deref, got %T", assign.Rhs)
	}
	if inc, ok := deref.X.(*IncDecExpr); !ok || inc.Prefix {
		t.Fatalf("expected postfix ++ under deref, got %T", deref.X)
	}
	cast := fn.Body.Stmts[3].(*ExprStmt).X.(*AssignExpr).Rhs.(*CastExpr)
	if cast.To.Base != "char" || cast.To.Ptr != 1 {
		t.Fatalf("unexpected cast target %+v", cast.To)
	}
	idx := fn.Body.Stmts[4].(*ExprStmt).X.(*AssignExpr).Rhs
	if _, ok := idx.(*IndexExpr); !ok {
		t.Fatalf("expected IndexExpr, got %T", idx)
	}
}

func TestParseStructEnumTypedef(t *testing.T) {
	prog := parseOne(t, `
struct point {
	int x;
	int y;
	char *label;
};
enum input_special {
	INPUT_BEGIN = -9,
	INPUT_UP,
};
typedef int myint;
myint g;
int main() {
	struct point p;
	p.x = 1;
	return p.x;
}`)
	if len(prog.Decls) != 5 {
		t.Fatalf("expected 5 decls, got %d", len(prog.Decls))
	}
	st := prog.Decls[0].(*StructDecl)
	if st.Name != "point" || len(st.Fields) != 3 {
		t.Fatalf("unexpected struct %s/%d", st.Name, len(st.Fields))
	}
	if st.Fields[2].Ptr != 1 {
		t.Fatal("label field should be a pointer")
	}
	en := prog.Decls[1].(*EnumDecl)
	if en.Items[0].Value != -9 || !en.Items[0].Explicit {
		t.Fatalf("unexpected enum value %+v", en.Items[0])
	}
	if en.Items[1].Explicit {
		t.Fatal("second enumerator should be implicit")
	}
	if _, ok := prog.Decls[2].(*TypedefDecl); !ok {
		t.Fatalf("expected TypedefDecl, got %T", prog.Decls[2])
	}
	if _, ok := prog.Decls[3].(*GlobalDecl); !ok {
		t.Fatalf("expected GlobalDecl using typedef, got %T", prog.Decls[3])
	}
}

func TestParseInterrupt(t *testing.T) {
	prog := parseOne(t, `int put_char(char c) { c; interrupt 0; }`)
	fn := prog.Decls[0].(*FuncDecl)
	intr, ok := fn.Body.Stmts[1].(*InterruptStmt)
	if !ok {
		t.Fatalf("expected InterruptStmt, got %T", fn.Body.Stmts[1])
	}
	if intr.Num != 0 {
		t.Fatalf("expected interrupt 0, got %d", intr.Num)
	}
}

func TestParseTernaryAndLogical(t *testing.T) {
	prog := parseOne(t, `int main() { return 1 && 0 ? 10 : 2 || 3; }`)
	fn := prog.Decls[0].(*FuncDecl)
	ret := fn.Body.Stmts[0].(*ReturnStmt)
	cond, ok := ret.X.(*CondExpr)
	if !ok {
		t.Fatalf("expected CondExpr, got %T", ret.X)
	}
	if and, ok := cond.Cond.(*BinaryExpr); !ok || and.Op != "&&" {
		t.Fatalf("expected && condition, got %T", cond.Cond)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		`int main( { return 0; }`,
		`int main() { return 0 }`,
		`int main() { if return; }`,
		`int 4x;`,
		`int main() { interrupt x; }`,
	}
	for _, src := range bad {
		if _, err := Parse(src); err == nil {
			t.Errorf("expected parse error for %q", src)
		}
	}
}
