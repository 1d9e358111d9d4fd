package compiler

import "testing"

func TestTokenizeBasics(t *testing.T) {
	toks, err := Tokenize(`int main() { return 2+3*4; }`)
	if err != nil {
		t.Fatalf("tokenize failed: %v", err)
	}
	want := []string{"int", "main", "(", ")", "{", "return", "2", "+", "3", "*", "4", ";", "}"}
	if len(toks) != len(want)+1 {
		t.Fatalf("expected %d tokens plus EOF, got %d", len(want), len(toks))
	}
	for i, w := range want {
		if toks[i].Lexeme != w {
			t.Errorf("token %d: expected %q, got %q", i, w, toks[i].Lexeme)
		}
	}
	if toks[len(toks)-1].Kind != TokenEOF {
		t.Error("missing EOF token")
	}
}

func TestTokenizeLiterals(t *testing.T) {
	tests := []struct {
		src  string
		kind TokenKind
		ival int64
		fval float64
	}{
		{"42", TokenInt, 42, 0},
		{"0x1F", TokenInt, 31, 0},
		{"42L", TokenLong, 42, 0},
		{"3.5", TokenDouble, 0, 3.5},
		{"3.5f", TokenFloat, 0, 3.5},
		{"'A'", TokenChar, 65, 0},
		{`'\n'`, TokenChar, 10, 0},
		{`'\033'`, TokenChar, 27, 0},
	}
	for _, tt := range tests {
		toks, err := Tokenize(tt.src)
		if err != nil {
			t.Errorf("%q: %v", tt.src, err)
			continue
		}
		tok := toks[0]
		if tok.Kind != tt.kind {
			t.Errorf("%q: expected kind %d, got %d", tt.src, tt.kind, tok.Kind)
		}
		if tok.IntVal != tt.ival || tok.FloatVal != tt.fval {
			t.Errorf("%q: value mismatch (%d, %g)", tt.src, tok.IntVal, tok.FloatVal)
		}
	}
}

func TestTokenizeStringEscapes(t *testing.T) {
	toks, err := Tokenize(`"a\nb\033c"`)
	if err != nil {
		t.Fatalf("tokenize failed: %v", err)
	}
	if toks[0].StrVal != "a\nb\033c" {
		t.Fatalf("unexpected string value %q", toks[0].StrVal)
	}
}

func TestTokenizeComments(t *testing.T) {
	toks, err := Tokenize("int /* block\ncomment */ x; // line\nint y;")
	if err != nil {
		t.Fatalf("tokenize failed: %v", err)
	}
	var names []string
	for _, tok := range toks {
		if tok.Kind == TokenIdent {
			names = append(names, tok.Lexeme)
		}
	}
	if len(names) != 2 || names[0] != "x" || names[1] != "y" {
		t.Fatalf("unexpected identifiers %v", names)
	}
}

func TestTokenizePositions(t *testing.T) {
	toks, _ := Tokenize("int\n  x;")
	if toks[0].Line != 1 || toks[0].Column != 1 {
		t.Errorf("int at %d:%d", toks[0].Line, toks[0].Column)
	}
	if toks[1].Line != 2 || toks[1].Column != 3 {
		t.Errorf("x at %d:%d", toks[1].Line, toks[1].Column)
	}
}

func TestTokenizeGreedyPunct(t *testing.T) {
	toks, _ := Tokenize("a<<=b; c->d; e++")
	var puncts []string
	for _, tok := range toks {
		if tok.Kind == TokenPunct {
			puncts = append(puncts, tok.Lexeme)
		}
	}
	want := []string{"<<=", ";", "->", ";", "++"}
	if len(puncts) != len(want) {
		t.Fatalf("expected %v, got %v", want, puncts)
	}
	for i := range want {
		if puncts[i] != want[i] {
			t.Errorf("punct %d: expected %q, got %q", i, want[i], puncts[i])
		}
	}
}

func TestTokenizeErrors(t *testing.T) {
	for _, src := range []string{`"open`, `'a`, "/* open", "`"} {
		if _, err := Tokenize(src); err == nil {
			t.Errorf("%q: expected error", src)
		}
	}
}
