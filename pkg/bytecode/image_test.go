package bytecode

import (
	"strings"
	"testing"
)

func TestImageRoundTrip(t *testing.T) {
	img := &Image{
		Text:  []uint32{uint32(OpImm), 42, uint32(OpExit)},
		Data:  []byte("hello\x00"),
		Entry: 0,
	}
	enc, err := MarshalImage(img)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalImage(enc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Text) != 3 || got.Text[1] != 42 {
		t.Fatalf("text mismatch: %v", got.Text)
	}
	if string(got.Data) != "hello\x00" {
		t.Fatalf("data mismatch: %q", got.Data)
	}
	if got.Entry != 0 {
		t.Fatalf("entry mismatch: %d", got.Entry)
	}
}

func TestImageDeterministicEncoding(t *testing.T) {
	img := &Image{Text: []uint32{1, 2, 3}, Data: []byte{4, 5}, Entry: 1}
	a, _ := MarshalImage(img)
	b, _ := MarshalImage(img)
	if string(a) != string(b) {
		t.Fatal("canonical encoding should be deterministic")
	}
}

func TestImageBadMagic(t *testing.T) {
	enc, _ := imageEncMode.Marshal(imageWire{Magic: "NOPE", Version: 1})
	if _, err := UnmarshalImage(enc); err == nil {
		t.Fatal("expected magic validation error")
	}
}

func TestImageNewerVersionRejected(t *testing.T) {
	enc, _ := imageEncMode.Marshal(imageWire{Magic: ImageMagic, Version: ImageVersion + 1})
	if _, err := UnmarshalImage(enc); err == nil {
		t.Fatal("expected version validation error")
	}
}

func TestTextBytesLittleEndian(t *testing.T) {
	img := &Image{Text: []uint32{0x04030201}}
	b := img.TextBytes()
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d: expected %d, got %d", i, want[i], b[i])
		}
	}
}

func TestDisassemble(t *testing.T) {
	text := []uint32{
		uint32(OpImm), 7,
		uint32(OpPush),
		uint32(OpImm), 3,
		uint32(OpAdd),
		uint32(OpExit),
	}
	out := Disassemble(text)
	for _, want := range []string{"IMM", "PUSH", "ADD", "EXIT"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
	line, next := DisassembleAt(text, 0)
	if !strings.Contains(line, "IMM") || !strings.Contains(line, "7") {
		t.Errorf("unexpected first line: %q", line)
	}
	if next != 2 {
		t.Errorf("expected next=2, got %d", next)
	}
}
