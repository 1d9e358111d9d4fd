// Package console implements the character-cell display bridge: a glyph
// grid with independent color planes, the output escape protocol, line
// input editing, and interpreter cycle auto-tuning. Painting the grid is
// the renderer's job; the console only maintains state.
package console

const (
	DefaultRows = 30
	DefaultCols = 84

	DefaultBG uint32 = 0xFF000000
	DefaultFG uint32 = 0xFFFFFFFF
)

// Control bytes understood by the output path.
const (
	ctrlClearLine  = 0x02 // erase back to line start
	ctrlClearScreen = 0x0C
	escByte        = 0x1B
)

// Console is the character grid plus cursor, color state, and the
// line-input editor. All guest output funnels through PutByte; the
// escape protocol is a state machine layered on that same path.
type Console struct {
	rows, cols int
	glyphs     []byte
	bgPlane    []uint32
	fgPlane    []uint32

	curX, curY   int
	markX, markY int // backspace floor and input start

	bg, fg  uint32
	bgStack []uint32
	fgStack []uint32

	// Escape protocol state.
	inEscape bool
	escBuf   []byte

	// Line input state.
	inputMode bool
	inputBuf  []byte
}

// New creates a console with the given geometry.
func New(rows, cols int) *Console {
	c := &Console{}
	c.Resize(rows, cols)
	return c
}

// Resize reallocates the grid and clears it.
func (c *Console) Resize(rows, cols int) {
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	c.rows, c.cols = rows, cols
	c.glyphs = make([]byte, rows*cols)
	c.bgPlane = make([]uint32, rows*cols)
	c.fgPlane = make([]uint32, rows*cols)
	c.bg, c.fg = DefaultBG, DefaultFG
	for i := range c.bgPlane {
		c.bgPlane[i] = c.bg
		c.fgPlane[i] = c.fg
	}
	c.curX, c.curY = 0, 0
	c.markX, c.markY = 0, 0
}

// Size returns rows, cols.
func (c *Console) Size() (int, int) { return c.rows, c.cols }

// Cursor returns the cursor position.
func (c *Console) Cursor() (x, y int) { return c.curX, c.curY }

// Cell returns the glyph and colors at row r, column x.
func (c *Console) Cell(r, x int) (byte, uint32, uint32) {
	i := r*c.cols + x
	return c.glyphs[i], c.fgPlane[i], c.bgPlane[i]
}

// Row returns one row's glyphs with NULs mapped to spaces.
func (c *Console) Row(r int) string {
	out := make([]byte, c.cols)
	for x := 0; x < c.cols; x++ {
		b := c.glyphs[r*c.cols+x]
		if b == 0 {
			b = ' '
		}
		out[x] = b
	}
	return string(out)
}

// PutString writes each byte of s.
func (c *Console) PutString(s string) {
	for i := 0; i < len(s); i++ {
		c.PutByte(s[i])
	}
}

// PutByte is the canonical output path: printable bytes advance the
// cursor; control bytes implement newline, backspace (honoring the
// mark), carriage return, clear-line, clear-screen, and the escape
// protocol. Malformed escape sequences are silently dropped.
func (c *Console) PutByte(b byte) {
	if c.inEscape {
		c.escStep(b)
		return
	}
	switch {
	case b == escByte:
		c.inEscape = true
		c.escBuf = c.escBuf[:0]
	case b == '\n':
		if c.curY == c.rows-1 {
			c.scroll()
		} else {
			c.curX = 0
			c.curY++
		}
	case b == '\b':
		c.backspace()
	case b == '\r':
		c.curX = 0
	case b == ctrlClearLine:
		for c.curX > 0 {
			c.curX--
			c.draw(0)
		}
	case b == ctrlClearScreen:
		c.clear()
	case b >= 32 && b < 127:
		c.draw(b)
		if c.curX == c.cols-1 {
			if c.curY == c.rows-1 {
				c.scroll()
			} else {
				c.curX = 0
				c.curY++
			}
		} else {
			c.curX++
		}
	}
}

// draw paints b at the cursor with the current colors.
func (c *Console) draw(b byte) {
	i := c.curY*c.cols + c.curX
	c.glyphs[i] = b
	c.bgPlane[i] = c.bg
	c.fgPlane[i] = c.fg
}

// backspace never deletes past the mark.
func (c *Console) backspace() {
	if c.markX+c.markY*c.cols >= c.curX+c.curY*c.cols {
		return
	}
	if c.curX == 0 {
		if c.curY == 0 {
			return
		}
		c.curY--
		c.curX = c.cols - 1
	} else {
		c.curX--
	}
	c.draw(0)
}

// scroll shifts every row up one; the cursor column resets.
func (c *Console) scroll() {
	copy(c.glyphs, c.glyphs[c.cols:])
	copy(c.bgPlane, c.bgPlane[c.cols:])
	copy(c.fgPlane, c.fgPlane[c.cols:])
	base := (c.rows - 1) * c.cols
	for x := 0; x < c.cols; x++ {
		c.glyphs[base+x] = 0
		c.bgPlane[base+x] = c.bg
		c.fgPlane[base+x] = c.fg
	}
	c.curX = 0
	if c.markY > 0 {
		c.markY--
	}
}

func (c *Console) clear() {
	for i := range c.glyphs {
		c.glyphs[i] = 0
		c.bgPlane[i] = c.bg
		c.fgPlane[i] = c.fg
	}
	c.curX, c.curY = 0, 0
	c.markX, c.markY = 0, 0
}

// ---------------------------------------------------------------------------
// Escape protocol: \033B<8hex>\033, \033F<8hex>\033, \033S<digit>\033
// ---------------------------------------------------------------------------

func (c *Console) escStep(b byte) {
	if b != escByte {
		c.escBuf = append(c.escBuf, b)
		if len(c.escBuf) > 9 {
			// Longer than any valid command; drop it.
			c.inEscape = false
		}
		return
	}
	c.inEscape = false
	c.runEscape(c.escBuf)
}

func (c *Console) runEscape(cmd []byte) {
	if len(cmd) < 2 {
		return
	}
	switch cmd[0] {
	case 'B':
		if v, ok := parseHex32(cmd[1:]); ok {
			c.bg = v
		}
	case 'F':
		if v, ok := parseHex32(cmd[1:]); ok {
			c.fg = v
		}
	case 'S':
		if len(cmd) != 2 {
			return
		}
		switch cmd[1] {
		case '0':
			c.PutByte('\n')
		case '1':
			c.bgStack = append(c.bgStack, c.bg)
		case '2':
			c.fgStack = append(c.fgStack, c.fg)
		case '3':
			if n := len(c.bgStack); n > 0 {
				c.bg = c.bgStack[n-1]
				c.bgStack = c.bgStack[:n-1]
			}
		case '4':
			if n := len(c.fgStack); n > 0 {
				c.fg = c.fgStack[n-1]
				c.fgStack = c.fgStack[:n-1]
			}
		}
	}
}

func parseHex32(s []byte) (uint32, bool) {
	if len(s) != 8 {
		return 0, false
	}
	var v uint32
	for _, b := range s {
		var d uint32
		switch {
		case b >= '0' && b <= '9':
			d = uint32(b - '0')
		case b >= 'a' && b <= 'f':
			d = uint32(b-'a') + 10
		case b >= 'A' && b <= 'F':
			d = uint32(b-'A') + 10
		default:
			return 0, false
		}
		v = v<<4 | d
	}
	return v, true
}

// Colors returns the current output colors.
func (c *Console) Colors() (bg, fg uint32) { return c.bg, c.fg }

// ---------------------------------------------------------------------------
// Line input
// ---------------------------------------------------------------------------

// StartInput enters line-input mode and marks the cursor position so
// editing cannot erase earlier output.
func (c *Console) StartInput() {
	c.inputMode = true
	c.inputBuf = c.inputBuf[:0]
	c.markX, c.markY = c.curX, c.curY
}

// CancelInput leaves input mode without committing.
func (c *Console) CancelInput() {
	c.inputMode = false
	c.inputBuf = c.inputBuf[:0]
}

// InputActive reports whether line input is being edited.
func (c *Console) InputActive() bool { return c.inputMode }

// Key feeds one key event during line input. It returns the committed
// line and true when a commit byte (CR, EOT, SUB) arrives; until then
// printable bytes echo and accumulate and backspace edits.
func (c *Console) Key(b byte) (string, bool) {
	if !c.inputMode {
		return "", false
	}
	switch {
	case b == '\r' || b == '\n' || b == 0x04 || b == 0x1A:
		line := string(c.inputBuf)
		c.inputMode = false
		c.inputBuf = c.inputBuf[:0]
		c.PutByte('\n')
		return line, true
	case b == '\b' || b == 0x7F:
		if len(c.inputBuf) > 0 {
			c.inputBuf = c.inputBuf[:len(c.inputBuf)-1]
			c.PutByte('\b')
		}
	case b >= 32 && b < 127:
		c.inputBuf = append(c.inputBuf, b)
		c.PutByte(b)
	}
	return "", false
}
