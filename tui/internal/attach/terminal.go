package attach

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Terminal renders an attached session on the local terminal: raw output
// goes to out, connection notices to status.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	status io.Writer
	fd     int
}

// NewTerminal creates a renderer. The terminal size is read from out when
// it is a terminal.
func NewTerminal(out, status io.Writer) *Terminal {
	fd := -1
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &Terminal{out: out, status: status, fd: fd}
}

func (t *Terminal) WriteBytes(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.out.Write(data)
}

func (t *Terminal) WriteText(text string) {
	t.Notice("%s", text)
}

// Size reports the terminal size, or 0x0 when out is not a terminal.
func (t *Terminal) Size() (int, int) {
	if t.fd < 0 {
		return 0, 0
	}
	cols, rows, err := term.GetSize(t.fd)
	if err != nil {
		return 0, 0
	}
	return cols, rows
}

// Notice prints a status line on its own row. The terminal is in raw mode
// while attached, so line endings are explicit.
func (t *Terminal) Notice(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.status, "\r\n[termhub] "+format+"\r\n", args...)
}
