// Package ptyproc starts interactive processes attached to a pseudo-terminal.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	readBufferSize = 32 * 1024

	// drainTimeout bounds how long exit delivery waits for the output
	// reader once the process is gone. A background grandchild can keep the
	// pty slave open indefinitely.
	drainTimeout = 2 * time.Second

	defaultCols = 80
	defaultRows = 24

	defaultTermName = "xterm-256color"
)

// ErrProcessExited is returned by Write and Resize after the process exited.
var ErrProcessExited = errors.New("process exited")

// SpawnError reports that a process could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Options describes a process to start. DisplayName is the terminal type
// advertised to the process through TERM.
type Options struct {
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string
	DisplayName string
	Cols        int
	Rows        int
}

// Handlers receive process output and the exit code. OnExit is called
// exactly once, after the last OnOutput.
type Handlers struct {
	OnOutput func(data []byte)
	OnExit   func(code int)
}

// Process is a running process attached to a pseudo-terminal.
type Process interface {
	Pid() int
	Write(data []byte) (int, error)
	Resize(cols, rows int) error
	// Kill terminates the process and its descendants. It is best-effort:
	// callers cleaning up may ignore the error.
	Kill() error
	// Run registers the handlers and starts pumping output. Output produced
	// before Run is held by the kernel and delivered once Run is called.
	Run(h Handlers)
}

// Spawner creates processes.
type Spawner interface {
	Spawn(opts Options) (Process, error)
}

// PTYSpawner spawns processes on a real pseudo-terminal.
type PTYSpawner struct{}

func (PTYSpawner) Spawn(opts Options) (Process, error) {
	path, err := exec.LookPath(opts.Command)
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(os.Environ(), opts.DisplayName, opts.Env)

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = defaultCols, defaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	return &ptyProcess{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}, nil
}

// buildEnv layers the terminal defaults and then the overlay on top of the
// host environment. Later entries win.
func buildEnv(base []string, termName string, overlay map[string]string) []string {
	if termName == "" {
		termName = defaultTermName
	}
	env := make([]string, 0, len(base)+len(overlay)+2)
	env = append(env, base...)
	env = append(env, "TERM="+termName, "COLORTERM=truecolor")
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	exited bool

	runOnce sync.Once
	done    chan struct{}
}

func (p *ptyProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, ErrProcessExited
	}
	return p.ptmx.Write(data)
}

func (p *ptyProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrProcessExited
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyProcess) Kill() error {
	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}
	return killTree(p.cmd.Process)
}

func (p *ptyProcess) Run(h Handlers) {
	p.runOnce.Do(func() {
		readDone := make(chan struct{})
		go p.readLoop(h.OnOutput, readDone)
		go p.waitLoop(h.OnExit, readDone)
	})
}

func (p *ptyProcess) readLoop(onOutput func([]byte), readDone chan<- struct{}) {
	defer close(readDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && onOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			onOutput(data)
		}
		if err != nil {
			// EIO is how Linux reports a pty whose slave side closed.
			return
		}
	}
}

func (p *ptyProcess) waitLoop(onExit func(int), readDone <-chan struct{}) {
	code := exitCode(p.cmd.Wait())

	select {
	case <-readDone:
	case <-time.After(drainTimeout):
	}

	p.mu.Lock()
	p.exited = true
	_ = p.ptmx.Close()
	p.mu.Unlock()
	close(p.done)

	if onExit != nil {
		onExit(code)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
