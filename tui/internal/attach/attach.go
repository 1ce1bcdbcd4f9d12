// Package attach connects the local terminal to a remote session and keeps
// it attached across network interruptions until the user detaches or the
// session ends.
package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/muesli/cancelreader"
	"github.com/termhub/termhub/tui/internal/client"
	"golang.org/x/term"
)

// DetachKey is Ctrl-].
const DetachKey byte = 0x1d

// Outcome says why an attach ended.
type Outcome int

const (
	// Detached means the user pressed the detach key or input closed. The
	// session keeps running on the server.
	Detached Outcome = iota
	// Ended means the server closed the session.
	Ended
	// Cancelled means the context was cancelled.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Detached:
		return "detached"
	case Ended:
		return "session ended"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Options configure an attach.
type Options struct {
	// URL is the session's terminal websocket URL.
	URL    string
	Header http.Header

	// In, Out and Status default to stdin, stdout and stderr.
	In     io.Reader
	Out    io.Writer
	Status io.Writer

	// NetPoll is the interface polling interval of the network watcher.
	NetPoll time.Duration
	// Schedule overrides the reconnect backoff.
	Schedule []time.Duration
}

func (o *Options) defaults() {
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Status == nil {
		o.Status = os.Stderr
	}
}

// Run attaches to the session and blocks until the user detaches, the
// session ends, or ctx is cancelled. When In is a terminal it is put in raw
// mode for the duration.
func Run(ctx context.Context, opts Options) (Outcome, error) {
	opts.defaults()

	if f, ok := opts.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return Detached, fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, oldState) }()
	}

	in, err := cancelreader.NewReader(opts.In)
	if err != nil {
		return Detached, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	tty := NewTerminal(opts.Out, opts.Status)

	ended := make(chan struct{})
	var endOnce sync.Once
	r := client.NewReconnector(client.Options{
		URL:      opts.URL,
		Header:   opts.Header,
		Schedule: opts.Schedule,
	}, tty, client.Hooks{
		OnReconnecting: func(attempt int, delay time.Duration) {
			tty.Notice("connection lost, retrying in %s (attempt %d)", delay, attempt)
		},
		OnReconnected: func() {
			tty.Notice("reconnected")
		},
		OnSessionEnded: func() {
			endOnce.Do(func() { close(ended) })
		},
	})
	defer r.Disconnect()

	r.AddCleanup(notifyResize(r.Resize))

	netCtx, stopNet := context.WithCancel(ctx)
	r.AddCleanup(stopNet)
	go client.NewNetWatcher(opts.NetPoll).Run(netCtx, r.NetworkRestored)

	detached := make(chan error, 1)
	go func() { detached <- pumpInput(in, r) }()

	r.Start()

	select {
	case <-ended:
		in.Cancel()
		tty.Notice("session ended")
		return Ended, nil
	case err := <-detached:
		return Detached, err
	case <-ctx.Done():
		in.Cancel()
		return Cancelled, nil
	}
}

// pumpInput forwards input to the session until the detach key, EOF, or
// cancellation. Bytes typed before the detach key are still sent.
func pumpInput(in io.Reader, r *client.Reconnector) error {
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, DetachKey); i >= 0 {
				r.Send(bytes.Clone(chunk[:i]))
				return nil
			}
			r.Send(bytes.Clone(chunk))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, cancelreader.ErrCanceled) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
	}
}
