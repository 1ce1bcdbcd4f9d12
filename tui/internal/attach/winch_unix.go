//go:build !windows

package attach

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyResize calls onResize on every SIGWINCH until the returned stop
// function is called.
func notifyResize(onResize func()) (stop func()) {
	sigCh := make(chan os.Signal, 4)
	done := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				onResize()
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
