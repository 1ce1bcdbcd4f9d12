package ptyproc

import (
	"errors"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// killTree kills every descendant of root, deepest first, and then root
// itself. Processes that disappear while the tree is walked are not errors.
func killTree(root *os.Process) error {
	var errs []error
	if parent, err := process.NewProcess(int32(root.Pid)); err == nil {
		for _, child := range descendants(parent) {
			if err := child.Kill(); err != nil && !isGone(child) {
				errs = append(errs, err)
			}
		}
	}
	if err := root.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// descendants returns the process tree below p in post-order, so children
// are listed before their parents.
func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, child := range children {
		out = append(out, descendants(child)...)
		out = append(out, child)
	}
	return out
}

func isGone(p *process.Process) bool {
	running, err := p.IsRunning()
	return err != nil || !running
}
