// Package session owns the terminal sessions hosted by the server: one
// pty-backed process per session, the set of attached subscribers, and the
// output buffered while nobody is attached.
package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Status int

const (
	StatusRunning Status = iota
	StatusExited
)

var statusNames = map[Status]string{
	StatusRunning: "running",
	StatusExited:  "exited",
}

var statusFromName = map[string]Status{
	"running": StatusRunning,
	"exited":  StatusExited,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown session status %q", name)
	}
	*s = v
	return nil
}

// Info is the public view of a session. Values returned by the Registry are
// snapshots; mutating them has no effect on the registry.
type Info struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Command   string    `json:"command"`
	Args      []string  `json:"args"`
	Cwd       string    `json:"cwd"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (i *Info) clone() *Info {
	c := *i
	c.Args = slices.Clone(i.Args)
	if i.ExitCode != nil {
		code := *i.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// Size is a terminal geometry in character cells.
type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Valid reports whether both dimensions are positive and fit a pty winsize.
func (s Size) Valid() bool {
	return s.Cols > 0 && s.Rows > 0 && s.Cols <= 0xffff && s.Rows <= 0xffff
}

// CreateInput describes a session to create. Zero values select the
// registry defaults. BufferSize overrides the ceiling for output buffered
// while no subscriber is attached.
type CreateInput struct {
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Title      string            `json:"title,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Size       *Size             `json:"size,omitempty"`
	BufferSize int               `json:"bufferSize,omitempty"`
}

// UpdateInput carries the mutable fields of a session. Nil fields are left
// unchanged.
type UpdateInput struct {
	Title *string `json:"title,omitempty"`
	Size  *Size   `json:"size,omitempty"`
}

// Limits bound the output buffered per session. MaxBufferSize caps the
// BufferSize a create request may ask for.
type Limits struct {
	BufferSize     int
	FlushChunkSize int
	MaxBufferSize  int
}
