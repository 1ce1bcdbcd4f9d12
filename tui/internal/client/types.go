package client

import (
	"encoding/json"
	"time"
)

// SessionStatus mirrors the server's session status strings.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusExited  SessionStatus = "exited"
)

// SessionInfo is a session as reported by the server.
type SessionInfo struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	Cwd       string        `json:"cwd"`
	Status    SessionStatus `json:"status"`
	PID       int           `json:"pid"`
	Cols      int           `json:"cols"`
	Rows      int           `json:"rows"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Size is a terminal geometry in character cells.
type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// CreateRequest is the body of POST /api/sessions.
type CreateRequest struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Title   string            `json:"title,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Size    *Size             `json:"size,omitempty"`
}

// UpdateRequest is the body of PATCH /api/sessions/{id}.
type UpdateRequest struct {
	Title *string `json:"title,omitempty"`
	Size  *Size   `json:"size,omitempty"`
}

// MessageType tags messages on the event stream.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgCreated  MessageType = "created"
	MsgUpdated  MessageType = "updated"
	MsgExited   MessageType = "exited"
	MsgDeleted  MessageType = "deleted"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope of every event stream message.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*SessionInfo `json:"sessions"`
}

type SessionPayload struct {
	Session *SessionInfo `json:"session"`
}

type ExitedPayload struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
}

type DeletedPayload struct {
	ID string `json:"id"`
}

// resizeControl is the control frame that resizes the attached session.
type resizeControl struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}
