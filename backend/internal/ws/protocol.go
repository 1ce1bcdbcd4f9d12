package ws

import (
	"encoding/json"

	"github.com/termhub/termhub/backend/internal/session"
)

// MessageType tags messages on the /ws/events stream.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgCreated  MessageType = "created"
	MsgUpdated  MessageType = "updated"
	MsgExited   MessageType = "exited"
	MsgDeleted  MessageType = "deleted"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.Info `json:"sessions"`
}

type SessionPayload struct {
	Session *session.Info `json:"session"`
}

type ExitedPayload struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
}

type DeletedPayload struct {
	ID string `json:"id"`
}

// ControlResize is the only control frame type a terminal socket accepts.
const ControlResize = "resize"

// ControlMessage is a text frame sent by a terminal client to steer the
// session rather than feed it input.
type ControlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// parseControl reports whether a text frame is a well-formed control
// message. Anything else is treated as terminal input by the caller.
func parseControl(data []byte) (ControlMessage, bool) {
	if len(data) == 0 || data[0] != '{' {
		return ControlMessage{}, false
	}
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	if msg.Type != ControlResize {
		return ControlMessage{}, false
	}
	return msg, true
}

// eventMessage converts a registry event into its wire form.
func eventMessage(ev session.Event) WSMessage {
	switch ev.Type {
	case session.EventCreated:
		return WSMessage{Type: MsgCreated, Payload: SessionPayload{Session: ev.Session}}
	case session.EventUpdated:
		return WSMessage{Type: MsgUpdated, Payload: SessionPayload{Session: ev.Session}}
	case session.EventExited:
		return WSMessage{Type: MsgExited, Payload: ExitedPayload{ID: ev.ID, ExitCode: ev.ExitCode}}
	default:
		return WSMessage{Type: MsgDeleted, Payload: DeletedPayload{ID: ev.ID}}
	}
}
