package websocket

import "github.com/google/uuid"

type SocketMessageType int

const (
	// Update messages carry controller activity (task progress, cycle
	// summaries) and are broadcast to every connected client.
	Update SocketMessageType = iota

	// Welcome is sent once to a newly connected client and carries the
	// controller's current state so the client need not wait for the
	// next update.
	Welcome
)

// SocketMessage is the envelope pushed over the activity stream. The
// stream is one-way: clients listen, they do not command.
type SocketMessage struct {
	Title string            `json:"title"`
	Body  map[string]any    `json:"arguments"`
	Type  SocketMessageType `json:"type"`

	// Target restricts delivery to a single client (used for the
	// welcome payload); nil means broadcast.
	Target *uuid.UUID `json:"-"`
}
