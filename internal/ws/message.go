package ws

import "encoding/json"

// OutgoingMessage is what the server pushes to the client. This service only
// pushes; clients send nothing but pings. Unread badges must not be updated
// from these events alone — only after a successful mark-read response.
type OutgoingMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
