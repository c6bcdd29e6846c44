package model

import "time"

// ReadMarker records that user_id has read message_id. At most one row exists
// per (message_id, user_id); the pair is the primary key in the store, and a
// marker is never written for the message's own author.
type ReadMarker struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
