package store

import "time"

// Update is one entry of a diagram's update log. Data is an encoded delta the
// store never interprets.
type Update struct {
	ID        int64     `json:"id"`
	DiagramID string    `json:"diagram_id"`
	Sequence  int64     `json:"sequence"`
	ClientID  string    `json:"client_id,omitempty"`
	Data      []byte    `json:"data"`
	Compacted bool      `json:"compacted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateStat summarizes the update log of one diagram.
type UpdateStat struct {
	DiagramID   string `json:"diagram_id"`
	Rows        int    `json:"rows"`
	Bytes       int64  `json:"bytes"`
	MaxSequence int64  `json:"max_sequence"`
}

// DiagramFilter specifies criteria for listing diagrams.
type DiagramFilter struct {
	NameContains string `json:"name_contains,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}
