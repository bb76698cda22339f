package streaming

import (
	"context"
	"slices"

	"github.com/rendis/flowsync/internal/transport"
)

// Envelope is a frame in flight between the relay's connections for one diagram.
type Envelope struct {
	DiagramID string          `json:"diagram_id"`
	Frame     transport.Frame `json:"frame"`
}

// Filter specifies which envelopes a subscriber wants to receive.
type Filter struct {
	DiagramID string `json:"diagram_id,omitempty"`
	// ClientID is the recipient. Frames it sent are skipped, as are frames
	// targeted at another client.
	ClientID string                `json:"client_id,omitempty"`
	Types    []transport.FrameType `json:"types,omitempty"`
}

// Hub provides pub/sub fan-out of frames between relay connections.
//
// A subscriber that cannot keep up is evicted: its channel is closed and it
// must resubscribe and resynchronize. Frames are never silently dropped for a
// live subscriber.
type Hub interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error)
}

// Match reports whether env passes f.
func (f Filter) Match(env Envelope) bool {
	if f.DiagramID != "" && f.DiagramID != env.DiagramID {
		return false
	}
	if f.ClientID != "" {
		if env.Frame.Sender == f.ClientID {
			return false
		}
		if env.Frame.Target != "" && env.Frame.Target != f.ClientID {
			return false
		}
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, env.Frame.Type) {
		return false
	}
	return true
}
