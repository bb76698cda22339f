package transport

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/pkg/schema"
)

// FrameType enumerates the messages exchanged over a diagram channel.
type FrameType uint8

const (
	FrameUpdate      FrameType = iota + 1 // encoded delta produced by a local transaction
	FrameSyncRequest                      // encoded state vector; peers answer with a FrameSyncReply
	FrameSyncReply                        // encoded delta addressed to Target
	FrameSyncDone                         // relay finished replaying the stored log
	FrameAwareness                        // JSON presence of the sender
)

func (t FrameType) String() string {
	switch t {
	case FrameUpdate:
		return "update"
	case FrameSyncRequest:
		return "sync_request"
	case FrameSyncReply:
		return "sync_reply"
	case FrameSyncDone:
		return "sync_done"
	case FrameAwareness:
		return "awareness"
	default:
		return "unknown"
	}
}

// Frame is one binary websocket message. Sender is stamped by the relay; Target is
// only set on frames routed to a single client.
type Frame struct {
	Type    FrameType
	Sender  string
	Target  string
	Payload []byte
}

const (
	fieldFrameType    = 1
	fieldFrameSender  = 2
	fieldFrameTarget  = 3
	fieldFramePayload = 4
)

// Encode serializes the frame in protobuf wire format.
func (f Frame) Encode() []byte {
	b := make([]byte, 0, len(f.Payload)+len(f.Sender)+len(f.Target)+16)
	b = protowire.AppendTag(b, fieldFrameType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if f.Sender != "" {
		b = protowire.AppendTag(b, fieldFrameSender, protowire.BytesType)
		b = protowire.AppendString(b, f.Sender)
	}
	if f.Target != "" {
		b = protowire.AppendTag(b, fieldFrameTarget, protowire.BytesType)
		b = protowire.AppendString(b, f.Target)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldFramePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// DecodeFrame parses a frame. Unknown fields are skipped.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, badFrame(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldFrameType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, badFrame(protowire.ParseError(n))
			}
			f.Type = FrameType(v)
			b = b[n:]
		case typ == protowire.BytesType && (num == fieldFrameSender || num == fieldFrameTarget || num == fieldFramePayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, badFrame(protowire.ParseError(n))
			}
			switch num {
			case fieldFrameSender:
				f.Sender = string(v)
			case fieldFrameTarget:
				f.Target = string(v)
			default:
				f.Payload = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, badFrame(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Type < FrameUpdate || f.Type > FrameAwareness {
		return Frame{}, schema.NewErrorf(schema.ErrCodeMalformedDelta, "unknown frame type %d", f.Type)
	}
	return f, nil
}

func badFrame(err error) error {
	return schema.NewError(schema.ErrCodeMalformedDelta, "invalid frame").WithCause(err)
}

// UpdateFrame wraps a local delta.
func UpdateFrame(d crdt.Delta) Frame {
	return Frame{Type: FrameUpdate, Payload: d.Encode()}
}

// SyncRequestFrame asks peers for everything missing from sv.
func SyncRequestFrame(sv crdt.StateVector) Frame {
	return Frame{Type: FrameSyncRequest, Payload: sv.Encode()}
}

// SyncReplyFrame answers a sync request from target.
func SyncReplyFrame(target string, d crdt.Delta) Frame {
	return Frame{Type: FrameSyncReply, Target: target, Payload: d.Encode()}
}

// SyncDoneFrame marks the end of the relay's log replay.
func SyncDoneFrame() Frame {
	return Frame{Type: FrameSyncDone}
}

// AwarenessFrame carries an encoded presence state.
func AwarenessFrame(payload []byte) Frame {
	return Frame{Type: FrameAwareness, Payload: payload}
}
