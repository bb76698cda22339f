package session

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/pkg/schema"
)

// SetPresence broadcasts this client's awareness state. Presence is ephemeral:
// it never enters the document or the undo history.
func (s *Session) SetPresence(p schema.Presence) error {
	p.ClientID = s.clientID
	p.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(p)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode presence").WithCause(err)
	}
	return s.tr.Send(transport.AwarenessFrame(payload))
}

// OnPresence registers a handler for peer awareness changes.
func (s *Session) OnPresence(fn func(PresenceEvent)) (cancel func()) {
	return s.presence.add(fn)
}

// Peers returns the known presence of other clients ordered by client id.
func (s *Session) Peers() []schema.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Presence, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (s *Session) onAwareness(f transport.Frame) {
	if f.Sender == "" || f.Sender == s.clientID {
		return
	}
	if len(f.Payload) == 0 {
		s.mu.Lock()
		delete(s.peers, f.Sender)
		s.mu.Unlock()
		s.presence.emit(PresenceEvent{ClientID: f.Sender})
		return
	}
	var p schema.Presence
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		s.logger.DebugContext(s.ctx, "malformed presence", slog.String("sender", f.Sender), slog.String("error", err.Error()))
		return
	}
	p.ClientID = f.Sender
	s.mu.Lock()
	s.peers[f.Sender] = p
	s.mu.Unlock()
	s.presence.emit(PresenceEvent{ClientID: f.Sender, Presence: &p})
}
