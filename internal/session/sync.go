package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/pkg/schema"
)

// handleFrame runs on the transport's reader goroutine.
func (s *Session) handleFrame(f transport.Frame) {
	switch f.Type {
	case transport.FrameUpdate, transport.FrameSyncReply:
		s.mergeFrame(f)
	case transport.FrameSyncRequest:
		s.answerSyncRequest(f)
	case transport.FrameSyncDone:
		s.onSyncDone()
	case transport.FrameAwareness:
		s.onAwareness(f)
	}
}

func (s *Session) mergeFrame(f transport.Frame) {
	delta, err := crdt.DecodeDelta(f.Payload)
	if err != nil {
		s.rejectDelta(f, err)
		return
	}
	var gap bool
	err = s.update(func() error {
		if !s.synced {
			// Own ops replayed by the relay are already in its log.
			if c := delta.MaxClock(s.doc.ClientID()); c > s.acked {
				s.acked = c
			}
		}
		_, err := s.doc.Merge(delta, OriginRemote)
		gap = schema.HasCode(err, schema.ErrCodeCausalGap)
		return err
	})
	if err != nil {
		s.rejectDelta(f, err)
		if gap {
			s.requestSync()
		}
	}
}

func (s *Session) rejectDelta(f transport.Frame, err error) {
	s.logger.WarnContext(s.ctx, "remote delta rejected",
		slog.String("type", f.Type.String()),
		slog.String("sender", f.Sender),
		slog.String("error", err.Error()),
	)
	s.statuses.emit(StatusEvent{Kind: StatusMergeRejected, Err: err})
}

func (s *Session) answerSyncRequest(f transport.Frame) {
	sv, err := crdt.DecodeStateVector(f.Payload)
	if err != nil {
		s.logger.WarnContext(s.ctx, "malformed sync request", slog.String("sender", f.Sender), slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	diff := s.doc.DiffSince(sv)
	s.mu.Unlock()
	if diff.Empty() {
		return
	}
	if err := s.tr.Send(transport.SyncReplyFrame(f.Sender, diff)); err != nil {
		s.logger.DebugContext(s.ctx, "sync reply not sent", slog.String("error", err.Error()))
	}
}

func (s *Session) requestSync() {
	s.mu.Lock()
	sv := s.doc.StateVector()
	s.mu.Unlock()
	if err := s.tr.Send(transport.SyncRequestFrame(sv)); err != nil {
		s.logger.DebugContext(s.ctx, "sync request not sent", slog.String("error", err.Error()))
	}
}

// onSyncDone marks the end of the relay's replay on the current connection.
// Everything past the last own op seen in the replay is resent, and peers are
// asked for whatever they hold that the log lacks.
func (s *Session) onSyncDone() {
	s.mu.Lock()
	s.synced = true
	s.epoch++
	s.lastFlushed = s.acked
	s.mu.Unlock()
	s.syncOnce.Do(func() { close(s.syncDone) })
	s.flushSoon()
	s.requestSync()
}

func (s *Session) handleStatus(st transport.Status) {
	if st != transport.StatusOnline {
		s.mu.Lock()
		s.synced = false
		s.epoch++
		s.acked = 0
		s.mu.Unlock()
	}
	if st == transport.StatusOffline || st == transport.StatusClosed {
		s.offlineOnce.Do(func() { close(s.offline) })
	}
	s.logger.DebugContext(s.ctx, "transport status", slog.String("status", st.String()))
	s.statuses.emit(StatusEvent{Kind: StatusConnection, Connection: st})
}

// flushSoon wakes the outbox without blocking.
func (s *Session) flushSoon() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// outbox ships local ops to the relay. It sends only once the relay replay is
// over, so a reconnect sends one accumulated delta of everything the log lacks.
func (s *Session) outbox() {
	defer s.wg.Done()
	var retry <-chan time.Time
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		case <-retry:
		}
		retry = nil
		if err := s.flush(); errors.Is(err, transport.ErrBackpressure) {
			retry = time.After(s.cfg.RetryInterval)
		}
	}
}

// flush sends the ops the relay has not seen yet. The lock is not held while
// sending; epoch detects a reconnect that happened meanwhile.
func (s *Session) flush() error {
	s.mu.Lock()
	if !s.synced {
		s.mu.Unlock()
		return nil
	}
	delta := s.doc.LocalSince(s.lastFlushed)
	upTo, epoch := s.doc.LocalClock(), s.epoch
	s.mu.Unlock()
	if delta.Empty() {
		return nil
	}
	if err := s.tr.Send(transport.UpdateFrame(delta)); err != nil {
		// Offline: the ops stay in the log and go out after the next replay.
		return err
	}
	s.mu.Lock()
	if s.epoch == epoch && upTo > s.lastFlushed {
		s.lastFlushed = upTo
	}
	s.mu.Unlock()
	return nil
}
