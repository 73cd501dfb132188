package server

import (
	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/wire"
)

// applyOp executes a client operation against the counter and returns the
// reply envelope, or the zero Envelope if kind is not a recognized
// operation. The one-line application semantics of increase/decrease/
// update/ping are deliberately minimal per spec §1 — only the external
// reply contract in spec §6 is load-bearing.
func (s *Server) applyOp(e wire.Envelope) (wire.Envelope, bool) {
	var replyKind wire.Kind
	var newState int64

	switch e.Message {
	case wire.KindIncrease:
		s.mu.Lock()
		s.state++
		newState = s.state
		s.mu.Unlock()
		replyKind = wire.KindStateIncreased

	case wire.KindDecrease:
		s.mu.Lock()
		s.state--
		newState = s.state
		s.mu.Unlock()
		replyKind = wire.KindStateDecreased

	case wire.KindUpdate:
		s.mu.Lock()
		s.state++
		newState = s.state
		s.mu.Unlock()
		replyKind = wire.KindStateUpdated

	case wire.KindPing:
		s.mu.Lock()
		newState = s.state
		s.mu.Unlock()
		replyKind = wire.KindPong

	default:
		return wire.Envelope{}, false
	}

	opts := []wire.Option{wire.WithState(newState)}
	if e.RequestNumber != nil {
		opts = append(opts, wire.WithRequestNumber(*e.RequestNumber))
	}
	return wire.New(s.cfg.ID, replyKind, opts...), true
}

// handleClientConn serves one client connection end to end, preserving
// request/response order within the connection per spec §5. In passive
// mode, a non-primary replica reads and discards client traffic instead
// of closing the connection, matching spec §4.1's "backups silently
// ignore client traffic unless promoted."
func (s *Server) handleClientConn(conn *wire.Conn) {
	defer conn.Close()

	for {
		e, err := conn.Receive()
		if err != nil {
			return
		}

		if e.Message == wire.KindExit {
			return
		}

		if s.cfg.Mode == ModePassive && s.Promotion() != PromPrimary {
			continue
		}

		reply, ok := s.applyOp(e)
		if !ok {
			s.cfg.Logger.Warn("unexpected client message, dropping", zap.String("kind", string(e.Message)))
			continue
		}

		if err := conn.Send(reply); err != nil {
			s.cfg.Logger.Warn("failed to reply to client", zap.Error(err))
			return
		}
	}
}
