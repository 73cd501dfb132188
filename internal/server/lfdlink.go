package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/waitutil"
	"github.com/mmwathe/replicated-counter/internal/wire"
)

// runLFDLink owns the replica's single connection to its local LFD: it
// dials, sends the unsolicited register, then answers heartbeats and
// reacts to promotion directives until the connection drops or ctx is
// canceled. Per spec §4.1, losing this link is fatal to the replica's
// membership (the LFD will eventually report it as removed) but is not
// fatal to in-flight client requests, so this loop never touches the
// client or peer listeners on failure — it simply tries to reconnect.
func (s *Server) runLFDLink(ctx context.Context) {
	defer s.wg.Done()

	backoff := waitutil.NewBackoff(time.Second, 2, 10*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		conn, err := wire.Dial(s.cfg.LFDAddr)
		if err != nil {
			s.cfg.Logger.Warn("failed to connect to LFD, retrying", zap.Error(err), zap.Duration("backoff", backoff.Duration()))
			select {
			case <-time.After(backoff.Duration()):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			backoff.Backoff()
			continue
		}
		backoff.Reset()

		reg := s.buildRegister()
		if err := conn.Send(reg); err != nil {
			s.cfg.Logger.Warn("failed to send register to LFD", zap.Error(err))
			conn.Close()
			continue
		}
		s.cfg.Logger.Info("registered with LFD", zap.String("lfd_addr", s.cfg.LFDAddr))

		s.serveLFDConn(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
	}
}

func (s *Server) buildRegister() wire.Envelope {
	opts := []wire.Option{wire.WithServerID(s.cfg.ID)}
	if s.cfg.Mode == ModePassive {
		opts = append(opts, wire.WithCheckpointFreq(int(s.cfg.CheckpointInterval.Seconds())))
	}
	return wire.New(s.cfg.ID, wire.KindRegister, opts...)
}

func (s *Server) serveLFDConn(ctx context.Context, conn *wire.Conn) {
	for {
		e, err := conn.Receive()
		if err != nil {
			s.cfg.Logger.Warn("LFD connection lost", zap.Error(err))
			return
		}

		switch e.Message {
		case wire.KindHeartbeat:
			if err := conn.Send(wire.New(s.cfg.ID, wire.KindHeartbeatAck)); err != nil {
				s.cfg.Logger.Warn("failed to ack heartbeat", zap.Error(err))
				return
			}
		case wire.KindNewPrimary, wire.KindNewReliable:
			s.handlePromotionDirective(ctx, e.ReplicaID())
		default:
			s.cfg.Logger.Warn("unexpected message from LFD, dropping", zap.String("kind", string(e.Message)))
		}
	}
}

// handlePromotionDirective applies the promotion state machine transitions
// from spec §4.1: JOINING->BACKUP on learning another replica holds the
// designation, JOINING->PRIMARY or BACKUP->PRIMARY on learning this
// replica does.
func (s *Server) handlePromotionDirective(ctx context.Context, designee string) {
	s.setPrimary(designee)

	if designee == s.cfg.ID {
		prev := Promotion(s.promotion.Swap(int32(PromPrimary)))
		if prev != PromPrimary {
			s.cfg.Logger.Info("promoted", zap.String("from", prev.String()), zap.String("to", "PRIMARY"))
			if s.cfg.Mode == ModePassive {
				s.wg.Add(1)
				go s.runCheckpointLoop(ctx)
			}
		}
		return
	}

	prev := Promotion(s.promotion.Load())
	switch prev {
	case PromJoining:
		s.promotion.Store(int32(PromBackup))
		s.cfg.Logger.Info("promotion state transition", zap.String("from", "JOINING"), zap.String("to", "BACKUP"), zap.String("primary", designee))
		// Both modes sync state from the current authority on first learning
		// who it is: the primary in passive mode, the "reliable" replica in
		// active mode (spec §3). Only passive mode additionally relies on
		// ongoing checkpoints to stay in sync afterwards.
		s.wg.Add(1)
		go s.runPeerSyncOnce(ctx, designee)
	case PromBackup:
		s.cfg.Logger.Info("primary designation changed", zap.String("primary", designee))
	case PromPrimary:
		// Spec §4.1 defines no PRIMARY->BACKUP transition; a correctly
		// functioning control plane never names a different replica while
		// this one still believes it is primary. Log and keep running as
		// primary rather than silently demoting.
		s.cfg.Logger.Warn("received directive naming another replica while still PRIMARY",
			zap.String("named", designee))
	}
}
