package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/wire"
)

// handlePeerConn serves the auxiliary peer-sync port, shared by both
// replication modes per spec §4.1: request_state/state_response for a
// newly joining or restarting replica, and checkpoint/checkpoint_ack for
// the passive protocol's primary-to-backup propagation.
func (s *Server) handlePeerConn(conn *wire.Conn) {
	defer conn.Close()

	e, err := conn.Receive()
	if err != nil {
		return
	}

	switch e.Message {
	case wire.KindRequestState:
		st := s.State()
		if err := conn.Send(wire.New(s.cfg.ID, wire.KindStateResponse, wire.WithState(st))); err != nil {
			s.cfg.Logger.Warn("failed to answer request_state", zap.Error(err))
		}

	case wire.KindCheckpoint:
		if e.State != nil {
			var seq uint64
			if e.Sequence != nil {
				seq = *e.Sequence
			}
			s.applyCheckpoint(*e.State, seq)
		}
		if err := conn.Send(wire.New(s.cfg.ID, wire.KindCheckpointAck)); err != nil {
			s.cfg.Logger.Warn("failed to ack checkpoint", zap.Error(err))
		}

	default:
		s.cfg.Logger.Warn("unexpected message on peer-sync port, dropping", zap.String("kind", string(e.Message)))
	}
}

// applyCheckpoint applies a checkpoint unconditionally with last-writer-
// wins semantics on sequence, per spec §4.1.
func (s *Server) applyCheckpoint(state int64, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.lastCheckpointSeq {
		return
	}
	s.state = state
	s.lastCheckpointSeq = seq
}

// runPeerSyncOnce is the non-primary startup state sync from spec §4.1: on
// learning who the primary is, a backup asks it for the current state with
// a bounded timeout, proceeding with state 0 (already the default) if the
// primary doesn't answer in time.
func (s *Server) runPeerSyncOnce(ctx context.Context, primaryID string) {
	defer s.wg.Done()

	host, ok := s.cfg.Peers[primaryID]
	if !ok {
		s.cfg.Logger.Warn("unknown peer-sync host for primary, proceeding with state 0", zap.String("primary", primaryID))
		return
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.PeerPort)

	deadline := s.cfg.PeerSyncTimeout
	if deadline <= 0 {
		deadline = 3 * time.Second
	}

	resultCh := make(chan wire.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := wire.Dial(addr)
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()

		if err := conn.Send(wire.New(s.cfg.ID, wire.KindRequestState)); err != nil {
			errCh <- err
			return
		}
		resp, err := conn.Receive()
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- resp
	}()

	select {
	case resp := <-resultCh:
		if resp.State != nil {
			s.mu.Lock()
			s.state = *resp.State
			s.mu.Unlock()
			s.cfg.Logger.Info("synced state from primary", zap.String("primary", primaryID), zap.Int64("state", *resp.State))
		}
	case err := <-errCh:
		s.cfg.Logger.Warn("peer state sync failed, proceeding with state 0", zap.String("primary", primaryID), zap.Error(err))
	case <-time.After(deadline):
		s.cfg.Logger.Warn("peer state sync timed out, proceeding with state 0", zap.String("primary", primaryID))
	case <-ctx.Done():
	}
}

// runCheckpointLoop is the primary's periodic fan-out to every other known
// replica, per spec §4.1's checkpoint protocol. It runs independently of
// request handling; missing acks are logged and retried next cadence, they
// never block a client reply.
func (s *Server) runCheckpointLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Promotion() != PromPrimary {
				// Demotion is not modeled (spec §4.1: PRIMARY->DEAD only via
				// process exit), but guard anyway so a stray tick after
				// shutdown can't resurrect a checkpoint broadcast.
				return
			}
			s.broadcastCheckpoint()
		}
	}
}

func (s *Server) broadcastCheckpoint() {
	seq := s.checkpointSeq.Add(1)
	st := s.State()

	var errs error
	for id, host := range s.cfg.Peers {
		if id == s.cfg.ID {
			continue
		}
		if err := s.sendCheckpointTo(id, host, st, seq); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if errs != nil {
		s.cfg.Logger.Warn("checkpoint round had missing acknowledgments, will retry next cadence",
			zap.Uint64("sequence", seq), zap.Error(errs))
	}
}

func (s *Server) sendCheckpointTo(id, host string, state int64, seq uint64) error {
	addr := fmt.Sprintf("%s:%d", host, s.cfg.PeerPort)
	conn, err := wire.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	env := wire.New(s.cfg.ID, wire.KindCheckpoint, wire.WithState(state), wire.WithSequence(seq))
	if err := conn.Send(env); err != nil {
		return err
	}

	ackCh := make(chan wire.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := conn.Receive()
		if err != nil {
			errCh <- err
			return
		}
		ackCh <- resp
	}()

	select {
	case resp := <-ackCh:
		if resp.Message != wire.KindCheckpointAck {
			return fmt.Errorf("unexpected reply kind %q", resp.Message)
		}
		return nil
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("checkpoint ack timed out")
	}
}
