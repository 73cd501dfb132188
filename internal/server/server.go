// Package server implements the Server replica component (spec §4.1): it
// holds the application counter, sustains the LFD heartbeat channel, and
// runs either the active or passive replication protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/wire"
)

// Mode selects which replication discipline this replica runs.
type Mode int

const (
	ModeActive Mode = iota
	ModePassive
)

func (m Mode) String() string {
	if m == ModeActive {
		return "active"
	}
	return "passive"
}

// Config configures a Server. Peers maps known replica identifiers to
// their peer-sync hosts (an entry for this replica's own ID is skipped by
// the checkpoint broadcast); PeerPort is appended to build the dial
// address.
type Config struct {
	ID   string
	Mode Mode

	ClientListenAddr string
	PeerListenAddr   string
	LFDAddr          string

	Peers    map[string]string
	PeerPort int

	CheckpointInterval time.Duration
	PeerSyncTimeout    time.Duration
	HeartbeatGrace     time.Duration

	Logger *zap.Logger
}

// Server is one replica process.
type Server struct {
	cfg Config

	mu                sync.Mutex
	state             int64
	lastCheckpointSeq uint64

	promotion atomic.Int32

	primaryMu sync.Mutex
	primaryID string

	checkpointSeq atomic.Uint64

	clientLn net.Listener
	peerLn   net.Listener

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Server ready to Run.
func New(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// State returns the current counter value, for tests and diagnostics.
func (s *Server) State() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Promotion reports this replica's current promotion state.
func (s *Server) Promotion() Promotion {
	return Promotion(s.promotion.Load())
}

// CurrentPrimary reports the replica this instance currently believes
// holds the primary/reliable designation, or "" before any directive has
// arrived.
func (s *Server) CurrentPrimary() string {
	return s.currentPrimary()
}

// Run starts every task owned by this replica and blocks until ctx is
// canceled or a fatal bind error occurs.
func (s *Server) Run(ctx context.Context) error {
	logger := s.cfg.Logger

	clientLn, err := net.Listen("tcp", s.cfg.ClientListenAddr)
	if err != nil {
		return fmt.Errorf("server: bind client listener: %w", err)
	}
	s.clientLn = clientLn

	peerLn, err := net.Listen("tcp", s.cfg.PeerListenAddr)
	if err != nil {
		clientLn.Close()
		return fmt.Errorf("server: bind peer listener: %w", err)
	}
	s.peerLn = peerLn

	logger.Info("replica listening",
		zap.String("mode", s.cfg.Mode.String()),
		zap.String("client_addr", s.cfg.ClientListenAddr),
		zap.String("peer_addr", s.cfg.PeerListenAddr))

	s.wg.Add(2)
	go s.acceptLoop(clientLn, s.handleClientConn)
	go s.acceptLoop(peerLn, s.handlePeerConn)

	s.wg.Add(1)
	go s.runLFDLink(ctx)

	<-ctx.Done()
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.clientLn != nil {
			s.clientLn.Close()
		}
		if s.peerLn != nil {
			s.peerLn.Close()
		}
	})
}

// acceptLoop hands every accepted connection to its own task, per spec §5's
// per-connection-task and accept-loop concurrency patterns.
func (s *Server) acceptLoop(ln net.Listener, handle func(*wire.Conn)) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(wire.NewConn(c))
		}()
	}
}

func (s *Server) setPrimary(id string) {
	s.primaryMu.Lock()
	s.primaryID = id
	s.primaryMu.Unlock()
}

func (s *Server) currentPrimary() string {
	s.primaryMu.Lock()
	defer s.primaryMu.Unlock()
	return s.primaryID
}
