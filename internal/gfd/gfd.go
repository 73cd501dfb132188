// Package gfd implements the Global Fault Detector (spec §4.3): the
// singleton that aggregates every LFD's view of its Server into one
// membership set and reports changes to the Replication Manager.
package gfd

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/replicaid"
	"github.com/mmwathe/replicated-counter/internal/waitutil"
	"github.com/mmwathe/replicated-counter/internal/wire"
)

// Config configures a GFD instance.
type Config struct {
	ID                string // "GFD"
	ListenAddr        string // where LFDs connect
	RMAddr            string // where GFD dials out to RM
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// GFD is the singleton Global Fault Detector.
type GFD struct {
	cfg Config

	mu       sync.Mutex
	members  map[string]struct{}   // server_id -> present
	lfdConns map[string]*wire.Conn // lfd id -> its connection

	rmMu   sync.Mutex
	rmConn *wire.Conn

	ln net.Listener

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a GFD ready to Run.
func New(cfg Config) *GFD {
	return &GFD{
		cfg:      cfg,
		members:  make(map[string]struct{}),
		lfdConns: make(map[string]*wire.Conn),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the RM link and the LFD accept loop, blocking until ctx is
// canceled.
func (g *GFD) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return err
	}
	g.ln = ln

	g.wg.Add(2)
	go g.runRMLink(ctx)
	go g.runLFDAcceptLoop(ctx)

	<-ctx.Done()
	g.shutdown()
	g.wg.Wait()
	return nil
}

func (g *GFD) shutdown() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		if g.ln != nil {
			g.ln.Close()
		}
		g.mu.Lock()
		for _, c := range g.lfdConns {
			c.Close()
		}
		g.mu.Unlock()
		g.rmMu.Lock()
		if g.rmConn != nil {
			g.rmConn.Close()
		}
		g.rmMu.Unlock()
	})
}

func (g *GFD) runLFDAcceptLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		c, err := g.ln.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
			}
			g.cfg.Logger.Warn("accept failed", zap.Error(err))
			continue
		}
		g.wg.Add(1)
		go g.handleLFDConn(ctx, wire.NewConn(c))
	}
}

// handleLFDConn owns one LFD connection end to end: register, then a
// reader goroutine processing add/remove replica and heartbeat acks, a
// writer ticker sending heartbeats, and a monitor declaring the LFD (and
// everything it reported) dead after one missed heartbeat window, per
// spec §4.3.
func (g *GFD) handleLFDConn(ctx context.Context, conn *wire.Conn) {
	defer g.wg.Done()
	defer conn.Close()

	reg, err := conn.Receive()
	if err != nil || reg.Message != wire.KindRegister {
		g.cfg.Logger.Warn("expected register from LFD, dropping connection", zap.Error(err))
		return
	}
	lfdID := reg.ComponentID

	g.mu.Lock()
	g.lfdConns[lfdID] = conn
	g.mu.Unlock()

	g.cfg.Logger.Info("lfd registered", zap.String("lfd_id", lfdID))

	interval := g.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ownedServers := make(map[string]struct{})
	var ownedMu sync.Mutex

	var sendWg sync.WaitGroup
	sendWg.Add(2)
	go g.lfdHeartbeatSender(connCtx, conn, lfdID, interval, &sendWg)
	go g.lfdLivenessMonitor(connCtx, cancel, lfdID, interval, &lastSeen, &sendWg)

	for {
		e, err := conn.Receive()
		if err != nil {
			g.cfg.Logger.Warn("lfd connection lost", zap.String("lfd_id", lfdID), zap.Error(err))
			break
		}
		lastSeen.Store(time.Now().UnixNano())

		switch e.Message {
		case wire.KindAddReplica:
			serverID := e.ReplicaID()
			ownedMu.Lock()
			ownedServers[serverID] = struct{}{}
			ownedMu.Unlock()
			g.addMember(serverID)
		case wire.KindRemoveReplica:
			serverID := e.ReplicaID()
			ownedMu.Lock()
			delete(ownedServers, serverID)
			ownedMu.Unlock()
			g.removeMember(serverID)
		case wire.KindHeartbeatAck:
			// liveness already recorded above
		default:
			g.cfg.Logger.Warn("unexpected message from LFD, dropping", zap.String("kind", string(e.Message)))
		}
	}

	cancel()
	sendWg.Wait()

	g.mu.Lock()
	if g.lfdConns[lfdID] == conn {
		delete(g.lfdConns, lfdID)
	}
	g.mu.Unlock()

	ownedMu.Lock()
	stale := make([]string, 0, len(ownedServers))
	for id := range ownedServers {
		stale = append(stale, id)
	}
	ownedMu.Unlock()
	for _, id := range stale {
		g.cfg.Logger.Warn("removing replica owned by disconnected lfd", zap.String("server_id", id), zap.String("lfd_id", lfdID))
		g.removeMember(id)
	}
}

func (g *GFD) lfdHeartbeatSender(ctx context.Context, conn *wire.Conn, lfdID string, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(wire.New(g.cfg.ID, wire.KindHeartbeat)); err != nil {
				g.cfg.Logger.Warn("failed to send heartbeat to lfd", zap.String("lfd_id", lfdID), zap.Error(err))
				return
			}
		}
	}
}

func (g *GFD) lfdLivenessMonitor(ctx context.Context, cancel context.CancelFunc, lfdID string, interval time.Duration, lastSeen *atomic.Int64, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	grace := 2 * interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastSeen.Load())) > grace {
				g.cfg.Logger.Warn("lfd heartbeat window exceeded, declaring dead", zap.String("lfd_id", lfdID))
				cancel()
				return
			}
		}
	}
}

func (g *GFD) addMember(serverID string) {
	g.mu.Lock()
	if _, exists := g.members[serverID]; exists {
		g.mu.Unlock()
		return
	}
	g.members[serverID] = struct{}{}
	count := len(g.members)
	g.mu.Unlock()

	g.cfg.Logger.Info("replica added", zap.String("server_id", serverID), zap.Int("member_count", count))
	g.sendToRM(wire.New(g.cfg.ID, wire.KindUpdateMembership, wire.WithMemberCount(count), wire.WithServerID(serverID)))
}

func (g *GFD) removeMember(serverID string) {
	g.mu.Lock()
	if _, exists := g.members[serverID]; !exists {
		g.mu.Unlock()
		return
	}
	delete(g.members, serverID)
	count := len(g.members)
	g.mu.Unlock()

	g.cfg.Logger.Info("replica removed", zap.String("server_id", serverID), zap.Int("member_count", count))
	g.sendToRM(wire.New(g.cfg.ID, wire.KindUpdateMembership, wire.WithMemberCount(count), wire.WithServerID(serverID)))
}

func (g *GFD) sendToRM(e wire.Envelope) {
	g.rmMu.Lock()
	conn := g.rmConn
	g.rmMu.Unlock()

	if conn == nil {
		g.cfg.Logger.Warn("no RM connection, dropping message", zap.String("kind", string(e.Message)))
		return
	}
	if err := conn.Send(e); err != nil {
		g.cfg.Logger.Warn("failed to send to RM", zap.Error(err))
	}
}

// forwardToLFD routes an RM directive to the LFD owning the named
// replica, using the deterministic server-to-LFD naming convention
// (spec §4.2) rather than tracking per-server ownership across the RM
// link.
func (g *GFD) forwardToLFD(e wire.Envelope, serverID string) {
	lfdID := replicaid.LFDFor(serverID)

	g.mu.Lock()
	conn := g.lfdConns[lfdID]
	g.mu.Unlock()

	if conn == nil {
		g.cfg.Logger.Warn("no connection to lfd, dropping directive", zap.String("lfd_id", lfdID), zap.String("server_id", serverID))
		return
	}
	if err := conn.Send(e); err != nil {
		g.cfg.Logger.Warn("failed to forward directive to lfd", zap.String("lfd_id", lfdID), zap.Error(err))
	}
}

// runRMLink owns GFD's persistent outbound connection to RM: register on
// connect, emit update_membership as membership changes, and route
// recover_server/new_primary/new_reliable directives down to the right
// LFD, reconnecting with backoff on disconnect.
func (g *GFD) runRMLink(ctx context.Context) {
	defer g.wg.Done()

	backoff := waitutil.NewBackoff(time.Second, 2, 10*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		default:
		}

		conn, err := wire.Dial(g.cfg.RMAddr)
		if err != nil {
			g.cfg.Logger.Warn("failed to connect to RM, retrying", zap.Error(err))
			select {
			case <-time.After(backoff.Duration()):
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			}
			backoff.Backoff()
			continue
		}
		backoff.Reset()

		if err := conn.Send(wire.New(g.cfg.ID, wire.KindRegister)); err != nil {
			g.cfg.Logger.Warn("failed to register with RM", zap.Error(err))
			conn.Close()
			continue
		}

		g.rmMu.Lock()
		g.rmConn = conn
		g.rmMu.Unlock()

		g.cfg.Logger.Info("registered with RM", zap.String("rm_addr", g.cfg.RMAddr))
		g.serveRMConn(conn)

		g.rmMu.Lock()
		if g.rmConn == conn {
			g.rmConn = nil
		}
		g.rmMu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		default:
		}
	}
}

func (g *GFD) serveRMConn(conn *wire.Conn) {
	for {
		e, err := conn.Receive()
		if err != nil {
			g.cfg.Logger.Warn("RM connection lost", zap.Error(err))
			return
		}

		switch e.Message {
		case wire.KindRecoverServer, wire.KindNewPrimary, wire.KindNewReliable:
			serverID := e.ReplicaID()
			g.forwardToLFD(e, serverID)
		default:
			g.cfg.Logger.Warn("unexpected message from RM, dropping", zap.String("kind", string(e.Message)))
		}
	}
}
