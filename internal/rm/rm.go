// Package rm implements the Replication Manager (spec §4.4): the
// singleton that tracks cluster membership as reported by GFD, elects
// the primary (passive mode) or reliable replica (active mode), and in
// passive mode keeps every connected Client informed of the current
// primary.
package rm

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/replicaid"
	"github.com/mmwathe/replicated-counter/internal/wire"
)

// Mode mirrors the replication discipline in play; RM's own behavior
// differs only in which directive kind it emits and whether it pushes
// primary_server to clients at all.
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

// Config configures an RM instance.
type Config struct {
	ID               string // "RM"
	Mode             Mode
	GFDListenAddr    string
	ClientListenAddr string // only served in passive mode
	Logger           *zap.Logger
}

// RM is the singleton Replication Manager.
type RM struct {
	cfg Config

	mu          sync.Mutex
	activeSet   map[string]struct{}
	memberCount int
	designee    string // current primary/reliable replica, "" if none yet

	gfdMu   sync.Mutex
	gfdConn *wire.Conn

	clientsMu sync.Mutex
	clients   map[*wire.Conn]struct{}

	gfdLn    net.Listener
	clientLn net.Listener

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs an RM ready to Run.
func New(cfg Config) *RM {
	return &RM{
		cfg:       cfg,
		activeSet: make(map[string]struct{}),
		clients:   make(map[*wire.Conn]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Run starts the GFD accept loop and, in passive mode, the Client accept
// loop, blocking until ctx is canceled.
func (r *RM) Run(ctx context.Context) error {
	gfdLn, err := net.Listen("tcp", r.cfg.GFDListenAddr)
	if err != nil {
		return err
	}
	r.gfdLn = gfdLn
	r.wg.Add(1)
	go r.runGFDAcceptLoop(ctx)

	if r.cfg.Mode == ModePassive {
		clientLn, err := net.Listen("tcp", r.cfg.ClientListenAddr)
		if err != nil {
			r.shutdown()
			return err
		}
		r.clientLn = clientLn
		r.wg.Add(1)
		go r.runClientAcceptLoop(ctx)
	}

	<-ctx.Done()
	r.shutdown()
	r.wg.Wait()
	return nil
}

func (r *RM) shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.gfdLn != nil {
			r.gfdLn.Close()
		}
		if r.clientLn != nil {
			r.clientLn.Close()
		}
		r.gfdMu.Lock()
		if r.gfdConn != nil {
			r.gfdConn.Close()
		}
		r.gfdMu.Unlock()
		r.clientsMu.Lock()
		for c := range r.clients {
			c.Close()
		}
		r.clientsMu.Unlock()
	})
}

// runGFDAcceptLoop serves GFD's single persistent connection. GFD is the
// dialer; disconnects never purge activeSet/designee, RM simply waits
// for the next registration and resumes.
func (r *RM) runGFDAcceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		c, err := r.gfdLn.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.cfg.Logger.Warn("accept failed", zap.Error(err))
			continue
		}
		r.handleGFDConn(wire.NewConn(c))
	}
}

func (r *RM) handleGFDConn(conn *wire.Conn) {
	reg, err := conn.Receive()
	if err != nil || reg.Message != wire.KindRegister {
		r.cfg.Logger.Warn("expected register from GFD, dropping connection", zap.Error(err))
		conn.Close()
		return
	}

	r.cfg.Logger.Info("gfd registered")
	r.gfdMu.Lock()
	r.gfdConn = conn
	r.gfdMu.Unlock()

	// Existing designation survives a GFD reconnect: re-announce it, and
	// GFD forwards the directive to the designee's LFD again.
	r.mu.Lock()
	designee := r.designee
	r.mu.Unlock()
	if designee != "" {
		r.sendToGFD(r.designationEnvelope(designee))
	}

	for {
		e, err := conn.Receive()
		if err != nil {
			r.cfg.Logger.Warn("gfd connection lost", zap.Error(err))
			break
		}
		if e.Message != wire.KindUpdateMembership {
			r.cfg.Logger.Warn("unexpected message from gfd, dropping", zap.String("kind", string(e.Message)))
			continue
		}
		count := 0
		if e.MemberCount != nil {
			count = *e.MemberCount
		}
		r.handleMembershipUpdate(e.ReplicaID(), count)
	}

	r.gfdMu.Lock()
	if r.gfdConn == conn {
		r.gfdConn = nil
	}
	r.gfdMu.Unlock()
	conn.Close()
}

// handleMembershipUpdate applies one update_membership notification: an
// increase admits serverID and elects if no one is designated yet, a
// decrease evicts it, triggers recovery, and only re-elects if the
// departing replica was the current designee. A count equal to the
// last-seen count is a no-op, matching spec §4.4.
func (r *RM) handleMembershipUpdate(serverID string, newCount int) {
	r.mu.Lock()
	delta := newCount - r.memberCount
	r.memberCount = newCount

	switch {
	case delta > 0:
		r.activeSet[serverID] = struct{}{}
		needsElection := r.designee == ""
		r.mu.Unlock()
		r.cfg.Logger.Info("replica joined", zap.String("server_id", serverID), zap.Int("member_count", newCount))
		if needsElection {
			r.electAndAnnounce()
		}

	case delta < 0:
		delete(r.activeSet, serverID)
		wasDesignee := r.designee == serverID
		if wasDesignee {
			r.designee = ""
		}
		r.mu.Unlock()
		r.cfg.Logger.Warn("replica departed", zap.String("server_id", serverID), zap.Int("member_count", newCount))
		r.sendToGFD(wire.New(r.cfg.ID, wire.KindRecoverServer, wire.WithServerID(serverID)))
		if wasDesignee {
			r.electAndAnnounce()
		}

	default:
		r.mu.Unlock()
	}
}

func (r *RM) designationEnvelope(serverID string) wire.Envelope {
	kind := wire.KindNewPrimary
	if r.cfg.Mode == ModeActive {
		kind = wire.KindNewReliable
	}
	return wire.New(r.cfg.ID, kind, wire.WithServerID(serverID))
}

// electAndAnnounce runs the deterministic election (spec §4.4/§9: lowest
// priority number wins, fires only on departure of the current holder)
// and propagates the result to GFD and, in passive mode, to every
// connected Client.
func (r *RM) electAndAnnounce() {
	r.mu.Lock()
	active := make(map[string]struct{}, len(r.activeSet))
	for id := range r.activeSet {
		active[id] = struct{}{}
	}
	r.mu.Unlock()

	winner, ok := replicaid.Elect(active)
	if !ok {
		r.cfg.Logger.Warn("no candidates available for election")
		return
	}

	r.mu.Lock()
	r.designee = winner
	r.mu.Unlock()

	r.cfg.Logger.Info("elected replica", zap.String("server_id", winner), zap.String("mode", r.cfg.Mode.String()))
	r.sendToGFD(r.designationEnvelope(winner))

	if r.cfg.Mode == ModePassive {
		r.broadcastPrimaryToClients(winner)
	}
}

func (r *RM) sendToGFD(e wire.Envelope) {
	r.gfdMu.Lock()
	conn := r.gfdConn
	r.gfdMu.Unlock()

	if conn == nil {
		r.cfg.Logger.Warn("no GFD connection, dropping message", zap.String("kind", string(e.Message)))
		return
	}
	if err := conn.Send(e); err != nil {
		r.cfg.Logger.Warn("failed to send to GFD", zap.Error(err))
	}
}

// runClientAcceptLoop serves passive-mode Clients: each connection is
// registered, immediately told the current primary if one is already
// designated (spec's "newly connected client learns the primary without
// waiting for the next election"), and then held open only to detect
// disconnect.
func (r *RM) runClientAcceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		c, err := r.clientLn.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.cfg.Logger.Warn("client accept failed", zap.Error(err))
			continue
		}
		conn := wire.NewConn(c)

		r.clientsMu.Lock()
		r.clients[conn] = struct{}{}
		r.clientsMu.Unlock()

		r.mu.Lock()
		designee := r.designee
		r.mu.Unlock()
		if designee != "" {
			if err := conn.Send(wire.New(r.cfg.ID, wire.KindPrimaryServer, wire.WithPrimaryServer(designee))); err != nil {
				r.cfg.Logger.Warn("failed to announce primary to new client", zap.Error(err))
			}
		}

		go r.holdClientConn(conn)
	}
}

// holdClientConn blocks on Receive solely to detect disconnect; clients
// never send RM anything meaningful. On any error the client is dropped
// silently, per spec.
func (r *RM) holdClientConn(conn *wire.Conn) {
	defer conn.Close()
	for {
		if _, err := conn.Receive(); err != nil {
			r.clientsMu.Lock()
			delete(r.clients, conn)
			r.clientsMu.Unlock()
			return
		}
	}
}

func (r *RM) broadcastPrimaryToClients(serverID string) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	for conn := range r.clients {
		if err := conn.Send(wire.New(r.cfg.ID, wire.KindPrimaryServer, wire.WithPrimaryServer(serverID))); err != nil {
			r.cfg.Logger.Warn("failed to notify client of new primary, dropping", zap.Error(err))
		}
	}
}
