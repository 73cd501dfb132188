// Package lfd implements the Local Fault Detector (spec §4.2): the sole
// bidirectional bridge between one Server replica on a host and the GFD.
package lfd

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/waitutil"
	"github.com/mmwathe/replicated-counter/internal/wire"
)

// Config configures an LFD instance.
type Config struct {
	ID                string // e.g. "LFD1"
	ServerListenAddr  string
	GFDAddr           string
	HeartbeatInterval time.Duration

	// RecoverFunc is the abstract recovery side-effect hook invoked when
	// GFD directs this LFD to recover a named replica. Spec §9 models
	// recovery as an externally-relaunched process; this module does not
	// implement that launcher, only the directive plumbing.
	RecoverFunc func(serverID string)

	Logger *zap.Logger
}

// LFD is one Local Fault Detector process.
type LFD struct {
	cfg Config

	serverMu   sync.Mutex
	serverConn *wire.Conn
	serverID   string
	reported   bool // guards "exactly one remove replica per disconnect"

	gfdMu   sync.Mutex
	gfdConn *wire.Conn

	ln net.Listener

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs an LFD ready to Run.
func New(cfg Config) *LFD {
	if cfg.RecoverFunc == nil {
		cfg.RecoverFunc = func(serverID string) {
			cfg.Logger.Info("recovery side-effect requested (no-op hook)", zap.String("server_id", serverID))
		}
	}
	return &LFD{cfg: cfg, stopCh: make(chan struct{})}
}

// Run starts the GFD link and the Server accept loop, blocking until ctx
// is canceled.
func (l *LFD) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.ServerListenAddr)
	if err != nil {
		return err
	}
	l.ln = ln

	l.wg.Add(2)
	go l.runGFDLink(ctx)
	go l.runServerAcceptLoop(ctx)

	<-ctx.Done()
	l.shutdown()
	l.wg.Wait()
	return nil
}

func (l *LFD) shutdown() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.ln != nil {
			l.ln.Close()
		}
		l.serverMu.Lock()
		if l.serverConn != nil {
			l.serverConn.Close()
		}
		l.serverMu.Unlock()
		l.gfdMu.Lock()
		if l.gfdConn != nil {
			l.gfdConn.Close()
		}
		l.gfdMu.Unlock()
	})
}

// runServerAcceptLoop accepts exactly one Server connection at a time,
// serving it fully before returning to the listening state, per spec §4.2.
func (l *LFD) runServerAcceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.cfg.Logger.Warn("accept failed", zap.Error(err))
			continue
		}
		l.handleServerConn(ctx, wire.NewConn(c))
	}
}

func (l *LFD) handleServerConn(ctx context.Context, conn *wire.Conn) {
	reg, err := conn.Receive()
	if err != nil || reg.Message != wire.KindRegister {
		l.cfg.Logger.Warn("expected register from Server, dropping connection", zap.Error(err))
		conn.Close()
		return
	}
	serverID := reg.ServerID

	l.serverMu.Lock()
	l.serverConn = conn
	l.serverID = serverID
	l.reported = false
	l.serverMu.Unlock()

	l.cfg.Logger.Info("server registered", zap.String("server_id", serverID))
	l.sendToGFD(wire.New(l.cfg.ID, wire.KindAddReplica, wire.WithMessageDataServerID(serverID)))

	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	l.heartbeatLoop(ctx, conn, serverID, interval)
}

// heartbeatLoop drives the LFD->Server heartbeat at a fixed interval and
// declares the Server dead the first time a heartbeat goes unacknowledged
// for one full interval, per spec §4.2.
func (l *LFD) heartbeatLoop(ctx context.Context, conn *wire.Conn, serverID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.teardownServer(conn, serverID)
			return
		case <-l.stopCh:
			l.teardownServer(conn, serverID)
			return
		case <-ticker.C:
			if err := conn.Send(wire.New(l.cfg.ID, wire.KindHeartbeat)); err != nil {
				l.cfg.Logger.Warn("server heartbeat send failed, marking dead", zap.String("server_id", serverID), zap.Error(err))
				l.teardownServer(conn, serverID)
				return
			}

			ackCh := make(chan wire.Envelope, 1)
			errCh := make(chan error, 1)
			go func() {
				e, err := conn.Receive()
				if err != nil {
					errCh <- err
					return
				}
				ackCh <- e
			}()

			select {
			case e := <-ackCh:
				if e.Message != wire.KindHeartbeatAck {
					l.cfg.Logger.Warn("unexpected reply to heartbeat, dropping", zap.String("kind", string(e.Message)))
				}
			case <-errCh:
				l.cfg.Logger.Warn("server heartbeat unacknowledged, marking dead", zap.String("server_id", serverID))
				l.teardownServer(conn, serverID)
				return
			case <-time.After(interval):
				l.cfg.Logger.Warn("server heartbeat timed out, marking dead", zap.String("server_id", serverID))
				l.teardownServer(conn, serverID)
				return
			}
		}
	}
}

// teardownServer closes the Server link and emits exactly one remove
// replica to GFD, per spec §4.2's "every disconnect produces exactly one
// remove replica" — guarded against the double-report bug present in
// several original_source/lfd.py variants (see SPEC_FULL.md).
func (l *LFD) teardownServer(conn *wire.Conn, serverID string) {
	conn.Close()

	l.serverMu.Lock()
	alreadyReported := l.reported
	l.reported = true
	if l.serverConn == conn {
		l.serverConn = nil
	}
	l.serverMu.Unlock()

	if alreadyReported {
		return
	}
	l.sendToGFD(wire.New(l.cfg.ID, wire.KindRemoveReplica, wire.WithMessageDataServerID(serverID)))
}

// forwardToServer pushes a directive originating from GFD down to the
// currently connected Server, if any.
func (l *LFD) forwardToServer(e wire.Envelope) {
	l.serverMu.Lock()
	conn := l.serverConn
	l.serverMu.Unlock()

	if conn == nil {
		l.cfg.Logger.Warn("no Server connected, dropping directive", zap.String("kind", string(e.Message)))
		return
	}
	if err := conn.Send(e); err != nil {
		l.cfg.Logger.Warn("failed to forward directive to Server", zap.Error(err))
	}
}

func (l *LFD) sendToGFD(e wire.Envelope) {
	l.gfdMu.Lock()
	conn := l.gfdConn
	l.gfdMu.Unlock()

	if conn == nil {
		l.cfg.Logger.Warn("no GFD connection, dropping message", zap.String("kind", string(e.Message)))
		return
	}
	if err := conn.Send(e); err != nil {
		l.cfg.Logger.Warn("failed to send to GFD", zap.Error(err))
	}
}

// runGFDLink owns the LFD's persistent connection to GFD: register on
// connect, answer heartbeats, and route recover_server/new_primary
// directives, reconnecting with backoff on disconnect per spec §4.2.
func (l *LFD) runGFDLink(ctx context.Context) {
	defer l.wg.Done()

	backoff := waitutil.NewBackoff(time.Second, 2, 10*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		conn, err := wire.Dial(l.cfg.GFDAddr)
		if err != nil {
			l.cfg.Logger.Warn("failed to connect to GFD, retrying", zap.Error(err))
			select {
			case <-time.After(backoff.Duration()):
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			}
			backoff.Backoff()
			continue
		}
		backoff.Reset()

		if err := conn.Send(wire.New(l.cfg.ID, wire.KindRegister)); err != nil {
			l.cfg.Logger.Warn("failed to register with GFD", zap.Error(err))
			conn.Close()
			continue
		}

		l.gfdMu.Lock()
		l.gfdConn = conn
		l.gfdMu.Unlock()

		l.cfg.Logger.Info("registered with GFD", zap.String("gfd_addr", l.cfg.GFDAddr))
		l.serveGFDConn(conn)

		l.gfdMu.Lock()
		if l.gfdConn == conn {
			l.gfdConn = nil
		}
		l.gfdMu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}
	}
}

func (l *LFD) serveGFDConn(conn *wire.Conn) {
	for {
		e, err := conn.Receive()
		if err != nil {
			l.cfg.Logger.Warn("GFD connection lost", zap.Error(err))
			return
		}

		switch e.Message {
		case wire.KindHeartbeat:
			if err := conn.Send(wire.New(l.cfg.ID, wire.KindHeartbeatAck)); err != nil {
				l.cfg.Logger.Warn("failed to ack GFD heartbeat", zap.Error(err))
				return
			}
		case wire.KindRecoverServer:
			serverID := e.ReplicaID()
			l.cfg.Logger.Warn("recovery directive received", zap.String("server_id", serverID))
			go l.cfg.RecoverFunc(serverID)
		case wire.KindNewPrimary, wire.KindNewReliable:
			l.forwardToServer(e)
		default:
			l.cfg.Logger.Warn("unexpected message from GFD, dropping", zap.String("kind", string(e.Message)))
		}
	}
}
