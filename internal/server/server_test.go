package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mmwathe/replicated-counter/internal/wire"
)

// startServer boots a Server against real ephemeral listeners and a fake
// LFD, returning the resolved client and peer addresses once the replica
// has registered over the LFD link.
func startServer(t *testing.T, id string, mode Mode, peers map[string]string) (s *Server, clientAddr, peerAddr string, lfd *wire.Conn, stop func()) {
	t.Helper()

	lfdLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("lfd listen: %v", err)
	}

	cLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	pLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	clientAddrStr := cLn.Addr().String()
	peerAddrStr := pLn.Addr().String()
	cLn.Close()
	pLn.Close()

	cfg := Config{
		ID:                 id,
		Mode:               mode,
		ClientListenAddr:   clientAddrStr,
		PeerListenAddr:     peerAddrStr,
		LFDAddr:            lfdLn.Addr().String(),
		Peers:              peers,
		CheckpointInterval: 50 * time.Millisecond,
		PeerSyncTimeout:    300 * time.Millisecond,
		Logger:             zaptest.NewLogger(t),
	}
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	conn, err := lfdLn.Accept()
	if err != nil {
		t.Fatalf("lfd accept: %v", err)
	}
	lfdConn := wire.NewConn(conn)

	reg, err := lfdConn.Receive()
	if err != nil {
		t.Fatalf("lfd receive register: %v", err)
	}
	if reg.Message != wire.KindRegister {
		t.Fatalf("first message = %q, want register", reg.Message)
	}

	stopFn := func() {
		cancel()
		lfdLn.Close()
		<-done
	}

	return srv, clientAddrStr, peerAddrStr, lfdConn, stopFn
}

func dialAndSend(t *testing.T, addr string, e wire.Envelope) *wire.Conn {
	t.Helper()
	conn, err := wire.Dial(addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	if err := conn.Send(e); err != nil {
		t.Fatalf("send: %v", err)
	}
	return conn
}

func TestActiveModeExecutesEveryRequestImmediately(t *testing.T) {
	srv, clientAddr, _, _, stop := startServer(t, "S1", ModeActive, nil)
	defer stop()

	conn := dialAndSend(t, clientAddr, wire.New("C1", wire.KindIncrease, wire.WithRequestNumber(1)))
	defer conn.Close()

	reply, err := conn.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reply.Message != wire.KindStateIncreased {
		t.Fatalf("reply kind = %q, want state increased", reply.Message)
	}
	if reply.State == nil || *reply.State != 1 {
		t.Fatalf("state = %v, want 1", reply.State)
	}
	if srv.State() != 1 {
		t.Fatalf("server state = %d, want 1", srv.State())
	}
}

func TestUpdateIncrementsCounterLikeIncrease(t *testing.T) {
	srv, clientAddr, _, _, stop := startServer(t, "S1", ModeActive, nil)
	defer stop()

	for i := uint64(1); i <= 5; i++ {
		conn := dialAndSend(t, clientAddr, wire.New("C1", wire.KindUpdate, wire.WithRequestNumber(i)))
		reply, err := conn.Receive()
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if reply.Message != wire.KindStateUpdated {
			t.Fatalf("reply kind = %q, want state updated", reply.Message)
		}
		if reply.State == nil || *reply.State != int64(i) {
			t.Fatalf("state = %v, want %d", reply.State, i)
		}
		conn.Close()
	}
	if srv.State() != 5 {
		t.Fatalf("server state = %d, want 5", srv.State())
	}
}

func TestPassiveModeBackupIgnoresClientTrafficUntilPromoted(t *testing.T) {
	_, clientAddr, _, _, stop := startServer(t, "S2", ModePassive, nil)
	defer stop()

	conn := dialAndSend(t, clientAddr, wire.New("C1", wire.KindIncrease, wire.WithRequestNumber(1)))
	defer conn.Close()

	type result struct {
		env wire.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		e, err := conn.Receive()
		ch <- result{e, err}
	}()
	select {
	case r := <-ch:
		t.Fatalf("backup replied unexpectedly: %+v (err=%v)", r.env, r.err)
	case <-time.After(150 * time.Millisecond):
		// expected: no reply while this replica is not PRIMARY
	}
}

func TestPromotionDirectivePromotesNamedReplica(t *testing.T) {
	srv, _, _, lfd, stop := startServer(t, "S1", ModePassive, nil)
	defer stop()

	if err := lfd.Send(wire.New("LFD1", wire.KindNewPrimary, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send new_primary: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.Promotion() == PromPrimary {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("promotion never reached PRIMARY, got %s", srv.Promotion())
}

func TestBackupSyncsStateFromPrimaryOnPromotionDirective(t *testing.T) {
	// Stand up a fake primary peer-sync endpoint that answers request_state
	// with a fixed counter value.
	primaryPeerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer primaryPeerLn.Close()

	go func() {
		c, err := primaryPeerLn.Accept()
		if err != nil {
			return
		}
		conn := wire.NewConn(c)
		defer conn.Close()
		req, err := conn.Receive()
		if err != nil || req.Message != wire.KindRequestState {
			return
		}
		conn.Send(wire.New("S1", wire.KindStateResponse, wire.WithState(12)))
	}()

	host, portStr, err := net.SplitHostPort(primaryPeerLn.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	peerPort, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	peers := map[string]string{"S1": host}

	srv, _, _, lfd, stop := startServer(t, "S3", ModePassive, peers)
	defer stop()
	srv.cfg.PeerPort = peerPort

	if err := lfd.Send(wire.New("LFD3", wire.KindNewPrimary, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send new_primary: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.State() == 12 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("backup never synced state, got %d", srv.State())
}

func TestPrimaryBroadcastsCheckpointsToBackups(t *testing.T) {
	backupPeerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer backupPeerLn.Close()

	received := make(chan wire.Envelope, 4)
	go func() {
		for {
			c, err := backupPeerLn.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				conn := wire.NewConn(c)
				e, err := conn.Receive()
				if err != nil {
					return
				}
				received <- e
				conn.Send(wire.New("S2", wire.KindCheckpointAck))
			}()
		}
	}()

	host, portStr, err := net.SplitHostPort(backupPeerLn.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	peerPort, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	peers := map[string]string{"S2": host}

	srv, clientAddr, _, lfd, stop := startServer(t, "S1", ModePassive, peers)
	defer stop()
	srv.cfg.PeerPort = peerPort

	if err := lfd.Send(wire.New("LFD1", wire.KindNewPrimary, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send new_primary: %v", err)
	}

	conn := dialAndSend(t, clientAddr, wire.New("C1", wire.KindIncrease, wire.WithRequestNumber(1)))
	defer conn.Close()
	if _, err := conn.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}

	select {
	case e := <-received:
		if e.Message != wire.KindCheckpoint {
			t.Fatalf("kind = %q, want checkpoint", e.Message)
		}
		if e.State == nil || *e.State != 1 {
			t.Fatalf("checkpoint state = %v, want 1", e.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for checkpoint broadcast")
	}
}
