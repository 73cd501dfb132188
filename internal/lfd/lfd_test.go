package lfd

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mmwathe/replicated-counter/internal/wire"
)

// startLFD boots an LFD against a fake GFD listener, returning the
// resolved Server-listen address and the fake GFD's accepted connection.
func startLFD(t *testing.T, id string, interval time.Duration) (serverAddr string, gfdConn *wire.Conn, stop func()) {
	t.Helper()

	gfdLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gfd listen: %v", err)
	}
	sLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("server listen: %v", err)
	}
	serverAddrStr := sLn.Addr().String()
	sLn.Close()

	l := New(Config{
		ID:                id,
		ServerListenAddr:  serverAddrStr,
		GFDAddr:           gfdLn.Addr().String(),
		HeartbeatInterval: interval,
		Logger:            zaptest.NewLogger(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	c, err := gfdLn.Accept()
	if err != nil {
		t.Fatalf("gfd accept: %v", err)
	}
	conn := wire.NewConn(c)
	reg, err := conn.Receive()
	if err != nil {
		t.Fatalf("gfd receive register: %v", err)
	}
	if reg.Message != wire.KindRegister {
		t.Fatalf("first message = %q, want register", reg.Message)
	}

	return serverAddrStr, conn, func() {
		cancel()
		gfdLn.Close()
		<-done
	}
}

func TestLFDReportsAddReplicaOnServerRegister(t *testing.T) {
	serverAddr, gfd, stop := startLFD(t, "LFD1", 50*time.Millisecond)
	defer stop()

	sc, err := wire.Dial(serverAddr)
	if err != nil {
		t.Fatalf("dial server addr: %v", err)
	}
	defer sc.Close()
	if err := sc.Send(wire.New("S1", wire.KindRegister, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send register: %v", err)
	}

	e, err := gfd.Receive()
	if err != nil {
		t.Fatalf("receive from lfd: %v", err)
	}
	if e.Message != wire.KindAddReplica {
		t.Fatalf("kind = %q, want add replica", e.Message)
	}
	if e.ReplicaID() != "S1" {
		t.Fatalf("replica id = %q, want S1", e.ReplicaID())
	}
}

func TestLFDHeartbeatsServerAndExpectsAck(t *testing.T) {
	serverAddr, _, stop := startLFD(t, "LFD1", 30*time.Millisecond)
	defer stop()

	sc, err := wire.Dial(serverAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sc.Close()
	if err := sc.Send(wire.New("S1", wire.KindRegister, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send register: %v", err)
	}

	hb, err := sc.Receive()
	if err != nil {
		t.Fatalf("receive heartbeat: %v", err)
	}
	if hb.Message != wire.KindHeartbeat {
		t.Fatalf("kind = %q, want heartbeat", hb.Message)
	}
	if err := sc.Send(wire.New("S1", wire.KindHeartbeatAck)); err != nil {
		t.Fatalf("send ack: %v", err)
	}
}

func TestLFDReportsRemoveReplicaExactlyOnceOnServerDeath(t *testing.T) {
	serverAddr, gfd, stop := startLFD(t, "LFD1", 20*time.Millisecond)
	defer stop()

	sc, err := wire.Dial(serverAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := sc.Send(wire.New("S1", wire.KindRegister, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send register: %v", err)
	}
	if e, err := gfd.Receive(); err != nil || e.Message != wire.KindAddReplica {
		t.Fatalf("expected add replica, got %+v err=%v", e, err)
	}

	// Never ack any heartbeat; close the Server connection outright so
	// the LFD observes the death quickly instead of waiting a full
	// timeout cycle.
	sc.Close()

	e, err := gfd.Receive()
	if err != nil {
		t.Fatalf("receive remove replica: %v", err)
	}
	if e.Message != wire.KindRemoveReplica {
		t.Fatalf("kind = %q, want remove replica", e.Message)
	}
	if e.ReplicaID() != "S1" {
		t.Fatalf("replica id = %q, want S1", e.ReplicaID())
	}

	// No second remove replica may follow for the same disconnect.
	extra := make(chan wire.Envelope, 1)
	go func() {
		if e, err := gfd.Receive(); err == nil {
			extra <- e
		}
	}()
	select {
	case e := <-extra:
		t.Fatalf("unexpected message after remove replica: %+v", e)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLFDForwardsNewPrimaryToServer(t *testing.T) {
	serverAddr, gfd, stop := startLFD(t, "LFD2", 50*time.Millisecond)
	defer stop()

	sc, err := wire.Dial(serverAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sc.Close()
	if err := sc.Send(wire.New("S2", wire.KindRegister, wire.WithServerID("S2"))); err != nil {
		t.Fatalf("send register: %v", err)
	}
	if e, err := gfd.Receive(); err != nil || e.Message != wire.KindAddReplica {
		t.Fatalf("expected add replica, got %+v err=%v", e, err)
	}

	if err := gfd.Send(wire.New("GFD", wire.KindNewPrimary, wire.WithServerID("S1"))); err != nil {
		t.Fatalf("send new_primary: %v", err)
	}

	// Drain any pending heartbeat before the forwarded directive, bounded
	// so a protocol regression fails the test instead of hanging it.
	type result struct {
		env wire.Envelope
		err error
	}
	msgs := make(chan result, 8)
	go func() {
		for {
			e, err := sc.Receive()
			msgs <- result{e, err}
			if err != nil {
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-msgs:
			if r.err != nil {
				t.Fatalf("receive: %v", r.err)
			}
			if r.env.Message == wire.KindHeartbeat {
				continue
			}
			if r.env.Message != wire.KindNewPrimary {
				t.Fatalf("kind = %q, want new_primary", r.env.Message)
			}
			if r.env.ServerID != "S1" {
				t.Fatalf("server id = %q, want S1", r.env.ServerID)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for new_primary to be forwarded")
		}
	}
}
