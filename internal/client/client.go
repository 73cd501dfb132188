// Package client implements the counter Client (spec §4.5) for both
// replication disciplines: active mode multicasts every request to all
// known replicas and keeps the first reply, passive mode tracks RM's
// primary_server announcements and talks to whichever replica currently
// holds the designation.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mmwathe/replicated-counter/internal/waitutil"
	"github.com/mmwathe/replicated-counter/internal/wire"
)

// Mode selects which replication discipline the Client talks to.
type Mode int

const (
	ModeActive Mode = iota
	ModePassive
)

// Config configures a Client instance.
type Config struct {
	ID   string // e.g. "C1"
	Mode Mode

	// Replicas maps every known replica id to its client-facing dial
	// address. Used directly in active mode; in passive mode it is
	// consulted once RM names the current primary.
	Replicas map[string]string

	RMAddr            string // passive mode only
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration

	Logger *zap.Logger
}

// Client is one counter client process.
type Client struct {
	cfg Config

	reqNum atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan wire.Envelope

	// active mode connection set
	connsMu sync.Mutex
	conns   map[string]*wire.Conn

	// passive mode primary link
	primaryMu   sync.Mutex
	primaryConn *wire.Conn
	primaryID   string

	rmConn *wire.Conn

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Client. Call Start before issuing requests.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		pending: make(map[uint64]chan wire.Envelope),
		conns:   make(map[string]*wire.Conn),
		stopCh:  make(chan struct{}),
	}
}

// Start establishes the initial connections for the configured mode and
// launches the background maintenance loops. It returns once the client
// is ready to accept requests: in active mode that means a best-effort
// initial connection attempt to every replica has completed, in passive
// mode it means RM has announced a primary and the client has connected
// to it.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Mode == ModeActive {
		return c.startActive(ctx)
	}
	return c.startPassive(ctx)
}

// Close broadcasts a best-effort exit to every connected replica and
// tears down all sockets, aggregating any send failures.
func (c *Client) Close() error {
	var errs error
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.cfg.Mode == ModeActive {
		c.connsMu.Lock()
		conns := make(map[string]*wire.Conn, len(c.conns))
		for id, conn := range c.conns {
			conns[id] = conn
		}
		c.connsMu.Unlock()

		for id, conn := range conns {
			if err := conn.Send(wire.New(c.cfg.ID, wire.KindExit)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
			}
			conn.Close()
		}
	} else {
		c.primaryMu.Lock()
		conn := c.primaryConn
		c.primaryMu.Unlock()
		if conn != nil {
			if err := conn.Send(wire.New(c.cfg.ID, wire.KindExit)); err != nil {
				errs = multierr.Append(errs, err)
			}
			conn.Close()
		}
		if c.rmConn != nil {
			c.rmConn.Close()
		}
	}

	c.wg.Wait()
	return errs
}

func (c *Client) nextRequestNumber() uint64 {
	return c.reqNum.Add(1)
}

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 5 * time.Second
}

func (c *Client) registerPending(reqNum uint64) chan wire.Envelope {
	ch := make(chan wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[reqNum] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregisterPending(reqNum uint64) {
	c.pendingMu.Lock()
	delete(c.pending, reqNum)
	c.pendingMu.Unlock()
}

// dispatch delivers a reply to whichever pending request is waiting on
// its request_number. A reply for a request no one is waiting on
// anymore (already answered by a faster replica, or already timed out)
// is a duplicate and is discarded silently, per spec §7.
func (c *Client) dispatch(e wire.Envelope) {
	if e.RequestNumber == nil {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[*e.RequestNumber]
	if ok {
		delete(c.pending, *e.RequestNumber)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- e:
	default:
	}
}

// Increase, Decrease, Update and Ping issue one request and return the
// resulting counter state, or an error if no reply arrived before
// ctx/the request timeout.
func (c *Client) Increase(ctx context.Context) (int64, error) {
	return c.do(ctx, wire.KindIncrease)
}

func (c *Client) Decrease(ctx context.Context) (int64, error) {
	return c.do(ctx, wire.KindDecrease)
}

func (c *Client) Update(ctx context.Context) (int64, error) {
	return c.do(ctx, wire.KindUpdate)
}

func (c *Client) Ping(ctx context.Context) (int64, error) {
	return c.do(ctx, wire.KindPing)
}

func (c *Client) do(ctx context.Context, kind wire.Kind, opts ...wire.Option) (int64, error) {
	reqNum := c.nextRequestNumber()
	opts = append(opts, wire.WithRequestNumber(reqNum))
	env := wire.New(c.cfg.ID, kind, opts...)

	ch := c.registerPending(reqNum)
	defer c.unregisterPending(reqNum)

	sent, err := c.send(env)
	if err != nil {
		return 0, err
	}
	if sent == 0 {
		return 0, fmt.Errorf("client: no replica connection available")
	}

	select {
	case reply := <-ch:
		if reply.State == nil {
			return 0, fmt.Errorf("client: reply carried no state")
		}
		return *reply.State, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(c.requestTimeout()):
		return 0, fmt.Errorf("client: request %d timed out", reqNum)
	}
}

// send multicasts env to every connected replica in active mode, or to
// the current primary connection in passive mode, returning how many
// sockets the request actually reached.
func (c *Client) send(env wire.Envelope) (int, error) {
	if c.cfg.Mode == ModeActive {
		c.connsMu.Lock()
		conns := make([]*wire.Conn, 0, len(c.conns))
		for _, conn := range c.conns {
			conns = append(conns, conn)
		}
		c.connsMu.Unlock()

		var errs error
		sent := 0
		for _, conn := range conns {
			if err := conn.Send(env); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			sent++
		}
		return sent, errs
	}

	c.primaryMu.Lock()
	conn := c.primaryConn
	c.primaryMu.Unlock()
	if conn == nil {
		return 0, nil
	}
	if err := conn.Send(env); err != nil {
		return 0, err
	}
	return 1, nil
}

// --- active mode ---

func (c *Client) startActive(ctx context.Context) error {
	for id, addr := range c.cfg.Replicas {
		c.tryConnectActive(id, addr)
	}

	c.wg.Add(1)
	go c.reconnectLoopActive(ctx)
	return nil
}

func (c *Client) tryConnectActive(id, addr string) {
	c.connsMu.Lock()
	_, already := c.conns[id]
	c.connsMu.Unlock()
	if already {
		return
	}

	conn, err := wire.Dial(addr)
	if err != nil {
		c.cfg.Logger.Warn("failed to connect to replica, will retry", zap.String("server_id", id), zap.Error(err))
		return
	}

	c.connsMu.Lock()
	c.conns[id] = conn
	c.connsMu.Unlock()
	c.cfg.Logger.Info("connected to replica", zap.String("server_id", id))

	c.wg.Add(1)
	go c.readLoopActive(id, conn)
}

func (c *Client) readLoopActive(id string, conn *wire.Conn) {
	defer c.wg.Done()
	for {
		e, err := conn.Receive()
		if err != nil {
			c.connsMu.Lock()
			if c.conns[id] == conn {
				delete(c.conns, id)
			}
			c.connsMu.Unlock()
			conn.Close()
			c.cfg.Logger.Warn("lost connection to replica", zap.String("server_id", id), zap.Error(err))
			return
		}
		c.dispatch(e)
	}
}

// reconnectLoopActive periodically retries any replica this client
// isn't currently connected to, per spec's reconnect-on-a-slow-loop
// requirement for the multicast client.
func (c *Client) reconnectLoopActive(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			for id, addr := range c.cfg.Replicas {
				c.tryConnectActive(id, addr)
			}
		}
	}
}

// --- passive mode ---

func (c *Client) startPassive(ctx context.Context) error {
	backoff := waitutil.NewBackoff(time.Second, 2, 10*time.Second)
	var conn *wire.Conn
	var err error
	for {
		conn, err = wire.Dial(c.cfg.RMAddr)
		if err == nil {
			break
		}
		c.cfg.Logger.Warn("failed to connect to RM, retrying", zap.Error(err))
		select {
		case <-time.After(backoff.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff.Backoff()
	}
	c.rmConn = conn

	first, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("client: failed to receive initial primary_server from RM: %w", err)
	}
	if first.Message != wire.KindPrimaryServer {
		return fmt.Errorf("client: expected primary_server from RM, got %q", first.Message)
	}
	if err := c.switchPrimary(first.PrimaryServer); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.rmReadLoop(ctx, conn)
	return nil
}

func (c *Client) rmReadLoop(ctx context.Context, conn *wire.Conn) {
	defer c.wg.Done()
	for {
		e, err := conn.Receive()
		if err != nil {
			c.cfg.Logger.Warn("lost connection to RM", zap.Error(err))
			return
		}
		if e.Message != wire.KindPrimaryServer {
			c.cfg.Logger.Warn("unexpected message from RM, dropping", zap.String("kind", string(e.Message)))
			continue
		}
		if err := c.switchPrimary(e.PrimaryServer); err != nil {
			c.cfg.Logger.Warn("failed to switch to new primary", zap.String("primary", e.PrimaryServer), zap.Error(err))
		}
	}
}

// switchPrimary closes any existing primary connection and opens a new
// one to the named replica before letting request traffic resume,
// matching spec §4.5's "close old, open new, then resume" fail-over
// sequencing.
func (c *Client) switchPrimary(serverID string) error {
	addr, ok := c.cfg.Replicas[serverID]
	if !ok {
		return fmt.Errorf("client: unknown host for replica %s", serverID)
	}

	newConn, err := wire.Dial(addr)
	if err != nil {
		return fmt.Errorf("client: failed to connect to new primary %s: %w", serverID, err)
	}

	c.primaryMu.Lock()
	old := c.primaryConn
	c.primaryConn = newConn
	c.primaryID = serverID
	c.primaryMu.Unlock()

	if old != nil {
		old.Close()
	}

	c.cfg.Logger.Info("switched primary", zap.String("server_id", serverID))

	c.wg.Add(1)
	go c.readLoopPassive(newConn)
	return nil
}

func (c *Client) readLoopPassive(conn *wire.Conn) {
	defer c.wg.Done()
	for {
		e, err := conn.Receive()
		if err != nil {
			c.primaryMu.Lock()
			if c.primaryConn == conn {
				c.primaryConn = nil
			}
			c.primaryMu.Unlock()
			return
		}
		c.dispatch(e)
	}
}
