package netplay

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Role is the part an Endpoint plays in a session.
type Role int

const (
	// RoleHost listens for and accepts clients.
	RoleHost Role = iota
	// RoleClient holds one outbound connection to a host.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "host"
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateRunning
	stateClosed
)

// Endpoint is one side of a game session. It is created idle, runs after
// Start (host) or Connect (client), and is closed by Close or by a
// terminal disconnect. An Endpoint is single-use.
type Endpoint struct {
	role   Role
	opts   options
	logger Logger

	mu       sync.Mutex // guards state and acceptor
	state    state
	acceptor *acceptor

	running    atomic.Bool
	userClosed atomic.Bool
	notified   atomic.Bool // client: OnDisconnect delivered
	main       atomic.Pointer[Conn]
	peers      *registry

	workers    errgroup.Group
	active     atomic.Int64  // running workers
	inCallback atomic.Int64  // goroutines inside a user callback
	wake       chan struct{} // signals join when either count changes
	done       chan struct{}
}

// NewHost creates an idle host endpoint.
func NewHost(opt ...Option) (*Endpoint, error) {
	return newEndpoint(RoleHost, opt)
}

// NewClient creates an idle client endpoint.
func NewClient(opt ...Option) (*Endpoint, error) {
	return newEndpoint(RoleClient, opt)
}

func newEndpoint(role Role, opt []Option) (*Endpoint, error) {
	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	e := &Endpoint{
		role:   role,
		opts:   opts,
		logger: withAttrs(opts.logger, "endpoint", role.String()),
		peers:  newRegistry(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	onMessage, onDisconnect, onError := opts.onMessage, opts.onDisconnect, opts.onError
	e.opts.onMessage = func(m Message) {
		defer e.enterCallback()()
		onMessage(m)
	}
	e.opts.onDisconnect = func() {
		defer e.enterCallback()()
		onDisconnect()
	}
	e.opts.onError = func(err error) {
		defer e.enterCallback()()
		onError(err)
	}
	return e, nil
}

// spawn runs fn as a tracked worker.
func (e *Endpoint) spawn(fn func() error) {
	e.active.Add(1)
	e.workers.Go(func() error {
		defer e.signal()
		defer e.active.Add(-1)
		return fn()
	})
}

// enterCallback marks the caller as running user code until the returned
// func is called.
func (e *Endpoint) enterCallback() func() {
	e.inCallback.Add(1)
	e.signal()
	return func() {
		e.inCallback.Add(-1)
		e.signal()
	}
}

func (e *Endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Role returns the endpoint's role.
func (e *Endpoint) Role() Role { return e.role }

// Running reports whether the endpoint is started and not yet closed.
func (e *Endpoint) Running() bool { return e.running.Load() }

// PeerCount returns the number of connected clients of a host.
func (e *Endpoint) PeerCount() int { return e.peers.len() }

// Addr returns the bound listen address of a running host or the remote
// address of a connected client, nil otherwise.
func (e *Endpoint) Addr() net.Addr {
	if e.role == RoleClient {
		if c := e.main.Load(); c != nil {
			return c.Addr()
		}
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acceptor == nil {
		return nil
	}
	return e.acceptor.addr()
}

// checkIdle returns the usage error for leaving a non-idle state.
// Must hold e.mu.
func (e *Endpoint) checkIdle(op string) error {
	switch e.state {
	case stateIdle:
		return nil
	case stateClosed:
		return newError(KindUsage, op, ErrEndpointClosed)
	default:
		return newError(KindUsage, op, ErrAlreadyRunning)
	}
}

// Start binds the host's listen address and starts accepting clients and
// sending heartbeats. It fails with a KindUsage error on a client.
func (e *Endpoint) Start() error {
	if e.role != RoleHost {
		return newError(KindUsage, "start", ErrNotHost)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkIdle("start"); err != nil {
		return err
	}

	a, err := listen(context.Background(), e.opts.address, e.opts.port, e.logger)
	if err != nil {
		return wrapError(KindConnection, "start", err, "listen")
	}

	e.acceptor = a
	e.state = stateRunning
	e.running.Store(true)

	e.spawn(func() error {
		return a.serve(e.running.Load, e.handlePeer)
	})
	e.spawn(e.heartbeat)

	e.logger.Info("host started", "addr", a.addr(),
		"heartbeat", e.opts.heartbeat,
		"heartbeat_timeout", e.opts.heartbeatTimeout)
	return nil
}

// Connect dials the host at address on the configured port, bounded by the
// connect timeout and ctx. On failure the endpoint stays idle and nothing
// is started. It fails with a KindUsage error on a host.
func (e *Endpoint) Connect(ctx context.Context, address string) error {
	if e.role != RoleClient {
		return newError(KindUsage, "connect", ErrNotClient)
	}

	e.mu.Lock()
	if err := e.checkIdle("connect"); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = stateConnecting
	e.mu.Unlock()

	target := net.JoinHostPort(address, strconv.Itoa(e.opts.port))
	dialer := net.Dialer{Timeout: e.opts.connectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", target)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		if e.state == stateConnecting {
			e.state = stateIdle
		}
		e.logger.Warn("connect failed", "target", target, "error", err)
		return wrapError(KindConnection, "connect", err, "dial "+target)
	}

	// Close ran while dialing.
	if e.state == stateClosed {
		_ = raw.Close()
		return newError(KindUsage, "connect", ErrEndpointClosed)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c := newConn(raw, RoleMainOutbound, &e.opts)
	e.main.Store(c)
	e.state = stateRunning
	e.running.Store(true)

	e.spawn(func() error {
		e.receiveMain(c)
		return nil
	})
	e.spawn(e.heartbeat)

	c.logger.Info("connected to host")
	return nil
}

// Send writes msg to every connected client (host) or to the host (client).
// A host drops any peer whose write fails and keeps delivering to the
// rest; those failures go to the diagnostics sink, not the caller. A
// client without a connection discards msg and returns nil. Messages whose
// type is a reserved control type are rejected.
func (e *Endpoint) Send(msg Message) error {
	if classify(msg).Kind == KindControl {
		return newError(KindSerialization, "send", ErrReservedType)
	}

	frame, err := Encode(msg)
	if err != nil {
		e.logger.Debug("send rejected", "error", err)
		return err
	}

	return e.sendFrame(frame, KindBusiness)
}

func (e *Endpoint) sendFrame(frame []byte, kind FrameKind) error {
	if e.role == RoleHost {
		for _, c := range e.peers.snapshot() {
			if err := c.write(frame); err != nil {
				c.logger.Warn("write to peer failed", "error", err)
				e.opts.onError(err)
				e.removePeer(c)
				continue
			}
			e.opts.metrics.frameSent(kind)
		}
		return nil
	}

	c := e.main.Load()
	if c == nil || !e.running.Load() {
		return nil
	}
	if err := c.write(frame); err != nil {
		c.logger.Warn("write to host failed", "error", err)
		e.opts.onError(err)
		return err
	}
	e.opts.metrics.frameSent(kind)
	return nil
}

// Close stops the endpoint: it closes the listener and every socket,
// clears the peer set and waits up to the join timeout for worker
// goroutines. Workers still blocked after that are abandoned, and workers
// inside a callback are not waited for, so Close may be called from
// OnMessage, OnDisconnect or OnError. Close never fails, is safe to call
// repeatedly, and does not invoke OnDisconnect.
func (e *Endpoint) Close() error {
	e.userClosed.Store(true)
	e.teardown()
	e.join()
	return nil
}

// teardown closes every owned resource without waiting for workers, so it
// is safe to call from a worker. Only the first call does anything.
func (e *Endpoint) teardown() bool {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return false
	}
	e.state = stateClosed
	e.running.Store(false)
	close(e.done)
	a := e.acceptor
	e.mu.Unlock()

	if a != nil {
		_ = a.close()
	}
	if c := e.main.Load(); c != nil {
		_ = c.Close()
	}
	for _, c := range e.peers.clear() {
		_ = c.Close()
		e.opts.metrics.peerRemoved()
	}

	e.logger.Info("endpoint closed")
	return true
}

// join waits for worker goroutines, bounded by the join timeout. It stops
// early once every remaining worker is inside a callback, which covers
// Close running on a worker.
func (e *Endpoint) join() {
	finished := make(chan struct{})
	go func() {
		_ = e.workers.Wait()
		close(finished)
	}()

	timer := time.NewTimer(e.opts.joinTimeout)
	defer timer.Stop()

	for e.active.Load() > e.inCallback.Load() {
		select {
		case <-finished:
			return
		case <-e.wake:
		case <-timer.C:
			e.logger.Warn("workers still running after close", "timeout", e.opts.joinTimeout)
			return
		}
	}
}

// handlePeer registers an accepted connection and starts its receiver.
// It runs on the acceptor goroutine.
func (e *Endpoint) handlePeer(raw net.Conn) {
	c := newConn(raw, RoleInboundPeer, &e.opts)
	if !e.peers.add(c) {
		_ = c.Close()
		return
	}
	e.opts.metrics.peerAdded()
	c.logger.Info("peer connected", "peers", e.peers.len())

	e.spawn(func() error {
		err := c.receive(e.running.Load, e.opts.onMessage)
		if err != nil && e.running.Load() {
			c.logger.Info("peer read failed", "error", err)
		} else {
			c.logger.Debug("peer receiver stopped")
		}
		e.removePeer(c)
		return nil
	})
}

// removePeer drops c from the registry and closes it. Removing an absent
// peer only closes it. The removal that empties the registry of a running
// host notifies OnDisconnect.
func (e *Endpoint) removePeer(c *Conn) {
	removed, emptied := e.peers.remove(c)
	_ = c.Close()
	if !removed {
		return
	}

	e.opts.metrics.peerRemoved()
	c.logger.Info("peer removed", "peers", e.peers.len())

	if emptied && e.running.Load() {
		e.logger.Info("last peer left")
		e.opts.metrics.disconnected()
		e.opts.onDisconnect()
	}
}

// receiveMain runs the client's receiver and handles loss of the host.
func (e *Endpoint) receiveMain(c *Conn) {
	err := c.receive(e.running.Load, e.opts.onMessage)
	if err != nil && e.running.Load() {
		c.logger.Info("host read failed", "error", err)
	} else {
		c.logger.Debug("host receiver stopped")
	}
	e.lostHost()
}

// lostHost is the client's terminal disconnect: it tears the endpoint down
// and delivers OnDisconnect at most once. Nothing is delivered after the
// owner called Close.
func (e *Endpoint) lostHost() {
	if e.userClosed.Load() {
		return
	}
	e.teardown()
	if e.userClosed.Load() || e.notified.Swap(true) {
		return
	}
	e.logger.Info("host lost")
	e.opts.metrics.disconnected()
	e.opts.onDisconnect()
}
