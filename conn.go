// Package netplay is the multiplayer transport of a turn-based card game.
// One Endpoint hosts a session and accepts any number of clients; both
// sides exchange newline-delimited JSON messages and detect silent peers
// through ping/pong liveness frames. The game layer only ever sees two
// callbacks: OnMessage for business frames and OnDisconnect for terminal
// disconnects.
package netplay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ConnRole tells which side of the session opened a connection.
type ConnRole int

const (
	// RoleMainOutbound is a client's single connection to its host.
	RoleMainOutbound ConnRole = iota
	// RoleInboundPeer is a host's connection to one client.
	RoleInboundPeer
)

func (r ConnRole) String() string {
	if r == RoleInboundPeer {
		return "peer"
	}
	return "main"
}

// Conn is one TCP stream and its per-connection state. A Conn whose
// stream fails is closed and never reused.
type Conn struct {
	id      string
	role    ConnRole
	rawConn net.Conn
	logger  Logger
	opts    *options
	limiter *rate.Limiter

	lastSeen atomic.Int64 // unix nanoseconds of the last decoded frame
	closed   atomic.Bool
	writeMu  sync.Mutex
}

func newConn(c net.Conn, role ConnRole, opts *options) *Conn {
	id := uuid.NewString()
	cc := &Conn{
		id:      id,
		role:    role,
		rawConn: c,
		opts:    opts,
		logger:  withAttrs(opts.logger, "peer_id", id, "role", role.String(), "addr", c.RemoteAddr().String()),
	}
	if opts.inboundRate > 0 {
		cc.limiter = rate.NewLimiter(opts.inboundRate, opts.inboundBurst)
	}
	cc.touch(time.Now())
	return cc
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Role returns which side opened the connection.
func (c *Conn) Role() ConnRole { return c.role }

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr { return c.rawConn.RemoteAddr() }

// LastSeen returns the time the most recent frame was received.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// silentFor returns how long the connection has been silent at now.
func (c *Conn) silentFor(now time.Time) time.Duration {
	return now.Sub(c.LastSeen())
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the underlying stream. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rawConn.Close()
}

// write sends one encoded frame under the connection's write lock and
// deadline, so concurrent senders never interleave frames.
func (c *Conn) write(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if _, err := c.rawConn.Write(frame); err != nil {
		c.opts.metrics.writeFailed()
		return wrapError(KindConnection, "send", err, "write to "+c.id)
	}
	return nil
}

// receive reads the stream until EOF, a read error, an oversized frame,
// or running reports false. Each complete line is decoded and dispatched
// in arrival order. A nil return means the peer closed the stream.
func (c *Conn) receive(running func() bool, onMessage func(Message)) error {
	buf := newFrameBuffer(c.opts.maxFrameSize)
	chunk := make([]byte, c.opts.readChunkSize)

	for running() {
		n, err := c.rawConn.Read(chunk)
		if n > 0 {
			lines, ferr := buf.feed(chunk[:n])
			for _, line := range lines {
				c.dispatch(line, onMessage)
			}
			if ferr != nil {
				c.logger.Warn("frame exceeds max size", "pending", buf.pending(), "max", c.opts.maxFrameSize)
				return ferr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}

	return nil
}

// dispatch decodes one line. Malformed frames are dropped without
// affecting the connection.
func (c *Conn) dispatch(line []byte, onMessage func(Message)) {
	frame, err := Decode(line)
	if err != nil {
		c.logger.Debug("dropping malformed frame", "size", len(line), "error", err)
		c.opts.metrics.frameDropped(dropMalformed)
		c.opts.onError(err)
		return
	}

	c.touch(time.Now())
	c.opts.metrics.frameReceived(frame.Kind)

	if frame.Kind == KindControl {
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Debug("dropping rate limited frame", "type", frame.Message.Type())
		c.opts.metrics.frameDropped(dropRateLimited)
		return
	}

	onMessage(frame.Message)
}
