package netplay

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// acceptBackoff is the pause after an accept error that is neither a
// timeout nor a closed listener, so a persistent failure does not spin.
const acceptBackoff = 50 * time.Millisecond

// acceptor owns the host's listening socket.
type acceptor struct {
	listener net.Listener
	logger   Logger
}

// listen binds address:port. Go enables SO_REUSEADDR on listening sockets
// and sizes the backlog from the OS.
func listen(ctx context.Context, address string, port int, logger Logger) (*acceptor, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return &acceptor{listener: l, logger: logger}, nil
}

// serve accepts connections and hands each to handle on the calling
// goroutine. It returns nil once the listener is closed or running
// reports false.
func (a *acceptor) serve(running func() bool, handle func(net.Conn)) error {
	a.logger.Info("acceptor started", "addr", a.listener.Addr())

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if !running() || errors.Is(err, net.ErrClosed) {
				a.logger.Info("acceptor stopped", "addr", a.listener.Addr())
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			a.logger.Error("accept error", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		a.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		handle(conn)
	}
}

// addr returns the bound address.
func (a *acceptor) addr() net.Addr {
	return a.listener.Addr()
}

// close unblocks serve.
func (a *acceptor) close() error {
	return a.listener.Close()
}
