package netplay

import "time"

// heartbeat runs the liveness loop until the endpoint closes. A host pings
// every peer and evicts the silent ones; a client answers with pong and
// gives up on a silent host.
func (e *Endpoint) heartbeat() error {
	ticker := time.NewTicker(e.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return nil
		case now := <-ticker.C:
			if !e.running.Load() {
				return nil
			}
			if e.role == RoleHost {
				e.pingPeers(now)
				continue
			}
			if !e.pongHost(now) {
				return nil
			}
		}
	}
}

// pingPeers broadcasts a ping and evicts every peer silent for longer than
// the heartbeat timeout.
func (e *Endpoint) pingPeers(now time.Time) {
	_ = e.sendFrame(EncodeControl(ControlPing), KindControl)

	for _, c := range e.peers.snapshot() {
		if silent := c.silentFor(now); silent > e.opts.heartbeatTimeout {
			c.logger.Warn("evicting silent peer", "silent", silent)
			e.opts.metrics.evicted()
			e.removePeer(c)
		}
	}
}

// pongHost answers the host and reports whether the connection is still alive.
func (e *Endpoint) pongHost(now time.Time) bool {
	c := e.main.Load()
	if c == nil {
		return false
	}

	_ = e.sendFrame(EncodeControl(ControlPong), KindControl)

	if silent := c.silentFor(now); silent > e.opts.heartbeatTimeout {
		c.logger.Warn("host silent, disconnecting", "silent", silent)
		e.opts.metrics.evicted()
		e.lostHost()
		return false
	}
	return true
}
