package netplay

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fastHeartbeat = 50 * time.Millisecond
	fastTimeout   = 300 * time.Millisecond
	waitFor       = 5 * time.Second
	tick          = 10 * time.Millisecond
)

// recorder collects the callbacks of one endpoint.
type recorder struct {
	messages    chan Message
	disconnects atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{messages: make(chan Message, 256)}
}

func (r *recorder) options() []Option {
	return []Option{
		OnMessageOption(func(m Message) { r.messages <- m }),
		OnDisconnectOption(func() { r.disconnects.Add(1) }),
	}
}

func (r *recorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func startHost(t *testing.T, rec *recorder, opt ...Option) *Endpoint {
	t.Helper()
	opts := append([]Option{
		AddressOption("127.0.0.1"),
		PortOption(0),
		LoggerOption(discardLogger()),
	}, rec.options()...)

	host, err := NewHost(append(opts, opt...)...)
	require.NoError(t, err)
	require.NoError(t, host.Start())
	t.Cleanup(func() { host.Close() })
	return host
}

func hostPort(t *testing.T, host *Endpoint) int {
	t.Helper()
	addr, ok := host.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

func connectClient(t *testing.T, port int, rec *recorder, opt ...Option) *Endpoint {
	t.Helper()
	opts := append([]Option{
		PortOption(port),
		LoggerOption(discardLogger()),
	}, rec.options()...)

	client, err := NewClient(append(opts, opt...)...)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1"))
	t.Cleanup(func() { client.Close() })
	return client
}

func waitPeers(t *testing.T, host *Endpoint, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return host.PeerCount() == n }, waitFor, tick,
		"want %d peers, have %d", n, host.PeerCount())
}

// freePort returns a port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestEndpoint_UsageErrors(t *testing.T) {
	client, err := NewClient(LoggerOption(discardLogger()))
	require.NoError(t, err)
	err = client.Start()
	assert.True(t, errors.Is(err, ErrUsage), "got %v", err)
	assert.True(t, errors.Is(err, ErrNotHost))
	assert.False(t, client.Running())

	host, err := NewHost(LoggerOption(discardLogger()))
	require.NoError(t, err)
	err = host.Connect(context.Background(), "127.0.0.1")
	assert.True(t, errors.Is(err, ErrUsage), "got %v", err)
	assert.True(t, errors.Is(err, ErrNotClient))
	assert.False(t, host.Running())
	assert.Nil(t, host.Addr())
}

func TestEndpoint_InvalidOptions(t *testing.T) {
	_, err := NewHost(HeartbeatOption(time.Second), HeartbeatTimeoutOption(time.Millisecond))
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)
}

func TestEndpoint_StartTwice(t *testing.T) {
	host := startHost(t, newRecorder())

	err := host.Start()
	assert.True(t, errors.Is(err, ErrUsage))
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.True(t, host.Running())
}

func TestEndpoint_StartAfterClose(t *testing.T) {
	host, err := NewHost(AddressOption("127.0.0.1"), PortOption(0), LoggerOption(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, host.Close())

	err = host.Start()
	assert.True(t, errors.Is(err, ErrEndpointClosed), "got %v", err)
}

func TestEndpoint_StartPortInUse(t *testing.T) {
	first := startHost(t, newRecorder())

	second, err := NewHost(AddressOption("127.0.0.1"), PortOption(hostPort(t, first)), LoggerOption(discardLogger()))
	require.NoError(t, err)

	err = second.Start()
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)
	assert.False(t, second.Running())
}

func TestEndpoint_ConnectFailure(t *testing.T) {
	port := freePort(t)
	rec := newRecorder()

	client, err := NewClient(PortOption(port), LoggerOption(discardLogger()), OnDisconnectOption(func() { rec.disconnects.Add(1) }))
	require.NoError(t, err)

	err = client.Connect(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)
	assert.NotNil(t, Cause(err))
	assert.False(t, client.Running())
	assert.Nil(t, client.Addr())

	// The endpoint stays idle and can try again.
	host := startHost(t, newRecorder(), PortOption(port))
	require.NoError(t, client.Connect(context.Background(), "127.0.0.1"))
	waitPeers(t, host, 1)
	assert.True(t, client.Running())

	require.NoError(t, client.Close())
	assert.Zero(t, rec.disconnects.Load())
}

func TestEndpoint_ConnectContextCanceled(t *testing.T) {
	client, err := NewClient(PortOption(freePort(t)), LoggerOption(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx, "127.0.0.1")
	assert.True(t, errors.Is(err, ErrConnection), "got %v", err)
	assert.False(t, client.Running())
}

func TestEndpoint_ConnectTwice(t *testing.T) {
	host := startHost(t, newRecorder())
	client := connectClient(t, hostPort(t, host), newRecorder())

	err := client.Connect(context.Background(), "127.0.0.1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "got %v", err)
}

// Host on a port, two clients, one broadcast reaching both.
func TestEndpoint_BroadcastToTwoClients(t *testing.T) {
	host := startHost(t, newRecorder())
	port := hostPort(t, host)

	rec1, rec2 := newRecorder(), newRecorder()
	connectClient(t, port, rec1)
	connectClient(t, port, rec2)
	waitPeers(t, host, 2)

	require.NoError(t, host.Send(Message{"type": "play_card", "card_id": 7}))

	want := Message{"type": "play_card", "card_id": int64(7)}
	assert.Equal(t, want, rec1.next(t))
	assert.Equal(t, want, rec2.next(t))
}

func TestEndpoint_BroadcastOrderPerPeer(t *testing.T) {
	host := startHost(t, newRecorder())
	port := hostPort(t, host)

	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	for _, rec := range recs {
		connectClient(t, port, rec)
	}
	waitPeers(t, host, len(recs))

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, host.Send(Message{"type": "seq", "n": i}))
	}

	for _, rec := range recs {
		for i := 0; i < n; i++ {
			require.Equal(t, int64(i), rec.next(t)["n"])
		}
		assert.Empty(t, rec.messages, "exactly one delivery per send")
	}
}

func TestEndpoint_ClientToHost(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec)
	client := connectClient(t, hostPort(t, host), newRecorder())
	waitPeers(t, host, 1)

	require.NoError(t, client.Send(Message{"type": "end_turn"}))
	assert.Equal(t, Message{"type": "end_turn"}, hostRec.next(t))
}

// A client with no connection silently drops what it is asked to send.
func TestEndpoint_SendBeforeConnect(t *testing.T) {
	client, err := NewClient(LoggerOption(discardLogger()))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.NoError(t, client.Send(Message{"type": "end_turn"}))
	})
}

func TestEndpoint_SendWithoutPeers(t *testing.T) {
	host := startHost(t, newRecorder())
	assert.NoError(t, host.Send(Message{"type": "game_start"}))
}

func TestEndpoint_SendRejectsReservedType(t *testing.T) {
	host := startHost(t, newRecorder())

	err := host.Send(Message{"type": "ping"})
	assert.True(t, errors.Is(err, ErrSerialization), "got %v", err)
	assert.True(t, errors.Is(err, ErrReservedType))
}

func TestEndpoint_SendUnserializable(t *testing.T) {
	host := startHost(t, newRecorder())

	err := host.Send(Message{"type": "bad", "c": make(chan int)})
	assert.True(t, errors.Is(err, ErrSerialization), "got %v", err)
}

// A malformed line does not cost the frames behind it.
func TestEndpoint_MalformedFrameThenValid(t *testing.T) {
	hostRec := newRecorder()
	var protocolErrors atomic.Int32
	host := startHost(t, hostRec, OnErrorOption(func(err error) {
		if errors.Is(err, ErrProtocol) {
			protocolErrors.Add(1)
		}
	}))

	raw, err := net.Dial("tcp", host.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	waitPeers(t, host, 1)

	_, err = raw.Write([]byte("{not json}\n{\"type\":\"draw_card\"}\n"))
	require.NoError(t, err)

	assert.Equal(t, Message{"type": "draw_card"}, hostRec.next(t))
	assert.Equal(t, int32(1), protocolErrors.Load())
	assert.Equal(t, 1, host.PeerCount())
}

func TestEndpoint_ControlFramesNotDelivered(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec, HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))

	clientRec := newRecorder()
	client := connectClient(t, hostPort(t, host), clientRec, HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))
	waitPeers(t, host, 1)

	// Several heartbeat rounds in both directions.
	time.Sleep(4 * fastHeartbeat)
	require.NoError(t, client.Send(Message{"type": "end_turn"}))

	assert.Equal(t, Message{"type": "end_turn"}, hostRec.next(t))
	assert.Empty(t, hostRec.messages)
	assert.Empty(t, clientRec.messages)
}

// Heartbeats keep idle but healthy endpoints connected.
func TestEndpoint_HeartbeatKeepsPeersAlive(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec, HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))

	clientRec := newRecorder()
	client := connectClient(t, hostPort(t, host), clientRec, HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))
	waitPeers(t, host, 1)

	time.Sleep(3 * fastTimeout)

	assert.Equal(t, 1, host.PeerCount())
	assert.True(t, client.Running())
	assert.Zero(t, hostRec.disconnects.Load())
	assert.Zero(t, clientRec.disconnects.Load())
}

// A silent peer is evicted after the timeout and, as the only peer, makes
// the host report exactly one disconnect.
func TestEndpoint_EvictsSilentPeer(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec, HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))

	raw, err := net.Dial("tcp", host.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	connected := time.Now()
	waitPeers(t, host, 1)

	waitPeers(t, host, 0)
	assert.GreaterOrEqual(t, time.Since(connected), fastTimeout)

	time.Sleep(3 * fastHeartbeat)
	assert.Equal(t, int32(1), hostRec.disconnects.Load())

	// The evicted socket was closed by the host.
	_ = raw.SetReadDeadline(time.Now().Add(waitFor))
	buf := make([]byte, 4096)
	for {
		if _, err := raw.Read(buf); err != nil {
			break
		}
	}
}

// Liveness is receive-driven: a peer that only sends business frames,
// never pong, stays connected.
func TestEndpoint_BusinessTrafficCountsAsLiveness(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec, HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))

	raw, err := net.Dial("tcp", host.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	waitPeers(t, host, 1)

	deadline := time.Now().Add(3 * fastTimeout)
	for time.Now().Before(deadline) {
		_, err := raw.Write([]byte(`{"type":"think"}` + "\n"))
		require.NoError(t, err)
		time.Sleep(fastHeartbeat)
	}

	assert.Equal(t, 1, host.PeerCount())
	assert.Zero(t, hostRec.disconnects.Load())
}

func TestEndpoint_LastPeerLeaving(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec)
	port := hostPort(t, host)

	c1 := connectClient(t, port, newRecorder())
	c2 := connectClient(t, port, newRecorder())
	waitPeers(t, host, 2)

	require.NoError(t, c1.Close())
	waitPeers(t, host, 1)
	assert.Zero(t, hostRec.disconnects.Load(), "a peer remains")

	require.NoError(t, c2.Close())
	waitPeers(t, host, 0)
	require.Eventually(t, func() bool { return hostRec.disconnects.Load() == 1 }, waitFor, tick)

	// A new peer and a new departure is a new empty transition.
	c3 := connectClient(t, port, newRecorder())
	waitPeers(t, host, 1)
	require.NoError(t, c3.Close())
	require.Eventually(t, func() bool { return hostRec.disconnects.Load() == 2 }, waitFor, tick)
}

func TestEndpoint_ClientLosesHost(t *testing.T) {
	host := startHost(t, newRecorder())
	clientRec := newRecorder()
	client := connectClient(t, hostPort(t, host), clientRec)
	waitPeers(t, host, 1)

	require.NoError(t, host.Close())

	require.Eventually(t, func() bool { return clientRec.disconnects.Load() == 1 }, waitFor, tick)
	assert.False(t, client.Running())

	require.NoError(t, client.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), clientRec.disconnects.Load())

	// Sending after the loss is a silent no-op.
	assert.NoError(t, client.Send(Message{"type": "end_turn"}))
}

// A host that accepts but never speaks is declared dead by the client.
func TestEndpoint_ClientDetectsSilentHost(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	clientRec := newRecorder()
	client := connectClient(t, l.Addr().(*net.TCPAddr).Port, clientRec,
		HeartbeatOption(fastHeartbeat), HeartbeatTimeoutOption(fastTimeout))

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(waitFor):
		t.Fatal("listener did not accept")
	}

	require.Eventually(t, func() bool { return clientRec.disconnects.Load() == 1 }, waitFor, tick)
	assert.False(t, client.Running())

	time.Sleep(3 * fastHeartbeat)
	assert.Equal(t, int32(1), clientRec.disconnects.Load())
}

func TestEndpoint_CloseIdempotent(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec)
	clientRec := newRecorder()
	client := connectClient(t, hostPort(t, host), clientRec)
	waitPeers(t, host, 1)

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.False(t, client.Running())

	require.Eventually(t, func() bool { return hostRec.disconnects.Load() == 1 }, waitFor, tick)

	assert.NoError(t, host.Close())
	assert.NoError(t, host.Close())
	assert.False(t, host.Running())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, clientRec.disconnects.Load(), "owner-initiated close is not a disconnect")
	assert.Equal(t, int32(1), hostRec.disconnects.Load())
}

func TestEndpoint_CloseIdle(t *testing.T) {
	client, err := NewClient(LoggerOption(discardLogger()))
	require.NoError(t, err)
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	err = client.Connect(context.Background(), "127.0.0.1")
	assert.True(t, errors.Is(err, ErrEndpointClosed), "got %v", err)
}

func TestEndpoint_CloseFromOnDisconnect(t *testing.T) {
	var self atomic.Pointer[Endpoint]
	elapsed := make(chan time.Duration, 1)

	host := startHost(t, newRecorder(),
		JoinTimeoutOption(waitFor),
		OnDisconnectOption(func() {
			start := time.Now()
			_ = self.Load().Close()
			elapsed <- time.Since(start)
		}))
	self.Store(host)

	client := connectClient(t, hostPort(t, host), newRecorder())
	waitPeers(t, host, 1)
	require.NoError(t, client.Close())

	select {
	case d := <-elapsed:
		assert.Less(t, d, time.Second)
	case <-time.After(2 * waitFor):
		t.Fatal("OnDisconnect was not called")
	}
	assert.False(t, host.Running())
}

func TestEndpoint_CloseFromOnMessage(t *testing.T) {
	host := startHost(t, newRecorder())

	var self atomic.Pointer[Endpoint]
	elapsed := make(chan time.Duration, 1)
	client := connectClient(t, hostPort(t, host), newRecorder(),
		JoinTimeoutOption(waitFor),
		OnMessageOption(func(Message) {
			start := time.Now()
			_ = self.Load().Close()
			elapsed <- time.Since(start)
		}))
	self.Store(client)
	waitPeers(t, host, 1)

	require.NoError(t, host.Send(Message{"type": "game_over"}))

	select {
	case d := <-elapsed:
		assert.Less(t, d, time.Second)
	case <-time.After(2 * waitFor):
		t.Fatal("OnMessage was not called")
	}
	assert.False(t, client.Running())
}

func TestEndpoint_HostCloseWithPeers(t *testing.T) {
	hostRec := newRecorder()
	host := startHost(t, hostRec)
	port := hostPort(t, host)

	connectClient(t, port, newRecorder())
	connectClient(t, port, newRecorder())
	waitPeers(t, host, 2)

	start := time.Now()
	require.NoError(t, host.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Zero(t, host.PeerCount())
	assert.Zero(t, hostRec.disconnects.Load())

	_, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	assert.Error(t, err, "listener is closed")
}

func TestEndpoint_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	hostRec := newRecorder()
	host := startHost(t, hostRec, MetricsOption(metrics))
	client := connectClient(t, hostPort(t, host), newRecorder())
	waitPeers(t, host, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.peers))

	require.NoError(t, client.Send(Message{"type": "end_turn"}))
	hostRec.next(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.framesReceived.WithLabelValues("business")))

	require.NoError(t, host.Send(Message{"type": "game_start"}))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.framesSent.WithLabelValues("business")))

	require.NoError(t, client.Close())
	waitPeers(t, host, 0)
	require.Eventually(t, func() bool { return testutil.ToFloat64(metrics.disconnects) == 1 }, waitFor, tick)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.peers))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)
}
