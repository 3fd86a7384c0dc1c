package netplay

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Default transport parameters.
const (
	DefaultPort              = 5555
	DefaultAddress           = "" // all interfaces
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatTimeout  = 6 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReadChunkSize     = 4096
	DefaultMaxFrameSize      = 1024 * 1024
	// DefaultJoinTimeout bounds how long Close waits for workers.
	DefaultJoinTimeout = 500 * time.Millisecond
)

// Errors returned by option validation.
var (
	ErrInvalidPort      = errors.New("port out of range")
	ErrInvalidHeartbeat = errors.New("heartbeat timeout must exceed heartbeat interval")
)

// options holds the configuration for an endpoint.
type options struct {
	address string
	port    int

	heartbeat        time.Duration // interval between liveness frames
	heartbeatTimeout time.Duration // silence after which a peer is dead
	connectTimeout   time.Duration
	writeTimeout     time.Duration // deadline for a single frame write
	joinTimeout      time.Duration

	readChunkSize int
	maxFrameSize  int

	inboundRate  rate.Limit // 0 disables limiting
	inboundBurst int

	logger  Logger
	metrics *Metrics

	onMessage    func(Message)
	onDisconnect func()
	// onError receives per-frame and per-peer failures that are contained
	// inside the transport.
	onError func(error)
}

// Option is a function that configures endpoint options.
type Option func(*options)

// AddressOption sets the bind address of a host. The empty string binds all interfaces.
func AddressOption(address string) Option {
	return func(o *options) {
		o.address = address
	}
}

// PortOption sets the listen port of a host and the target port of a client.
// Port 0 lets a host pick any free port; see Endpoint.Addr.
func PortOption(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// HeartbeatOption sets how often liveness frames are sent and peers checked.
func HeartbeatOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// HeartbeatTimeoutOption sets how long a connection may stay silent before
// it is considered dead.
func HeartbeatTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.heartbeatTimeout = timeout
	}
}

// ConnectTimeoutOption bounds Connect.
func ConnectTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// WriteTimeoutOption sets the write deadline for each frame. Defaults to the
// heartbeat timeout.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// JoinTimeoutOption sets how long Close waits for worker goroutines.
func JoinTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.joinTimeout = timeout
	}
}

// ReadChunkSizeOption sets the size of a single socket read.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// MessageMaxSize sets the maximum size of a single frame.
// A peer that exceeds it is disconnected.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// InboundRateLimitOption limits business frames accepted per connection.
// Frames over the limit are dropped; they still count as liveness.
func InboundRateLimitOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.inboundRate = limit
		o.inboundBurst = burst
	}
}

// OnMessageOption sets the callback for business frames. It runs on the
// receiving connection's goroutine and may call Close.
func OnMessageOption(cb func(Message)) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnDisconnectOption sets the callback for terminal disconnects: a client
// lost its host, or a host lost its last peer. It may call Close.
func OnDisconnectOption(cb func()) Option {
	return func(o *options) {
		o.onDisconnect = cb
	}
}

// OnErrorOption sets the diagnostics sink for contained failures such as
// malformed frames and failed peer writes.
func OnErrorOption(cb func(error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption sets the logger. If not set, the default slog logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption enables Prometheus instrumentation.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// defaultOptions returns options with every transport default applied.
func defaultOptions() options {
	return options{
		address: DefaultAddress,
		port:    DefaultPort,
	}
}

// checkOptions validates and sets default values for endpoint options.
func checkOptions(opts *options) error {
	if opts.port < 0 || opts.port > 65535 {
		return ErrInvalidPort
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = DefaultHeartbeatInterval
	}

	if opts.heartbeatTimeout <= 0 {
		opts.heartbeatTimeout = DefaultHeartbeatTimeout
	}

	if opts.heartbeatTimeout <= opts.heartbeat {
		return ErrInvalidHeartbeat
	}

	if opts.connectTimeout <= 0 {
		opts.connectTimeout = DefaultConnectTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = opts.heartbeatTimeout
	}

	if opts.joinTimeout <= 0 {
		opts.joinTimeout = DefaultJoinTimeout
	}

	if opts.readChunkSize <= 0 {
		opts.readChunkSize = DefaultReadChunkSize
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = DefaultMaxFrameSize
	}

	if opts.inboundRate > 0 && opts.inboundBurst <= 0 {
		opts.inboundBurst = 1
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onMessage == nil {
		opts.onMessage = func(Message) {}
	}

	if opts.onDisconnect == nil {
		opts.onDisconnect = func() {}
	}

	if opts.onError == nil {
		opts.onError = func(error) {}
	}

	return nil
}
