package pronet

import (
	"context"
	"time"
)

const (
	// DefaultAcceptBacklog caps how many accepted connections a listener
	// opened through the tcp, tls or unix Driver keeps open at once (value
	// ported from the original's PRO_ACCEPTOR_LENGTH = 5000). At the cap,
	// Accept blocks until one closes; new sockets wait in the kernel queue
	// and are not refused.
	DefaultAcceptBacklog = 5000

	// DefaultHandshakeTimeout bounds the nonce/service-id/login dance;
	// a peer that hasn't reached Established by then is dropped.
	DefaultHandshakeTimeout = 20 * time.Second
	// DefaultIdleTimeout is how long a link may go without a heartbeat
	// before the reactor considers it dead.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultHeartbeatInterval is the nominal tick of the timer wheel;
	// individual links are phase-spread across it rather than all firing
	// at once.
	DefaultHeartbeatInterval = 20 * time.Second

	// DefaultSendRedline is the per-link outbound queue ceiling, in bytes,
	// past which SendPacket reports backpressure instead of enqueuing.
	DefaultSendRedline = 32 * 1024 * 1024
	// DefaultRecvRedline bounds the inbound frame a link is handling at
	// once: a frame larger than this closes the link with
	// ErrResourceExhausted. Reads are never suspended.
	DefaultRecvRedline = 32 * 1024 * 1024

	// DefaultWorkerPollMin/Max are the bounds of the AdaptivePoll each
	// reactor worker holds; workers block on their queue and never sleep
	// on it. DefaultWorkerPollMin is also AdaptivePoll's fallback fast
	// interval.
	DefaultWorkerPollMin = 1 * time.Millisecond
	DefaultWorkerPollMax = 50 * time.Millisecond

	// DefaultC2SRedialInterval is how often a downstream C2S relay
	// retries its upstream trunk after a disconnect.
	DefaultC2SRedialInterval = 5 * time.Second
)

// Option configures a Reactor, Transport dialer/listener, or fabric node
// via the functional-options pattern.
type Option func(*Config)

// Config holds every tunable a Reactor/Session/MsgServer/MsgClient reads at
// construction time. Zero value is never used directly — defaultConfig()
// seeds sane defaults, and callers layer Options on top.
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	metrics Metrics
	logger  SLogger

	acceptBacklog int

	handshakeTimeout  time.Duration
	idleTimeout       time.Duration
	heartbeatInterval time.Duration

	sendRedline int
	recvRedline int
	maxFrame    int

	workerPollMin time.Duration
	workerPollMax time.Duration
	workerCount   int

	c2sRedialInterval time.Duration

	secureChannel    SecureChannel
	realtimePriority bool
}

// Validate checks invariants that functional options alone can't enforce
// (cross-field relationships).
func (c *Config) Validate() error {
	if c.workerPollMin > c.workerPollMax {
		return ErrInvalidConfig
	}
	if c.sendRedline <= 0 || c.recvRedline <= 0 {
		return ErrInvalidConfig
	}
	if c.maxFrame <= 0 || c.maxFrame > DefaultMaxFrameSize {
		return ErrInvalidConfig
	}
	return nil
}

func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:               ctx,
		cancel:            cancel,
		metrics:           NewDefaultMetrics(),
		logger:            DefaultSLogger(),
		acceptBacklog:     DefaultAcceptBacklog,
		handshakeTimeout:  DefaultHandshakeTimeout,
		idleTimeout:       DefaultIdleTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		sendRedline:       DefaultSendRedline,
		recvRedline:       DefaultRecvRedline,
		maxFrame:          DefaultMaxFrameSize,
		workerPollMin:     DefaultWorkerPollMin,
		workerPollMax:     DefaultWorkerPollMax,
		workerCount:       0, // 0 => runtime.GOMAXPROCS(0)
		c2sRedialInterval: DefaultC2SRedialInterval,
	}
}

// applyConfig builds a runtime config by applying the given options on top
// of defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithAcceptBacklog sets the open-connection cap of Driver listeners (see
// DefaultAcceptBacklog).
func WithAcceptBacklog(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.acceptBacklog = n
		}
	}
}

// WithHandshakeTimeout bounds how long a peer has to complete the
// nonce/service-id/login handshake before being dropped.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithIdleTimeout sets the grace period after which a link with no
// heartbeat is considered dead.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the nominal timer-wheel tick used to phase-
// spread per-link heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithSendRedline sets the per-link outbound queue ceiling in bytes past
// which SendPacket reports backpressure.
func WithSendRedline(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.sendRedline = n
		}
	}
}

// WithRecvRedline sets the per-link inbound frame size past which the link
// is closed with ErrResourceExhausted (see DefaultRecvRedline).
func WithRecvRedline(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.recvRedline = n
		}
	}
}

// WithMaxFrameSize caps the declared length of an inbound frame.
func WithMaxFrameSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithWorkerPollRange sets the bounds of each reactor worker's
// AdaptivePoll. Workers block on their queue and never sleep on it, so
// these bounds do not change worker timing.
func WithWorkerPollRange(min, max time.Duration) Option {
	return func(c *Config) {
		if min > 0 && max >= min {
			c.workerPollMin = min
			c.workerPollMax = max
		}
	}
}

// WithWorkerCount pins the reactor to a fixed worker pool size instead of
// runtime.GOMAXPROCS(0).
func WithWorkerCount(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

// WithC2SRedialInterval sets how often a downstream relay retries its
// upstream trunk after a disconnect.
func WithC2SRedialInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.c2sRedialInterval = d
		}
	}
}

// WithContext sets the base context for a Reactor's lifetime. Cancelling
// it stops the reactor as if Stop had been called.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithMetrics sets a custom metrics implementation. If not provided, a
// default implementation with atomic counters is used.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithLogger sets a custom SLogger. The default discards everything.
func WithLogger(logger SLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRealtimePriority requests that the reactor's worker pool run at
// real-time scheduling priority. If the OS refuses (no CAP_SYS_NICE), the
// reactor downgrades to the default priority and retries once rather than
// failing startup outright.
func WithRealtimePriority(enabled bool) Option {
	return func(c *Config) {
		c.realtimePriority = enabled
	}
}

// WithSecureChannel attaches a pluggable secure-channel implementation
// (TLSChannel or NoiseChannel) applied to the raw socket, beneath the TCP4
// framing layer and the handshake state machine.
func WithSecureChannel(sc SecureChannel) Option {
	return func(c *Config) {
		if sc != nil {
			c.secureChannel = sc
		}
	}
}
