package mastership

import (
	"time"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"
)

const (
	// DefaultConnectTimeout bounds dialing a device and completing the hello
	// exchange.
	DefaultConnectTimeout time.Duration = 20 * time.Second
	// DefaultTransactTimeout is how long a transaction waits for its reply.
	DefaultTransactTimeout time.Duration = 2 * time.Second
	// DefaultPollTimeout is how long Poll waits for an unsolicited message.
	DefaultPollTimeout time.Duration = 2 * time.Second
	// DefaultWriteTimeout bounds a single write to a peer that is not
	// reading. A write that times out ends the connection.
	DefaultWriteTimeout time.Duration = 10 * time.Second
	// DefaultInboxSize is the number of unsolicited messages a controller keeps
	// for Poll before dropping the oldest.
	DefaultInboxSize = 64
)

type options struct {
	connectTimeout  time.Duration
	transactTimeout time.Duration
	pollTimeout     time.Duration
	writeTimeout    time.Duration
	inboxSize       int
	generations     *GenerationAllocator
	coordinator     *Coordinator
	clock           clock.Clock
	l               log15.Logger
}

func defaultOptions() options {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	return options{
		connectTimeout:  DefaultConnectTimeout,
		transactTimeout: DefaultTransactTimeout,
		pollTimeout:     DefaultPollTimeout,
		writeTimeout:    DefaultWriteTimeout,
		inboxSize:       DefaultInboxSize,
		clock:           clock.RealClock{},
		l:               noopLogger,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option is an option function for Controller and Device.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(o *options)

// WithConnectTimeout configures how long Dial may take. If a time of 0 is
// specified, the default will be used.
func WithConnectTimeout(t time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = t
		if o.connectTimeout <= 0 {
			o.connectTimeout = DefaultConnectTimeout
		}
	}
}

// WithTransactTimeout configures how long a transaction waits for its reply.
// If a time of 0 is specified, the default will be used.
func WithTransactTimeout(t time.Duration) Option {
	return func(o *options) {
		o.transactTimeout = t
		if o.transactTimeout <= 0 {
			o.transactTimeout = DefaultTransactTimeout
		}
	}
}

// WithPollTimeout configures the default wait of Poll. If a time of 0 is
// specified, the default will be used.
func WithPollTimeout(t time.Duration) Option {
	return func(o *options) {
		o.pollTimeout = t
		if o.pollTimeout <= 0 {
			o.pollTimeout = DefaultPollTimeout
		}
	}
}

// WithWriteTimeout configures how long a write may wait on a peer that is
// not reading before the connection is closed. Transactions bound their
// write by the transaction's own timeout instead. If a time of 0 is
// specified, the default will be used.
func WithWriteTimeout(t time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = t
		if o.writeTimeout <= 0 {
			o.writeTimeout = DefaultWriteTimeout
		}
	}
}

// WithInboxSize configures how many unsolicited messages are retained for
// Poll.
func WithInboxSize(n int) Option {
	return func(o *options) {
		o.inboxSize = n
		if o.inboxSize <= 0 {
			o.inboxSize = DefaultInboxSize
		}
	}
}

// WithGenerationAllocator configures the allocator RequestRole draws
// generation ids from. Controllers of the same device should share one.
// By default each controller gets its own allocator starting at 0.
func WithGenerationAllocator(g *GenerationAllocator) Option {
	return func(o *options) {
		o.generations = g
	}
}

// WithCoordinator makes a controller track its transactions in c, which may
// be shared by several controllers. By default each controller has its own.
func WithCoordinator(c *Coordinator) Option {
	return func(o *options) {
		o.coordinator = c
	}
}

// WithClock configures the clock timeouts are measured on.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger configures the logger to use.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(o *options) {
		o.l = l
	}
}
