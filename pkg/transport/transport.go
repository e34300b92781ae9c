// Package transport is the RPC transport nexus bootstraps on. It follows the
// shape of an asynchronous RPC library: a Class is a listening endpoint bound
// to a URI, a Context carries the operations posted on that endpoint, and
// completions only reach their callbacks once somebody drives Progress and
// Trigger.
//
// Drivers are selected by URI scheme:
//
//   - quic://ip:port, the network-scope transport.
//   - sm://pid/id, node-local transport over unix domain sockets.
//   - inmem://name, process-local transport used by tests.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Addr is a resolved address. Every Addr handed out by a Class, either by
// SelfAddr or through a lookup completion, must be released exactly once
// with Class.FreeAddr.
type Addr interface {
	URI() URI
	IsSelf() bool
	String() string
}

// LookupInfo is what a lookup callback receives.
type LookupInfo struct {
	Name string
	Addr Addr
	Err  error
}

// LookupCallback runs on whichever goroutine calls Context.Trigger. A non-nil
// error is reported back by Trigger.
type LookupCallback func(info LookupInfo) error

// Class is a transport endpoint bound to a URI.
type Class interface {
	Protocol() string
	// URI is the final URI of the endpoint, with the port the kernel
	// assigned when the endpoint was initialised on port 0.
	URI() URI
	Listening() bool
	SelfAddr() (Addr, error)
	FreeAddr(Addr) error
	// AddrCount is the number of addresses handed out and not yet freed.
	AddrCount() int
	CreateContext() (Context, error)
	// Finalize fails with ErrBusy while contexts are alive.
	Finalize() error
}

// Context carries asynchronous operations for a Class.
type Context interface {
	Class() Class
	// Lookup posts an asynchronous resolution of name. The callback fires
	// from Trigger once Progress has observed the completion.
	Lookup(name string, cb LookupCallback) error
	// Trigger runs up to max ready callbacks, waiting at most timeout for
	// one to become ready. It returns ErrTimeout when none ran.
	Trigger(timeout time.Duration, max int) (int, error)
	// Progress waits at most timeout for completed operations and makes
	// them ready for Trigger. It returns ErrTimeout when there was none.
	Progress(timeout time.Duration) error
	Destroy() error
}

// Driver is the wire-level half of a Class.
type Driver interface {
	// URI the driver ended up bound to.
	URI() URI
	// Self returns a new address designating this endpoint.
	Self() Addr
	// Dial connects to target and checks it really is the endpoint
	// published under that URI.
	Dial(ctx context.Context, target URI) (Addr, error)
	Free(Addr) error
	Close() error
}

// DriverFactory creates a Driver for uri. When listen is false the driver
// only needs to be able to dial.
type DriverFactory func(cfg *Config, uri URI, listen bool) (Driver, error)

// Config is shared by every driver.
type Config struct {
	// TlsConfig used by the quic driver. A self-signed certificate is
	// generated when nil and peers are then not verified.
	TlsConfig *tls.Config

	// DialTimeout bounds a single lookup.
	DialTimeout time.Duration

	// SocketDir is where the sm driver creates its unix sockets.
	SocketDir string

	// BufferSize of the requested UDP kernel buffer for the quic driver.
	BufferSize int

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

type Option func(*Config) error

func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *Config) error {
		if tlsConf != nil {
			c.TlsConfig = tlsConf.Clone()
		}
		return nil
	}
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative dial timeout", ErrInvalidCfg)
		}
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.DialTimeout = timeout
		return nil
	}
}

func WithSocketDir(dir string) Option {
	return func(c *Config) error {
		c.SocketDir = dir
		return nil
	}
}

func WithLog(handler slog.Handler) Option {
	return func(c *Config) error {
		c.LogHandler = handler
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *Config) error {
		c.MetricSink = ms
		return nil
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *Config) error {
		c.MetricLabels = labels
		return nil
	}
}

var driversLk sync.RWMutex

var drivers = map[string]DriverFactory{
	"quic":  newQuicDriver,
	"sm":    newSmDriver,
	"inmem": newInmemDriver,
}

// Register makes a driver available under scheme, replacing any driver
// previously registered there.
func Register(scheme string, factory DriverFactory) {
	driversLk.Lock()
	defer driversLk.Unlock()
	drivers[scheme] = factory
}

// ProbeNetwork is the socket family the driver behind scheme binds, which is
// what a port availability probe must test.
func ProbeNetwork(scheme string) string {
	switch scheme {
	case "quic", "udp":
		return "udp"
	default:
		return "tcp"
	}
}

// Init creates a Class bound to uri.
func Init(uri string, listen bool, opts ...Option) (Class, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	driversLk.RLock()
	factory, ok := drivers[parsed.Scheme]
	driversLk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, parsed.Scheme)
	}

	cfg := &Config{DialTimeout: 30 * time.Second}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = metrics.Default()
	}

	drv, err := factory(cfg, parsed, listen)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to initialise %s endpoint: %w", parsed, err)
	}

	return newClass(cfg, drv, listen), nil
}

func loggerFor(cfg *Config) *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}
