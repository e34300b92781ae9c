package nexus

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nexus/pkg/transport"
)

const (
	DefaultMinPort         = 50000
	DefaultMaxPort         = 59999
	DefaultProtocol        = "quic"
	DefaultLocalProtocol   = "sm"
	DefaultProgressTimeout = 100 * time.Millisecond
)

type config struct {
	minPort         int
	maxPort         int
	subnet          string
	protocol        string
	localProtocol   string
	nodeID          string
	processID       int
	progressTimeout time.Duration
	interfaces      func() ([]net.Addr, error)
	abort           func(error)

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	trOpts       []transport.Option
}

// Option to pass to `Bootstrap`
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		minPort:         DefaultMinPort,
		maxPort:         DefaultMaxPort,
		protocol:        DefaultProtocol,
		localProtocol:   DefaultLocalProtocol,
		processID:       os.Getpid(),
		progressTimeout: DefaultProgressTimeout,
		interfaces:      interfaceAddrs,
		abort:           exitOnAbort,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%w: no node id and no hostname: %w", ErrInvalidCfg, err)
		}
		cfg.nodeID = hostname
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	cfg.trOpts = append(cfg.trOpts,
		transport.WithLog(cfg.logHandler),
		transport.WithMetricSink(cfg.msink),
		transport.WithMetricLabels(cfg.metricLabels),
	)
	return cfg, nil
}

func (cfg *config) logger() *slog.Logger {
	if cfg.logHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.logHandler)
}

func exitOnAbort(error) {
	os.Exit(1)
}

// interfaceAddrs lists the addresses of every local interface.
func interfaceAddrs() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var all []net.Addr
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		all = append(all, addrs...)
	}
	return all, nil
}

// WithPortRange is the inclusive range scanned for the network endpoint
// port. It is validated when negotiating.
func WithPortRange(minPort, maxPort int) Option {
	return func(c *config) error {
		c.minPort = minPort
		c.maxPort = maxPort
		return nil
	}
}

// WithSubnet selects the first IPv4 interface whose address starts with
// subnet, for example "10.92.". An empty subnet matches the first IPv4
// interface.
func WithSubnet(subnet string) Option {
	return func(c *config) error {
		c.subnet = subnet
		return nil
	}
}

// WithProtocol is the transport used between nodes.
func WithProtocol(proto string) Option {
	return func(c *config) error {
		if proto == "" {
			return fmt.Errorf("empty protocol")
		}
		c.protocol = proto
		return nil
	}
}

// WithLocalProtocol is the transport used within a node.
func WithLocalProtocol(proto string) Option {
	return func(c *config) error {
		if proto == "" {
			return fmt.Errorf("empty local protocol")
		}
		c.localProtocol = proto
		return nil
	}
}

// WithNodeID overrides the identity processes are grouped by, the hostname
// by default.
func WithNodeID(id string) Option {
	return func(c *config) error {
		c.nodeID = id
		return nil
	}
}

// WithProcessID overrides the OS process id the local endpoint is named
// after. Processes of one node must use distinct ids.
func WithProcessID(pid int) Option {
	return func(c *config) error {
		if pid < 0 {
			return fmt.Errorf("negative process id %d", pid)
		}
		c.processID = pid
		return nil
	}
}

// WithProgressTimeout bounds each progress wait of the background units.
func WithProgressTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return fmt.Errorf("progress timeout must be positive, got %s", timeout)
		}
		c.progressTimeout = timeout
		return nil
	}
}

// WithInterfaces replaces the enumeration of local interface addresses.
func WithInterfaces(fn func() ([]net.Addr, error)) Option {
	return func(c *config) error {
		if fn == nil {
			return fmt.Errorf("nil interface lister")
		}
		c.interfaces = fn
		return nil
	}
}

// WithAbortHandler is called by `MustBootstrap` when bootstrap fails,
// `os.Exit(1)` by default.
func WithAbortHandler(fn func(error)) Option {
	return func(c *config) error {
		if fn == nil {
			return fmt.Errorf("nil abort handler")
		}
		c.abort = fn
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// during bootstrap.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by nexus.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTlsConfig set the `tls.Config` of the network endpoint. Without it,
// endpoints use self-signed certificates and do not authenticate peers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		c.trOpts = append(c.trOpts, transport.WithTlsConfig(tlsConf))
		return nil
	}
}

// WithDialTimeout controls how much time a single lookup may take.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.trOpts = append(c.trOpts, transport.WithDialTimeout(timeout))
		return nil
	}
}

// WithSocketDir is where node-local endpoints create their sockets.
func WithSocketDir(dir string) Option {
	return func(c *config) error {
		c.trOpts = append(c.trOpts, transport.WithSocketDir(dir))
		return nil
	}
}
