package nexus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nexus/pkg/transport"
)

// negotiator picks the URI the network endpoint of a process binds.
type negotiator struct {
	protocol   string
	subnet     string
	minPort    int
	maxPort    int
	interfaces func() ([]net.Addr, error)
	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
}

func newNegotiator(cfg *config, logger *slog.Logger) *negotiator {
	return &negotiator{
		protocol:   cfg.protocol,
		subnet:     cfg.subnet,
		minPort:    cfg.minPort,
		maxPort:    cfg.maxPort,
		interfaces: cfg.interfaces,
		logger:     logger,
		msink:      cfg.msink,
		labels:     cfg.metricLabels,
	}
}

// resolveIP returns the first IPv4 address whose text starts with subnet.
func resolveIP(addrs []net.Addr, subnet string) (net.IP, error) {
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		if strings.HasPrefix(ip4.String(), subnet) {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoInterface, subnet)
}

func validatePortRange(minPort, maxPort int) error {
	switch {
	case maxPort < minPort:
		return fmt.Errorf("%w: max %d below min %d", ErrInvalidPortRange, maxPort, minPort)
	case minPort < 1:
		return fmt.Errorf("%w: min %d below 1", ErrInvalidPortRange, minPort)
	case maxPort > 65535:
		return fmt.Errorf("%w: max %d above 65535", ErrInvalidPortRange, maxPort)
	}
	return nil
}

// candidatePorts starts at an offset derived from rank and strides by size,
// so members of one group scan disjoint sequences.
func candidatePorts(minPort, maxPort, rank, size int) []int {
	if size < 1 {
		size = 1
	}
	span := 1 + maxPort - minPort
	var ports []int
	for port := minPort + rank%span; port <= maxPort; port += size {
		ports = append(ports, port)
	}
	return ports
}

// selectPort scans the range for a port a throwaway socket can bind, then
// falls back to a port chosen by the kernel.
func (n *negotiator) selectPort(ctx context.Context, ip net.IP, rank, size int) (int, error) {
	if err := validatePortRange(n.minPort, n.maxPort); err != nil {
		return 0, err
	}

	network := transport.ProbeNetwork(n.protocol)
	for _, port := range candidatePorts(n.minPort, n.maxPort, rank, size) {
		if _, err := probePort(ctx, network, ip, port); err == nil {
			return port, nil
		}
	}

	n.logger.Warn(
		"no free ports available within the specified range, auto detecting ports",
		"min", n.minPort,
		"max", n.maxPort,
	)
	n.msink.IncrCounterWithLabels(MetricPortFallbackCount, 1.0, n.labels)

	port, err := probePort(ctx, network, ip, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoFreePort, err)
	}
	if port == 0 {
		return 0, ErrNoFreePort
	}
	return port, nil
}

// probePort binds and immediately releases a socket with address reuse
// enabled. It returns the bound port.
func probePort(ctx context.Context, network string, ip net.IP, port int) (int, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	if network == "udp" {
		conn, err := lc.ListenPacket(ctx, network, addr)
		if err != nil {
			return 0, err
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port, nil
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// interfaceIP is the IP the network endpoint binds.
func (n *negotiator) interfaceIP() (net.IP, error) {
	addrs, err := n.interfaces()
	if err != nil {
		return nil, err
	}
	return resolveIP(addrs, n.subnet)
}

// negotiate returns the listening URI of a representative ranked rank out
// of size representatives.
func (n *negotiator) negotiate(ctx context.Context, rank, size int) (transport.URI, error) {
	ip, err := n.interfaceIP()
	if err != nil {
		return transport.URI{}, stepError(StepInterface, err)
	}
	port, err := n.selectPort(ctx, ip, rank, size)
	if err != nil {
		return transport.URI{}, stepError(StepPortScan, err)
	}

	uri := transport.NetworkURI(n.protocol, ip.String(), port)
	n.logger.Debug("negotiated network address", "uri", uri.String())
	return uri, nil
}

// clientURI is the address of a process which only dials across nodes: the
// right interface, any port.
func (n *negotiator) clientURI() (transport.URI, error) {
	ip, err := n.interfaceIP()
	if err != nil {
		return transport.URI{}, stepError(StepInterface, err)
	}
	return transport.NetworkURI(n.protocol, ip.String(), 0), nil
}
