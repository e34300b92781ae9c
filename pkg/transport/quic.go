package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const defaultUDPBufferSize int = 1 << 21

// quicAddr is a looked-up peer: the URI it answered to and the connection
// the lookup established. Self addresses carry no connection.
type quicAddr struct {
	uri  URI
	self bool
	conn quic.Connection
}

func (a *quicAddr) URI() URI       { return a.uri }
func (a *quicAddr) IsSelf() bool   { return a.self }
func (a *quicAddr) String() string { return a.uri.String() }

// Conn is the QUIC connection backing a looked-up address, nil for self.
func (a *quicAddr) Conn() quic.Connection { return a.conn }

type quicDriver struct {
	cfg     *Config
	logger  *slog.Logger
	msink   metrics.MetricSink
	tlsConf *tls.Config
	qConf   *quic.Config

	uri URI

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	inbound   map[quic.Connection]struct{}
	inboundLk sync.Mutex
	wg        sync.WaitGroup

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

func newQuicDriver(cfg *Config, uri URI, listen bool) (drv Driver, err error) {
	ip := net.ParseIP(uri.Host)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q is not an IP", ErrInvalidURI, uri.Host)
	}
	port := uri.Port
	if port < 0 {
		port = 0
	}

	tlsConf := cfg.TlsConfig
	if tlsConf == nil {
		tlsConf, err = SelfSignedTLS(uri.Host)
		if err != nil {
			return nil, err
		}
	}

	d := &quicDriver{
		cfg:     cfg,
		logger:  loggerFor(cfg),
		msink:   cfg.MetricSink,
		tlsConf: withALPN(tlsConf),
		qConf: &quic.Config{
			Versions:        []quic.Version{quic.Version2, quic.Version1},
			Allow0RTT:       false,
			MaxIdleTimeout:  1 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
		inbound: make(map[quic.Connection]struct{}),
	}

	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	d.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := d.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	d.tr = &quic.Transport{
		Conn: udpLn,
	}

	bound := udpLn.LocalAddr().(*net.UDPAddr)
	d.uri = NetworkURI(uri.Scheme, uri.Host, bound.Port)
	d.logger = d.logger.With("endpoint", d.uri.String())

	if listen {
		ln, err := d.tr.Listen(d.tlsConf, d.qConf)
		if err != nil {
			return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
		}
		d.ln = ln
		d.wg.Add(1)
		go d.acceptCx()
	}

	return d, nil
}

func (d *quicDriver) URI() URI {
	return d.uri
}

func (d *quicDriver) Self() Addr {
	return &quicAddr{uri: d.uri, self: true}
}

func (d *quicDriver) Dial(ctx context.Context, target URI) (Addr, error) {
	if d.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	mLabels := withLabel(d.cfg.MetricLabels, MLabelPeerAddr, target.String())

	udpAddr, err := net.ResolveUDPAddr("udp", target.HostPort())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	conn, err := d.tr.Dial(ctx, udpAddr, d.tlsConf, d.qConf)
	if err != nil {
		d.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabel(mLabels, MLabelError, "dial"),
		)
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		d.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabel(mLabels, MLabelError, "cannot_open_stream"),
		)
		QErrInternal.Close(conn, "could not open handshake stream")
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	if err := checkAck(stream, target, d.uri); err != nil {
		d.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabel(mLabels, MLabelError, "handshake"),
		)
		QErrInternal.Close(conn, "handshake failed")
		return nil, err
	}
	stream.Close()

	d.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)
	return &quicAddr{uri: target, conn: conn}, nil
}

func (d *quicDriver) Free(addr Addr) error {
	qa, ok := addr.(*quicAddr)
	if !ok {
		return ErrInvalidAddr
	}
	if qa.conn == nil {
		return nil
	}
	return QErrReleased.Close(qa.conn, "address released")
}

func (d *quicDriver) Close() error {
	if !d.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	d.inboundLk.Lock()
	for conn := range d.inbound {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	d.inboundLk.Unlock()

	if d.ln != nil {
		d.ln.Close()
	}
	if d.tr != nil {
		d.tr.Close()
	}
	if d.udpLn != nil {
		d.udpLn.Close()
	}
	d.wg.Wait()
	return nil
}

func (d *quicDriver) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := d.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			d.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		d.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeByte,
			float32(size),
			d.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (d *quicDriver) acceptCx() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept(context.Background())
		if err != nil {
			if !d.gracefulTerm.Load() {
				d.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}

		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn answers the lookup handshake and keeps the connection until the
// peer releases it or the driver closes.
func (d *quicDriver) handleConn(conn quic.Connection) {
	defer d.wg.Done()
	remote := conn.RemoteAddr().String()
	logger := d.logger.With("remote", remote)
	mLabels := withLabel(d.cfg.MetricLabels, MLabelPeerAddr, remote)

	d.inboundLk.Lock()
	if d.gracefulTerm.Load() {
		d.inboundLk.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return
	}
	d.inbound[conn] = struct{}{}
	d.inboundLk.Unlock()

	defer func() {
		d.inboundLk.Lock()
		delete(d.inbound, conn)
		d.inboundLk.Unlock()
	}()

	ctx, cancel := context.WithTimeout(conn.Context(), d.cfg.DialTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		if !d.gracefulTerm.Load() {
			logger.Warn("peer never opened its handshake stream", "error", err)
			d.msink.IncrCounterWithLabels(
				MetricConnErrorCount,
				1.0,
				withLabel(mLabels, MLabelError, "no_handshake"),
			)
		}
		QErrInternal.Close(conn, "handshake expected")
		return
	}

	stream.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	target, source, err := readHello(stream)
	if err != nil {
		logger.Warn("nexus protocol violation: malformed hello", "error", err)
		QErrInternal.Close(conn, "malformed hello")
		return
	}
	if err := writeAck(stream, d.uri); err != nil {
		logger.Warn("failed to answer hello", "error", err)
		QErrInternal.Close(conn, "could not answer hello")
		return
	}
	stream.Close()

	logger.Debug("answered lookup", "target", target, "source", source)
	d.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)

	<-conn.Context().Done()
}
