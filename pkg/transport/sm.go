package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// smAddr is a node-local peer reached over a unix domain socket.
type smAddr struct {
	uri  URI
	self bool
	conn net.Conn
}

func (a *smAddr) URI() URI       { return a.uri }
func (a *smAddr) IsSelf() bool   { return a.self }
func (a *smAddr) String() string { return a.uri.String() }

type smDriver struct {
	cfg    *Config
	logger *slog.Logger
	uri    URI
	dir    string
	path   string

	closed atomic.Bool
	ln     net.Listener

	inbound   map[net.Conn]struct{}
	inboundLk sync.Mutex
	wg        sync.WaitGroup
}

func newSmDriver(cfg *Config, uri URI, listen bool) (Driver, error) {
	if uri.Path == "" {
		return nil, fmt.Errorf("%w: %s needs a pid/id pair", ErrInvalidURI, uri)
	}
	dir := cfg.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}

	d := &smDriver{
		cfg:     cfg,
		logger:  loggerFor(cfg).With("endpoint", uri.String()),
		uri:     uri,
		dir:     dir,
		inbound: make(map[net.Conn]struct{}),
	}
	if !listen {
		return d, nil
	}

	d.path = socketPath(dir, uri)
	if err := os.Remove(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("transport: stale socket %s: %w", d.path, err)
	}
	ln, err := net.Listen("unix", d.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddrInUse, err)
	}
	d.ln = ln

	d.wg.Add(1)
	go d.acceptCx()
	return d, nil
}

func socketPath(dir string, uri URI) string {
	return filepath.Join(dir, fmt.Sprintf("nexus-sm-%s-%s.sock", uri.Host, uri.Path))
}

func (d *smDriver) URI() URI {
	return d.uri
}

func (d *smDriver) Self() Addr {
	return &smAddr{uri: d.uri, self: true}
}

func (d *smDriver) Dial(ctx context.Context, target URI) (Addr, error) {
	if d.closed.Load() {
		return nil, ErrShutdown
	}
	if target.Path == "" {
		return nil, fmt.Errorf("%w: %s needs a pid/id pair", ErrInvalidURI, target)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath(d.dir, target))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchEndpoint, target)
		}
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := checkAck(conn, target, d.uri); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return &smAddr{uri: target, conn: conn}, nil
}

func (d *smDriver) Free(addr Addr) error {
	sa, ok := addr.(*smAddr)
	if !ok {
		return ErrInvalidAddr
	}
	if sa.conn == nil {
		return nil
	}
	return sa.conn.Close()
}

func (d *smDriver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	if d.ln != nil {
		d.ln.Close()
	}
	d.inboundLk.Lock()
	for conn := range d.inbound {
		conn.Close()
	}
	d.inboundLk.Unlock()
	d.wg.Wait()

	if d.path != "" {
		os.Remove(d.path)
	}
	return nil
}

func (d *smDriver) acceptCx() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if !d.closed.Load() {
				d.logger.Warn("unexpected unix listener closure", "error", err)
			}
			return
		}

		d.inboundLk.Lock()
		if d.closed.Load() {
			d.inboundLk.Unlock()
			conn.Close()
			return
		}
		d.inbound[conn] = struct{}{}
		d.inboundLk.Unlock()

		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

func (d *smDriver) handleConn(conn net.Conn) {
	defer d.wg.Done()
	defer func() {
		d.inboundLk.Lock()
		delete(d.inbound, conn)
		d.inboundLk.Unlock()
		conn.Close()
	}()

	conn.SetDeadline(time.Now().Add(d.cfg.DialTimeout))
	target, source, err := readHello(conn)
	if err != nil {
		if !d.closed.Load() {
			d.logger.Warn("nexus protocol violation: malformed hello", "error", err)
		}
		return
	}
	if err := writeAck(conn, d.uri); err != nil {
		d.logger.Warn("failed to answer hello", "error", err)
		return
	}
	conn.SetDeadline(time.Time{})
	d.logger.Debug("answered lookup", "target", target, "source", source)

	// Held until the peer releases its address or we close.
	io.Copy(io.Discard, conn)
}
