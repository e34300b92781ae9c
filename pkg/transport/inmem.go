package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	inmemLk       sync.RWMutex
	inmemRegistry = make(map[string]*inmemDriver)
)

// NewInmemURI returns a fresh inmem://<uuid> address.
func NewInmemURI() URI {
	return URI{Scheme: "inmem", Host: uuid.NewString(), Port: NoPort}
}

type inmemAddr struct {
	uri      URI
	self     bool
	released atomic.Bool
}

func (a *inmemAddr) URI() URI       { return a.uri }
func (a *inmemAddr) IsSelf() bool   { return a.self }
func (a *inmemAddr) String() string { return a.uri.String() }

// inmemDriver resolves peers through a process-wide registry.
type inmemDriver struct {
	uri    URI
	listen bool
	closed atomic.Bool
}

func newInmemDriver(_ *Config, uri URI, listen bool) (Driver, error) {
	d := &inmemDriver{uri: uri, listen: listen}
	if !listen {
		return d, nil
	}

	inmemLk.Lock()
	defer inmemLk.Unlock()
	if _, taken := inmemRegistry[uri.String()]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, uri)
	}
	inmemRegistry[uri.String()] = d
	return d, nil
}

func (d *inmemDriver) URI() URI {
	return d.uri
}

func (d *inmemDriver) Self() Addr {
	return &inmemAddr{uri: d.uri, self: true}
}

func (d *inmemDriver) Dial(ctx context.Context, target URI) (Addr, error) {
	if d.closed.Load() {
		return nil, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inmemLk.RLock()
	peer, ok := inmemRegistry[target.String()]
	inmemLk.RUnlock()
	if !ok || peer.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchEndpoint, target)
	}
	return &inmemAddr{uri: target}, nil
}

func (d *inmemDriver) Free(addr Addr) error {
	ia, ok := addr.(*inmemAddr)
	if !ok {
		return ErrInvalidAddr
	}
	if !ia.released.CompareAndSwap(false, true) {
		return ErrInvalidAddr
	}
	return nil
}

func (d *inmemDriver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.listen {
		inmemLk.Lock()
		if inmemRegistry[d.uri.String()] == d {
			delete(inmemRegistry, d.uri.String())
		}
		inmemLk.Unlock()
	}
	return nil
}
