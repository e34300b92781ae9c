package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

type class struct {
	cfg    *Config
	drv    Driver
	uri    URI
	listen bool
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk        sync.Mutex
	addrs     map[Addr]struct{}
	contexts  int
	finalized bool
}

func newClass(cfg *Config, drv Driver, listen bool) *class {
	uri := drv.URI()
	return &class{
		cfg:    cfg,
		drv:    drv,
		uri:    uri,
		listen: listen,
		logger: loggerFor(cfg).With("endpoint", uri.String()),
		msink:  cfg.MetricSink,
		labels: withLabel(cfg.MetricLabels, MLabelProtocol, uri.Scheme),
		addrs:  make(map[Addr]struct{}),
	}
}

func (cl *class) Protocol() string {
	return cl.uri.Scheme
}

func (cl *class) URI() URI {
	return cl.uri
}

func (cl *class) Listening() bool {
	return cl.listen
}

func (cl *class) SelfAddr() (Addr, error) {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	if cl.finalized {
		return nil, ErrShutdown
	}
	addr := cl.drv.Self()
	cl.addrs[addr] = struct{}{}
	return addr, nil
}

// track takes ownership of an address produced by a lookup. It reports false
// when the class was finalized in the meantime, the caller must then release
// the address through the driver itself.
func (cl *class) track(addr Addr) bool {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	if cl.finalized {
		return false
	}
	cl.addrs[addr] = struct{}{}
	cl.msink.SetGaugeWithLabels(MetricAddrLiveCount, float32(len(cl.addrs)), cl.labels)
	return true
}

func (cl *class) FreeAddr(addr Addr) error {
	if addr == nil {
		return ErrInvalidAddr
	}

	cl.lk.Lock()
	if _, owned := cl.addrs[addr]; !owned {
		cl.lk.Unlock()
		return ErrInvalidAddr
	}
	delete(cl.addrs, addr)
	cl.msink.SetGaugeWithLabels(MetricAddrLiveCount, float32(len(cl.addrs)), cl.labels)
	cl.lk.Unlock()

	return cl.drv.Free(addr)
}

func (cl *class) AddrCount() int {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	return len(cl.addrs)
}

func (cl *class) CreateContext() (Context, error) {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	if cl.finalized {
		return nil, ErrShutdown
	}
	cl.contexts++

	ctx, cancel := context.WithCancel(context.Background())
	return &hgContext{
		cl:        cl,
		ctx:       ctx,
		cancel:    cancel,
		wakeDone:  make(chan struct{}, 1),
		wakeReady: make(chan struct{}, 1),
	}, nil
}

func (cl *class) Finalize() error {
	cl.lk.Lock()
	if cl.finalized {
		cl.lk.Unlock()
		return ErrShutdown
	}
	if cl.contexts > 0 {
		cl.lk.Unlock()
		return ErrBusy
	}
	cl.finalized = true
	leaked := make([]Addr, 0, len(cl.addrs))
	for addr := range cl.addrs {
		leaked = append(leaked, addr)
	}
	cl.addrs = make(map[Addr]struct{})
	cl.lk.Unlock()

	if len(leaked) > 0 {
		cl.logger.Warn("finalizing with addresses still in use", "count", len(leaked))
		for _, addr := range leaked {
			cl.drv.Free(addr)
		}
	}
	return cl.drv.Close()
}

func (cl *class) releaseContext() {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	cl.contexts--
}

type completion struct {
	cb   LookupCallback
	info LookupInfo
}

// hgContext queues completions in two stages: lookups land in done when
// their dial returns, Progress moves them to ready, Trigger runs them.
type hgContext struct {
	cl     *class
	ctx    context.Context
	cancel context.CancelFunc

	lk        sync.Mutex
	done      []completion
	ready     []completion
	destroyed bool
	inflight  sync.WaitGroup

	wakeDone  chan struct{}
	wakeReady chan struct{}
}

func (hc *hgContext) Class() Class {
	return hc.cl
}

func (hc *hgContext) Lookup(name string, cb LookupCallback) error {
	if cb == nil {
		return fmt.Errorf("%w: nil lookup callback", ErrInvalidArg)
	}
	target, err := ParseURI(name)
	if err != nil {
		return err
	}
	if target.Scheme != hc.cl.uri.Scheme {
		return fmt.Errorf("%w: %s on a %s endpoint", ErrProtocolMismatch, name, hc.cl.uri.Scheme)
	}

	hc.lk.Lock()
	if hc.destroyed {
		hc.lk.Unlock()
		return ErrShutdown
	}
	hc.inflight.Add(1)
	hc.lk.Unlock()

	go hc.dial(name, target, cb)
	return nil
}

func (hc *hgContext) dial(name string, target URI, cb LookupCallback) {
	defer hc.inflight.Done()

	start := time.Now()
	ctx, cancel := context.WithTimeout(hc.ctx, hc.cl.cfg.DialTimeout)
	addr, err := hc.cl.drv.Dial(ctx, target)
	cancel()

	labels := withLabel(hc.cl.labels, MLabelPeerAddr, name)
	if err != nil {
		hc.cl.msink.IncrCounterWithLabels(MetricLookupErrorCount, 1.0, labels)
		hc.cl.logger.Debug("lookup failed", "target", name, "error", err)
	} else {
		hc.cl.msink.IncrCounterWithLabels(MetricLookupCount, 1.0, labels)
		hc.cl.msink.AddSampleWithLabels(
			MetricLookupDuration,
			float32(time.Since(start).Seconds()*1000),
			labels,
		)
		if !hc.cl.track(addr) {
			hc.cl.drv.Free(addr)
			addr, err = nil, ErrShutdown
		}
	}

	hc.lk.Lock()
	hc.done = append(hc.done, completion{
		cb:   cb,
		info: LookupInfo{Name: name, Addr: addr, Err: err},
	})
	hc.lk.Unlock()
	signal(hc.wakeDone)
}

func (hc *hgContext) Progress(timeout time.Duration) error {
	if hc.promote() {
		return nil
	}
	if err := hc.alive(); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-hc.wakeDone:
		if hc.promote() {
			return nil
		}
		return ErrTimeout
	case <-timer.C:
		return ErrTimeout
	case <-hc.ctx.Done():
		return ErrShutdown
	}
}

// promote moves completed operations to the ready queue and reports whether
// anything is ready.
func (hc *hgContext) promote() bool {
	hc.lk.Lock()
	defer hc.lk.Unlock()
	if len(hc.done) > 0 {
		hc.ready = append(hc.ready, hc.done...)
		hc.done = nil
		signal(hc.wakeReady)
	}
	return len(hc.ready) > 0
}

func (hc *hgContext) Trigger(timeout time.Duration, max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("%w: trigger needs max > 0", ErrInvalidArg)
	}

	batch, err := hc.popReady(max)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-hc.wakeReady:
		case <-timer.C:
		case <-hc.ctx.Done():
		}
		timer.Stop()
		if batch, err = hc.popReady(max); err != nil {
			return 0, err
		}
	}
	if len(batch) == 0 {
		return 0, ErrTimeout
	}

	for i, cp := range batch {
		if err := cp.cb(cp.info); err != nil {
			hc.requeue(batch[i+1:])
			return i + 1, fmt.Errorf("%w: %s: %w", ErrCallback, cp.info.Name, err)
		}
	}
	return len(batch), nil
}

func (hc *hgContext) popReady(max int) ([]completion, error) {
	hc.lk.Lock()
	defer hc.lk.Unlock()
	if hc.destroyed {
		return nil, ErrShutdown
	}
	n := min(max, len(hc.ready))
	batch := make([]completion, n)
	copy(batch, hc.ready[:n])
	hc.ready = hc.ready[n:]
	return batch, nil
}

func (hc *hgContext) requeue(rest []completion) {
	if len(rest) == 0 {
		return
	}
	hc.lk.Lock()
	defer hc.lk.Unlock()
	hc.ready = append(rest, hc.ready...)
}

func (hc *hgContext) alive() error {
	hc.lk.Lock()
	defer hc.lk.Unlock()
	if hc.destroyed {
		return ErrShutdown
	}
	return nil
}

// Destroy cancels in-flight lookups, waits for them, and releases addresses
// whose completion was never triggered.
func (hc *hgContext) Destroy() error {
	hc.lk.Lock()
	if hc.destroyed {
		hc.lk.Unlock()
		return ErrShutdown
	}
	hc.destroyed = true
	hc.lk.Unlock()

	hc.cancel()
	hc.inflight.Wait()

	hc.lk.Lock()
	undelivered := append(hc.ready, hc.done...)
	hc.ready, hc.done = nil, nil
	hc.lk.Unlock()

	for _, cp := range undelivered {
		if cp.info.Addr != nil {
			hc.cl.FreeAddr(cp.info.Addr)
		}
	}

	hc.cl.releaseContext()
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
