package nexus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nexus/pkg/transport"
)

// endpointManager owns one transport endpoint and the goroutine driving its
// progress while lookups are in flight.
type endpointManager struct {
	scope           Scope
	class           transport.Class
	hctx            transport.Context
	progressTimeout time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	err      error

	closed bool
}

// startEndpoint initialises an endpoint bound to uri and starts driving its
// progress.
func startEndpoint(cfg *config, logger *slog.Logger, scope Scope, uri string, listen bool) (*endpointManager, error) {
	class, err := transport.Init(uri, listen, cfg.trOpts...)
	if err != nil {
		return nil, stepError(StepEndpointInit, err)
	}
	hctx, err := class.CreateContext()
	if err != nil {
		class.Finalize()
		return nil, stepError(StepEndpointInit, err)
	}

	em := newEndpointManager(cfg, logger, scope, class, hctx)
	em.logger.Debug("endpoint started", "listening", listen)
	return em, nil
}

func newEndpointManager(cfg *config, logger *slog.Logger, scope Scope, class transport.Class, hctx transport.Context) *endpointManager {
	em := &endpointManager{
		scope:           scope,
		class:           class,
		hctx:            hctx,
		progressTimeout: cfg.progressTimeout,
		logger:          logger.With(LabelScope.L(scope.String()), "endpoint", class.URI().String()),
		msink:           cfg.msink,
		labels:          withLabels(cfg.metricLabels, LabelScope.M(scope.String())),
		done:            make(chan struct{}),
		failed:          make(chan struct{}),
	}
	go em.progressLoop()
	return em
}

// progressLoop runs every ready callback, then waits a bounded time for the
// transport to complete more operations, until stopped.
func (em *endpointManager) progressLoop() {
	defer close(em.done)
	for !em.stopping.Load() {
		for {
			count, err := em.hctx.Trigger(0, 1)
			if err != nil {
				if !errors.Is(err, transport.ErrTimeout) {
					em.fail(fmt.Errorf("%w: trigger: %w", ErrProgress, err))
					return
				}
				break
			}
			if count == 0 {
				break
			}
		}

		err := em.hctx.Progress(em.progressTimeout)
		if err != nil && !errors.Is(err, transport.ErrTimeout) {
			em.fail(fmt.Errorf("%w: progress: %w", ErrProgress, err))
			return
		}
	}
}

func (em *endpointManager) fail(err error) {
	em.failOnce.Do(func() {
		em.err = err
		em.logger.Error("background progress failed", LabelError.L(err))
		em.msink.IncrCounterWithLabels(MetricProgressErrorCount, 1.0, em.labels)
		close(em.failed)
	})
}

// stop asks the background goroutine to exit and waits for it. No callback
// runs once stop returned.
func (em *endpointManager) stop() error {
	em.stopOnce.Do(func() {
		em.stopping.Store(true)
	})
	<-em.done

	select {
	case <-em.failed:
		return em.err
	default:
		return nil
	}
}

// running reports whether callbacks are still being driven.
func (em *endpointManager) running() bool {
	select {
	case <-em.done:
		return false
	default:
		return true
	}
}

// close stops progress, then destroys the context and finalizes the class.
// Addresses must have been released beforehand.
func (em *endpointManager) close() error {
	if em.closed {
		return nil
	}
	em.closed = true

	var errs []error
	if err := em.stop(); err != nil {
		errs = append(errs, err)
	}
	if err := em.hctx.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := em.class.Finalize(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
