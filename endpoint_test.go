package nexus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nexus/pkg/transport"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockClass struct {
	m mock.Mock
}

func (c *MockClass) Protocol() string {
	return c.m.Called().String(0)
}

func (c *MockClass) URI() transport.URI {
	return c.m.Called().Get(0).(transport.URI)
}

func (c *MockClass) Listening() bool {
	return c.m.Called().Bool(0)
}

func (c *MockClass) SelfAddr() (transport.Addr, error) {
	args := c.m.Called()
	addr, _ := args.Get(0).(transport.Addr)
	return addr, args.Error(1)
}

func (c *MockClass) FreeAddr(addr transport.Addr) error {
	return c.m.Called(addr).Error(0)
}

func (c *MockClass) AddrCount() int {
	return c.m.Called().Int(0)
}

func (c *MockClass) CreateContext() (transport.Context, error) {
	args := c.m.Called()
	hctx, _ := args.Get(0).(transport.Context)
	return hctx, args.Error(1)
}

func (c *MockClass) Finalize() error {
	return c.m.Called().Error(0)
}

type MockContext struct {
	m      mock.Mock
	rounds atomic.Int64
}

func (c *MockContext) Class() transport.Class {
	return c.m.Called().Get(0).(transport.Class)
}

func (c *MockContext) Lookup(name string, cb transport.LookupCallback) error {
	return c.m.Called(name, cb).Error(0)
}

func (c *MockContext) Trigger(timeout time.Duration, max int) (int, error) {
	args := c.m.Called(timeout, max)
	return args.Int(0), args.Error(1)
}

func (c *MockContext) Progress(timeout time.Duration) error {
	return c.m.Called(timeout).Error(0)
}

func (c *MockContext) Destroy() error {
	return c.m.Called().Error(0)
}

// idleContext never has work for the progress loop.
func idleContext() *MockContext {
	hctx := &MockContext{}
	hctx.m.On("Trigger", time.Duration(0), 1).Return(0, transport.ErrTimeout)
	hctx.m.On("Progress", time.Millisecond).Return(transport.ErrTimeout).After(time.Millisecond).Run(func(mock.Arguments) {
		hctx.rounds.Add(1)
	})
	return hctx
}

func mockManager(t *testing.T, hctx *MockContext, sink metrics.MetricSink) (*endpointManager, *MockClass) {
	t.Helper()
	cfg, err := newConfig([]Option{
		WithNodeID("test"),
		WithProgressTimeout(time.Millisecond),
		WithMetricSink(sink),
	})
	require.NoError(t, err)

	class := &MockClass{}
	class.m.On("URI").Return(transport.URI{Scheme: "fake", Host: "ep", Port: transport.NoPort})
	return newEndpointManager(cfg, slog.New(testHandler("endpoint")), ScopeGlobal, class, hctx), class
}

func TestResolve(t *testing.T) {
	hctx := idleContext()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	em, _ := mockManager(t, hctx, sink)
	defer em.stop()

	peer := &fakeAddr{name: "peer"}
	hctx.m.On("Lookup", "fake://peer", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		cb := args.Get(1).(transport.LookupCallback)
		go cb(transport.LookupInfo{Name: args.String(0), Addr: peer})
	})

	addr, err := em.resolve(context.Background(), "fake://peer", false)
	require.NoError(t, err)
	require.Same(t, peer, addr)

	var counted bool
	for _, interval := range sink.Data() {
		interval.RLock()
		for key := range interval.Counters {
			counted = counted || strings.HasPrefix(key, "nexus.lookup.count;")
		}
		interval.RUnlock()
	}
	require.True(t, counted, "successful lookups are counted")
}

func TestResolveSelf(t *testing.T) {
	hctx := idleContext()
	em, class := mockManager(t, hctx, &metrics.BlackholeSink{})
	defer em.stop()

	self := &fakeAddr{name: "self", self: true}
	class.m.On("SelfAddr").Return(self, nil)

	addr, err := em.resolve(context.Background(), "fake://ep", true)
	require.NoError(t, err)
	require.Same(t, self, addr)
	hctx.m.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestResolveErrors(t *testing.T) {
	t.Run("post failure", func(t *testing.T) {
		hctx := idleContext()
		em, _ := mockManager(t, hctx, &metrics.BlackholeSink{})
		defer em.stop()

		hctx.m.On("Lookup", "fake://peer", mock.Anything).Return(transport.ErrShutdown)
		_, err := em.resolve(context.Background(), "fake://peer", false)
		require.ErrorIs(t, err, transport.ErrShutdown)

		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		require.Equal(t, StepLookup, stepErr.Step)
		require.Equal(t, "fake://peer", stepErr.Target)
	})

	t.Run("completion error", func(t *testing.T) {
		hctx := idleContext()
		em, _ := mockManager(t, hctx, &metrics.BlackholeSink{})
		defer em.stop()

		hctx.m.On("Lookup", "fake://gone", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
			cb := args.Get(1).(transport.LookupCallback)
			go cb(transport.LookupInfo{Name: args.String(0), Err: transport.ErrNoSuchEndpoint})
		})
		_, err := em.resolve(context.Background(), "fake://gone", false)
		require.ErrorIs(t, err, transport.ErrNoSuchEndpoint)
	})

	t.Run("context", func(t *testing.T) {
		hctx := idleContext()
		em, _ := mockManager(t, hctx, &metrics.BlackholeSink{})
		defer em.stop()

		hctx.m.On("Lookup", "fake://slow", mock.Anything).Return(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := em.resolve(ctx, "fake://slow", false)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("stopped", func(t *testing.T) {
		hctx := idleContext()
		em, _ := mockManager(t, hctx, &metrics.BlackholeSink{})
		require.NoError(t, em.stop())

		_, err := em.resolve(context.Background(), "fake://peer", false)
		require.ErrorIs(t, err, ErrEndpointStopped)
		hctx.m.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
	})
}

func TestProgressFailure(t *testing.T) {
	broken := errors.New("completion queue corrupted")
	hctx := &MockContext{}
	hctx.m.On("Trigger", time.Duration(0), 1).Return(0, broken)

	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	em, _ := mockManager(t, hctx, sink)

	require.Eventually(t, func() bool {
		return !em.running()
	}, time.Second, time.Millisecond)

	_, err := em.resolve(context.Background(), "fake://peer", false)
	require.ErrorIs(t, err, ErrProgress)
	require.ErrorIs(t, err, broken)

	err = em.stop()
	require.ErrorIs(t, err, ErrProgress)
	hctx.m.AssertNotCalled(t, "Progress", mock.Anything)
}

func TestStopJoinsProgress(t *testing.T) {
	hctx := idleContext()
	em, _ := mockManager(t, hctx, &metrics.BlackholeSink{})

	require.Eventually(t, func() bool {
		return hctx.rounds.Load() > 2
	}, time.Second, time.Millisecond)

	require.NoError(t, em.stop())
	require.False(t, em.running())

	rounds := hctx.rounds.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, rounds, hctx.rounds.Load(), "no progress after stop returned")

	// Stopping twice is harmless.
	require.NoError(t, em.stop())
}

func TestCloseOrder(t *testing.T) {
	hctx := idleContext()
	em, class := mockManager(t, hctx, &metrics.BlackholeSink{})

	var order []string
	hctx.m.On("Destroy").Return(nil).Run(func(mock.Arguments) {
		require.False(t, em.running(), "progress stopped before the context goes away")
		order = append(order, "destroy")
	})
	class.m.On("Finalize").Return(transport.ErrBusy).Run(func(mock.Arguments) {
		order = append(order, "finalize")
	})

	err := em.close()
	require.ErrorIs(t, err, transport.ErrBusy)
	require.Equal(t, []string{"destroy", "finalize"}, order)

	// Closed managers are left alone.
	require.NoError(t, em.close())
	hctx.m.AssertNumberOfCalls(t, "Destroy", 1)
	class.m.AssertNumberOfCalls(t, "Finalize", 1)
}
