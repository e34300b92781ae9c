package nexus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/nexus/pkg/collective"
	"github.com/stretchr/testify/require"
)

func loopback() ([]net.Addr, error) {
	return []net.Addr{
		&net.IPNet{IP: net.IPv6loopback, Mask: net.CIDRMask(128, 128)},
		&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)},
	}, nil
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// jobOptions simulates one process of a job where every process runs in the
// test binary.
func jobOptions(t *testing.T, socketDir string, rank int, nodeID string) []Option {
	t.Helper()
	return []Option{
		WithNodeID(nodeID),
		WithProcessID(1000 + rank),
		WithSocketDir(socketDir),
		WithSubnet("127."),
		WithInterfaces(loopback),
		WithPortRange(42000, 42099),
		WithDialTimeout(5 * time.Second),
		WithProgressTimeout(20 * time.Millisecond),
		WithLog(testHandler(fmt.Sprintf("rank%d", rank))),
		WithMetricSink(&metrics.BlackholeSink{}),
	}
}

func bootstrapJob(t *testing.T, nodes []string, tweak func(rank int) []Option) ([]*Nexus, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	socketDir := t.TempDir()
	world := collective.NewWorld(len(nodes))
	nxs := make([]*Nexus, len(nodes))
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for rank := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := jobOptions(t, socketDir, rank, nodes[rank])
			if tweak != nil {
				opts = append(opts, tweak(rank)...)
			}
			nxs[rank], errs[rank] = Bootstrap(ctx, world[rank], opts...)
		}()
	}
	wg.Wait()
	return nxs, errs
}

func destroyJob(t *testing.T, nxs []*Nexus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errs := make([]error, len(nxs))
	var wg sync.WaitGroup
	for rank, nx := range nxs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = nx.Destroy(ctx)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestBootstrapEndToEnd(t *testing.T) {
	// 8 processes, 2 nodes, interleaved: node-0 holds the even ranks.
	nodes := make([]string, 8)
	for rank := range nodes {
		nodes[rank] = fmt.Sprintf("node-%d", rank%2)
	}

	nxs, errs := bootstrapJob(t, nodes, nil)
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}

	localURIOf := func(rank int) string {
		return localURI("sm", 1000+rank, 0).String()
	}

	t.Run("topology", func(t *testing.T) {
		for rank, nx := range nxs {
			require.Equal(t, rank, nx.GlobalRank())
			require.Equal(t, 8, nx.GlobalSize())
			require.Equal(t, 4, nx.LocalSize())
			require.Equal(t, rank/2, nx.LocalRank())
			require.Equal(t, rank%2, nx.LocalRoot())
			require.Equal(t, rank < 2, nx.IsRepresentative())
			require.Equal(t, []int{rank % 2, rank%2 + 2, rank%2 + 4, rank%2 + 6}, nx.LocalRanks())

			for dest := range nxs {
				require.Equal(t, dest%2, nx.RepresentativeOf(dest))
			}
			require.Equal(t, -1, nx.RepresentativeOf(8))
		}
	})

	t.Run("address maps", func(t *testing.T) {
		for rank, nx := range nxs {
			require.Equal(t, 4, nx.laddrs.len())
			require.Equal(t, 4, nx.laddrs.resolved())
			for _, peer := range nx.LocalRanks() {
				addr, ok := nx.laddrs.get(peer)
				require.True(t, ok)
				require.Equal(t, localURIOf(peer), addr.URI().String())
				require.Equal(t, peer == rank, addr.IsSelf())
			}

			if nx.IsRepresentative() {
				require.Equal(t, 2, nx.gaddrs.resolved())
				for _, rep := range []int{0, 1} {
					addr, ok := nx.gaddrs.get(rep)
					require.True(t, ok)
					require.Equal(t, nxs[rep].URI(), addr.URI())
				}
				require.True(t, nx.RemoteClass().Listening())
			} else {
				require.Zero(t, nx.gaddrs.len())
				require.False(t, nx.RemoteClass().Listening())
			}
			require.Equal(t, "quic", nx.URI().Scheme)
			require.Equal(t, "127.0.0.1", nx.URI().Host)
			require.NotNil(t, nx.LocalContext())
			require.NotNil(t, nx.RemoteContext())
			require.Equal(t, "sm", nx.LocalClass().Protocol())
		}
	})

	t.Run("next hop", func(t *testing.T) {
		for src, nx := range nxs {
			outcome, hop := nx.NextHop(src)
			require.Equal(t, OutcomeDone, outcome)
			require.Nil(t, hop.Addr)

			for _, dest := range []int{-1, 8, 1 << 20} {
				outcome, _ := nx.NextHop(dest)
				require.Equal(t, OutcomeInvalid, outcome)
			}

			for dest := range nxs {
				if dest == src {
					continue
				}
				outcome, hop := nx.NextHop(dest)
				switch {
				case dest%2 == src%2:
					require.Equal(t, OutcomeLocal, outcome)
					require.Equal(t, dest, hop.Rank)
					require.Equal(t, localURIOf(dest), hop.Addr.URI().String())
				case !nx.IsRepresentative():
					require.Equal(t, OutcomeSrcRep, outcome)
					require.Equal(t, src%2, hop.Rank)
					require.Equal(t, localURIOf(src%2), hop.Addr.URI().String())
				default:
					require.Equal(t, OutcomeDestRep, outcome)
					require.Equal(t, dest%2, hop.Rank)
					require.Equal(t, nxs[dest%2].URI(), hop.Addr.URI())
				}

				again, hopAgain := nx.NextHop(dest)
				require.Equal(t, outcome, again)
				require.Equal(t, hop, hopAgain)
			}
		}
	})

	t.Run("three hop chain", func(t *testing.T) {
		for src := range nxs {
			for dest := range nxs {
				var outcomes []Outcome
				cur := src
				for {
					outcome, hop := nxs[cur].NextHop(dest)
					if outcome == OutcomeDone {
						require.Equal(t, dest, cur)
						break
					}
					outcomes = append(outcomes, outcome)
					require.LessOrEqual(t, len(outcomes), 3, "%d -> %d loops", src, dest)
					cur = hop.Rank
				}

				srcIsRep := src < 2
				destIsRep := dest < 2
				switch {
				case src == dest:
					require.Empty(t, outcomes)
				case src%2 == dest%2:
					require.Equal(t, []Outcome{OutcomeLocal}, outcomes)
				case !srcIsRep && !destIsRep:
					require.Equal(t, []Outcome{OutcomeSrcRep, OutcomeDestRep, OutcomeLocal}, outcomes)
				case srcIsRep && !destIsRep:
					require.Equal(t, []Outcome{OutcomeDestRep, OutcomeLocal}, outcomes)
				case !srcIsRep && destIsRep:
					require.Equal(t, []Outcome{OutcomeSrcRep, OutcomeDestRep}, outcomes)
				default:
					require.Equal(t, []Outcome{OutcomeDestRep}, outcomes)
				}
			}
		}
	})

	t.Run("iterators", func(t *testing.T) {
		nx := nxs[3]
		it := nx.Iter(ScopeLocal)
		var granks, subranks []int
		for ; !it.AtEnd(); it.Advance() {
			granks = append(granks, it.GlobalRank())
			subranks = append(subranks, it.SubRank())
			require.NotNil(t, it.Addr())
		}
		it.Free()
		require.Equal(t, []int{1, 3, 5, 7}, granks)
		require.Equal(t, []int{0, 1, 2, 3}, subranks)

		require.True(t, nx.Iter(ScopeGlobal).AtEnd(), "only representatives hold network addresses")

		var nodes []int
		for entry := range nxs[0].Iter(ScopeGlobal).All() {
			require.Equal(t, entry.GlobalRank, entry.SubRank)
			nodes = append(nodes, entry.GlobalRank)
		}
		require.Equal(t, []int{0, 1}, nodes)
	})

	destroyJob(t, nxs)
	for _, nx := range nxs {
		require.ErrorIs(t, nx.Destroy(context.Background()), ErrClosed)
		require.Zero(t, nx.laddrs.resolved())
		require.Zero(t, nx.gaddrs.resolved())
	}
}

func TestBootstrapSingleProcess(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	nxs, errs := bootstrapJob(t, []string{"alone"}, func(int) []Option {
		return []Option{WithMetricSink(sink), WithLocalProtocol("inmem")}
	})
	require.NoError(t, errs[0])
	nx := nxs[0]

	require.True(t, nx.IsRepresentative())
	outcome, _ := nx.NextHop(0)
	require.Equal(t, OutcomeDone, outcome)

	// An entry left unset, as after a partial teardown, is skipped.
	addr, ok := nx.laddrs.get(0)
	require.True(t, ok)
	require.NoError(t, nx.LocalClass().FreeAddr(addr))
	nx.laddrs.addrs[0] = nil

	outcome, hop := nx.NextHop(0)
	require.Equal(t, OutcomeDone, outcome)
	require.Nil(t, hop.Addr)

	destroyJob(t, nxs)

	var sawPhase bool
	for _, interval := range sink.Data() {
		interval.RLock()
		for name := range interval.Samples {
			if strings.HasPrefix(name, "nexus.phase.duration.ms") {
				sawPhase = true
			}
		}
		interval.RUnlock()
	}
	require.True(t, sawPhase)
}

func TestBootstrapFailureAbortsJob(t *testing.T) {
	nodes := []string{"node-0", "node-1", "node-0", "node-1"}
	_, errs := bootstrapJob(t, nodes, func(rank int) []Option {
		if rank == 1 {
			return []Option{WithSubnet("10.255.")}
		}
		return nil
	})

	var stepErr *StepError
	require.ErrorAs(t, errs[1], &stepErr)
	require.Equal(t, StepInterface, stepErr.Step)
	require.ErrorIs(t, errs[1], ErrNoInterface)

	for _, rank := range []int{0, 2, 3} {
		require.ErrorIs(t, errs[rank], collective.ErrAborted, "rank %d", rank)
		require.ErrorAs(t, errs[rank], &stepErr)
		require.Equal(t, StepExchange, stepErr.Step, "rank %d", rank)
	}
}

func TestBootstrapEndpointConflict(t *testing.T) {
	nodes := []string{"node-0", "node-0"}
	_, errs := bootstrapJob(t, nodes, func(rank int) []Option {
		// Both processes claim the same local endpoint, the second one
		// cannot bind it.
		return []Option{WithProcessID(7), WithLocalProtocol("inmem")}
	})

	steps := make(map[string]int)
	for rank, err := range errs {
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr, "rank %d", rank)
		steps[stepErr.Step]++

		if stepErr.Step == StepExchange {
			// The process which bound the endpoint learns about the
			// conflict through the abort of the job.
			require.ErrorIs(t, err, collective.ErrAborted)
			require.True(t, strings.HasPrefix(err.Error(), "nexus: exchange: "), err.Error())
		}
	}
	require.Equal(t, map[string]int{StepEndpointInit: 1, StepExchange: 1}, steps)
}

func TestMustBootstrap(t *testing.T) {
	world := collective.NewWorld(1)
	var aborted error
	nx := MustBootstrap(
		context.Background(), world[0],
		WithInterfaces(loopback),
		WithSubnet("192.0.2."),
		WithSocketDir(t.TempDir()),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithAbortHandler(func(err error) { aborted = err }),
	)
	require.Nil(t, nx)
	require.ErrorIs(t, aborted, ErrNoInterface)

	_, err := world[0].AllGather(context.Background(), nil)
	require.ErrorIs(t, err, collective.ErrAborted)
}

func TestInvalidOptions(t *testing.T) {
	world := collective.NewWorld(1)
	_, err := Bootstrap(context.Background(), world[0], WithProgressTimeout(0))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
