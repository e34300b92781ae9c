package nexus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raskyld/nexus/pkg/collective"
	"github.com/raskyld/nexus/pkg/transport"
)

// Scope selects one of the two address maps.
type Scope int

const (
	// ScopeLocal covers the processes of this node.
	ScopeLocal Scope = iota
	// ScopeGlobal covers the representative of every node.
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Nexus is the routing state of one process. It is immutable once
// `Bootstrap` returned and safe for concurrent reads until `Destroy`.
type Nexus struct {
	cfg    *config
	logger *slog.Logger

	world collective.Comm
	part  *partition

	grank int
	gsize int
	lrank int
	lsize int
	lroot int

	// localRanks maps local ranks to global ranks.
	localRanks []int
	// rankToRep maps every global rank to the global rank of its
	// representative.
	rankToRep []int

	laddrs *addrMap
	gaddrs *addrMap

	localEP  *endpointManager
	remoteEP *endpointManager
	uri      transport.URI

	lk        sync.Mutex
	destroyed bool
}

// Bootstrap builds the routing state of the calling process. It is
// collective over world: every member must call it.
//
// Any failure aborts world, so that peers blocked in a collective operation
// fail as well, and is reported as a `*StepError`.
func Bootstrap(ctx context.Context, world collective.Comm, opts ...Option) (*Nexus, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		world.Abort(err)
		return nil, err
	}

	n := &Nexus{
		cfg:   cfg,
		world: world,
		grank: world.Rank(),
		gsize: world.Size(),
	}
	n.logger = cfg.logger().With(LabelRank.L(n.grank))

	if err := n.bootstrap(ctx); err != nil {
		n.logger.Error("bootstrap failed", LabelError.L(err))
		world.Abort(err)
		n.abandon()
		return nil, err
	}
	return n, nil
}

// MustBootstrap is `Bootstrap` for processes which cannot run without
// routing: on failure the error is logged and the abort handler called,
// `os.Exit(1)` unless `WithAbortHandler` says otherwise.
func MustBootstrap(ctx context.Context, world collective.Comm, opts ...Option) *Nexus {
	n, err := Bootstrap(ctx, world, opts...)
	if err == nil {
		return n
	}

	abort := exitOnAbort
	if cfg, cfgErr := newConfig(opts); cfgErr == nil {
		abort = cfg.abort
		cfg.logger().Error("nexus: aborting", LabelRank.L(world.Rank()), LabelError.L(err))
	} else {
		slog.Error("nexus: aborting", LabelRank.L(world.Rank()), LabelError.L(err))
	}
	abort(err)
	return nil
}

func (n *Nexus) bootstrap(ctx context.Context) error {
	start := time.Now()
	n.progress("started bootstrap")

	part, err := partitionJob(ctx, n.world, n.cfg.nodeID)
	if err != nil {
		return stepError(StepPartition, err)
	}
	n.part = part

	if err := n.discoverLocal(ctx); err != nil {
		return err
	}
	n.progress("done local info discovery")

	if err := n.discoverRemote(ctx); err != nil {
		return err
	}

	// Processes with nothing left to resolve must not report success while
	// a representative is still failing.
	if err := n.world.Barrier(ctx); err != nil {
		return stepError(StepExchange, err)
	}
	n.progress("done remote info discovery")

	n.logger.Debug(
		"bootstrap complete",
		"grank", n.grank,
		"gsize", n.gsize,
		"lrank", n.lrank,
		"lsize", n.lsize,
		"uri", n.uri.String(),
		"duration", time.Since(start),
	)
	return nil
}

// abandon releases what a failed bootstrap acquired. The job is aborted so
// no barrier is attempted.
func (n *Nexus) abandon() {
	if n.localEP != nil {
		n.laddrs.release(n.localEP.class.FreeAddr)
		n.localEP.close()
	}
	if n.remoteEP != nil {
		n.gaddrs.release(n.remoteEP.class.FreeAddr)
		n.remoteEP.close()
	}
	if n.part != nil {
		n.part.free()
	}
}

// Destroy releases every address, both endpoints and both groups. It is
// collective over the world and must be called once, after the last
// routing decision.
func (n *Nexus) Destroy(ctx context.Context) error {
	n.lk.Lock()
	if n.destroyed {
		n.lk.Unlock()
		return ErrClosed
	}
	n.destroyed = true
	n.lk.Unlock()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(n.laddrs.release(n.localEP.class.FreeAddr))
	// Peers may still hold connections to our local endpoint until they
	// released their addresses.
	collect(n.part.local.Barrier(ctx))
	collect(n.part.local.Free())
	collect(n.localEP.close())
	n.progress("done local info cleanup")

	collect(n.gaddrs.release(n.remoteEP.class.FreeAddr))
	if n.part.rep != nil {
		collect(n.part.rep.Barrier(ctx))
	}
	collect(n.remoteEP.close())
	n.progress("done remote info cleanup")

	if n.part.rep != nil {
		collect(n.part.rep.Free())
	}
	return errors.Join(errs...)
}

// progress logs bootstrap milestones once for the whole job.
func (n *Nexus) progress(msg string) {
	if n.grank == 0 {
		n.logger.Info("nexus: " + msg)
	}
}

func (n *Nexus) GlobalRank() int {
	return n.grank
}

func (n *Nexus) GlobalSize() int {
	return n.gsize
}

func (n *Nexus) LocalRank() int {
	return n.lrank
}

func (n *Nexus) LocalSize() int {
	return n.lsize
}

// LocalRoot is the global rank of the representative of this node.
func (n *Nexus) LocalRoot() int {
	return n.lroot
}

func (n *Nexus) IsRepresentative() bool {
	return n.lrank == 0
}

// RepresentativeOf returns the global rank of the representative of rank,
// -1 when rank is out of range.
func (n *Nexus) RepresentativeOf(rank int) int {
	if rank < 0 || rank >= len(n.rankToRep) {
		return -1
	}
	return n.rankToRep[rank]
}

// LocalRanks returns the global rank of every process of this node, indexed
// by local rank.
func (n *Nexus) LocalRanks() []int {
	return slices.Clone(n.localRanks)
}

// URI of the network endpoint of this process.
func (n *Nexus) URI() transport.URI {
	return n.uri
}

func (n *Nexus) LocalClass() transport.Class {
	return n.localEP.class
}

func (n *Nexus) LocalContext() transport.Context {
	return n.localEP.hctx
}

func (n *Nexus) RemoteClass() transport.Class {
	return n.remoteEP.class
}

func (n *Nexus) RemoteContext() transport.Context {
	return n.remoteEP.hctx
}
