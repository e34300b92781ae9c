package nexus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/raskyld/nexus/pkg/transport"
)

// localURI names endpoint id of process pid on the node-local transport.
func localURI(proto string, pid, id int) transport.URI {
	uri := transport.LocalURI(pid, id)
	uri.Scheme = proto
	return uri
}

// rotation yields every index of a group of size, starting at self.
func rotation(self, size int) []int {
	order := make([]int, size)
	for i := range order {
		order[i] = (self + i) % size
	}
	return order
}

// discoverLocal resolves the node-local address of every process sharing
// this node.
func (n *Nexus) discoverLocal(ctx context.Context) error {
	start := time.Now()
	local := n.part.local
	n.lrank = local.Rank()
	n.lsize = local.Size()

	em, err := startEndpoint(
		n.cfg, n.logger, ScopeLocal,
		localURI(n.cfg.localProtocol, n.cfg.processID, 0).String(),
		true,
	)
	if err != nil {
		return err
	}
	n.localEP = em

	self := ProcessIdentity{
		ProcessID:  n.cfg.processID,
		EndpointID: 0,
		GlobalRank: n.grank,
		LocalRank:  n.lrank,
	}
	records, err := local.AllGather(ctx, self.encode())
	if err != nil {
		return stepError(StepExchange, err)
	}

	peers := make([]ProcessIdentity, len(records))
	granks := make([]int, len(records))
	for i, buf := range records {
		id, err := decodeProcessIdentity(buf)
		if err != nil {
			return stepError(StepExchange, fmt.Errorf("record of local rank %d: %w", i, err))
		}
		if id.LocalRank >= n.lsize || id.GlobalRank >= n.gsize {
			return stepError(StepExchange, fmt.Errorf("%w: %v out of range", ErrMalformedRecord, id))
		}
		peers[i] = id
		granks[i] = id.GlobalRank
	}

	n.laddrs = newAddrMap(granks)
	n.localRanks = make([]int, n.lsize)
	for i := range n.localRanks {
		n.localRanks[i] = -1
	}
	n.lroot = -1

	for _, idx := range rotation(n.lrank, n.lsize) {
		peer := peers[idx]
		if peer.LocalRank == 0 {
			n.lroot = peer.GlobalRank
		}
		if n.localRanks[peer.LocalRank] != -1 {
			return stepError(StepExchange, fmt.Errorf("%w: local rank %d claimed twice", ErrMalformedRecord, peer.LocalRank))
		}
		n.localRanks[peer.LocalRank] = peer.GlobalRank

		target := localURI(n.cfg.localProtocol, peer.ProcessID, peer.EndpointID).String()
		addr, err := em.resolve(ctx, target, peer.GlobalRank == n.grank)
		if err != nil {
			return err
		}
		if err := n.laddrs.set(peer.GlobalRank, addr); err != nil {
			em.class.FreeAddr(addr)
			return stepError(StepExchange, err)
		}
		n.logger.Debug("resolved local peer", "peer", peer)
	}
	if n.lroot < 0 {
		return stepError(StepExchange, fmt.Errorf("%w: no process with local rank 0", ErrMalformedRecord))
	}

	// Nobody stops answering lookups before everyone is done.
	if err := local.Barrier(ctx); err != nil {
		return stepError(StepExchange, err)
	}
	if err := em.stop(); err != nil {
		return err
	}

	n.cfg.msink.SetGaugeWithLabels(
		MetricAddrMapSize,
		float32(n.laddrs.len()),
		withLabels(n.cfg.metricLabels, LabelScope.M(ScopeLocal.String())),
	)
	n.observePhase("local", start)
	return nil
}

// discoverRemote learns the representative of every rank and, on
// representatives, resolves the network address of every other
// representative.
func (n *Nexus) discoverRemote(ctx context.Context) error {
	start := time.Now()

	records, err := n.world.AllGather(ctx, encodeRepRank(n.lroot))
	if err != nil {
		return stepError(StepExchange, err)
	}
	n.rankToRep = make([]int, len(records))
	for rank, buf := range records {
		rep, err := decodeRepRank(buf)
		if err != nil {
			return stepError(StepExchange, fmt.Errorf("representative of rank %d: %w", rank, err))
		}
		if rep >= n.gsize {
			return stepError(StepExchange, fmt.Errorf("%w: representative %d out of range", ErrMalformedRecord, rep))
		}
		n.rankToRep[rank] = rep
	}

	rep := n.part.rep
	neg := newNegotiator(n.cfg, n.logger)
	if rep == nil {
		uri, err := neg.clientURI()
		if err != nil {
			return err
		}
		em, err := startEndpoint(n.cfg, n.logger, ScopeGlobal, uri.String(), false)
		if err != nil {
			return err
		}
		n.remoteEP = em
		n.uri = em.class.URI()
		n.gaddrs = newAddrMap(nil)
		if err := em.stop(); err != nil {
			return err
		}
		n.observePhase("remote", start)
		return nil
	}

	uri, err := neg.negotiate(ctx, rep.Rank(), rep.Size())
	if err != nil {
		return err
	}
	em, err := startEndpoint(n.cfg, n.logger, ScopeGlobal, uri.String(), true)
	if err != nil {
		return err
	}
	n.remoteEP = em
	n.uri = em.class.URI()

	self := newRepresentativeIdentity(n.uri.String(), n.grank)
	records, err = rep.AllGather(ctx, self.encode())
	if err != nil {
		return stepError(StepExchange, err)
	}
	peers := make([]RepresentativeIdentity, len(records))
	granks := make([]int, len(records))
	for i, buf := range records {
		id, err := decodeRepresentativeIdentity(buf)
		if err != nil {
			return stepError(StepExchange, fmt.Errorf("record of representative %d: %w", i, err))
		}
		if id.GlobalRank >= n.gsize || n.rankToRep[id.GlobalRank] != id.GlobalRank {
			return stepError(StepExchange, fmt.Errorf("%w: %d is not a representative", ErrMalformedRecord, id.GlobalRank))
		}
		peers[i] = id
		granks[i] = id.GlobalRank
	}

	n.gaddrs = newAddrMap(granks)
	for _, idx := range rotation(rep.Rank(), rep.Size()) {
		peer := peers[idx]
		addr, err := em.resolve(ctx, peer.Addr, peer.GlobalRank == n.grank)
		if err != nil {
			return err
		}
		if err := n.gaddrs.set(peer.GlobalRank, addr); err != nil {
			em.class.FreeAddr(addr)
			return stepError(StepExchange, err)
		}
		n.logger.Debug("resolved representative", "peer", peer)
	}

	if err := rep.Barrier(ctx); err != nil {
		return stepError(StepExchange, err)
	}
	if err := em.stop(); err != nil {
		return err
	}

	n.cfg.msink.SetGaugeWithLabels(
		MetricAddrMapSize,
		float32(n.gaddrs.len()),
		withLabels(n.cfg.metricLabels, LabelScope.M(ScopeGlobal.String())),
	)
	n.observePhase("remote", start)
	return nil
}

func (n *Nexus) observePhase(phase string, start time.Time) {
	n.cfg.msink.AddSampleWithLabels(
		MetricPhaseDurationMs,
		float32(time.Since(start).Seconds()*1000),
		withLabels(n.cfg.metricLabels, LabelPhase.M(phase), LabelRank.M(strconv.Itoa(n.grank))),
	)
}
