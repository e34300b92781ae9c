package nexus

import "github.com/raskyld/nexus/pkg/transport"

// Outcome of a routing decision.
type Outcome int

const (
	// OutcomeDone means the destination is this process.
	OutcomeDone Outcome = iota
	// OutcomeLocal means the destination shares this node.
	OutcomeLocal
	// OutcomeSrcRep means the message goes to the representative of this
	// node first.
	OutcomeSrcRep
	// OutcomeDestRep means the message goes to the representative of the
	// destination node.
	OutcomeDestRep
	// OutcomeNotFound means the next hop has no resolved address.
	OutcomeNotFound
	// OutcomeInvalid means the destination is not a rank of the job.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeLocal:
		return "local"
	case OutcomeSrcRep:
		return "src_rep"
	case OutcomeDestRep:
		return "dest_rep"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Hop is where to send next. Addr is nil for OutcomeDone, OutcomeNotFound
// and OutcomeInvalid.
type Hop struct {
	Rank int
	Addr transport.Addr
}

// NextHop returns the next process on the path to dest. Paths take at most
// three hops: to the local representative, across to the representative of
// the destination node, then to the destination.
func (n *Nexus) NextHop(dest int) (Outcome, Hop) {
	if dest < 0 || dest >= n.gsize || dest >= len(n.rankToRep) {
		return OutcomeInvalid, Hop{Rank: -1}
	}
	if dest == n.grank {
		return OutcomeDone, Hop{Rank: dest}
	}

	destRep := n.rankToRep[dest]
	switch {
	case destRep == n.rankToRep[n.grank]:
		return lookupHop(n.laddrs, OutcomeLocal, dest)
	case n.lrank != 0:
		return lookupHop(n.laddrs, OutcomeSrcRep, n.lroot)
	default:
		return lookupHop(n.gaddrs, OutcomeDestRep, destRep)
	}
}

func lookupHop(m *addrMap, outcome Outcome, rank int) (Outcome, Hop) {
	addr, ok := m.get(rank)
	if !ok {
		return OutcomeNotFound, Hop{Rank: rank}
	}
	return outcome, Hop{Rank: rank, Addr: addr}
}
