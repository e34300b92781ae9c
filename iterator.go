package nexus

import (
	"iter"
	"slices"

	"github.com/raskyld/nexus/pkg/transport"
)

// Entry of an address map.
type Entry struct {
	GlobalRank int
	// SubRank is the local rank for ScopeLocal and the node number for
	// ScopeGlobal.
	SubRank int
	Addr    transport.Addr
}

// Iterator is a read-only cursor over one address map, in ascending global
// rank order. It is not safe for concurrent use.
type Iterator struct {
	entries []Entry
	pos     int
}

// Iter returns a cursor over the address map of scope. The cursor holds a
// snapshot and can be freed independently of the Nexus.
func (n *Nexus) Iter(scope Scope) *Iterator {
	var entries []Entry
	switch scope {
	case ScopeLocal:
		lranks := make(map[int]int, len(n.localRanks))
		for lrank, grank := range n.localRanks {
			lranks[grank] = lrank
		}
		for _, grank := range n.laddrs.rankList() {
			addr, _ := n.laddrs.get(grank)
			entries = append(entries, Entry{GlobalRank: grank, SubRank: lranks[grank], Addr: addr})
		}
	case ScopeGlobal:
		for node, grank := range n.gaddrs.rankList() {
			addr, _ := n.gaddrs.get(grank)
			entries = append(entries, Entry{GlobalRank: grank, SubRank: node, Addr: addr})
		}
	}
	return &Iterator{entries: entries}
}

func (m *addrMap) rankList() []int {
	if m == nil {
		return nil
	}
	return slices.Clone(m.ranks)
}

func (it *Iterator) AtEnd() bool {
	return it.pos >= len(it.entries)
}

func (it *Iterator) Advance() {
	if !it.AtEnd() {
		it.pos++
	}
}

// Addr at the cursor, nil at the end.
func (it *Iterator) Addr() transport.Addr {
	if it.AtEnd() {
		return nil
	}
	return it.entries[it.pos].Addr
}

// GlobalRank at the cursor, -1 at the end.
func (it *Iterator) GlobalRank() int {
	if it.AtEnd() {
		return -1
	}
	return it.entries[it.pos].GlobalRank
}

// SubRank at the cursor, -1 at the end.
func (it *Iterator) SubRank() int {
	if it.AtEnd() {
		return -1
	}
	return it.entries[it.pos].SubRank
}

// Free drops the snapshot. The iterator is at its end afterwards.
func (it *Iterator) Free() {
	it.entries = nil
	it.pos = 0
}

// All yields the remaining entries without moving the cursor.
func (it *Iterator) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range it.entries[it.pos:] {
			if !yield(e) {
				return
			}
		}
	}
}
