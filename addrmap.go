package nexus

import (
	"errors"
	"fmt"
	"slices"

	"github.com/raskyld/nexus/pkg/transport"
)

// addrMap maps global ranks to resolved addresses. Its key set is fixed when
// created and every entry can only be set once.
type addrMap struct {
	addrs map[int]transport.Addr
	ranks []int
}

func newAddrMap(ranks []int) *addrMap {
	m := &addrMap{
		addrs: make(map[int]transport.Addr, len(ranks)),
		ranks: slices.Clone(ranks),
	}
	slices.Sort(m.ranks)
	m.ranks = slices.Compact(m.ranks)
	for _, rank := range m.ranks {
		m.addrs[rank] = nil
	}
	return m
}

func (m *addrMap) set(rank int, addr transport.Addr) error {
	current, ok := m.addrs[rank]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRank, rank)
	}
	if current != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateRank, rank)
	}
	m.addrs[rank] = addr
	return nil
}

// get returns the address of rank, false when rank has no resolved address.
func (m *addrMap) get(rank int) (transport.Addr, bool) {
	if m == nil {
		return nil, false
	}
	addr := m.addrs[rank]
	return addr, addr != nil
}

func (m *addrMap) len() int {
	if m == nil {
		return 0
	}
	return len(m.ranks)
}

// resolved counts the entries holding an address.
func (m *addrMap) resolved() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, addr := range m.addrs {
		if addr != nil {
			n++
		}
	}
	return n
}

// release frees every address with free and clears the entries, so calling
// it again frees nothing twice. Unset entries are skipped.
func (m *addrMap) release(free func(transport.Addr) error) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, rank := range m.ranks {
		addr := m.addrs[rank]
		if addr == nil {
			continue
		}
		m.addrs[rank] = nil
		if err := free(addr); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", rank, err))
		}
	}
	return errors.Join(errs...)
}
