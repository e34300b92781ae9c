package nexus

import (
	"fmt"
	"log/slog"

	"github.com/raskyld/nexus/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// addrRecordSize is the room reserved for an address in a representative
// record, terminator included.
const addrRecordSize = 60

const (
	fieldProcessID  protowire.Number = 1
	fieldEndpointID protowire.Number = 2
	fieldGlobalRank protowire.Number = 3
	fieldLocalRank  protowire.Number = 4
	fieldAddr       protowire.Number = 5
	fieldRepRank    protowire.Number = 6
)

// ProcessIdentity is what processes of a node exchange to find each other.
type ProcessIdentity struct {
	ProcessID  int
	EndpointID int
	GlobalRank int
	LocalRank  int
}

func (id ProcessIdentity) encode() []byte {
	var rec wire.Record
	rec.Int(fieldProcessID, id.ProcessID).
		Int(fieldEndpointID, id.EndpointID).
		Int(fieldGlobalRank, id.GlobalRank).
		Int(fieldLocalRank, id.LocalRank)
	return rec.Encode()
}

func decodeProcessIdentity(buf []byte) (ProcessIdentity, error) {
	id := ProcessIdentity{GlobalRank: -1, LocalRank: -1}
	err := wire.Walk(buf, func(f wire.Field) error {
		switch f.Num {
		case fieldProcessID:
			id.ProcessID = f.Int()
		case fieldEndpointID:
			id.EndpointID = f.Int()
		case fieldGlobalRank:
			id.GlobalRank = f.Int()
		case fieldLocalRank:
			id.LocalRank = f.Int()
		}
		return nil
	})
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if id.GlobalRank < 0 || id.LocalRank < 0 {
		return id, fmt.Errorf("%w: process identity without ranks", ErrMalformedRecord)
	}
	return id, nil
}

func (id ProcessIdentity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pid", id.ProcessID),
		slog.Int("endpoint_id", id.EndpointID),
		slog.Int("grank", id.GlobalRank),
		slog.Int("lrank", id.LocalRank),
	)
}

// RepresentativeIdentity is what representatives exchange to find each
// other across nodes.
type RepresentativeIdentity struct {
	Addr       string
	GlobalRank int
}

// newRepresentativeIdentity keeps at most addrRecordSize-1 bytes of addr.
func newRepresentativeIdentity(addr string, grank int) RepresentativeIdentity {
	if len(addr) > addrRecordSize-1 {
		addr = addr[:addrRecordSize-1]
	}
	return RepresentativeIdentity{Addr: addr, GlobalRank: grank}
}

func (id RepresentativeIdentity) encode() []byte {
	var rec wire.Record
	rec.Text(fieldAddr, id.Addr).Int(fieldGlobalRank, id.GlobalRank)
	return rec.Encode()
}

func decodeRepresentativeIdentity(buf []byte) (RepresentativeIdentity, error) {
	id := RepresentativeIdentity{GlobalRank: -1}
	err := wire.Walk(buf, func(f wire.Field) error {
		switch f.Num {
		case fieldAddr:
			if len(f.Raw) > addrRecordSize-1 {
				return fmt.Errorf("address of %d bytes", len(f.Raw))
			}
			id.Addr = string(f.Raw)
		case fieldGlobalRank:
			id.GlobalRank = f.Int()
		}
		return nil
	})
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if id.GlobalRank < 0 || id.Addr == "" {
		return id, fmt.Errorf("%w: representative identity without address or rank", ErrMalformedRecord)
	}
	return id, nil
}

func (id RepresentativeIdentity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", id.Addr),
		slog.Int("grank", id.GlobalRank),
	)
}

func encodeRepRank(rank int) []byte {
	var rec wire.Record
	rec.Int(fieldRepRank, rank)
	return rec.Encode()
}

func decodeRepRank(buf []byte) (int, error) {
	rank := -1
	err := wire.Walk(buf, func(f wire.Field) error {
		if f.Num == fieldRepRank {
			rank = f.Int()
		}
		return nil
	})
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if rank < 0 {
		return -1, fmt.Errorf("%w: missing representative rank", ErrMalformedRecord)
	}
	return rank, nil
}
