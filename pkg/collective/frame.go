package collective

import (
	"bytes"
	"io"

	"github.com/raskyld/nexus/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldOp       protowire.Number = 1
	fieldGroup    protowire.Number = 2
	fieldSeq      protowire.Number = 3
	fieldPayload  protowire.Number = 4
	fieldRank     protowire.Number = 5
	fieldSize     protowire.Number = 6
	fieldJob      protowire.Number = 7
	fieldMessage  protowire.Number = 8
	fieldNewGroup protowire.Number = 9
)

// frame is the single message type of the rendezvous protocol. Which fields
// are meaningful depends on op.
type frame struct {
	op       opKind
	group    uint64
	seq      uint64
	payloads [][]byte
	rank     int
	size     int
	job      string
	message  string
	newGroup uint64
}

func (f *frame) encode() []byte {
	var rec wire.Record
	rec.Varint(fieldOp, uint64(f.op)).
		Varint(fieldGroup, f.group).
		Varint(fieldSeq, f.seq).
		Int(fieldRank, f.rank).
		Int(fieldSize, f.size)
	for _, p := range f.payloads {
		rec.Bytes(fieldPayload, p)
	}
	if f.job != "" {
		rec.Text(fieldJob, f.job)
	}
	if f.message != "" {
		rec.Text(fieldMessage, f.message)
	}
	if f.newGroup != 0 {
		rec.Varint(fieldNewGroup, f.newGroup)
	}
	return rec.Encode()
}

func decodeFrame(buf []byte) (*frame, error) {
	f := &frame{}
	err := wire.Walk(buf, func(fd wire.Field) error {
		switch fd.Num {
		case fieldOp:
			f.op = opKind(fd.Uint)
		case fieldGroup:
			f.group = fd.Uint
		case fieldSeq:
			f.seq = fd.Uint
		case fieldPayload:
			f.payloads = append(f.payloads, bytes.Clone(fd.Raw))
		case fieldRank:
			f.rank = fd.Int()
		case fieldSize:
			f.size = fd.Int()
		case fieldJob:
			f.job = string(fd.Raw)
		case fieldMessage:
			f.message = string(fd.Raw)
		case fieldNewGroup:
			f.newGroup = fd.Uint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func readFrame(r io.Reader) (*frame, error) {
	buf, err := wire.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return decodeFrame(buf)
}

func writeFrame(w io.Writer, f *frame) error {
	return wire.WriteFrame(w, f.encode())
}
