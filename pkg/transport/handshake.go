package transport

import (
	"fmt"
	"io"

	"github.com/raskyld/nexus/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldHelloTarget protowire.Number = 1
	fieldHelloSource protowire.Number = 2
	fieldAckSelf     protowire.Number = 1
)

// The dialer opens with a hello naming the URI it looked up, the listener
// answers with the URI it is bound to. A lookup only succeeds when both
// agree, which catches stale ports reused by another process.

func writeHello(w io.Writer, target, source URI) error {
	var rec wire.Record
	rec.Text(fieldHelloTarget, target.String()).Text(fieldHelloSource, source.String())
	return wire.WriteFrame(w, rec.Encode())
}

func readHello(r io.Reader) (target string, source string, err error) {
	buf, err := wire.ReadFrame(r)
	if err != nil {
		return "", "", err
	}
	err = wire.Walk(buf, func(f wire.Field) error {
		switch f.Num {
		case fieldHelloTarget:
			target = string(f.Raw)
		case fieldHelloSource:
			source = string(f.Raw)
		}
		return nil
	})
	if err == nil && target == "" {
		err = fmt.Errorf("%w: hello without target", wire.ErrMalformed)
	}
	return
}

func writeAck(w io.Writer, self URI) error {
	var rec wire.Record
	rec.Text(fieldAckSelf, self.String())
	return wire.WriteFrame(w, rec.Encode())
}

func readAck(r io.Reader) (string, error) {
	buf, err := wire.ReadFrame(r)
	if err != nil {
		return "", err
	}
	var self string
	err = wire.Walk(buf, func(f wire.Field) error {
		if f.Num == fieldAckSelf {
			self = string(f.Raw)
		}
		return nil
	})
	return self, err
}

// checkAck verifies the identity returned by the listener.
func checkAck(rw io.ReadWriter, target, source URI) error {
	if err := writeHello(rw, target, source); err != nil {
		return err
	}
	self, err := readAck(rw)
	if err != nil {
		return err
	}
	if self != target.String() {
		return fmt.Errorf("%w: looked up %s, reached %s", ErrPeerMismatch, target, self)
	}
	return nil
}
