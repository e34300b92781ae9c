package transport

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	// ErrTimeout is the "no work available" status of Trigger and
	// Progress. It is not a failure.
	ErrTimeout = errors.New("transport: timeout")

	ErrInvalidCfg       = errors.New("transport: invalid options")
	ErrInvalidURI       = errors.New("transport: invalid uri")
	ErrInvalidAddr      = errors.New("transport: address is not owned by this endpoint or already freed")
	ErrInvalidArg       = errors.New("transport: invalid argument")
	ErrUnknownProtocol  = errors.New("transport: no driver for protocol")
	ErrProtocolMismatch = errors.New("transport: lookup target uses another protocol")
	ErrBusy             = errors.New("transport: endpoint still has live contexts")
	ErrShutdown         = errors.New("transport: shutting down")
	ErrCallback         = errors.New("transport: completion callback failed")
	ErrPeerMismatch     = errors.New("transport: peer answered with another identity")
	ErrNoSuchEndpoint   = errors.New("transport: no endpoint listening at this address")
	ErrBufferSize       = errors.New("transport: could not allocate udp buffer")
	ErrAddrInUse        = errors.New("transport: another endpoint is bound to this address")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrReleased = QuicApplicationError{
		Code:   0x5,
		Prefix: "released",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
