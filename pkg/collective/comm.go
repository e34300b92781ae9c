// Package collective provides the group communication nexus bootstraps
// from: ranks, splits, all-gathers and barriers over a fixed set of
// processes.
//
// Every operation is collective: all members of a communicator must call
// the same operations in the same order, and each call blocks until every
// member joined it.
package collective

import (
	"context"
	"errors"
)

// Undefined is the Split color of members that should not be part of any
// resulting communicator. They get a nil Comm back.
const Undefined = -1

var (
	ErrAborted    = errors.New("collective: job aborted")
	ErrFreed      = errors.New("collective: communicator already freed")
	ErrInvalidArg = errors.New("collective: invalid argument")
	ErrMismatch   = errors.New("collective: members disagree on the operation")
	ErrProtocol   = errors.New("collective: rendezvous protocol violation")
)

type Comm interface {
	Rank() int
	Size() int

	// Split partitions the communicator. Members passing the same color end
	// up in the same communicator, ranked by key then by their current rank.
	Split(ctx context.Context, color, key int) (Comm, error)

	// AllGather returns the contribution of every member indexed by rank.
	AllGather(ctx context.Context, data []byte) ([][]byte, error)

	Barrier(ctx context.Context) error

	// Abort fails every pending and future operation of the whole job, not
	// only of this communicator.
	Abort(err error)

	Free() error
}

type opKind uint64

const (
	opHello opKind = iota + 1
	opWelcome
	opGather
	opBarrier
	opSplit
	opAbort
	opBye
)

func (k opKind) String() string {
	switch k {
	case opHello:
		return "hello"
	case opWelcome:
		return "welcome"
	case opGather:
		return "gather"
	case opBarrier:
		return "barrier"
	case opSplit:
		return "split"
	case opAbort:
		return "abort"
	case opBye:
		return "bye"
	default:
		return "unknown"
	}
}
