package collective

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// memJob is shared by every communicator derived from one in-memory world.
type memJob struct {
	once    sync.Once
	aborted chan struct{}
	err     error
}

func (j *memJob) abort(err error) {
	j.once.Do(func() {
		if err == nil {
			j.err = ErrAborted
		} else {
			j.err = fmt.Errorf("%w: %w", ErrAborted, err)
		}
		close(j.aborted)
	})
}

func (j *memJob) failed() error {
	select {
	case <-j.aborted:
		return j.err
	default:
		return nil
	}
}

type memGroup struct {
	job  *memJob
	size int

	lk     sync.Mutex
	rounds map[uint64]*memRound
}

type memRound struct {
	kind    opKind
	contrib [][]byte
	arrived int
	left    int
	done    chan struct{}

	children map[int]*memGroup
	plan     splitPlan
	err      error
}

// memComm is one member of an in-memory group. Like any Comm it must only be
// used by one goroutine at a time.
type memComm struct {
	group *memGroup
	rank  int
	seq   uint64
	freed bool
}

// NewWorld creates size communicators over the same in-memory group, one for
// each simulated process.
func NewWorld(size int) []Comm {
	if size <= 0 {
		return nil
	}
	group := newMemGroup(&memJob{aborted: make(chan struct{})}, size)
	world := make([]Comm, size)
	for rank := range world {
		world[rank] = &memComm{group: group, rank: rank}
	}
	return world
}

func newMemGroup(job *memJob, size int) *memGroup {
	return &memGroup{
		job:    job,
		size:   size,
		rounds: make(map[uint64]*memRound),
	}
}

func (c *memComm) Rank() int {
	return c.rank
}

func (c *memComm) Size() int {
	return c.group.size
}

func (c *memComm) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	r, err := c.exchange(ctx, opGather, data)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(r.contrib))
	for i, contrib := range r.contrib {
		out[i] = bytes.Clone(contrib)
	}
	return out, nil
}

func (c *memComm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, opBarrier, nil)
	return err
}

func (c *memComm) Split(ctx context.Context, color, key int) (Comm, error) {
	if color < 0 && color != Undefined {
		return nil, fmt.Errorf("%w: negative color %d", ErrInvalidArg, color)
	}
	r, err := c.exchange(ctx, opSplit, encodeSplit(color, key))
	if err != nil {
		return nil, err
	}
	if color == Undefined {
		return nil, nil
	}
	_, rank := r.plan.placement(color, c.rank)
	return &memComm{group: r.children[color], rank: rank}, nil
}

func (c *memComm) Abort(err error) {
	c.group.job.abort(err)
}

func (c *memComm) Free() error {
	if c.freed {
		return ErrFreed
	}
	c.freed = true
	return nil
}

func (c *memComm) exchange(ctx context.Context, kind opKind, payload []byte) (*memRound, error) {
	if c.freed {
		return nil, ErrFreed
	}
	g := c.group
	if err := g.job.failed(); err != nil {
		return nil, err
	}

	seq := c.seq
	c.seq++

	g.lk.Lock()
	r, ok := g.rounds[seq]
	if !ok {
		r = &memRound{
			kind:    kind,
			contrib: make([][]byte, g.size),
			done:    make(chan struct{}),
		}
		g.rounds[seq] = r
	}
	if r.kind != kind {
		g.lk.Unlock()
		err := fmt.Errorf("%w: rank %d entered %s while others are in %s", ErrMismatch, c.rank, kind, r.kind)
		g.job.abort(err)
		return nil, err
	}
	r.contrib[c.rank] = bytes.Clone(payload)
	r.arrived++
	if r.arrived == g.size {
		if kind == opSplit {
			r.err = g.split(r)
		}
		close(r.done)
	}
	g.lk.Unlock()

	select {
	case <-r.done:
	case <-g.job.aborted:
		return nil, g.job.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.lk.Lock()
	r.left++
	if r.left == g.size {
		delete(g.rounds, seq)
	}
	g.lk.Unlock()
	return r, r.err
}

// split runs once, on the member completing the round.
func (g *memGroup) split(r *memRound) error {
	reqs := make([]splitRequest, len(r.contrib))
	for rank, buf := range r.contrib {
		req, err := decodeSplit(buf)
		if err != nil {
			return err
		}
		reqs[rank] = req
	}
	r.plan = planSplit(reqs)
	r.children = make(map[int]*memGroup, len(r.plan))
	for color, members := range r.plan {
		r.children[color] = newMemGroup(g.job, len(members))
	}
	return nil
}
