package collective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// client is the connection of one process to the coordinator, shared by
// every communicator derived from its world.
type client struct {
	logger *slog.Logger
	conn   quic.Connection
	stream quic.Stream
	job    string
	wlk    sync.Mutex

	lk      sync.Mutex
	pending map[roundKey]chan *frame

	leaving   atomic.Bool
	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

type remoteComm struct {
	cl    *client
	group uint64
	rank  int
	size  int
	seq   uint64
	freed bool
}

// Dial joins the job served at addr as rank out of size processes and
// returns the world communicator.
func Dial(ctx context.Context, addr string, rank, size int, opts ...Option) (Comm, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidArg, rank, size)
	}
	cfg, err := defaultConfig(opts)
	if err != nil {
		return nil, err
	}
	tlsConf, err := rendezvousTLS(cfg)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(hctx, addr, tlsConf, rendezvousQuicConfig())
	if err != nil {
		return nil, fmt.Errorf("collective: failed to reach rendezvous %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(hctx)
	if err != nil {
		conn.CloseWithError(1, "could not open stream")
		return nil, err
	}

	if deadline, ok := hctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	if err := writeFrame(stream, &frame{op: opHello, rank: rank, size: size}); err != nil {
		conn.CloseWithError(1, "could not send hello")
		return nil, err
	}
	welcome, err := readFrame(stream)
	if err != nil {
		conn.CloseWithError(1, "no welcome")
		return nil, err
	}
	if welcome.op != opWelcome {
		conn.CloseWithError(0, "rejected")
		return nil, fmt.Errorf("%w: %s", ErrAborted, welcome.message)
	}
	stream.SetDeadline(time.Time{})

	cl := &client{
		logger:  cfg.logger().With("job", welcome.job, "rank", rank),
		conn:    conn,
		stream:  stream,
		job:     welcome.job,
		pending: make(map[roundKey]chan *frame),
		aborted: make(chan struct{}),
	}
	go cl.readLoop()
	cl.logger.Debug("joined rendezvous", "addr", addr)

	return &remoteComm{cl: cl, group: worldGroup, rank: rank, size: size}, nil
}

func (cl *client) readLoop() {
	for {
		f, err := readFrame(cl.stream)
		if err != nil {
			if cl.leaving.Load() {
				cl.fail(ErrFreed)
			} else {
				cl.fail(fmt.Errorf("%w: lost rendezvous: %w", ErrAborted, err))
			}
			return
		}
		if f.op == opAbort {
			cl.fail(fmt.Errorf("%w: %s", ErrAborted, f.message))
			return
		}

		key := roundKey{group: f.group, seq: f.seq}
		cl.lk.Lock()
		ch, ok := cl.pending[key]
		delete(cl.pending, key)
		cl.lk.Unlock()
		if !ok {
			cl.logger.Warn("reply to an operation nobody waits for", "op", f.op.String(), "group", f.group, "seq", f.seq)
			continue
		}
		ch <- f
	}
}

func (cl *client) fail(err error) {
	cl.abortOnce.Do(func() {
		cl.abortErr = err
		close(cl.aborted)
	})
}

func (cl *client) failed() error {
	select {
	case <-cl.aborted:
		return cl.abortErr
	default:
		return nil
	}
}

func (cl *client) send(f *frame) error {
	cl.wlk.Lock()
	defer cl.wlk.Unlock()
	return writeFrame(cl.stream, f)
}

func (c *remoteComm) Rank() int {
	return c.rank
}

func (c *remoteComm) Size() int {
	return c.size
}

func (c *remoteComm) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	reply, err := c.exchange(ctx, opGather, data)
	if err != nil {
		return nil, err
	}
	if len(reply.payloads) != c.size {
		return nil, fmt.Errorf("%w: gathered %d contributions in a group of %d", ErrProtocol, len(reply.payloads), c.size)
	}
	return reply.payloads, nil
}

func (c *remoteComm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, opBarrier, nil)
	return err
}

func (c *remoteComm) Split(ctx context.Context, color, key int) (Comm, error) {
	if color < 0 && color != Undefined {
		return nil, fmt.Errorf("%w: negative color %d", ErrInvalidArg, color)
	}
	reply, err := c.exchange(ctx, opSplit, encodeSplit(color, key))
	if err != nil {
		return nil, err
	}
	if color == Undefined {
		return nil, nil
	}
	if reply.newGroup == worldGroup || reply.rank < 0 {
		return nil, fmt.Errorf("%w: split answered without a group", ErrProtocol)
	}
	return &remoteComm{cl: c.cl, group: reply.newGroup, rank: reply.rank, size: reply.size}, nil
}

func (c *remoteComm) Abort(err error) {
	if err == nil {
		err = errors.New("aborted by caller")
	}
	if c.cl.failed() == nil {
		if sendErr := c.cl.send(&frame{op: opAbort, message: err.Error()}); sendErr != nil {
			c.cl.logger.Warn("could not propagate abort", "error", sendErr)
		}
	}
	c.cl.fail(fmt.Errorf("%w: %w", ErrAborted, err))
}

// Free releases the communicator. Freeing the world communicator leaves the
// job and closes the rendezvous connection.
func (c *remoteComm) Free() error {
	if c.freed {
		return ErrFreed
	}
	c.freed = true
	if c.group != worldGroup {
		return nil
	}

	c.cl.leaving.Store(true)
	err := c.cl.send(&frame{op: opBye})
	c.cl.stream.Close()
	c.cl.conn.CloseWithError(0, "bye")
	if err != nil && !errors.Is(c.cl.failed(), ErrAborted) {
		return err
	}
	return nil
}

func (c *remoteComm) exchange(ctx context.Context, kind opKind, payload []byte) (*frame, error) {
	if c.freed {
		return nil, ErrFreed
	}
	if err := c.cl.failed(); err != nil {
		return nil, err
	}

	key := roundKey{group: c.group, seq: c.seq}
	c.seq++

	ch := make(chan *frame, 1)
	c.cl.lk.Lock()
	c.cl.pending[key] = ch
	c.cl.lk.Unlock()

	req := &frame{op: kind, group: key.group, seq: key.seq}
	if payload != nil {
		req.payloads = [][]byte{payload}
	}
	if err := c.cl.send(req); err != nil {
		c.forget(key)
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	select {
	case reply := <-ch:
		if reply.op != kind {
			return nil, fmt.Errorf("%w: sent %s, got %s back", ErrProtocol, kind, reply.op)
		}
		return reply, nil
	case <-c.cl.aborted:
		c.forget(key)
		return nil, c.cl.abortErr
	case <-ctx.Done():
		c.forget(key)
		return nil, ctx.Err()
	}
}

func (c *remoteComm) forget(key roundKey) {
	c.cl.lk.Lock()
	delete(c.cl.pending, key)
	c.cl.lk.Unlock()
}
