package collective

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/nexus/pkg/transport"
)

// ALPN spoken on the rendezvous connection.
const ALPN = "nexus-rendezvous"

const worldGroup uint64 = 0

type roundKey struct {
	group uint64
	seq   uint64
}

type pendingRound struct {
	kind    opKind
	contrib [][]byte
	arrived int
}

type member struct {
	rank   int
	conn   quic.Connection
	stream quic.Stream
	wlk    sync.Mutex
	bye    atomic.Bool
}

func (m *member) send(f *frame) error {
	m.wlk.Lock()
	defer m.wlk.Unlock()
	return writeFrame(m.stream, f)
}

type outgoing struct {
	to *member
	f  *frame
}

// Coordinator is the meeting point of a job: every process dials it and it
// performs the collective operations on their behalf.
type Coordinator struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	size   int
	job    string

	ln     *quic.Listener
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	lk        sync.Mutex
	members   map[int]*member
	groups    map[uint64][]int
	nextGroup uint64
	rounds    map[roundKey]*pendingRound
	abortMsg  string
}

// Serve starts a coordinator for a job of size processes on addr. It runs
// until ctx is done or Close is called.
func Serve(ctx context.Context, addr string, size int, opts ...Option) (*Coordinator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: job size must be positive", ErrInvalidArg)
	}
	cfg, err := defaultConfig(opts)
	if err != nil {
		return nil, err
	}
	tlsConf, err := rendezvousTLS(cfg)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, rendezvousQuicConfig())
	if err != nil {
		return nil, fmt.Errorf("collective: failed to listen on %s: %w", addr, err)
	}

	job := uuid.NewString()
	world := make([]int, size)
	for rank := range world {
		world[rank] = rank
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		cfg:       cfg,
		logger:    cfg.logger().With("job", job),
		msink:     cfg.MetricSink,
		size:      size,
		job:       job,
		ln:        ln,
		cancel:    cancel,
		members:   make(map[int]*member),
		groups:    map[uint64][]int{worldGroup: world},
		nextGroup: worldGroup + 1,
		rounds:    make(map[roundKey]*pendingRound),
	}

	c.wg.Add(1)
	go c.acceptLoop(ctx)
	c.logger.Info("rendezvous ready", "addr", ln.Addr().String(), "size", size)
	return c, nil
}

// Addr the coordinator listens on.
func (c *Coordinator) Addr() string {
	return c.ln.Addr().String()
}

// Job is the identifier generated for this job.
func (c *Coordinator) Job() string {
	return c.job
}

func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.ln.Close()

	c.lk.Lock()
	for _, m := range c.members {
		m.conn.CloseWithError(0, "rendezvous closed")
	}
	c.lk.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	defer c.wg.Done()
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		conn, err := c.ln.Accept(ctx)
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, context.Canceled) {
				c.logger.Warn("unexpected rendezvous listener closure", "error", err)
			}
			return
		}
		c.wg.Add(1)
		go c.handleConn(ctx, conn)
	}
}

func (c *Coordinator) handleConn(ctx context.Context, conn quic.Connection) {
	defer c.wg.Done()
	logger := c.logger.With("remote", conn.RemoteAddr().String())

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	stream, err := conn.AcceptStream(hctx)
	cancel()
	if err != nil {
		logger.Warn("member never opened its stream", "error", err)
		conn.CloseWithError(1, "handshake expected")
		return
	}

	stream.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	hello, err := readFrame(stream)
	if err != nil || hello.op != opHello {
		logger.Warn("malformed hello", "error", err)
		conn.CloseWithError(1, "malformed hello")
		return
	}
	stream.SetReadDeadline(time.Time{})

	m := &member{rank: hello.rank, conn: conn, stream: stream}
	if err := c.join(m, hello.size); err != nil {
		logger.Warn("rejected member", "rank", hello.rank, "error", err)
		m.send(&frame{op: opAbort, message: err.Error()})
		stream.Close()
		// The member hangs up once it read the verdict.
		select {
		case <-conn.Context().Done():
		case <-ctx.Done():
		case <-time.After(c.cfg.HandshakeTimeout):
		}
		conn.CloseWithError(1, "rejected")
		return
	}
	logger = logger.With("rank", m.rank)
	logger.Debug("member joined")

	for {
		f, err := readFrame(stream)
		if err != nil {
			c.leave(m, err)
			return
		}
		c.dispatch(c.handle(m, f))
	}
}

func (c *Coordinator) join(m *member, size int) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.abortMsg != "" {
		return fmt.Errorf("%w: %s", ErrAborted, c.abortMsg)
	}
	if size != c.size {
		return fmt.Errorf("%w: job has %d members, not %d", ErrInvalidArg, c.size, size)
	}
	if m.rank < 0 || m.rank >= c.size {
		return fmt.Errorf("%w: rank %d out of range", ErrInvalidArg, m.rank)
	}
	if _, taken := c.members[m.rank]; taken {
		return fmt.Errorf("%w: rank %d joined twice", ErrInvalidArg, m.rank)
	}
	c.members[m.rank] = m
	c.msink.SetGaugeWithLabels(MetricMemberCount, float32(len(c.members)), c.cfg.MetricLabels)

	return m.send(&frame{op: opWelcome, job: c.job, rank: m.rank, size: c.size})
}

func (c *Coordinator) leave(m *member, cause error) {
	c.lk.Lock()
	if c.members[m.rank] == m {
		delete(c.members, m.rank)
	}
	c.msink.SetGaugeWithLabels(MetricMemberCount, float32(len(c.members)), c.cfg.MetricLabels)
	c.lk.Unlock()

	if m.bye.Load() || c.closed.Load() || isBye(cause) {
		return
	}
	c.dispatch(c.abort(fmt.Sprintf("rank %d left the job: %s", m.rank, cause)))
}

func (c *Coordinator) handle(m *member, f *frame) []outgoing {
	switch f.op {
	case opGather, opBarrier, opSplit:
		return c.contribute(m, f)
	case opAbort:
		return c.abort(fmt.Sprintf("rank %d aborted: %s", m.rank, f.message))
	case opBye:
		m.bye.Store(true)
		return nil
	default:
		return c.abort(fmt.Sprintf("rank %d sent unexpected %s", m.rank, f.op))
	}
}

func (c *Coordinator) contribute(m *member, f *frame) []outgoing {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.abortMsg != "" {
		return []outgoing{{m, &frame{op: opAbort, message: c.abortMsg}}}
	}
	ranks, ok := c.groups[f.group]
	if !ok {
		return c.abortLocked(fmt.Sprintf("rank %d used unknown group %d", m.rank, f.group))
	}
	groupRank := slices.Index(ranks, m.rank)
	if groupRank < 0 {
		return c.abortLocked(fmt.Sprintf("rank %d is not part of group %d", m.rank, f.group))
	}

	key := roundKey{group: f.group, seq: f.seq}
	r, ok := c.rounds[key]
	if !ok {
		r = &pendingRound{kind: f.op, contrib: make([][]byte, len(ranks))}
		c.rounds[key] = r
	}
	if r.kind != f.op {
		return c.abortLocked(fmt.Sprintf(
			"%s: rank %d entered %s while others are in %s",
			ErrMismatch, m.rank, f.op, r.kind,
		))
	}
	if len(f.payloads) > 0 {
		r.contrib[groupRank] = f.payloads[0]
	} else {
		r.contrib[groupRank] = []byte{}
	}
	r.arrived++
	if r.arrived < len(ranks) {
		return nil
	}

	delete(c.rounds, key)
	c.msink.IncrCounterWithLabels(
		MetricRoundCount,
		1.0,
		withLabel(c.cfg.MetricLabels, MLabelOp, f.op.String()),
	)

	switch f.op {
	case opSplit:
		return c.completeSplit(key, ranks, r)
	default:
		out := make([]outgoing, 0, len(ranks))
		for _, rank := range ranks {
			reply := &frame{op: f.op, group: key.group, seq: key.seq}
			if f.op == opGather {
				reply.payloads = r.contrib
			}
			out = append(out, outgoing{c.members[rank], reply})
		}
		return out
	}
}

func (c *Coordinator) completeSplit(key roundKey, ranks []int, r *pendingRound) []outgoing {
	reqs := make([]splitRequest, len(ranks))
	for i, buf := range r.contrib {
		req, err := decodeSplit(buf)
		if err != nil {
			return c.abortLocked(fmt.Sprintf("%s: split from rank %d: %s", ErrProtocol, ranks[i], err))
		}
		reqs[i] = req
	}
	plan := planSplit(reqs)

	ids := make(map[int]uint64, len(plan))
	for _, color := range plan.colors() {
		members := plan[color]
		worldRanks := make([]int, len(members))
		for i, groupRank := range members {
			worldRanks[i] = ranks[groupRank]
		}
		ids[color] = c.nextGroup
		c.groups[c.nextGroup] = worldRanks
		c.nextGroup++
	}

	out := make([]outgoing, 0, len(ranks))
	for groupRank, rank := range ranks {
		reply := &frame{op: opSplit, group: key.group, seq: key.seq, rank: Undefined}
		if color := reqs[groupRank].color; color != Undefined {
			members, newRank := plan.placement(color, groupRank)
			reply.newGroup = ids[color]
			reply.rank = newRank
			reply.size = len(members)
		}
		out = append(out, outgoing{c.members[rank], reply})
	}
	return out
}

func (c *Coordinator) abort(msg string) []outgoing {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.abortLocked(msg)
}

func (c *Coordinator) abortLocked(msg string) []outgoing {
	if c.abortMsg != "" {
		return nil
	}
	c.abortMsg = msg
	c.rounds = make(map[roundKey]*pendingRound)
	c.logger.Error("job aborted", "reason", msg)
	c.msink.IncrCounterWithLabels(MetricAbortCount, 1.0, c.cfg.MetricLabels)

	out := make([]outgoing, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, outgoing{m, &frame{op: opAbort, message: msg}})
	}
	return out
}

// dispatch sends replies outside of the coordinator lock.
func (c *Coordinator) dispatch(out []outgoing) {
	for _, o := range out {
		if o.to == nil {
			continue
		}
		if err := o.to.send(o.f); err != nil {
			c.logger.Warn("failed to reply", "rank", o.to.rank, "op", o.f.op.String(), "error", err)
		}
	}
}

// isBye reports whether the member closed its connection the way Free does,
// even if the bye frame itself was lost with the connection.
func isBye(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0
}

func rendezvousTLS(cfg *config) (*tls.Config, error) {
	tlsConf := cfg.TlsConfig
	if tlsConf == nil {
		var err error
		tlsConf, err = transport.SelfSignedTLS("nexus-rendezvous")
		if err != nil {
			return nil, err
		}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	return tlsConf, nil
}

func rendezvousQuicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}
