package procgroup

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// defaultMaxSliceElems caps the number of float64 elements carried by one
// reduce frame. It mirrors the 32-bit signed element count of the wire
// format, minus a small safety margin; longer arrays are reduced in
// successive slices.
const defaultMaxSliceElems = math.MaxInt32 - 2

const defaultDialTimeout = 10 * time.Second

type TCPOptions struct {
	MaxSliceElems int
	DialTimeout   time.Duration
	Listener      net.Listener
	Log           *logrus.Logger
}

type TCPOptionFunc func(*TCPOptions)

func defaultTCPOpts() TCPOptions {
	return TCPOptions{
		MaxSliceElems: defaultMaxSliceElems,
		DialTimeout:   defaultDialTimeout,
		Log:           logrus.StandardLogger(),
	}
}

// WithMaxSliceElems lowers the per-frame element cap. Mostly useful in
// tests that want to exercise the slicing path on small arrays.
func WithMaxSliceElems(n int) TCPOptionFunc {
	return func(opts *TCPOptions) {
		opts.MaxSliceElems = n
	}
}

// WithDialTimeout bounds how long a joining rank keeps retrying to reach
// the root during Initialize.
func WithDialTimeout(d time.Duration) TCPOptionFunc {
	return func(opts *TCPOptions) {
		opts.DialTimeout = d
	}
}

// WithListener makes the root accept peers on a pre-bound listener instead
// of binding the configured root address itself. The group takes ownership
// and closes it in Finalize.
func WithListener(lis net.Listener) TCPOptionFunc {
	return func(opts *TCPOptions) {
		opts.Listener = lis
	}
}

// WithLogger routes the group's connection logging to a specific logger.
func WithLogger(log *logrus.Logger) TCPOptionFunc {
	return func(opts *TCPOptions) {
		opts.Log = log
	}
}

// TCPGroup is the distributed backend. The group forms a star around the
// root: rank 0 listens, every other rank keeps one persistent connection to
// it, and all collectives run over those connections. Collectives must only
// be issued from the goroutine that called Initialize.
type TCPGroup struct {
	rank     int
	size     int
	rootAddr string
	state    State

	maxSlice    int
	dialTimeout time.Duration
	lis         net.Listener
	log         *logrus.Logger

	// Root only: peers[r] is the connection to rank r, for r in [1, size).
	peers []*peerConn
	// Every other rank: the connection to the root.
	root *peerConn
}

type peerConn struct {
	link net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newPeerConn(link net.Conn) *peerConn {
	return &peerConn{
		link: link,
		r:    bufio.NewReader(link),
		w:    bufio.NewWriter(link),
	}
}

func (pc *peerConn) send(op byte, vals []float64) error {
	if err := writeFrame(pc.w, op, vals); err != nil {
		return err
	}
	return pc.w.Flush()
}

// NewTCPGroup creates a group membership for the given rank out of size
// processes, with the root listening on rootAddr. The group starts
// uninitialized; no connection is made before Initialize.
func NewTCPGroup(rank, size int, rootAddr string, opts ...TCPOptionFunc) (*TCPGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("procgroup: group size %d, must be at least 1", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("procgroup: rank %d out of range [0, %d)", rank, size)
	}
	if size > 1 && rootAddr == "" {
		return nil, fmt.Errorf("procgroup: missing root address for group of size %d", size)
	}
	o := defaultTCPOpts()
	for _, fn := range opts {
		fn(&o)
	}
	if o.MaxSliceElems < 1 {
		return nil, fmt.Errorf("procgroup: max slice size %d, must be at least 1", o.MaxSliceElems)
	}
	return &TCPGroup{
		rank:        rank,
		size:        size,
		rootAddr:    rootAddr,
		maxSlice:    o.MaxSliceElems,
		dialTimeout: o.DialTimeout,
		lis:         o.Listener,
		log:         o.Log,
	}, nil
}

// Initialize joins the group. The root accepts one connection per peer and
// verifies each greeting; the other ranks dial the root, retrying until it
// listens or the dial timeout elapses. Any greeting mismatch (protocol
// version, group size, duplicate or out-of-range rank) is fatal for the
// run: the error is returned once and never retried.
func (g *TCPGroup) Initialize() error {
	if g.state == Active {
		return nil
	}
	if g.state == Finalized {
		return fmt.Errorf("procgroup: initialize after finalize")
	}
	if g.size > 1 {
		if g.rank == 0 {
			if err := g.accept(); err != nil {
				return fmt.Errorf("procgroup: initialize rank 0: %w", err)
			}
		} else {
			if err := g.join(); err != nil {
				return fmt.Errorf("procgroup: initialize rank %d: %w", g.rank, err)
			}
		}
	}
	g.state = Active
	return nil
}

func (g *TCPGroup) accept() error {
	if g.lis == nil {
		lis, err := net.Listen("tcp", g.rootAddr)
		if err != nil {
			return err
		}
		g.lis = lis
	}
	g.peers = make([]*peerConn, g.size)
	for joined := 1; joined < g.size; joined++ {
		link, err := g.lis.Accept()
		if err != nil {
			return err
		}
		pc := newPeerConn(link)
		rank, size, err := readHello(pc.r)
		if err != nil {
			link.Close()
			return fmt.Errorf("greeting from %s: %w", link.RemoteAddr(), err)
		}
		if size != g.size {
			link.Close()
			return fmt.Errorf("rank %d reports group size %d, want %d", rank, size, g.size)
		}
		if rank < 1 || rank >= g.size {
			link.Close()
			return fmt.Errorf("greeting carries invalid rank %d", rank)
		}
		if g.peers[rank] != nil {
			link.Close()
			return fmt.Errorf("duplicate greeting for rank %d", rank)
		}
		g.peers[rank] = pc
		g.log.WithFields(logrus.Fields{
			"rank": rank,
			"addr": link.RemoteAddr().String(),
		}).Debug("Peer joined the process group")
	}
	for r := 1; r < g.size; r++ {
		pc := g.peers[r]
		if err := sendWelcome(pc.w, g.size); err != nil {
			return fmt.Errorf("confirming rank %d: %w", r, err)
		}
		if err := pc.w.Flush(); err != nil {
			return fmt.Errorf("confirming rank %d: %w", r, err)
		}
	}
	return nil
}

func (g *TCPGroup) join() error {
	link, err := dialRetry(g.rootAddr, g.dialTimeout)
	if err != nil {
		return err
	}
	pc := newPeerConn(link)
	if err := sendHello(pc.w, g.rank, g.size); err != nil {
		link.Close()
		return fmt.Errorf("greeting root: %w", err)
	}
	if err := pc.w.Flush(); err != nil {
		link.Close()
		return fmt.Errorf("greeting root: %w", err)
	}
	size, err := readWelcome(pc.r)
	if err != nil {
		link.Close()
		return fmt.Errorf("confirmation from root: %w", err)
	}
	if size != g.size {
		link.Close()
		return fmt.Errorf("root reports group size %d, want %d", size, g.size)
	}
	g.root = pc
	g.log.WithFields(logrus.Fields{
		"rank": g.rank,
		"root": g.rootAddr,
	}).Debug("Joined the process group")
	return nil
}

// dialRetry polls the root address until it accepts or the timeout elapses,
// since the root may still be starting up when its peers launch.
func dialRetry(addr string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		link, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return link, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Finalize closes the group's connections and, on the root, the listener.
func (g *TCPGroup) Finalize() error {
	if g.state != Active {
		return fmt.Errorf("procgroup: finalize in state %s", g.state)
	}
	g.state = Finalized
	if g.rank == 0 {
		for _, pc := range g.peers {
			if pc != nil {
				pc.link.Close()
			}
		}
		if g.lis != nil {
			g.lis.Close()
		}
	} else if g.root != nil {
		g.root.link.Close()
	}
	return nil
}

// Wait blocks until every process in the group has called Wait. Each peer
// reports arrival to the root; once all have arrived, the root releases
// them.
func (g *TCPGroup) Wait() error {
	if err := g.checkActive(); err != nil {
		return err
	}
	if !g.IsMultiProc() {
		return nil
	}
	if g.rank == 0 {
		for r := 1; r < g.size; r++ {
			if err := readFrame(g.peers[r].r, opArrive, nil); err != nil {
				return fmt.Errorf("procgroup: barrier: rank %d: %w", r, err)
			}
		}
		for r := 1; r < g.size; r++ {
			if err := g.peers[r].send(opRelease, nil); err != nil {
				return fmt.Errorf("procgroup: barrier: releasing rank %d: %w", r, err)
			}
		}
		return nil
	}
	if err := g.root.send(opArrive, nil); err != nil {
		return fmt.Errorf("procgroup: barrier: %w", err)
	}
	if err := readFrame(g.root.r, opRelease, nil); err != nil {
		return fmt.Errorf("procgroup: barrier: %w", err)
	}
	return nil
}

func (g *TCPGroup) SumToAll(arr []float64) error {
	if err := g.checkActive(); err != nil {
		return err
	}
	if !g.IsMultiProc() {
		return nil
	}
	return g.reduceSlices(arr, true)
}

func (g *TCPGroup) SumToRoot(arr []float64) error {
	if err := g.checkActive(); err != nil {
		return err
	}
	if !g.IsMultiProc() {
		return nil
	}
	return g.reduceSlices(arr, false)
}

// reduceSlices walks arr in maxSlice-sized slices, summing each on the root
// and broadcasting the combined slice back when toAll is set. The last
// slice carries the remainder and is exchanged even when empty, so that
// every rank's call sequence stays aligned.
func (g *TCPGroup) reduceSlices(arr []float64, toAll bool) error {
	var incoming []float64
	if g.rank == 0 {
		n := len(arr)
		if n > g.maxSlice {
			n = g.maxSlice
		}
		incoming = make([]float64, n)
	}
	remaining := arr
	for len(remaining) > g.maxSlice {
		if err := g.reduceSlice(remaining[:g.maxSlice], incoming, toAll); err != nil {
			return err
		}
		remaining = remaining[g.maxSlice:]
	}
	return g.reduceSlice(remaining, incoming, toAll)
}

func (g *TCPGroup) reduceSlice(slice, incoming []float64, toAll bool) error {
	if g.rank == 0 {
		incoming = incoming[:len(slice)]
		for r := 1; r < g.size; r++ {
			if err := readFrame(g.peers[r].r, opReduce, incoming); err != nil {
				return fmt.Errorf("procgroup: reduce: rank %d: %w", r, err)
			}
			for i, v := range incoming {
				slice[i] += v
			}
		}
		if !toAll {
			return nil
		}
		for r := 1; r < g.size; r++ {
			if err := g.peers[r].send(opCombined, slice); err != nil {
				return fmt.Errorf("procgroup: reduce: broadcasting to rank %d: %w", r, err)
			}
		}
		return nil
	}
	if err := g.root.send(opReduce, slice); err != nil {
		return fmt.Errorf("procgroup: reduce: %w", err)
	}
	if !toAll {
		return nil
	}
	if err := readFrame(g.root.r, opCombined, slice); err != nil {
		return fmt.Errorf("procgroup: reduce: %w", err)
	}
	return nil
}

func (g *TCPGroup) checkActive() error {
	if g.state != Active {
		return fmt.Errorf("procgroup: collective in state %s", g.state)
	}
	return nil
}

func (g *TCPGroup) Size() int { return g.size }

func (g *TCPGroup) Rank() int { return g.rank }

func (g *TCPGroup) IsRoot() bool { return g.rank == 0 }

func (g *TCPGroup) IsMultiProc() bool { return g.size > 1 }
