package tcp_protocol

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/logging"
	"tcp-tcp-team-pa/ringbuffer"
)

type State int

const (
	CLOSED State = iota
	INIT
	BIND
	LISTEN
	SYN_SENT
	ESTABLISHED
	SHUTDOWN
)

func (s State) String() string {
	switch s {
	case CLOSED:
		return "CLOSED"
	case INIT:
		return "INIT"
	case BIND:
		return "BIND"
	case LISTEN:
		return "LISTEN"
	case SYN_SENT:
		return "SYN_SENT"
	case ESTABLISHED:
		return "ESTABLISHED"
	case SHUTDOWN:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

var (
	ErrInvalidState = errors.New("operation not valid in current socket state")
	ErrNoSocket     = errors.New("no free socket")
	ErrBadSocket    = errors.New("socket does not exist")
	ErrPortInUse    = errors.New("port already in use")
	ErrNoPending    = errors.New("no pending connection")
)

// Substrate is the unreliable datagram service the stack runs on. Send and
// AddTimer must never call back into the stack before returning.
type Substrate interface {
	// Send hands payload to the network. Delivery is best effort: the
	// datagram may be dropped, duplicated or reordered.
	Send(local, remote netip.Addr, payload []byte) error
	// AddTimer runs fn once after delay. There is no cancellation.
	AddTimer(delay time.Duration, fn func())
	Now() time.Time
}

type Config struct {
	MaxSockets       int
	BufferSize       int // per direction, at most 65535
	MaxPayload       int
	DefaultBacklog   int
	MaxBacklog       int
	SynRetryInterval time.Duration
	InitialRTT       time.Duration
	InitialDevRTT    time.Duration
	MinRTO           time.Duration
	MaxRTO           time.Duration
	InitialCwnd      float64 // segments
	InitialSsthresh  float64 // segments
	FinBurst         int
	EphemeralPortMin uint16
	ISN              func() uint32
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = 256
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > maxWindow {
		cfg.BufferSize = maxWindow
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 1360 // 1400 bytes - IP header size - TCP header size
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = 128
	}
	if cfg.DefaultBacklog <= 0 || cfg.DefaultBacklog > cfg.MaxBacklog {
		cfg.DefaultBacklog = min(16, cfg.MaxBacklog)
	}
	if cfg.SynRetryInterval <= 0 {
		cfg.SynRetryInterval = time.Second
	}
	if cfg.InitialRTT <= 0 {
		cfg.InitialRTT = 100 * time.Millisecond
	}
	if cfg.InitialDevRTT < 0 {
		cfg.InitialDevRTT = 0
	} else if cfg.InitialDevRTT == 0 {
		cfg.InitialDevRTT = cfg.InitialRTT / 4
	}
	if cfg.MinRTO <= 0 {
		cfg.MinRTO = 10 * time.Millisecond
	}
	if cfg.MaxRTO <= 0 {
		cfg.MaxRTO = 1000 * time.Millisecond
	}
	if cfg.InitialCwnd < 1 {
		cfg.InitialCwnd = 1
	}
	if cfg.InitialSsthresh < 1 {
		cfg.InitialSsthresh = 64
	}
	if cfg.FinBurst <= 0 {
		cfg.FinBurst = 5
	}
	if cfg.EphemeralPortMin == 0 {
		cfg.EphemeralPortMin = 20000
	}
	if cfg.ISN == nil {
		cfg.ISN = rand.Uint32
	}
	return cfg
}

type FourTuple struct {
	remotePort uint16
	remoteAddr netip.Addr
	srcPort    uint16
	srcAddr    netip.Addr
}

// Ordered by local address, local port, remote address, remote port. An
// unset remote address sorts first, so a bound or listening socket is the
// smallest entry for its local port.
func (t FourTuple) less(o FourTuple) bool {
	if c := t.srcAddr.Compare(o.srcAddr); c != 0 {
		return c < 0
	}
	if t.srcPort != o.srcPort {
		return t.srcPort < o.srcPort
	}
	if c := t.remoteAddr.Compare(o.remoteAddr); c != 0 {
		return c < 0
	}
	return t.remotePort < o.remotePort
}

type tableEntry struct {
	tuple FourTuple
	slot  int
}

// sockRef names a slot in one of its lifetimes. gen changes every time the
// slot is freed, so a stale reference never resolves to a reused slot.
type sockRef struct {
	slot int
	gen  uint32
}

// TCPStack owns a fixed pool of sockets for one local address and routes
// segments between them and the substrate. A single mutex serializes every
// API call, inbound segment and timer event.
type TCPStack struct {
	mu       sync.Mutex
	cfg      Config
	net      Substrate
	IP       netip.Addr
	sockets  []*conn
	table    *btree.BTreeG[tableEntry]
	nextPort uint16
	log      *zap.Logger
}

func NewTCPStack(localIP netip.Addr, net Substrate, cfg Config, logger *zap.Logger) *TCPStack {
	cfg = cfg.withDefaults()
	stack := &TCPStack{
		cfg:      cfg,
		net:      net,
		IP:       localIP,
		sockets:  make([]*conn, cfg.MaxSockets),
		table:    btree.NewG(8, func(a, b tableEntry) bool { return a.tuple.less(b.tuple) }),
		nextPort: cfg.EphemeralPortMin,
		log:      logging.OrNop(logger).Named("tcp").With(zap.Stringer("ip", localIP)),
	}
	for i := range stack.sockets {
		stack.sockets[i] = &conn{id: i, state: CLOSED}
	}
	return stack
}

// TCPHandler is the entry point for every datagram the substrate delivers to
// this node.
func (stack *TCPStack) TCPHandler(src, dst netip.Addr, packet []byte) {
	seg, err := UnmarshalSegment(packet, src, dst)
	if err != nil {
		stack.log.Debug("dropping malformed segment", zap.Stringer("src", src), zap.Error(err))
		return
	}

	stack.mu.Lock()
	defer stack.mu.Unlock()

	fourTuple := FourTuple{
		remotePort: seg.SrcPort,
		remoteAddr: src,
		srcPort:    seg.DstPort,
		srcAddr:    dst,
	}

	if tcpConn := stack.lookup(fourTuple); tcpConn != nil && tcpConn.state != CLOSED {
		tcpConn.handleSegment(seg)
		return
	}

	listenTuple := FourTuple{srcPort: seg.DstPort, srcAddr: dst}
	if listenConn := stack.lookup(listenTuple); listenConn != nil && listenConn.state == LISTEN {
		listenConn.handleListen(seg, src)
		return
	}

	stack.log.Debug("dropping unroutable segment",
		zap.Stringer("type", seg.Type),
		zap.Stringer("src", src),
		zap.Uint16("sport", seg.SrcPort),
		zap.Uint16("dport", seg.DstPort))
}

func (stack *TCPStack) lookup(tuple FourTuple) *conn {
	entry, ok := stack.table.Get(tableEntry{tuple: tuple})
	if !ok {
		return nil
	}
	return stack.sockets[entry.slot]
}

// portInUse reports whether any socket on this stack holds the local port.
func (stack *TCPStack) portInUse(port uint16) bool {
	inUse := false
	pivot := tableEntry{tuple: FourTuple{srcAddr: stack.IP, srcPort: port}}
	stack.table.AscendGreaterOrEqual(pivot, func(e tableEntry) bool {
		inUse = e.tuple.srcAddr == stack.IP && e.tuple.srcPort == port
		return false
	})
	return inUse
}

func (stack *TCPStack) ephemeralPort() (uint16, bool) {
	span := int(65535-stack.cfg.EphemeralPortMin) + 1
	for i := 0; i < span; i++ {
		port := stack.nextPort
		stack.nextPort++
		if stack.nextPort == 0 || stack.nextPort < stack.cfg.EphemeralPortMin {
			stack.nextPort = stack.cfg.EphemeralPortMin
		}
		if !stack.portInUse(port) {
			return port, true
		}
	}
	return 0, false
}

func (stack *TCPStack) index(tcpConn *conn) {
	stack.table.ReplaceOrInsert(tableEntry{tuple: tcpConn.tuple, slot: tcpConn.id})
}

func (stack *TCPStack) unindex(tcpConn *conn) {
	if entry, ok := stack.table.Get(tableEntry{tuple: tcpConn.tuple}); ok && entry.slot == tcpConn.id {
		stack.table.Delete(entry)
	}
}

// allocate takes the first CLOSED slot and moves it to INIT.
func (stack *TCPStack) allocate() *conn {
	for _, tcpConn := range stack.sockets {
		if tcpConn.state == CLOSED {
			tcpConn.reset(stack)
			return tcpConn
		}
	}
	return nil
}

// free returns a slot to the pool. Every outstanding reference to it goes
// stale.
func (stack *TCPStack) free(tcpConn *conn) {
	if tcpConn.state == CLOSED {
		return
	}
	prevState := tcpConn.state
	stack.unindex(tcpConn)
	tcpConn.state = CLOSED
	if prevState == LISTEN {
		// Connections nobody accepted go with their listener
		for _, ref := range tcpConn.pending {
			if child := stack.resolve(ref); child != nil {
				child.sendSegment(FIN, nil)
				stack.free(child)
			}
		}
	}
	stack.log.Debug("socket freed", zap.Int("sid", tcpConn.id), zap.Stringer("state", prevState))
	stack.sockets[tcpConn.id] = &conn{id: tcpConn.id, gen: tcpConn.gen + 1, state: CLOSED}
}

func (stack *TCPStack) resolve(ref sockRef) *conn {
	if ref.slot < 0 || ref.slot >= len(stack.sockets) {
		return nil
	}
	tcpConn := stack.sockets[ref.slot]
	if tcpConn.gen != ref.gen || tcpConn.state == CLOSED {
		return nil
	}
	return tcpConn
}

// send encodes seg for the connection's addresses and hands it to the
// substrate.
func (stack *TCPStack) send(tcpConn *conn, seg Segment) {
	raw := seg.Marshal(tcpConn.tuple.srcAddr, tcpConn.tuple.remoteAddr)
	if err := stack.net.Send(tcpConn.tuple.srcAddr, tcpConn.tuple.remoteAddr, raw); err != nil {
		stack.log.Warn("substrate send failed", zap.Int("sid", tcpConn.id), zap.Error(err))
	}
}

func newBuffers(size int) (*ringbuffer.RingBuffer, *ringbuffer.RingBuffer) {
	return ringbuffer.New(size), ringbuffer.New(size)
}
