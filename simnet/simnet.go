// Package simnet is an in-process datagram network driven by a virtual
// clock. Nodes send opaque payloads to each other and schedule one-shot
// timers; nothing runs until the owner steps the network, and events run one
// at a time on the stepping goroutine.
//
// Delivery is at-most-once by default, and a Filter can drop or duplicate
// individual packets. A non-zero Jitter reorders packets.
package simnet

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"tcp-tcp-team-pa/logging"
	"tcp-tcp-team-pa/priorityQueue"
)

type Verdict int

const (
	Deliver Verdict = iota
	Drop
	Duplicate
)

// Packet is a datagram in flight. Filters may inspect it but must not keep
// the Payload slice.
type Packet struct {
	Src     netip.Addr
	Dst     netip.Addr
	Payload []byte
	SentAt  time.Time
}

// Filter decides the fate of each packet as it is sent. It runs with the
// network lock held and must not call back into the Network.
type Filter func(pkt *Packet) Verdict

type Handler func(src, dst netip.Addr, payload []byte)

type Options struct {
	Latency time.Duration // one-way delay of every packet
	Jitter  time.Duration // extra uniformly random delay in [0, Jitter)
	Seed    uint64
	Logger  *zap.Logger
}

type Stats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
}

type Network struct {
	mu      sync.Mutex
	now     time.Time
	events  priorityQueue.EventQueue
	nodes   map[netip.Addr]*Node
	latency time.Duration
	jitter  time.Duration
	rng     *rand.Rand
	filter  Filter
	stats   Stats
	log     *zap.Logger
}

func New(opts Options) *Network {
	if opts.Latency <= 0 {
		opts.Latency = 5 * time.Millisecond
	}
	return &Network{
		now:     time.Unix(0, 0),
		nodes:   make(map[netip.Addr]*Node),
		latency: opts.Latency,
		jitter:  opts.Jitter,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		log:     logging.OrNop(opts.Logger).Named("simnet"),
	}
}

// AddNode attaches a node with the given address. Adding the same address
// twice returns the existing node.
func (n *Network) AddNode(addr netip.Addr) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, ok := n.nodes[addr]; ok {
		return node
	}
	node := &Node{net: n, addr: addr}
	n.nodes[addr] = node
	return node
}

func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

func (n *Network) Now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Pending reports the number of queued deliveries and timers.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events.Len()
}

// Step runs the earliest pending event, advancing the clock to its time.
// It returns false when nothing is queued.
func (n *Network) Step() bool {
	n.mu.Lock()
	ev, ok := n.events.PopNext()
	if !ok {
		n.mu.Unlock()
		return false
	}
	if ev.At.After(n.now) {
		n.now = ev.At
	}
	n.mu.Unlock()

	ev.Fire()
	return true
}

// RunFor runs every event due within d of the current time and then moves
// the clock to exactly now+d.
func (n *Network) RunFor(d time.Duration) {
	deadline := n.Now().Add(d)
	for {
		n.mu.Lock()
		ev, ok := n.events.Peek()
		due := ok && !ev.At.After(deadline)
		n.mu.Unlock()
		if !due {
			break
		}
		n.Step()
	}
	n.mu.Lock()
	if deadline.After(n.now) {
		n.now = deadline
	}
	n.mu.Unlock()
}

// RunUntil steps the network until cond holds or limit of virtual time has
// passed. cond is checked before every step.
func (n *Network) RunUntil(cond func() bool, limit time.Duration) bool {
	deadline := n.Now().Add(limit)
	for !cond() {
		n.mu.Lock()
		ev, ok := n.events.Peek()
		due := ok && !ev.At.After(deadline)
		n.mu.Unlock()
		if !due {
			return cond()
		}
		n.Step()
	}
	return true
}

func (n *Network) schedule(at time.Time, fire func()) {
	n.events.Schedule(at, fire)
}

func (n *Network) send(src, dst netip.Addr, payload []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pkt := &Packet{
		Src:     src,
		Dst:     dst,
		Payload: append([]byte(nil), payload...),
		SentAt:  n.now,
	}
	n.stats.Sent++

	copies := 1
	if n.filter != nil {
		switch n.filter(pkt) {
		case Drop:
			n.stats.Dropped++
			n.log.Debug("dropped packet", zap.Stringer("src", src), zap.Stringer("dst", dst), zap.Int("len", len(payload)))
			return
		case Duplicate:
			n.stats.Duplicated++
			copies = 2
		}
	}

	for i := 0; i < copies; i++ {
		delay := n.latency
		if n.jitter > 0 {
			delay += time.Duration(n.rng.Int64N(int64(n.jitter)))
		}
		n.schedule(n.now.Add(delay), func() { n.deliver(pkt) })
	}
}

func (n *Network) deliver(pkt *Packet) {
	n.mu.Lock()
	node, ok := n.nodes[pkt.Dst]
	var handler Handler
	if ok {
		handler = node.handler
	}
	if ok && handler != nil {
		n.stats.Delivered++
	}
	n.mu.Unlock()

	if handler == nil {
		n.log.Debug("no handler for destination", zap.Stringer("dst", pkt.Dst))
		return
	}
	handler(pkt.Src, pkt.Dst, append([]byte(nil), pkt.Payload...))
}

// Node is one endpoint on a Network. It provides the send, timer and clock
// primitives a transport runs on.
type Node struct {
	net     *Network
	addr    netip.Addr
	handler Handler
}

func (node *Node) Addr() netip.Addr { return node.addr }

// SetHandler installs the callback for packets addressed to this node.
func (node *Node) SetHandler(h Handler) {
	node.net.mu.Lock()
	defer node.net.mu.Unlock()
	node.handler = h
}

// Send queues payload for delivery from local to remote. It never blocks
// and never reports delivery failures.
func (node *Node) Send(local, remote netip.Addr, payload []byte) error {
	node.net.send(local, remote, payload)
	return nil
}

// AddTimer runs fn once, delay after the current virtual time.
func (node *Node) AddTimer(delay time.Duration, fn func()) {
	node.net.mu.Lock()
	defer node.net.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	node.net.schedule(node.net.now.Add(delay), fn)
}

func (node *Node) Now() time.Time {
	return node.net.Now()
}
