package tcp_protocol

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var (
	localIP = netip.MustParseAddr("10.0.0.1")
	peerIP  = netip.MustParseAddr("10.0.0.2")
)

const (
	testISN     = 1000
	testPeerISN = 7000
)

type sentSegment struct {
	src, dst netip.Addr
	seg      Segment
}

type fakeTimer struct {
	at    time.Time
	fn    func()
	fired bool
}

// fakeNet records every segment the stack sends and holds timers until the
// test advances the clock.
type fakeNet struct {
	t      *testing.T
	mu     sync.Mutex
	now    time.Time
	sent   []sentSegment
	timers []*fakeTimer
}

func newFakeNet(t *testing.T) *fakeNet {
	return &fakeNet{t: t, now: time.Unix(0, 0)}
}

func (f *fakeNet) Send(local, remote netip.Addr, payload []byte) error {
	seg, err := UnmarshalSegment(payload, local, remote)
	if err != nil {
		f.t.Errorf("stack sent an undecodable segment: %v", err)
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSegment{src: local, dst: remote, seg: seg})
	return nil
}

func (f *fakeNet) AddTimer(delay time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, &fakeTimer{at: f.now.Add(delay), fn: fn})
}

func (f *fakeNet) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// advance moves the clock forward by d, firing due timers in order.
func (f *fakeNet) advance(d time.Duration) {
	f.mu.Lock()
	deadline := f.now.Add(d)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, tm := range f.timers {
			if tm.fired || tm.at.After(deadline) {
				continue
			}
			if next == nil || tm.at.Before(next.at) {
				next = tm
			}
		}
		if next == nil {
			f.now = deadline
			f.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
	}
}

// take returns and forgets everything sent so far.
func (f *fakeNet) take() []Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	segs := make([]Segment, 0, len(f.sent))
	for _, s := range f.sent {
		segs = append(segs, s.seg)
	}
	f.sent = nil
	return segs
}

func ofType(segs []Segment, segType SegmentType) []Segment {
	var out []Segment
	for _, seg := range segs {
		if seg.Type == segType {
			out = append(out, seg)
		}
	}
	return out
}

func testConfig(cfg Config) Config {
	if cfg.ISN == nil {
		cfg.ISN = func() uint32 { return testISN }
	}
	return cfg
}

func newTestStack(t *testing.T, cfg Config) (*TCPStack, *fakeNet) {
	t.Helper()
	fn := newFakeNet(t)
	return NewTCPStack(localIP, fn, testConfig(cfg), zaptest.NewLogger(t)), fn
}

// inject delivers seg to the stack as if peerIP had sent it.
func inject(stack *TCPStack, seg Segment) {
	stack.TCPHandler(peerIP, localIP, seg.Marshal(peerIP, localIP))
}

// inspect runs fn on the connection behind sock with the stack locked.
func inspect(t *testing.T, sock Socket, fn func(tcpConn *conn)) {
	t.Helper()
	err := sock.with(func(tcpConn *conn) error {
		fn(tcpConn)
		return nil
	})
	if err != nil {
		t.Fatalf("inspect socket %d: %v", sock.ID, err)
	}
}

// connectActive opens a connection to peerIP:80 and completes the handshake
// with an ACK advertising window.
func connectActive(t *testing.T, stack *TCPStack, fn *fakeNet, window uint32) Socket {
	t.Helper()
	sock, err := stack.VConnect(peerIP, 80)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	syns := ofType(fn.take(), SYN)
	if len(syns) != 1 {
		t.Fatalf("sent %d SYNs, want 1", len(syns))
	}
	syn := syns[0]
	inject(stack, Segment{
		SrcPort: 80,
		DstPort: syn.SrcPort,
		Type:    ACK,
		Window:  window,
		Seq:     testPeerISN,
		Ack:     syn.Seq + 1,
	})
	if state := sock.State(); state != ESTABLISHED {
		t.Fatalf("state after handshake %s, want ESTABLISHED", state)
	}
	return sock
}

func localPort(t *testing.T, sock Socket) uint16 {
	t.Helper()
	info, err := sock.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	return info.LocalPort
}

// ackFrom builds the peer's cumulative ACK for an active connection.
func ackFrom(t *testing.T, sock Socket, ack, window uint32) Segment {
	return Segment{
		SrcPort: 80,
		DstPort: localPort(t, sock),
		Type:    ACK,
		Window:  window,
		Seq:     testPeerISN,
		Ack:     ack,
	}
}
