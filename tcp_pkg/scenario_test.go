package tcp_protocol

import (
	"bytes"
	"io"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tcp-tcp-team-pa/simnet"
)

var (
	clientIP = netip.MustParseAddr("10.1.0.1")
	serverIP = netip.MustParseAddr("10.1.0.2")
)

type testPair struct {
	net    *simnet.Network
	client *TCPStack
	server *TCPStack
}

func newPair(t *testing.T, cfg Config, opts simnet.Options) *testPair {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opts.Logger = logger
	n := simnet.New(opts)

	clientNode := n.AddNode(clientIP)
	serverNode := n.AddNode(serverIP)
	p := &testPair{
		net:    n,
		client: NewTCPStack(clientIP, clientNode, cfg, logger),
		server: NewTCPStack(serverIP, serverNode, cfg, logger),
	}
	clientNode.SetHandler(p.client.TCPHandler)
	serverNode.SetHandler(p.server.TCPHandler)
	return p
}

// open returns a connected (client, server) socket pair on port 80.
func (p *testPair) open(t *testing.T) (Socket, Socket) {
	t.Helper()
	listener, err := p.server.VListen(80)
	if err != nil {
		t.Fatal(err)
	}
	client, err := p.client.VConnect(serverIP, 80)
	if err != nil {
		t.Fatal(err)
	}
	var server Socket
	ok := p.net.RunUntil(func() bool {
		if server.stack == nil {
			if s, err := listener.VAccept(); err == nil {
				server = s
			}
		}
		return server.stack != nil && client.State() == ESTABLISHED
	}, 30*time.Second)
	if !ok {
		t.Fatalf("handshake did not complete: client %s", client.State())
	}
	return client, server
}

// transfer writes data on src and reads it on dst, stepping the network in
// between, until everything arrived or limit of virtual time passed.
func (p *testPair) transfer(t *testing.T, src, dst Socket, data []byte, limit time.Duration) []byte {
	t.Helper()
	sent := 0
	var got []byte
	buf := make([]byte, 512)
	p.net.RunUntil(func() bool {
		if sent < len(data) {
			n, err := src.VWrite(data[sent:])
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			sent += n
		}
		n, err := dst.VRead(buf, len(buf))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
		return len(got) >= len(data)
	}, limit)
	return got
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

// dataFilter applies verdict to DATA segments and delivers everything else.
func dataFilter(verdict func(seg Segment, pkt *simnet.Packet) simnet.Verdict) simnet.Filter {
	return func(pkt *simnet.Packet) simnet.Verdict {
		seg, err := UnmarshalSegment(pkt.Payload, pkt.Src, pkt.Dst)
		if err != nil || seg.Type != DATA {
			return simnet.Deliver
		}
		return verdict(seg, pkt)
	}
}

func TestTransferInOrder(t *testing.T) {
	p := newPair(t, Config{BufferSize: 1024, MaxPayload: 100}, simnet.Options{})
	client, server := p.open(t)

	data := payload(1000)
	got := p.transfer(t, client, server, data, 10*time.Second)
	if !bytes.Equal(got, data) {
		t.Fatalf("received %d bytes, want the 1000 written in order", len(got))
	}
}

func TestTransferLargerThanBuffers(t *testing.T) {
	p := newPair(t, Config{BufferSize: 1024, MaxPayload: 100}, simnet.Options{})
	client, server := p.open(t)

	up := payload(20000)
	if got := p.transfer(t, client, server, up, time.Minute); !bytes.Equal(got, up) {
		t.Fatalf("client to server: received %d of %d bytes", len(got), len(up))
	}
	down := bytes.ToUpper(payload(5000))
	if got := p.transfer(t, server, client, down, time.Minute); !bytes.Equal(got, down) {
		t.Fatalf("server to client: received %d of %d bytes", len(got), len(down))
	}
}

func TestLostSegmentRetransmittedAfterTimeout(t *testing.T) {
	p := newPair(t, Config{MaxPayload: 100}, simnet.Options{})
	client, server := p.open(t)

	var lostSeq uint32
	var sends []time.Time
	dropped := false
	p.net.SetFilter(dataFilter(func(seg Segment, pkt *simnet.Packet) simnet.Verdict {
		if !dropped {
			dropped = true
			lostSeq = seg.Seq
			sends = append(sends, pkt.SentAt)
			return simnet.Drop
		}
		if seg.Seq == lostSeq {
			sends = append(sends, pkt.SentAt)
		}
		return simnet.Deliver
	}))

	data := payload(100)
	if got := p.transfer(t, client, server, data, 10*time.Second); !bytes.Equal(got, data) {
		t.Fatalf("received %q", got)
	}
	if len(sends) != 2 {
		t.Fatalf("lost segment sent %d times, want 2", len(sends))
	}
	if gap := sends[1].Sub(sends[0]); gap < 200*time.Millisecond {
		t.Fatalf("retransmitted after %v, before the 200ms timeout", gap)
	}
	if p.net.Stats().Dropped != 1 {
		t.Fatalf("stats %+v", p.net.Stats())
	}
}

func TestFastRetransmitBeatsTimeout(t *testing.T) {
	p := newPair(t, Config{MaxPayload: 100, InitialCwnd: 8}, simnet.Options{})
	client, server := p.open(t)

	var lostSeq uint32
	var sends []time.Time
	dropped := false
	p.net.SetFilter(dataFilter(func(seg Segment, pkt *simnet.Packet) simnet.Verdict {
		if pkt.Src != clientIP {
			return simnet.Deliver
		}
		if !dropped {
			dropped = true
			lostSeq = seg.Seq
			sends = append(sends, pkt.SentAt)
			return simnet.Drop
		}
		if seg.Seq == lostSeq {
			sends = append(sends, pkt.SentAt)
		}
		return simnet.Deliver
	}))

	data := payload(800)
	if got := p.transfer(t, client, server, data, 10*time.Second); !bytes.Equal(got, data) {
		t.Fatalf("received %d bytes", len(got))
	}
	if len(sends) < 2 {
		t.Fatal("lost segment was never resent")
	}
	if gap := sends[1].Sub(sends[0]); gap >= 200*time.Millisecond {
		t.Fatalf("resent after %v, which is the timeout and not fast retransmit", gap)
	}
	info, err := client.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Ssthresh != 4 {
		t.Fatalf("ssthresh %.2f, want half the window at the loss (4)", info.Ssthresh)
	}
}

func TestGracefulClose(t *testing.T) {
	p := newPair(t, Config{MaxPayload: 100}, simnet.Options{})
	client, server := p.open(t)

	data := payload(800)
	if n, err := client.VWrite(data); err != nil || n != len(data) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if err := client.VClose(); err != nil {
		t.Fatal(err)
	}
	if client.State() != SHUTDOWN {
		t.Fatalf("client closing with data in flight is %s", client.State())
	}

	var got []byte
	buf := make([]byte, 128)
	ok := p.net.RunUntil(func() bool {
		n, err := server.VRead(buf, len(buf))
		if err != nil {
			t.Fatalf("read before the data was drained: %v", err)
		}
		got = append(got, buf[:n]...)
		return len(got) == len(data) && client.State() == CLOSED
	}, 10*time.Second)
	if !ok {
		t.Fatalf("client did not finish closing: %s, server read %d bytes", client.State(), len(got))
	}
	if !bytes.Equal(got, data) {
		t.Fatal("data corrupted across close")
	}

	p.net.RunFor(time.Second)
	if server.State() != SHUTDOWN {
		t.Fatalf("server after peer FIN is %s", server.State())
	}
	if _, err := server.VRead(buf, len(buf)); err != io.EOF {
		t.Fatalf("server read after drain: %v, want EOF", err)
	}
	if server.State() != CLOSED {
		t.Fatalf("server not freed after EOF: %s", server.State())
	}
}

func TestRefusedWhenBacklogFull(t *testing.T) {
	p := newPair(t, Config{}, simnet.Options{})
	listener, err := p.server.VSocket()
	if err != nil {
		t.Fatal(err)
	}
	if err := listener.VBind(80); err != nil {
		t.Fatal(err)
	}
	if err := listener.VListen(1); err != nil {
		t.Fatal(err)
	}

	first, err := p.client.VConnect(serverIP, 80)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.client.VConnect(serverIP, 80)
	if err != nil {
		t.Fatal(err)
	}
	p.net.RunFor(100 * time.Millisecond)

	if first.State() != ESTABLISHED {
		t.Fatalf("first connection %s", first.State())
	}
	if second.State() != CLOSED {
		t.Fatalf("refused connection %s, want its slot freed", second.State())
	}
}

func TestHandshakeSurvivesLoss(t *testing.T) {
	p := newPair(t, Config{}, simnet.Options{})
	lost := map[SegmentType]bool{}
	p.net.SetFilter(func(pkt *simnet.Packet) simnet.Verdict {
		seg, err := UnmarshalSegment(pkt.Payload, pkt.Src, pkt.Dst)
		if err != nil {
			return simnet.Deliver
		}
		// Lose the first SYN and the first handshake ACK
		if (seg.Type == SYN || seg.Type == ACK) && !lost[seg.Type] {
			lost[seg.Type] = true
			return simnet.Drop
		}
		return simnet.Deliver
	})

	start := p.net.Now()
	client, server := p.open(t)
	if elapsed := p.net.Now().Sub(start); elapsed < 2*time.Second {
		t.Fatalf("connected after %v; two losses need two SYN retries", elapsed)
	}
	if n := len(p.server.Sockets()); n != 2 {
		t.Fatalf("server has %d sockets, want listener and one connection", n)
	}

	data := payload(300)
	if got := p.transfer(t, client, server, data, 10*time.Second); !bytes.Equal(got, data) {
		t.Fatal("transfer after lossy handshake failed")
	}
}

func TestTransferUnderLossAndDuplication(t *testing.T) {
	p := newPair(t, Config{BufferSize: 2048, MaxPayload: 100}, simnet.Options{Jitter: 3 * time.Millisecond, Seed: 7})
	client, server := p.open(t)

	rng := rand.New(rand.NewPCG(1, 2))
	p.net.SetFilter(func(pkt *simnet.Packet) simnet.Verdict {
		switch x := rng.IntN(100); {
		case x < 10:
			return simnet.Drop
		case x < 15:
			return simnet.Duplicate
		}
		return simnet.Deliver
	})

	data := payload(20000)
	if got := p.transfer(t, client, server, data, 10*time.Minute); !bytes.Equal(got, data) {
		t.Fatalf("received %d of %d bytes", len(got), len(data))
	}
	info, err := client.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.TimeoutInterval < info.EstimatedRTT {
		t.Fatalf("timeout %v below estimated RTT %v", info.TimeoutInterval, info.EstimatedRTT)
	}
	if info.TimeoutInterval > time.Second {
		t.Fatalf("timeout %v beyond the cap", info.TimeoutInterval)
	}
}

func TestSenderStaysWithinWindow(t *testing.T) {
	p := newPair(t, Config{BufferSize: 4096, MaxPayload: 100}, simnet.Options{})
	client, server := p.open(t)

	data := payload(30000)
	sent := 0
	var got []byte
	buf := make([]byte, 4096)
	var lastRecvBase uint32
	seen := false
	p.net.RunUntil(func() bool {
		if sent < len(data) {
			n, err := client.VWrite(data[sent:])
			if err != nil {
				t.Fatal(err)
			}
			sent += n
		}
		inspect(t, client, func(tcpConn *conn) {
			inFlight := tcpConn.nextSeq - tcpConn.sendBase
			if inFlight > tcpConn.sendWindow {
				t.Fatalf("%d bytes in flight with a %d byte window", inFlight, tcpConn.sendWindow)
			}
			if int(inFlight) > tcpConn.SendBuf.Size() {
				t.Fatalf("%d bytes in flight but only %d buffered", inFlight, tcpConn.SendBuf.Size())
			}
			if seqGT(tcpConn.nextSeq, tcpConn.sndMax) {
				t.Fatal("nextSeq past the highest sequence ever sent")
			}
		})
		inspect(t, server, func(tcpConn *conn) {
			if seen && seqLT(tcpConn.recvBase, lastRecvBase) {
				t.Fatal("recvBase moved backwards")
			}
			lastRecvBase, seen = tcpConn.recvBase, true
		})
		n, err := server.VRead(buf, len(buf))
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
		return len(got) == len(data)
	}, time.Minute)

	if !bytes.Equal(got, data) {
		t.Fatalf("received %d of %d bytes", len(got), len(data))
	}
}
