package tcp_protocol

import (
	"net/netip"
	"time"

	"go.uber.org/zap"

	"tcp-tcp-team-pa/ringbuffer"
)

// conn is one slot of the stack's pool. Every field is guarded by the
// owning stack's mutex.
type conn struct {
	id    int
	gen   uint32
	state State
	stack *TCPStack
	tuple FourTuple

	SendBuf *ringbuffer.RingBuffer // unacknowledged and unsent bytes, starting at sendBase
	RecvBuf *ringbuffer.RingBuffer // in-order bytes not yet read

	// sender
	sendBase   uint32 // oldest unacknowledged sequence number
	nextSeq    uint32 // next sequence number to send
	sndMax     uint32 // one past the highest sequence number ever sent
	sendWindow uint32 // effective window in bytes
	peerWindow uint32 // last window the peer advertised
	cwnd       float64
	ssthresh   float64
	dupAcks    int

	// receiver
	recvBase uint32 // next expected in-order sequence number
	peerISN  uint32 // sequence number of the peer's SYN
	passive  bool

	// round trip estimation, one sample in flight at a time
	estimatedRTT    time.Duration
	devRTT          time.Duration
	timeoutInterval time.Duration
	sampling        bool
	sampleSeq       uint32
	sampleSent      time.Time

	// retransmission timer; only the most recent arming is live
	rtxArmed bool
	rtxSeq   uint32
	rtxEpoch uint64

	backlog int
	pending []sockRef // established connections waiting for accept

	localClosed bool
	peerClosed  bool
}

// reset prepares a CLOSED slot for a new lifetime in INIT.
func (tcpConn *conn) reset(stack *TCPStack) {
	cfg := stack.cfg
	*tcpConn = conn{
		id:              tcpConn.id,
		gen:             tcpConn.gen,
		state:           INIT,
		stack:           stack,
		cwnd:            cfg.InitialCwnd,
		ssthresh:        cfg.InitialSsthresh,
		peerWindow:      uint32(cfg.BufferSize),
		estimatedRTT:    cfg.InitialRTT,
		devRTT:          cfg.InitialDevRTT,
		timeoutInterval: min(max(cfg.InitialRTT+4*cfg.InitialDevRTT, cfg.MinRTO), cfg.MaxRTO),
	}
	tcpConn.SendBuf, tcpConn.RecvBuf = newBuffers(cfg.BufferSize)
	tcpConn.updateSendWindow()
}

func (tcpConn *conn) ref() sockRef {
	return sockRef{slot: tcpConn.id, gen: tcpConn.gen}
}

func (tcpConn *conn) logger() *zap.Logger {
	return tcpConn.stack.log.With(zap.Int("sid", tcpConn.id), zap.Stringer("state", tcpConn.state))
}

// handleSegment applies a segment addressed to this connection's exact
// four-tuple.
func (tcpConn *conn) handleSegment(seg Segment) {
	switch tcpConn.state {
	case SYN_SENT:
		switch seg.Type {
		case ACK:
			tcpConn.handleHandshakeAck(seg)
		case FIN:
			if seg.Seq != tcpConn.sendBase+1 {
				tcpConn.logger().Debug("ignoring stale FIN while connecting", zap.Uint32("seq", seg.Seq))
				return
			}
			// The listener refused our SYN
			tcpConn.logger().Info("connection refused", zap.Stringer("remote", tcpConn.tuple.remoteAddr))
			tcpConn.stack.free(tcpConn)
		default:
			tcpConn.logger().Debug("ignoring segment while connecting", zap.Stringer("type", seg.Type))
		}

	case ESTABLISHED, SHUTDOWN:
		switch seg.Type {
		case SYN:
			if tcpConn.passive && seg.Seq == tcpConn.peerISN {
				// Our handshake ACK was lost
				tcpConn.sendAck()
				return
			}
			tcpConn.logger().Debug("ignoring unexpected SYN", zap.Uint32("seq", seg.Seq))
		case ACK:
			tcpConn.handleAck(seg)
		case DATA:
			if tcpConn.state != ESTABLISHED {
				tcpConn.logger().Debug("ignoring data after shutdown", zap.Uint32("seq", seg.Seq))
				return
			}
			tcpConn.handleData(seg)
		case FIN:
			tcpConn.handleFin()
		}

	default:
		tcpConn.logger().Debug("dropping segment", zap.Stringer("type", seg.Type))
	}
}

func (tcpConn *conn) handleHandshakeAck(seg Segment) {
	if seg.Ack != tcpConn.sendBase+1 {
		tcpConn.logger().Debug("ignoring ACK that does not match our SYN",
			zap.Uint32("ack", seg.Ack), zap.Uint32("iss", tcpConn.sendBase))
		return
	}
	// The SYN consumed one sequence number
	tcpConn.sendBase = seg.Ack
	tcpConn.nextSeq = seg.Ack
	tcpConn.sndMax = seg.Ack
	tcpConn.recvBase = seg.Seq
	tcpConn.peerWindow = seg.Window
	tcpConn.updateSendWindow()
	tcpConn.state = ESTABLISHED
	tcpConn.logger().Info("connection established",
		zap.Stringer("remote", tcpConn.tuple.remoteAddr), zap.Uint16("rport", tcpConn.tuple.remotePort))
}

// handleListen processes a segment that matched this listening socket but
// no established connection.
func (listenConn *conn) handleListen(seg Segment, src netip.Addr) {
	stack := listenConn.stack
	if seg.Type != SYN {
		listenConn.logger().Debug("listener dropping non-SYN segment", zap.Stringer("type", seg.Type))
		return
	}

	if listenConn.pendingCount() >= listenConn.backlog {
		listenConn.logger().Warn("backlog full, refusing connection",
			zap.Stringer("remote", src), zap.Uint16("rport", seg.SrcPort))
		listenConn.refuse(seg, src)
		return
	}
	tcpConn := stack.allocate()
	if tcpConn == nil {
		listenConn.logger().Warn("no free socket, refusing connection", zap.Stringer("remote", src))
		listenConn.refuse(seg, src)
		return
	}

	// Two-way handshake: the new connection is established as soon as we
	// ACK the SYN
	isn := stack.cfg.ISN()
	tcpConn.tuple = FourTuple{
		remotePort: seg.SrcPort,
		remoteAddr: src,
		srcPort:    listenConn.tuple.srcPort,
		srcAddr:    listenConn.tuple.srcAddr,
	}
	tcpConn.passive = true
	tcpConn.peerISN = seg.Seq
	tcpConn.recvBase = seg.Seq + 1
	tcpConn.sendBase = isn
	tcpConn.nextSeq = isn
	tcpConn.sndMax = isn
	tcpConn.state = ESTABLISHED
	stack.index(tcpConn)
	listenConn.pending = append(listenConn.pending, tcpConn.ref())

	tcpConn.sendAck()
	tcpConn.logger().Info("accepted connection request",
		zap.Stringer("remote", src), zap.Uint16("rport", seg.SrcPort))
}

// refuse answers a SYN with a FIN from the listener's port.
func (listenConn *conn) refuse(seg Segment, src netip.Addr) {
	refusal := Segment{
		SrcPort: listenConn.tuple.srcPort,
		DstPort: seg.SrcPort,
		Type:    FIN,
		Seq:     seg.Seq + 1,
	}
	stack := listenConn.stack
	raw := refusal.Marshal(listenConn.tuple.srcAddr, src)
	if err := stack.net.Send(listenConn.tuple.srcAddr, src, raw); err != nil {
		listenConn.logger().Warn("substrate send failed", zap.Error(err))
	}
}

func (listenConn *conn) pendingCount() int {
	live := listenConn.pending[:0]
	for _, ref := range listenConn.pending {
		if listenConn.stack.resolve(ref) != nil {
			live = append(live, ref)
		}
	}
	listenConn.pending = live
	return len(live)
}

func (tcpConn *conn) handleData(seg Segment) {
	// A delayed segment carries an outdated advertisement
	if seqGE(seg.Ack, tcpConn.sendBase) {
		tcpConn.peerWindow = seg.Window
		tcpConn.updateSendWindow()
	}

	if seg.Seq == tcpConn.recvBase {
		accepted := tcpConn.RecvBuf.Put(seg.Payload)
		if accepted < len(seg.Payload) {
			tcpConn.logger().Debug("receive buffer full, dropped bytes",
				zap.Uint32("seq", seg.Seq), zap.Int("dropped", len(seg.Payload)-accepted))
		}
		tcpConn.recvBase += uint32(accepted)
	} else {
		tcpConn.logger().Debug("not buffering out-of-order or duplicate data",
			zap.Uint32("seq", seg.Seq), zap.Uint32("expected", tcpConn.recvBase))
	}
	tcpConn.sendAck()
}

// handleFin: the peer is gone. Nothing we still hold for it can be
// acknowledged any more, but unread data stays readable.
func (tcpConn *conn) handleFin() {
	if !tcpConn.peerClosed {
		tcpConn.logger().Info("peer closed connection")
	}
	tcpConn.peerClosed = true
	tcpConn.state = SHUTDOWN
	tcpConn.SendBuf.Reset()
	tcpConn.nextSeq = tcpConn.sendBase
	tcpConn.sndMax = tcpConn.sendBase
	tcpConn.rtxArmed = false
	tcpConn.sampling = false
	if tcpConn.localClosed {
		tcpConn.sendData()
	}
}

func (tcpConn *conn) sendSegment(segType SegmentType, payload []byte) {
	seg := Segment{
		SrcPort: tcpConn.tuple.srcPort,
		DstPort: tcpConn.tuple.remotePort,
		Type:    segType,
		Window:  uint32(tcpConn.RecvBuf.Remaining()),
		Seq:     tcpConn.nextSeq,
		Ack:     tcpConn.recvBase,
		Payload: payload,
	}
	if segType == SYN || segType == ACK {
		seg.Seq = tcpConn.sendBase
	}
	tcpConn.stack.send(tcpConn, seg)
}

func (tcpConn *conn) sendAck() {
	tcpConn.sendSegment(ACK, nil)
}

// finish sends the closing FIN burst and frees the slot. FIN is never
// acknowledged, so it goes out several times.
func (tcpConn *conn) finish() {
	for i := 0; i < tcpConn.stack.cfg.FinBurst; i++ {
		tcpConn.sendSegment(FIN, nil)
	}
	tcpConn.logger().Info("connection closed")
	tcpConn.stack.free(tcpConn)
}

func (tcpConn *conn) info() SocketInfo {
	return SocketInfo{
		ID:              tcpConn.id,
		State:           tcpConn.state,
		LocalAddr:       tcpConn.tuple.srcAddr,
		LocalPort:       tcpConn.tuple.srcPort,
		RemoteAddr:      tcpConn.tuple.remoteAddr,
		RemotePort:      tcpConn.tuple.remotePort,
		SendBase:        tcpConn.sendBase,
		NextSeq:         tcpConn.nextSeq,
		RecvBase:        tcpConn.recvBase,
		SendWindow:      tcpConn.sendWindow,
		Cwnd:            tcpConn.cwnd,
		Ssthresh:        tcpConn.ssthresh,
		EstimatedRTT:    tcpConn.estimatedRTT,
		DevRTT:          tcpConn.devRTT,
		TimeoutInterval: tcpConn.timeoutInterval,
		SendBuffered:    tcpConn.SendBuf.Size(),
		RecvBuffered:    tcpConn.RecvBuf.Size(),
		Pending:         len(tcpConn.pending),
	}
}
