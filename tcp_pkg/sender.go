package tcp_protocol

import (
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	rttAlpha = 0.125
	rttBeta  = 0.25

	dupAckThreshold = 3
)

// Serial number arithmetic, so comparisons survive wraparound.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }

func (tcpConn *conn) mss() float64 {
	return float64(tcpConn.stack.cfg.MaxPayload)
}

// updateSendWindow recomputes the effective window from the peer's
// advertisement and the congestion window. It is never below one byte, so a
// closed peer window is still probed.
func (tcpConn *conn) updateSendWindow() {
	window := math.Min(float64(tcpConn.peerWindow), tcpConn.cwnd*tcpConn.mss())
	if window < 1 {
		window = 1
	}
	tcpConn.sendWindow = uint32(window)
}

// sendData transmits as much buffered data as the window allows, arms the
// retransmission timer, and completes a shutdown once both buffers are
// empty.
func (tcpConn *conn) sendData() {
	if tcpConn.state != ESTABLISHED && tcpConn.state != SHUTDOWN {
		return
	}

	limit := min(uint32(tcpConn.SendBuf.Size()), tcpConn.sendWindow)
	maxPayload := uint32(tcpConn.stack.cfg.MaxPayload)
	for seqLT(tcpConn.nextSeq, tcpConn.sendBase+limit) {
		offset := tcpConn.nextSeq - tcpConn.sendBase
		payload := tcpConn.SendBuf.Get(int(offset), int(min(limit-offset, maxPayload)))
		if len(payload) == 0 {
			break
		}

		seq := tcpConn.nextSeq
		tcpConn.sendSegment(DATA, payload)
		tcpConn.nextSeq += uint32(len(payload))

		if seqGT(tcpConn.nextSeq, tcpConn.sndMax) {
			// Only time segments sent for the first time
			if !tcpConn.sampling && seq == tcpConn.sndMax {
				tcpConn.sampling = true
				tcpConn.sampleSeq = tcpConn.nextSeq
				tcpConn.sampleSent = tcpConn.stack.net.Now()
			}
			tcpConn.sndMax = tcpConn.nextSeq
		}
	}

	if tcpConn.sndMax != tcpConn.sendBase {
		tcpConn.armRetransmit()
	}

	if tcpConn.state == SHUTDOWN && tcpConn.SendBuf.Size() == 0 && tcpConn.RecvBuf.Size() == 0 {
		tcpConn.finish()
	}
}

func (tcpConn *conn) handleAck(seg Segment) {
	ack := seg.Ack
	if seqLT(ack, tcpConn.sendBase) {
		return
	}
	if seqGT(ack, tcpConn.sndMax) {
		tcpConn.logger().Debug("ignoring ACK for data never sent",
			zap.Uint32("ack", ack), zap.Uint32("snd_max", tcpConn.sndMax))
		return
	}

	if ack == tcpConn.sendBase {
		if tcpConn.sndMax == tcpConn.sendBase {
			return
		}
		tcpConn.dupAcks++
		if tcpConn.dupAcks == dupAckThreshold {
			tcpConn.fastRetransmit()
		}
		return
	}

	// Cumulative acknowledgement of new data
	acked := ack - tcpConn.sendBase
	now := tcpConn.stack.net.Now()
	if tcpConn.sampling && seqGE(ack, tcpConn.sampleSeq) {
		tcpConn.sampling = false
		tcpConn.updateRTT(now.Sub(tcpConn.sampleSent))
	}

	segmentsAcked := float64(acked) / tcpConn.mss()
	if tcpConn.cwnd < tcpConn.ssthresh {
		// Slow start
		tcpConn.cwnd += segmentsAcked
	} else {
		// Congestion avoidance
		tcpConn.cwnd += segmentsAcked / tcpConn.cwnd
	}
	tcpConn.peerWindow = seg.Window
	tcpConn.updateSendWindow()

	tcpConn.SendBuf.Advance(int(acked))
	tcpConn.sendBase = ack
	if seqLT(tcpConn.nextSeq, tcpConn.sendBase) {
		// A retransmission rewound nextSeq, and the peer already had the data
		tcpConn.nextSeq = tcpConn.sendBase
	}
	tcpConn.dupAcks = 0

	tcpConn.sendData()
}

// fastRetransmit resends from sendBase after three duplicate ACKs.
func (tcpConn *conn) fastRetransmit() {
	tcpConn.cwnd = math.Max(tcpConn.cwnd/2, 1)
	tcpConn.ssthresh = tcpConn.cwnd
	tcpConn.updateSendWindow()
	tcpConn.logger().Debug("fast retransmit",
		zap.Uint32("seq", tcpConn.sendBase), zap.Float64("cwnd", tcpConn.cwnd))
	tcpConn.retransmit()
}

// retransmit rewinds to the oldest unacknowledged byte and sends again under
// a freshly armed timer.
func (tcpConn *conn) retransmit() {
	tcpConn.nextSeq = tcpConn.sendBase
	tcpConn.sampling = false
	tcpConn.rtxArmed = false
	tcpConn.sendData()
}

func (tcpConn *conn) armRetransmit() {
	if tcpConn.rtxArmed && tcpConn.rtxSeq == tcpConn.sendBase {
		return
	}
	tcpConn.rtxArmed = true
	tcpConn.rtxSeq = tcpConn.sendBase
	tcpConn.rtxEpoch++
	tcpConn.stack.addTimer(timerEvent{
		kind:  timerRetransmit,
		ref:   tcpConn.ref(),
		seq:   tcpConn.sendBase,
		epoch: tcpConn.rtxEpoch,
	}, tcpConn.timeoutInterval)
}

func (tcpConn *conn) handleRetransmitTimeout(ev timerEvent) {
	if tcpConn.state != ESTABLISHED && tcpConn.state != SHUTDOWN {
		return
	}
	if !tcpConn.rtxArmed || ev.epoch != tcpConn.rtxEpoch {
		// Superseded by a later arming
		return
	}
	if seqLT(ev.seq, tcpConn.sendBase) || tcpConn.sndMax == tcpConn.sendBase {
		tcpConn.rtxArmed = false
		return
	}

	next := min(tcpConn.timeoutInterval*2, tcpConn.stack.cfg.MaxRTO)
	tcpConn.timeoutInterval = max(next, tcpConn.timeoutInterval)
	tcpConn.ssthresh = math.Max(tcpConn.cwnd/2, 1)
	tcpConn.cwnd = 1
	tcpConn.dupAcks = 0
	tcpConn.updateSendWindow()
	tcpConn.logger().Debug("retransmission timeout",
		zap.Uint32("seq", tcpConn.sendBase), zap.Duration("rto", tcpConn.timeoutInterval))
	tcpConn.retransmit()
}

func (tcpConn *conn) handleSynRetry() {
	if tcpConn.state != SYN_SENT {
		return
	}
	tcpConn.sendSegment(SYN, nil)
	tcpConn.armSynRetry()
}

func (tcpConn *conn) armSynRetry() {
	tcpConn.stack.addTimer(timerEvent{kind: timerSynRetry, ref: tcpConn.ref()}, tcpConn.stack.cfg.SynRetryInterval)
}

// updateRTT folds one sample into the moving averages.
func (tcpConn *conn) updateRTT(sample time.Duration) {
	est := (1-rttAlpha)*float64(tcpConn.estimatedRTT) + rttAlpha*float64(sample)
	dev := (1-rttBeta)*float64(tcpConn.devRTT) + rttBeta*math.Abs(float64(sample)-est)
	tcpConn.estimatedRTT = time.Duration(est)
	tcpConn.devRTT = time.Duration(dev)
	rto := max(tcpConn.estimatedRTT+4*tcpConn.devRTT, tcpConn.stack.cfg.MinRTO)
	tcpConn.timeoutInterval = min(rto, tcpConn.stack.cfg.MaxRTO)
}
