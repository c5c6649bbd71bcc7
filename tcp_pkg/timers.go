package tcp_protocol

import "time"

type timerKind uint8

const (
	timerSynRetry timerKind = iota + 1
	timerRetransmit
)

// timerEvent is everything a timer needs to decide, when it fires, whether
// it still applies. Timers are never cancelled.
type timerEvent struct {
	kind  timerKind
	ref   sockRef
	seq   uint32 // sendBase the retransmission timer was armed for
	epoch uint64
}

func (stack *TCPStack) addTimer(ev timerEvent, delay time.Duration) {
	stack.net.AddTimer(delay, func() { stack.onTimer(ev) })
}

func (stack *TCPStack) onTimer(ev timerEvent) {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	tcpConn := stack.resolve(ev.ref)
	if tcpConn == nil {
		return
	}
	switch ev.kind {
	case timerSynRetry:
		tcpConn.handleSynRetry()
	case timerRetransmit:
		tcpConn.handleRetransmitTimeout(ev)
	}
}
