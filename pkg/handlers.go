package protocol

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"
)

func (stack *IPStack) TestPacketHandler(packet *IPPacket) {
	stack.log.Debug("test packet", zap.Stringer("src", packet.Header.Src), zap.Int("len", len(packet.Payload)))
	fmt.Println("Received test packet: Src: " + packet.Header.Src.String() +
		", Dst: " + packet.Header.Dst.String() +
		", TTL: " + strconv.Itoa(packet.Header.TTL) +
		", Data: " + string(packet.Payload))
}

// RegisterTransport delivers every packet of protocolNum to handler as
// (source, destination, payload).
func (stack *IPStack) RegisterTransport(protocolNum uint8, handler func(src, dst netip.Addr, payload []byte)) {
	stack.RegisterHandler(protocolNum, func(packet *IPPacket) {
		handler(packet.Header.Src, packet.Header.Dst, packet.Payload)
	})
}

// Substrate carries transport segments as IP packets of one protocol and
// provides wall-clock timers.
type Substrate struct {
	stack       *IPStack
	protocolNum uint8
}

func (stack *IPStack) Substrate(protocolNum uint8) *Substrate {
	return &Substrate{stack: stack, protocolNum: protocolNum}
}

// Send ignores local: the stack always sends from its interface address.
func (s *Substrate) Send(local, remote netip.Addr, payload []byte) error {
	return s.stack.SendIP(remote, s.protocolNum, payload)
}

func (s *Substrate) AddTimer(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

func (s *Substrate) Now() time.Time {
	return time.Now()
}
