package protocol

import (
	"net"
	"net/netip"
	"sync"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/lnxconfig"
	"tcp-tcp-team-pa/logging"
)

const (
	TestProtocol = 0
	TCPProtocol  = 6

	defaultTTL = 16
	maxPacket  = 1400
)

var (
	ErrNoRoute     = errors.New("no route to host")
	ErrTooLarge    = errors.New("packet exceeds maximum size")
	ErrStackClosed = errors.New("ip stack closed")
)

type HandlerFunc = func(*IPPacket)

type IPPacket struct {
	Header  ipv4header.IPv4Header
	Payload []byte
}

// Interface is the node's single link: a virtual address on a subnet,
// carried over a real UDP socket.
type Interface struct {
	Name      string                        // the name of the interface
	IP        netip.Addr                    // the IP address of the interface on this host
	Prefix    netip.Prefix                  // the network submask/prefix
	Neighbors map[netip.Addr]netip.AddrPort // maps (virtual) IPs to their UDP addresses
	Udp       netip.AddrPort                // the UDP address of the interface on this host
	Down      bool                          // whether the interface is down or not
	Conn      *net.UDPConn                  // listen to incoming UDP packets
}

type route struct {
	Type    string     // L for the local subnet, S for a static route
	NextHop netip.Addr // unset for L routes
}

type IPStack struct {
	Forward_table map[netip.Prefix]route // maps IP prefixes to next hops
	Handler_table map[uint8]HandlerFunc  // maps protocol numbers to handlers
	Iface         *Interface
	Mutex         sync.RWMutex // for concurrency
	log           *zap.Logger
	done          chan struct{}
	closeOnce     sync.Once
}

// NewIPStack opens the interface's UDP socket and builds the forwarding
// table from the config. Call Run to start receiving.
func NewIPStack(config *lnxconfig.IPConfig, logger *zap.Logger) (*IPStack, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(config.UDP))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", config.UDP)
	}

	iface := &Interface{
		Name:      "if0",
		IP:        config.IP,
		Prefix:    config.Prefix.Masked(),
		Neighbors: make(map[netip.Addr]netip.AddrPort, len(config.Neighbors)),
		Udp:       config.UDP,
		Conn:      conn,
	}
	for _, neighbor := range config.Neighbors {
		iface.Neighbors[neighbor.IP] = neighbor.UDP
	}

	stack := &IPStack{
		Forward_table: map[netip.Prefix]route{iface.Prefix: {Type: "L"}},
		Handler_table: make(map[uint8]HandlerFunc),
		Iface:         iface,
		log:           logging.OrNop(logger).Named("ip").With(zap.Stringer("ip", config.IP)),
		done:          make(chan struct{}),
	}
	for _, r := range config.Routes {
		stack.Forward_table[r.Prefix.Masked()] = route{Type: "S", NextHop: r.NextHop}
	}
	stack.RegisterHandler(TestProtocol, stack.TestPacketHandler)
	return stack, nil
}

func (stack *IPStack) RegisterHandler(protocolNum uint8, handler HandlerFunc) {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()
	stack.Handler_table[protocolNum] = handler
}

// SendIP wraps data in an IPv4 header and sends it towards dest. Packets to
// our own address are delivered locally on a separate goroutine.
func (stack *IPStack) SendIP(dest netip.Addr, protocolNum uint8, data []byte) error {
	select {
	case <-stack.done:
		return ErrStackClosed
	default:
	}
	if len(data)+ipv4header.HeaderLen > maxPacket {
		return ErrTooLarge
	}
	// Construct IP packet header
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen, // no IP options
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(data),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      defaultTTL,
		Protocol: int(protocolNum),
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      stack.Iface.IP,
		Dst:      dest,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ip header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal ip header")
	}

	if dest == stack.Iface.IP {
		packet := &IPPacket{Header: hdr, Payload: append([]byte(nil), data...)}
		go stack.dispatch(packet)
		return nil
	}

	nextHop, err := stack.nextHopUDP(dest)
	if err != nil {
		return err
	}
	// Construct all bytes of the IP packet
	bytesToSend := make([]byte, 0, len(headerBytes)+len(data))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, data...)
	if _, err := stack.Iface.Conn.WriteToUDPAddrPort(bytesToSend, nextHop); err != nil {
		return errors.Wrapf(err, "send to %s", nextHop)
	}
	return nil
}

// nextHopUDP resolves dest through the forwarding table to the UDP address
// of the neighbor that should receive the packet.
func (stack *IPStack) nextHopUDP(dest netip.Addr) (netip.AddrPort, error) {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()

	if stack.Iface.Down {
		return netip.AddrPort{}, errors.Wrap(ErrNoRoute, "interface down")
	}
	prefix, r, ok := findPrefixMatch(stack.Forward_table, dest)
	if !ok {
		return netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "%s", dest)
	}
	neighborIP := dest
	if r.Type == "S" {
		neighborIP = r.NextHop
	}
	udpAddr, ok := stack.Iface.Neighbors[neighborIP]
	if !ok {
		return netip.AddrPort{}, errors.Wrapf(ErrNoRoute, "%s via %s: no such neighbor", dest, prefix)
	}
	return udpAddr, nil
}

func findPrefixMatch(forward_table map[netip.Prefix]route, addr netip.Addr) (netip.Prefix, route, bool) {
	var longestMatch netip.Prefix
	var match route
	found := false
	for pref, r := range forward_table {
		if pref.Contains(addr) && (!found || pref.Bits() > longestMatch.Bits()) {
			longestMatch = pref
			match = r
			found = true
		}
	}
	return longestMatch, match, found
}

// Run receives packets until Close is called.
func (stack *IPStack) Run() error {
	buf := make([]byte, maxPacket)
	for {
		n, _, err := stack.Iface.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-stack.done:
				return nil
			default:
			}
			return errors.Wrap(err, "read udp")
		}
		stack.Receive(buf[:n])
	}
}

func (stack *IPStack) Close() error {
	var err error
	stack.closeOnce.Do(func() {
		close(stack.done)
		err = stack.Iface.Conn.Close()
	})
	return err
}

// Receive validates one raw datagram and hands it to the handler for its
// protocol. Hosts do not forward, so packets for other addresses are dropped.
func (stack *IPStack) Receive(raw []byte) {
	stack.Mutex.RLock()
	down := stack.Iface.Down
	stack.Mutex.RUnlock()
	if down {
		return
	}

	hdr, err := ipv4header.ParseHeader(raw)
	if err != nil {
		stack.log.Debug("dropping unparsable packet", zap.Error(err))
		return
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen > len(raw) || hdr.TotalLen < hdr.Len {
		stack.log.Debug("dropping packet with bad lengths", zap.Int("hlen", hdr.Len), zap.Int("total", hdr.TotalLen))
		return
	}
	if !ValidateChecksum(raw[:hdr.Len]) {
		stack.log.Debug("dropping packet with bad checksum", zap.Stringer("src", hdr.Src))
		return
	}
	if hdr.Dst != stack.Iface.IP {
		stack.log.Debug("dropping packet for another host", zap.Stringer("dst", hdr.Dst))
		return
	}
	if hdr.TTL <= 0 {
		stack.log.Debug("dropping expired packet", zap.Stringer("src", hdr.Src))
		return
	}

	packet := &IPPacket{
		Header:  *hdr,
		Payload: append([]byte(nil), raw[hdr.Len:hdr.TotalLen]...),
	}
	stack.dispatch(packet)
}

func (stack *IPStack) dispatch(packet *IPPacket) {
	stack.Mutex.RLock()
	callbackFunction, exists := stack.Handler_table[uint8(packet.Header.Protocol)]
	stack.Mutex.RUnlock()
	if !exists {
		stack.log.Debug("no handler for protocol", zap.Int("protocol", packet.Header.Protocol))
		return
	}
	callbackFunction(packet)
}
