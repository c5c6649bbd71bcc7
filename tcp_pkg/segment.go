package tcp_protocol

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"tcp-tcp-team-pa/iptcp_utils"
)

const maxWindow = 0xffff

type SegmentType uint8

const (
	SYN SegmentType = iota + 1
	ACK
	DATA
	FIN
)

func (t SegmentType) String() string {
	switch t {
	case SYN:
		return "SYN"
	case ACK:
		return "ACK"
	case DATA:
		return "DATA"
	case FIN:
		return "FIN"
	}
	return "UNKNOWN"
}

var (
	ErrBadSegment = errors.New("malformed segment")
	ErrChecksum   = errors.New("segment checksum mismatch")
)

// Segment is one unit of the transport. Seq is the sender's sequence number
// for the first payload byte (or the SYN/FIN). Ack is the sender's next
// expected sequence number and Window its free receive space; both are only
// meaningful on ACK and DATA.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Type    SegmentType
	Window  uint32
	Seq     uint32
	Ack     uint32
	Payload []byte
}

func (t SegmentType) flags() uint8 {
	switch t {
	case SYN:
		return header.TCPFlagSyn
	case FIN:
		return header.TCPFlagFin
	case DATA:
		return header.TCPFlagAck | header.TCPFlagPsh
	default:
		return header.TCPFlagAck
	}
}

func typeFromFlags(flags uint8) (SegmentType, bool) {
	switch {
	case flags&header.TCPFlagSyn != 0:
		return SYN, true
	case flags&header.TCPFlagFin != 0:
		return FIN, true
	case flags&header.TCPFlagPsh != 0:
		return DATA, true
	case flags&header.TCPFlagAck != 0:
		return ACK, true
	}
	return 0, false
}

// Marshal encodes the segment as a TCP header plus payload, checksummed over
// the given addresses.
func (seg Segment) Marshal(src, dst netip.Addr) []byte {
	window := seg.Window
	if window > maxWindow {
		window = maxWindow
	}
	var payload []byte
	if seg.Type == DATA {
		payload = seg.Payload
	}

	tcpHeader := header.TCPFields{
		SrcPort:       seg.SrcPort,
		DstPort:       seg.DstPort,
		SeqNum:        seg.Seq,
		AckNum:        seg.Ack,
		DataOffset:    iptcp_utils.TcpHeaderLen,
		Flags:         seg.Type.flags(),
		WindowSize:    uint16(window),
		Checksum:      0,
		UrgentPointer: 0,
	}
	tcpHeader.Checksum = iptcp_utils.ComputeTCPChecksum(&tcpHeader, src, dst, payload)
	tcpHeaderBytes := make(header.TCP, iptcp_utils.TcpHeaderLen)
	tcpHeaderBytes.Encode(&tcpHeader)

	// Combine the TCP header + payload into one byte array
	raw := make([]byte, 0, len(tcpHeaderBytes)+len(payload))
	raw = append(raw, tcpHeaderBytes...)
	raw = append(raw, payload...)
	return raw
}

// UnmarshalSegment decodes and checksums a segment received from src for
// dst.
func UnmarshalSegment(raw []byte, src, dst netip.Addr) (Segment, error) {
	tcpHdr, err := iptcp_utils.ParseTCPHeader(raw)
	if err != nil {
		return Segment{}, errors.Wrap(ErrBadSegment, err.Error())
	}
	tcpPayload := raw[tcpHdr.DataOffset:]
	if !iptcp_utils.ValidateTCPChecksum(tcpHdr, src, dst, tcpPayload) {
		return Segment{}, ErrChecksum
	}

	segType, ok := typeFromFlags(tcpHdr.Flags)
	if !ok {
		return Segment{}, errors.Wrapf(ErrBadSegment, "unsupported flags %#x", tcpHdr.Flags)
	}
	seg := Segment{
		SrcPort: tcpHdr.SrcPort,
		DstPort: tcpHdr.DstPort,
		Type:    segType,
		Window:  uint32(tcpHdr.WindowSize),
		Seq:     tcpHdr.SeqNum,
		Ack:     tcpHdr.AckNum,
	}
	if segType == DATA {
		seg.Payload = append([]byte(nil), tcpPayload...)
	}
	return seg, nil
}
