package iptcp_utils

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	TcpHeaderLen       = header.TCPMinimumSize
	TcpPseudoHeaderLen = 12
	IpProtoTcp         = uint8(header.TCPProtocolNumber)
)

var ErrHeaderTooShort = errors.New("tcp header too short")

// ComputeTCPChecksum computes the TCP checksum over the IPv4 pseudo header,
// the encoded TCP header (with its checksum field taken as given) and the
// payload.
func ComputeTCPChecksum(tcpHdr *header.TCPFields, sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {
	// Fill in the pseudo header
	pseudoHeaderBytes := make([]byte, TcpPseudoHeaderLen)

	// Only IPv4 is supported; As4 panics on anything else, so unmap first
	src := sourceIP.Unmap()
	dst := destIP.Unmap()
	if src.Is4() {
		s := src.As4()
		copy(pseudoHeaderBytes[0:4], s[:])
	}
	if dst.Is4() {
		d := dst.As4()
		copy(pseudoHeaderBytes[4:8], d[:])
	}

	// Next, add the protocol number and header length
	pseudoHeaderBytes[8] = uint8(0)
	pseudoHeaderBytes[9] = IpProtoTcp

	totalLength := TcpHeaderLen + len(payload)
	binary.BigEndian.PutUint16(pseudoHeaderBytes[10:12], uint16(totalLength))

	// Turn the TcpFields struct into a byte array
	headerBytes := header.TCP(make([]byte, TcpHeaderLen))
	headerBytes.Encode(tcpHdr)

	// Carry each partial sum into the next through netstack's initial value
	pseudoHeaderChecksum := header.Checksum(pseudoHeaderBytes, 0)
	headerChecksum := header.Checksum(headerBytes, pseudoHeaderChecksum)
	fullChecksum := header.Checksum(payload, headerChecksum)

	return fullChecksum ^ 0xffff
}

// ParseTCPHeader decodes the fixed part of a TCP header. Options are
// skipped by DataOffset.
func ParseTCPHeader(b []byte) (header.TCPFields, error) {
	if len(b) < TcpHeaderLen {
		return header.TCPFields{}, ErrHeaderTooShort
	}
	td := header.TCP(b)
	tcpFields := header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
	if int(tcpFields.DataOffset) < TcpHeaderLen || int(tcpFields.DataOffset) > len(b) {
		return header.TCPFields{}, errors.Errorf("bad tcp data offset %d for %d bytes", tcpFields.DataOffset, len(b))
	}
	return tcpFields, nil
}

// ValidateTCPChecksum recomputes the checksum of a received segment and
// compares it with the one carried in the header.
func ValidateTCPChecksum(tcpHdr header.TCPFields, sourceIP netip.Addr, destIP netip.Addr, payload []byte) bool {
	fromHeader := tcpHdr.Checksum
	tcpHdr.Checksum = 0
	return ComputeTCPChecksum(&tcpHdr, sourceIP, destIP, payload) == fromHeader
}
