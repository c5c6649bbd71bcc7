package protocol

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// ComputeChecksum returns the IPv4 header checksum of headerBytes, which
// must have a zero checksum field.
func ComputeChecksum(headerBytes []byte) uint16 {
	checksum := header.Checksum(headerBytes, 0)
	checksumInv := checksum ^ 0xffff
	return checksumInv
}

// ValidateChecksum reports whether a received header sums to all ones.
func ValidateChecksum(headerBytes []byte) bool {
	return header.Checksum(headerBytes, 0) == 0xffff
}

func formatAddr(addr netip.Addr) string {
	// Check if addr is equal to the zero value of netip.Addr
	if !addr.IsValid() {
		return "*"
	}
	return addr.String()
}
