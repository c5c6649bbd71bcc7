package tcp_protocol

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

func formatAddr(addr netip.Addr) string {
	if !addr.IsValid() {
		return "*"
	}
	return addr.String()
}

func formatPort(port uint16, addr netip.Addr) string {
	if !addr.IsValid() {
		return "*"
	}
	return strconv.Itoa(int(port))
}

// ListSockets prints the socket table.
func (stack *TCPStack) ListSockets(w io.Writer) {
	fmt.Fprintln(w, "SID  LAddr           LPort      RAddr          RPort    Status")
	for _, info := range stack.Sockets() {
		fmt.Fprintf(w, "%-4d %-15s %-10d %-14s %-8s %s\n",
			info.ID, formatAddr(info.LocalAddr), info.LocalPort,
			formatAddr(info.RemoteAddr), formatPort(info.RemotePort, info.RemoteAddr), info.State)
	}
}

// DescribeSocket prints the sender and receiver variables of one socket.
func (stack *TCPStack) DescribeSocket(w io.Writer, socketID int) error {
	sock, err := stack.Lookup(socketID)
	if err != nil {
		return err
	}
	info, err := sock.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Socket %d %s\n", info.ID, info.State)
	fmt.Fprintf(w, "  snd: base=%d next=%d wnd=%d cwnd=%.2f ssthresh=%.2f buffered=%d\n",
		info.SendBase, info.NextSeq, info.SendWindow, info.Cwnd, info.Ssthresh, info.SendBuffered)
	fmt.Fprintf(w, "  rcv: base=%d buffered=%d\n", info.RecvBase, info.RecvBuffered)
	fmt.Fprintf(w, "  rtt: est=%v dev=%v rto=%v\n", info.EstimatedRTT, info.DevRTT, info.TimeoutInterval)
	return nil
}

// ACommand listens on port and accepts connections until the listener is
// closed. Accept never blocks, so pending connections are polled.
func (stack *TCPStack) ACommand(w io.Writer, port uint16, poll time.Duration) error {
	listenConn, err := stack.VListen(port)
	if err != nil {
		return errors.Wrapf(err, "listen on %d", port)
	}
	fmt.Fprintf(w, "Created listen socket %d\n", listenConn.ID)
	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for range ticker.C {
			if listenConn.State() != LISTEN {
				return
			}
			for {
				conn, err := listenConn.VAccept()
				if err != nil {
					break
				}
				fmt.Fprintf(w, "New connection on socket %d\n", conn.ID)
			}
		}
	}()
	return nil
}

func (stack *TCPStack) CCommand(w io.Writer, ip netip.Addr, port uint16) error {
	tcpConn, err := stack.VConnect(ip, port)
	if err != nil {
		return errors.Wrapf(err, "connect to %s:%d", ip, port)
	}
	fmt.Fprintf(w, "Created new socket with ID %d\n", tcpConn.ID)
	return nil
}

func (stack *TCPStack) SCommand(w io.Writer, socketID int, bytes string) error {
	tcpConn, err := stack.Lookup(socketID)
	if err != nil {
		return err
	}
	bytesSent, err := tcpConn.VWrite([]byte(bytes))
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Sent "+strconv.Itoa(bytesSent)+" bytes")
	return nil
}

func (stack *TCPStack) RCommand(w io.Writer, socketID int, numBytes int) error {
	tcpConn, err := stack.Lookup(socketID)
	if err != nil {
		return err
	}
	appBuffer := make([]byte, numBytes)
	bytesRead, err := tcpConn.VRead(appBuffer, numBytes)
	if err == io.EOF {
		fmt.Fprintln(w, "Connection closed by peer")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Read "+strconv.Itoa(bytesRead)+" bytes: "+string(appBuffer[:bytesRead]))
	return nil
}

func (stack *TCPStack) CloseCommand(socketID int) error {
	tcpConn, err := stack.Lookup(socketID)
	if err != nil {
		return err
	}
	return tcpConn.VClose()
}

func (stack *TCPStack) ReleaseCommand(socketID int) error {
	tcpConn, err := stack.Lookup(socketID)
	if err != nil {
		return err
	}
	return tcpConn.VRelease()
}
