package tcp_protocol

import (
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// Socket is a handle to one slot of a TCPStack. It holds no connection
// state; every call resolves the handle under the stack's lock and fails
// with ErrBadSocket once the slot has been freed.
type Socket struct {
	ID    int
	gen   uint32
	stack *TCPStack
}

type SocketInfo struct {
	ID              int
	State           State
	LocalAddr       netip.Addr
	LocalPort       uint16
	RemoteAddr      netip.Addr
	RemotePort      uint16
	SendBase        uint32
	NextSeq         uint32
	RecvBase        uint32
	SendWindow      uint32
	Cwnd            float64
	Ssthresh        float64
	EstimatedRTT    time.Duration
	DevRTT          time.Duration
	TimeoutInterval time.Duration
	SendBuffered    int
	RecvBuffered    int
	Pending         int
}

// VSocket allocates a socket in INIT.
func (stack *TCPStack) VSocket() (Socket, error) {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	tcpConn := stack.allocate()
	if tcpConn == nil {
		return Socket{}, ErrNoSocket
	}
	return stack.handle(tcpConn), nil
}

// VListen creates a socket listening on port with the default backlog.
func (stack *TCPStack) VListen(port uint16) (Socket, error) {
	sock, err := stack.VSocket()
	if err != nil {
		return Socket{}, err
	}
	if err := sock.VBind(port); err != nil {
		sock.VRelease()
		return Socket{}, err
	}
	if err := sock.VListen(0); err != nil {
		sock.VRelease()
		return Socket{}, err
	}
	return sock, nil
}

// VConnect creates a socket on an ephemeral port and starts connecting it.
func (stack *TCPStack) VConnect(remoteAddr netip.Addr, remotePort uint16) (Socket, error) {
	sock, err := stack.VSocket()
	if err != nil {
		return Socket{}, err
	}
	if err := sock.VBind(0); err != nil {
		sock.VRelease()
		return Socket{}, err
	}
	if err := sock.VConnect(remoteAddr, remotePort); err != nil {
		sock.VRelease()
		return Socket{}, err
	}
	return sock, nil
}

// Lookup returns the handle for the socket currently occupying slot id.
func (stack *TCPStack) Lookup(id int) (Socket, error) {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	if id < 0 || id >= len(stack.sockets) || stack.sockets[id].state == CLOSED {
		return Socket{}, ErrBadSocket
	}
	return stack.handle(stack.sockets[id]), nil
}

// Sockets lists every open socket in slot order.
func (stack *TCPStack) Sockets() []SocketInfo {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	var infos []SocketInfo
	for _, tcpConn := range stack.sockets {
		if tcpConn.state != CLOSED {
			infos = append(infos, tcpConn.info())
		}
	}
	return infos
}

func (stack *TCPStack) handle(tcpConn *conn) Socket {
	return Socket{ID: tcpConn.id, gen: tcpConn.gen, stack: stack}
}

// with runs fn on the connection behind the handle with the stack locked.
func (sock Socket) with(fn func(tcpConn *conn) error) error {
	if sock.stack == nil {
		return ErrBadSocket
	}
	sock.stack.mu.Lock()
	defer sock.stack.mu.Unlock()

	tcpConn := sock.stack.resolve(sockRef{slot: sock.ID, gen: sock.gen})
	if tcpConn == nil {
		return ErrBadSocket
	}
	return fn(tcpConn)
}

func (sock Socket) Info() (SocketInfo, error) {
	var info SocketInfo
	err := sock.with(func(tcpConn *conn) error {
		info = tcpConn.info()
		return nil
	})
	return info, err
}

// State reports CLOSED for a freed socket.
func (sock Socket) State() State {
	state := CLOSED
	sock.with(func(tcpConn *conn) error {
		state = tcpConn.state
		return nil
	})
	return state
}

// VBind assigns the local port; 0 picks an ephemeral one.
func (sock Socket) VBind(port uint16) error {
	return sock.with(func(tcpConn *conn) error {
		stack := tcpConn.stack
		if tcpConn.state != INIT {
			return ErrInvalidState
		}
		if port == 0 {
			ephemeral, ok := stack.ephemeralPort()
			if !ok {
				return ErrPortInUse
			}
			port = ephemeral
		} else if stack.portInUse(port) {
			return ErrPortInUse
		}
		tcpConn.tuple = FourTuple{srcAddr: stack.IP, srcPort: port}
		stack.index(tcpConn)
		tcpConn.state = BIND
		return nil
	})
}

// VListen starts accepting connections. backlog <= 0 uses the stack default.
func (sock Socket) VListen(backlog int) error {
	return sock.with(func(tcpConn *conn) error {
		cfg := tcpConn.stack.cfg
		if tcpConn.state != BIND {
			return ErrInvalidState
		}
		if backlog <= 0 {
			backlog = cfg.DefaultBacklog
		}
		tcpConn.backlog = min(backlog, cfg.MaxBacklog)
		tcpConn.state = LISTEN
		tcpConn.logger().Info("listening", zap.Uint16("port", tcpConn.tuple.srcPort))
		return nil
	})
}

// VConnect sends a SYN and returns immediately. The SYN is resent every
// SynRetryInterval while the socket stays in SYN_SENT.
func (sock Socket) VConnect(remoteAddr netip.Addr, remotePort uint16) error {
	return sock.with(func(tcpConn *conn) error {
		stack := tcpConn.stack
		if tcpConn.state != BIND {
			return ErrInvalidState
		}
		fourTuple := FourTuple{
			remotePort: remotePort,
			remoteAddr: remoteAddr,
			srcPort:    tcpConn.tuple.srcPort,
			srcAddr:    tcpConn.tuple.srcAddr,
		}
		if stack.lookup(fourTuple) != nil {
			return ErrPortInUse
		}
		stack.unindex(tcpConn)
		tcpConn.tuple = fourTuple
		stack.index(tcpConn)

		// Select random 32-bit integer for sequence number
		isn := stack.cfg.ISN()
		tcpConn.sendBase = isn
		tcpConn.nextSeq = isn
		tcpConn.sndMax = isn
		tcpConn.state = SYN_SENT

		tcpConn.sendSegment(SYN, nil)
		tcpConn.armSynRetry()
		return nil
	})
}

// VAccept pops the oldest established connection. It never blocks; with
// nothing pending it returns ErrNoPending.
func (sock Socket) VAccept() (Socket, error) {
	var accepted Socket
	err := sock.with(func(listenConn *conn) error {
		if listenConn.state != LISTEN {
			return ErrInvalidState
		}
		for len(listenConn.pending) > 0 {
			ref := listenConn.pending[0]
			listenConn.pending = listenConn.pending[1:]
			if child := listenConn.stack.resolve(ref); child != nil {
				accepted = listenConn.stack.handle(child)
				return nil
			}
		}
		return ErrNoPending
	})
	return accepted, err
}

// VRead copies up to maxBytes of received data into buf. It returns 0 and
// no error when nothing is buffered, and io.EOF once the connection is
// shutting down with nothing left to read or send; that call also frees the
// socket.
func (sock Socket) VRead(buf []byte, maxBytes int) (int, error) {
	bytesRead := 0
	err := sock.with(func(tcpConn *conn) error {
		if tcpConn.state != ESTABLISHED && tcpConn.state != SHUTDOWN {
			return ErrInvalidState
		}

		data := tcpConn.RecvBuf.Get(0, min(maxBytes, len(buf)))
		bytesRead = copy(buf, data)
		tcpConn.RecvBuf.Advance(bytesRead)
		if bytesRead > 0 {
			return nil
		}

		if tcpConn.state == SHUTDOWN && tcpConn.SendBuf.Size() == 0 && tcpConn.RecvBuf.Size() == 0 {
			tcpConn.finish()
			return io.EOF
		}
		return nil
	})
	return bytesRead, err
}

// VWrite buffers as much of data as fits and returns how much that was.
func (sock Socket) VWrite(data []byte) (int, error) {
	bytesWritten := 0
	err := sock.with(func(tcpConn *conn) error {
		if tcpConn.state != ESTABLISHED {
			return ErrInvalidState
		}
		bytesWritten = tcpConn.SendBuf.Put(data)
		tcpConn.sendData()
		return nil
	})
	return bytesWritten, err
}

// VClose closes gracefully. An established connection moves to SHUTDOWN and
// is freed after its data has been acknowledged and the FIN sent; a socket
// that never connected is freed at once.
func (sock Socket) VClose() error {
	return sock.with(func(tcpConn *conn) error {
		switch tcpConn.state {
		case INIT, BIND, LISTEN, SYN_SENT:
			tcpConn.stack.free(tcpConn)
		case ESTABLISHED:
			tcpConn.state = SHUTDOWN
			tcpConn.localClosed = true
			tcpConn.sendData()
		case SHUTDOWN:
			if tcpConn.localClosed {
				return nil
			}
			// The peer already left and nobody will read what is left
			tcpConn.localClosed = true
			tcpConn.RecvBuf.Reset()
			tcpConn.sendData()
		}
		return nil
	})
}

// VRelease aborts: one best-effort FIN and the slot is freed regardless of
// buffered data.
func (sock Socket) VRelease() error {
	return sock.with(func(tcpConn *conn) error {
		switch tcpConn.state {
		case SYN_SENT, ESTABLISHED, SHUTDOWN:
			tcpConn.sendSegment(FIN, nil)
		}
		tcpConn.stack.free(tcpConn)
		return nil
	})
}
