package isoeth

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/isoeth/wiznet"
)

// UDPConn is a UDP socket on one hardware socket slot. It has a packet
// buffer used both to assemble outgoing packets (BeginPacket, Write,
// EndPacket) and to hold the last packet received with ParsePacket.
// SendPacket and ReceivePacket bypass the buffer. Methods are safe for
// concurrent use.
type UDPConn struct {
	e  *Engine
	mu sync.Mutex
	// Fields below guarded by mu.
	sock  slot
	port  uint16
	buf   []byte
	off   int
	end   int
	wlen  int
	dst   netip.AddrPort
	raddr netip.AddrPort
	group netip.Addr
}

// NewUDPConn returns a closed UDP socket with the engine's default packet
// buffer size. An open UDPConn occupies one of the controller's 8 slots.
func (e *Engine) NewUDPConn() *UDPConn {
	return &UDPConn{e: e, buf: make([]byte, e.udpbufsize)}
}

// Begin stops the socket and opens it on the local port. A zero port
// selects an ephemeral port.
func (c *UDPConn) Begin(port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop()
	e := c.e
	e.chip.Lock()
	s, err := e.pool.open(wiznet.ProtocolUDP, port, 0)
	if err == nil {
		port = e.pool.localPort(s)
	}
	e.chip.Unlock()
	if err != nil {
		return err
	}
	c.sock = s
	c.port = port
	e.trace("udp:begin", slog.Int("slot", int(s.sn)), slog.Uint64("port", uint64(port)))
	return nil
}

// LocalPort returns the port passed to the last Begin.
func (c *UDPConn) LocalPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// RemoteAddr returns the source address of the last received packet.
func (c *UDPConn) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raddr
}

// Group returns the multicast group joined, if any.
func (c *UDPConn) Group() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// BeginPacket starts assembling a packet to raddr in the packet buffer.
func (c *UDPConn) BeginPacket(raddr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock.isZero() {
		return ErrNotConnected
	}
	c.dst = raddr
	c.wlen = 0
	c.off, c.end = 0, 0
	return nil
}

// BeginPacketHost resolves host with [Engine.Resolve] and starts a packet to it.
func (c *UDPConn) BeginPacketHost(host string, port uint16) error {
	addr, err := c.e.Resolve(host, 0)
	if err != nil {
		return err
	}
	return c.BeginPacket(netip.AddrPortFrom(addr, port))
}

// Write appends p to the packet being assembled. Bytes past the buffer's
// capacity are dropped and io.ErrShortWrite returned; the truncated packet
// can still be sent with EndPacket.
func (c *UDPConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(c.buf[c.wlen:], p)
	c.wlen += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// WriteByte appends b to the packet being assembled.
func (c *UDPConn) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

// EndPacket sends the assembled packet and waits for the controller to
// finish sending it.
func (c *UDPConn) EndPacket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.sendPacket(c.buf[:c.wlen], c.dst)
	c.wlen = 0
	if err != nil {
		return err
	}
	return c.flush()
}

// SendPacket sends p as one datagram to raddr without using the packet
// buffer. Datagrams larger than the controller's TX buffer are truncated.
func (c *UDPConn) SendPacket(p []byte, raddr netip.AddrPort) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendPacket(p, raddr)
}

func (c *UDPConn) sendPacket(p []byte, raddr netip.AddrPort) (int, error) {
	e := c.e
	if c.sock.isZero() {
		return 0, ErrNotConnected
	}
	start := time.Now()
	for {
		var n int
		var err error
		e.chip.Lock()
		if e.pool.valid(c.sock) {
			n, err = e.chip.SendTo(c.sock.sn, p, raddr)
		} else {
			err = ErrSocketInvalidated
		}
		e.chip.Unlock()
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, wiznet.ErrTimeout):
			// Previous datagram could not be delivered, ours may still be.
			e.debug("udp:send-timeout", slog.Int("slot", int(c.sock.sn)))
			continue
		case !errors.Is(err, wiznet.ErrBusy):
			return 0, err
		case time.Since(start) >= e.sendTimeout:
			return 0, ErrWriteTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// flush waits until the controller's TX buffer is empty.
func (c *UDPConn) flush() error {
	e := c.e
	start := time.Now()
	for {
		e.chip.Lock()
		drained := !e.pool.valid(c.sock) || e.chip.TxFree(c.sock.sn) == e.chip.TxMax(c.sock.sn)
		e.chip.Unlock()
		if drained {
			return nil
		} else if time.Since(start) >= e.sendTimeout {
			return ErrWriteTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// ReceivePacket copies the next datagram into p, discarding the part that
// does not fit, and records its source for RemoteAddr. It polls for up to
// timeout; a zero timeout checks once. It returns (0, nil) if no datagram
// arrived and [ErrSocketInvalidated] if the socket is not open.
func (c *UDPConn) ReceivePacket(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivePacket(p, timeout)
}

func (c *UDPConn) receivePacket(p []byte, timeout time.Duration) (int, error) {
	e := c.e
	start := time.Now()
	for {
		var n int
		var from netip.AddrPort
		var err error
		e.chip.Lock()
		switch {
		case !e.pool.valid(c.sock) || e.chip.SocketStatus(c.sock.sn) != wiznet.StatusUDP:
			err = ErrSocketInvalidated
		case e.chip.RxSize(c.sock.sn) > 0:
			n, from, err = e.chip.RecvFrom(c.sock.sn, p)
		default:
			err = wiznet.ErrBusy
		}
		e.chip.Unlock()
		if err == nil {
			c.raddr = from
			return n, nil
		} else if !errors.Is(err, wiznet.ErrBusy) {
			return 0, err
		} else if time.Since(start) >= timeout {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// ParsePacket discards the packet buffer's contents and receives the next
// datagram into it. It returns the datagram's length, truncated to the
// buffer. See ReceivePacket.
func (c *UDPConn) ParsePacket(timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.off, c.end, c.wlen = 0, 0, 0
	n, err := c.receivePacket(c.buf, timeout)
	c.end = n
	return n, err
}

// Available returns the number of unread bytes of the parsed packet.
func (c *UDPConn) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.end - c.off
}

// Read reads from the parsed packet. It returns io.EOF once it is consumed.
func (c *UDPConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.off == c.end {
		return 0, io.EOF
	}
	n := copy(p, c.buf[c.off:c.end])
	c.off += n
	return n, nil
}

// ReadByte reads one byte from the parsed packet.
func (c *UDPConn) ReadByte() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.off == c.end {
		return 0, ErrNoData
	}
	b := c.buf[c.off]
	c.off++
	return b, nil
}

// Peek returns the next byte of the parsed packet without consuming it.
func (c *UDPConn) Peek() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.off == c.end {
		return 0, ErrNoData
	}
	return c.buf[c.off], nil
}

// JoinMulticast re-opens the socket as a member of group on the same local
// port. The socket must be open. The controller supports one group per
// socket: joining replaces any previous membership.
func (c *UDPConn) JoinMulticast(group netip.Addr) error {
	if !group.Is4() || !group.IsMulticast() {
		return errors.New("isoeth: not an IPv4 multicast group")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock.isZero() {
		return ErrNotConnected
	}
	e := c.e
	e.chip.Lock()
	defer e.chip.Unlock()
	e.pool.release(c.sock)
	c.sock = slot{}
	c.group = netip.Addr{}
	c.off, c.end, c.wlen = 0, 0, 0
	sn, ok := e.pool.allocate()
	if !ok {
		return ErrSlotExhausted
	}
	// Multicast group is selected by the destination registers at OPEN.
	e.chip.SetDestination(sn, netip.AddrPortFrom(group, c.port))
	s, err := e.pool.openAt(sn, wiznet.ProtocolUDP, c.port, wiznet.FlagMulticast)
	if err != nil {
		return err
	}
	c.sock = s
	c.group = group
	e.debug("udp:join", slog.Int("slot", int(sn)), slog.String("group", group.String()))
	return nil
}

// LeaveMulticast re-opens the socket as unicast on the same local port. The
// socket must be open.
func (c *UDPConn) LeaveMulticast(group netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock.isZero() {
		return ErrNotConnected
	}
	e := c.e
	port := c.port
	c.stop()
	e.chip.Lock()
	s, err := e.pool.open(wiznet.ProtocolUDP, port, 0)
	e.chip.Unlock()
	if err != nil {
		return err
	}
	c.sock = s
	c.port = port
	e.debug("udp:leave", slog.Int("slot", int(s.sn)), slog.String("group", group.String()))
	return nil
}

// Stop closes the socket and releases its slot. The packet buffer is kept.
func (c *UDPConn) Stop() {
	c.mu.Lock()
	c.stop()
	c.mu.Unlock()
}

func (c *UDPConn) stop() {
	if !c.sock.isZero() {
		c.e.chip.Lock()
		c.e.pool.release(c.sock)
		c.e.chip.Unlock()
	}
	c.sock = slot{}
	c.off, c.end, c.wlen = 0, 0, 0
	c.group = netip.Addr{}
}

// SetBuffer replaces the packet buffer with one of the given size,
// discarding its contents.
func (c *UDPConn) SetBuffer(size int) {
	c.mu.Lock()
	c.buf = make([]byte, size)
	c.off, c.end, c.wlen = 0, 0, 0
	c.mu.Unlock()
}

// ReleaseBuffer frees the packet buffer. Buffered writes are truncated to
// nothing until SetBuffer is called.
func (c *UDPConn) ReleaseBuffer() {
	c.mu.Lock()
	c.buf = nil
	c.off, c.end, c.wlen = 0, 0, 0
	c.mu.Unlock()
}

// Buffer returns the packet buffer's capacity.
func (c *UDPConn) Buffer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
