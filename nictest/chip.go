package nictest

import (
	"net/netip"

	"github.com/soypat/isoeth/wiznet"
)

const bufSize = wiznet.DefaultRxBufSize

// Chip is a simulated controller. Its socket methods mirror those of
// [wiznet.Device] and, as with the hardware, must be called between Lock
// and Unlock. Methods documented as test helpers lock by themselves.
type Chip struct {
	net   *Network
	link  bool
	ni    wiznet.NetInfo
	socks [wiznet.NumSockets]simSocket
	recvs int
	opens int
}

type simSocket struct {
	chip   *Chip
	sn     uint8
	proto  wiznet.Protocol
	flags  wiznet.Flag
	status wiznet.SocketStatus
	port   uint16
	// dst holds the destination registers. They survive CLOSE.
	dst    netip.AddrPort
	rx     []byte
	dgrams []datagram
	// rxlen counts queued datagram bytes including their 8 byte headers.
	rxlen int
	tx    []byte
	peer  *simSocket
}

func (c *Chip) Lock()   { c.net.mu.Lock() }
func (c *Chip) Unlock() { c.net.mu.Unlock() }

func (c *Chip) PhyLink() bool { return c.link }

func (c *Chip) SetNetInfo(ni wiznet.NetInfo) { c.ni = ni }

func (c *Chip) SocketStatus(sn uint8) wiznet.SocketStatus {
	if sn >= wiznet.NumSockets {
		return wiznet.StatusClosed
	}
	return c.socks[sn].status
}

func (c *Chip) OpenSocket(sn uint8, proto wiznet.Protocol, port uint16, flags wiznet.Flag) error {
	if sn >= wiznet.NumSockets {
		return wiznet.ErrInvalidSocket
	} else if port == 0 {
		return wiznet.ErrPortZero
	}
	s := &c.socks[sn]
	s.close()
	switch proto {
	case wiznet.ProtocolTCP:
		s.status = wiznet.StatusInit
	case wiznet.ProtocolUDP:
		s.status = wiznet.StatusUDP
	case wiznet.ProtocolMACRaw:
		s.status = wiznet.StatusMACRaw
	default:
		return wiznet.ErrSocketClosed
	}
	s.proto = proto
	s.flags = flags
	s.port = port
	c.opens++
	return nil
}

// Connect starts a TCP handshake. It completes immediately if a chip on the
// network holds raddr's address and listens on its port, and is refused if
// the chip exists but does not listen. Otherwise the socket stays in
// SYN_SENT.
func (c *Chip) Connect(sn uint8, raddr netip.AddrPort) error {
	if sn >= wiznet.NumSockets {
		return wiznet.ErrInvalidSocket
	}
	s := &c.socks[sn]
	if s.status != wiznet.StatusInit {
		return wiznet.ErrSocketClosed
	}
	addr := raddr.Addr()
	if !addr.Is4() || addr.IsUnspecified() || raddr.Port() == 0 {
		return wiznet.ErrPortZero
	}
	s.dst = raddr
	s.status = wiznet.StatusSynSent
	if !c.link {
		return nil
	}
	remote := c.net.chipByAddr(addr)
	if remote == nil {
		return nil
	}
	l := remote.listener(raddr.Port())
	if l == nil {
		s.status = wiznet.StatusClosed
		return nil
	}
	l.status = wiznet.StatusEstablished
	s.status = wiznet.StatusEstablished
	l.peer, s.peer = s, l
	l.dst = netip.AddrPortFrom(c.ni.IP, s.port)
	return nil
}

func (c *Chip) Listen(sn uint8) error {
	if sn >= wiznet.NumSockets {
		return wiznet.ErrInvalidSocket
	}
	s := &c.socks[sn]
	if s.status != wiznet.StatusInit {
		return wiznet.ErrSocketClosed
	}
	s.status = wiznet.StatusListen
	return nil
}

// Disconnect sends a FIN. The peer moves to CLOSE_WAIT; if the peer had
// already sent its FIN both sockets close.
func (c *Chip) Disconnect(sn uint8) error {
	if sn >= wiznet.NumSockets {
		return wiznet.ErrInvalidSocket
	}
	s := &c.socks[sn]
	s.pump()
	p := s.peer
	switch s.status {
	case wiznet.StatusEstablished:
		s.status = wiznet.StatusFinWait
		if p != nil && p.status == wiznet.StatusEstablished {
			p.status = wiznet.StatusCloseWait
		}
	case wiznet.StatusCloseWait:
		s.status = wiznet.StatusClosed
		s.peer = nil
		if p != nil {
			p.peer = nil
			if p.status == wiznet.StatusFinWait {
				p.status = wiznet.StatusClosed
			}
		}
	case wiznet.StatusFinWait:
	default:
		s.status = wiznet.StatusClosed
	}
	return nil
}

func (c *Chip) Close(sn uint8) error {
	if sn >= wiznet.NumSockets {
		return wiznet.ErrInvalidSocket
	}
	c.socks[sn].close()
	return nil
}

func (c *Chip) Send(sn uint8, p []byte) (int, error) {
	if sn >= wiznet.NumSockets {
		return 0, wiznet.ErrInvalidSocket
	}
	s := &c.socks[sn]
	if !s.status.CanRecv() {
		return 0, wiznet.ErrSocketClosed
	} else if len(p) == 0 {
		return 0, nil
	}
	free := bufSize - len(s.tx)
	if free == 0 {
		return 0, wiznet.ErrBusy
	}
	n := min(len(p), free)
	s.tx = append(s.tx, p[:n]...)
	s.pump()
	return n, nil
}

func (c *Chip) Recv(sn uint8, p []byte) (int, error) {
	if sn >= wiznet.NumSockets {
		return 0, wiznet.ErrInvalidSocket
	}
	c.recvs++
	s := &c.socks[sn]
	if len(s.rx) == 0 {
		if !s.status.CanRecv() {
			return 0, wiznet.ErrSocketClosed
		}
		return 0, wiznet.ErrBusy
	}
	n := copy(p, s.rx)
	s.rx = append(s.rx[:0], s.rx[n:]...)
	if s.peer != nil {
		s.peer.pump()
	}
	return n, nil
}

// SendTo delivers a datagram to every matching socket and service on the
// network. Datagrams are dropped while the link is down.
func (c *Chip) SendTo(sn uint8, p []byte, raddr netip.AddrPort) (int, error) {
	if sn >= wiznet.NumSockets {
		return 0, wiznet.ErrInvalidSocket
	}
	s := &c.socks[sn]
	if s.status != wiznet.StatusUDP {
		return 0, wiznet.ErrSocketClosed
	} else if len(p) == 0 || !raddr.Addr().Is4() || raddr.Port() == 0 {
		return 0, wiznet.ErrDataLen
	}
	n := min(len(p), bufSize)
	if !c.link {
		return n, nil
	}
	c.net.route(datagram{
		src:  c,
		from: netip.AddrPortFrom(c.ni.IP, s.port),
		to:   raddr,
		data: append([]byte(nil), p[:n]...),
	})
	return n, nil
}

func (c *Chip) RecvFrom(sn uint8, p []byte) (int, netip.AddrPort, error) {
	if sn >= wiznet.NumSockets {
		return 0, netip.AddrPort{}, wiznet.ErrInvalidSocket
	}
	s := &c.socks[sn]
	if s.status != wiznet.StatusUDP {
		return 0, netip.AddrPort{}, wiznet.ErrSocketClosed
	} else if len(s.dgrams) == 0 {
		return 0, netip.AddrPort{}, wiznet.ErrBusy
	}
	d := s.dgrams[0]
	s.dgrams = s.dgrams[1:]
	s.rxlen -= wiznet.UDPHeaderLen + len(d.data)
	return copy(p, d.data), d.from, nil
}

func (c *Chip) RxSize(sn uint8) int {
	if sn >= wiznet.NumSockets {
		return 0
	}
	s := &c.socks[sn]
	if s.proto == wiznet.ProtocolUDP {
		return s.rxlen
	}
	return len(s.rx)
}

func (c *Chip) TxFree(sn uint8) int {
	if sn >= wiznet.NumSockets {
		return 0
	}
	return bufSize - len(c.socks[sn].tx)
}

func (c *Chip) TxMax(sn uint8) int {
	if sn >= wiznet.NumSockets {
		return 0
	}
	return bufSize
}

func (c *Chip) RemoteAddr(sn uint8) netip.AddrPort {
	if sn >= wiznet.NumSockets {
		return netip.AddrPort{}
	}
	return c.socks[sn].dst
}

func (c *Chip) SetDestination(sn uint8, raddr netip.AddrPort) {
	if sn < wiznet.NumSockets {
		c.socks[sn].dst = raddr
	}
}

// SetLink sets the PHY link state. Test helper.
func (c *Chip) SetLink(up bool) {
	c.Lock()
	c.link = up
	c.Unlock()
}

// NetInfo returns the network configuration last written. Test helper.
func (c *Chip) NetInfo() wiznet.NetInfo {
	c.Lock()
	defer c.Unlock()
	return c.ni
}

// Status returns the status of slot sn. Test helper.
func (c *Chip) Status(sn uint8) wiznet.SocketStatus {
	c.Lock()
	defer c.Unlock()
	return c.SocketStatus(sn)
}

// RecvCount returns the number of TCP receive operations performed, which
// on hardware are bus transactions. Test helper.
func (c *Chip) RecvCount() int {
	c.Lock()
	defer c.Unlock()
	return c.recvs
}

// OpenCount returns the number of sockets opened. Test helper.
func (c *Chip) OpenCount() int {
	c.Lock()
	defer c.Unlock()
	return c.opens
}

// Abort closes slot sn as the controller does on a retransmission timeout,
// without notifying its owner. Test helper.
func (c *Chip) Abort(sn uint8) {
	c.Lock()
	c.socks[sn].close()
	c.Unlock()
}

// listener returns a socket listening on port. Called with the network lock held.
func (c *Chip) listener(port uint16) *simSocket {
	for i := range c.socks {
		s := &c.socks[i]
		if s.status == wiznet.StatusListen && s.port == port {
			return s
		}
	}
	return nil
}

// close resets the socket. A connected peer sees the connection closed.
func (s *simSocket) close() {
	if p := s.peer; p != nil {
		p.peer = nil
		switch p.status {
		case wiznet.StatusEstablished:
			p.status = wiznet.StatusCloseWait
		case wiznet.StatusFinWait:
			p.status = wiznet.StatusClosed
		}
	}
	dst := s.dst
	*s = simSocket{chip: s.chip, sn: s.sn, dst: dst}
}

// pump moves sent bytes into the peer's receive buffer as space allows.
func (s *simSocket) pump() {
	p := s.peer
	if p == nil || len(s.tx) == 0 {
		return
	}
	k := min(bufSize-len(p.rx), len(s.tx))
	if k <= 0 {
		return
	}
	p.rx = append(p.rx, s.tx[:k]...)
	s.tx = append(s.tx[:0], s.tx[k:]...)
}

// accepts reports whether d is addressed to this socket.
func (s *simSocket) accepts(d datagram) bool {
	if s.status != wiznet.StatusUDP || d.src == s.chip || s.port != d.to.Port() {
		return false
	}
	dst := d.to.Addr()
	if s.flags&wiznet.FlagMulticast != 0 {
		return dst == s.dst.Addr()
	}
	return isBroadcast(dst) || (dst == s.chip.ni.IP && dst.IsValid())
}

func (s *simSocket) deliver(d datagram) {
	size := wiznet.UDPHeaderLen + len(d.data)
	if s.rxlen+size > bufSize {
		return // Dropped, RX buffer full.
	}
	s.dgrams = append(s.dgrams, d)
	s.rxlen += size
}
