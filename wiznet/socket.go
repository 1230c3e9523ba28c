package wiznet

import (
	"encoding/binary"
	"net/netip"
)

// commandSpins bounds the busy wait for Sn_CR to be accepted by the controller.
const commandSpins = 1000

// SocketStatus reads Sn_SR.
func (d *Device) SocketStatus(sn uint8) SocketStatus {
	if sn >= NumSockets {
		return StatusClosed
	}
	return SocketStatus(d.read8(regSnSR, blockSocket(sn)))
}

// OpenSocket closes sn and re-opens it with the given protocol, local port
// and mode flags. For multicast, SetDestination must be called first.
func (d *Device) OpenSocket(sn uint8, proto Protocol, port uint16, flags Flag) error {
	if sn >= NumSockets {
		return ErrInvalidSocket
	} else if port == 0 {
		return ErrPortZero
	}
	d.Close(sn)
	d.write8(regSnMR, blockSocket(sn), uint8(proto)|uint8(flags))
	d.write16(regSnPORT, blockSocket(sn), port)
	d.command(sn, cmdOpen)
	for i := 0; d.SocketStatus(sn) == StatusClosed; i++ {
		if i > commandSpins {
			return ErrSocketClosed
		}
	}
	return nil
}

// Connect issues a TCP CONNECT to raddr and returns immediately. The caller
// polls SocketStatus for StatusEstablished (connected) or StatusClosed
// (refused or timed out).
func (d *Device) Connect(sn uint8, raddr netip.AddrPort) error {
	if sn >= NumSockets {
		return ErrInvalidSocket
	} else if d.SocketStatus(sn) != StatusInit {
		return ErrSocketClosed
	}
	addr := raddr.Addr()
	if !addr.Is4() || addr.IsUnspecified() || raddr.Port() == 0 {
		return ErrPortZero
	}
	d.SetDestination(sn, raddr)
	d.command(sn, cmdConnect)
	return nil
}

// Listen puts an opened TCP socket into LISTEN.
func (d *Device) Listen(sn uint8) error {
	if sn >= NumSockets {
		return ErrInvalidSocket
	} else if d.SocketStatus(sn) != StatusInit {
		return ErrSocketClosed
	}
	d.command(sn, cmdListen)
	if d.SocketStatus(sn) != StatusListen {
		d.Close(sn)
		return ErrSocketClosed
	}
	return nil
}

// Disconnect sends a FIN on a TCP socket. It does not wait for the peer.
func (d *Device) Disconnect(sn uint8) error {
	if sn >= NumSockets {
		return ErrInvalidSocket
	}
	d.command(sn, cmdDiscon)
	return nil
}

// Close unconditionally closes sn, discarding buffered data.
func (d *Device) Close(sn uint8) error {
	if sn >= NumSockets {
		return ErrInvalidSocket
	}
	d.command(sn, cmdClose)
	d.write8(regSnIR, blockSocket(sn), 0xff)
	d.sending[sn] = false
	for i := 0; d.SocketStatus(sn) != StatusClosed && i < commandSpins; i++ {
	}
	return nil
}

// Send copies as much of p as fits in the TX buffer and issues SEND. It
// returns ErrBusy while the previous SEND is still in progress or the buffer
// is full.
func (d *Device) Send(sn uint8, p []byte) (int, error) {
	if sn >= NumSockets {
		return 0, ErrInvalidSocket
	} else if !d.SocketStatus(sn).CanRecv() {
		return 0, ErrSocketClosed
	} else if len(p) == 0 {
		return 0, nil
	}
	if err := d.sendDone(sn); err != nil {
		return 0, err
	}
	free := int(d.TxFree(sn))
	if free == 0 {
		return 0, ErrBusy
	}
	n := min(len(p), free)
	d.writeTx(sn, p[:n])
	return n, nil
}

// Recv copies received TCP data into p. It returns ErrBusy if the socket is
// open and no data is pending, ErrSocketClosed if the socket can no longer
// receive.
func (d *Device) Recv(sn uint8, p []byte) (int, error) {
	if sn >= NumSockets {
		return 0, ErrInvalidSocket
	}
	st := d.SocketStatus(sn)
	rsr := int(d.RxSize(sn))
	if rsr == 0 {
		if !st.CanRecv() {
			return 0, ErrSocketClosed
		}
		return 0, ErrBusy
	}
	n := min(len(p), rsr)
	ptr := d.read16(regSnRXRD, blockSocket(sn))
	d.read(ptr, blockRx(sn), p[:n])
	d.write16(regSnRXRD, blockSocket(sn), ptr+uint16(n))
	d.command(sn, cmdRecv)
	return n, nil
}

// SendTo queues one UDP datagram to raddr. Datagrams larger than the TX
// buffer are truncated to it.
func (d *Device) SendTo(sn uint8, p []byte, raddr netip.AddrPort) (int, error) {
	if sn >= NumSockets {
		return 0, ErrInvalidSocket
	} else if d.SocketStatus(sn) != StatusUDP {
		return 0, ErrSocketClosed
	} else if len(p) == 0 || !raddr.Addr().Is4() || raddr.Port() == 0 {
		return 0, ErrDataLen
	}
	if err := d.sendDone(sn); err != nil {
		return 0, err
	}
	n := min(len(p), int(d.txmax[sn]))
	if int(d.TxFree(sn)) < n {
		return 0, ErrBusy
	}
	d.SetDestination(sn, raddr)
	d.writeTx(sn, p[:n])
	return n, nil
}

// RecvFrom pops one datagram from the RX buffer. If p is shorter than the
// datagram the remainder is discarded.
func (d *Device) RecvFrom(sn uint8, p []byte) (int, netip.AddrPort, error) {
	if sn >= NumSockets {
		return 0, netip.AddrPort{}, ErrInvalidSocket
	} else if d.SocketStatus(sn) != StatusUDP {
		return 0, netip.AddrPort{}, ErrSocketClosed
	} else if d.RxSize(sn) == 0 {
		return 0, netip.AddrPort{}, ErrBusy
	}
	var hdr [UDPHeaderLen]byte
	ptr := d.read16(regSnRXRD, blockSocket(sn))
	d.read(ptr, blockRx(sn), hdr[:])
	ptr += UDPHeaderLen
	from := netip.AddrPortFrom(netip.AddrFrom4([4]byte(hdr[:4])), binary.BigEndian.Uint16(hdr[4:6]))
	dlen := binary.BigEndian.Uint16(hdr[6:8])
	n := min(len(p), int(dlen))
	if n > 0 {
		d.read(ptr, blockRx(sn), p[:n])
	}
	d.write16(regSnRXRD, blockSocket(sn), ptr+dlen)
	d.command(sn, cmdRecv)
	return n, from, nil
}

// RxSize returns Sn_RX_RSR, the received byte count including UDP headers.
func (d *Device) RxSize(sn uint8) int {
	return int(d.readStable16(regSnRXRSR, blockSocket(sn)))
}

// TxFree returns Sn_TX_FSR, the free space in the TX buffer.
func (d *Device) TxFree(sn uint8) int {
	return int(d.readStable16(regSnTXFSR, blockSocket(sn)))
}

// TxMax returns the size of the TX buffer of sn.
func (d *Device) TxMax(sn uint8) int {
	if sn >= NumSockets {
		return 0
	}
	return int(d.txmax[sn])
}

// RemoteAddr reads the destination registers, which hold the peer address
// of a connected TCP socket.
func (d *Device) RemoteAddr(sn uint8) netip.AddrPort {
	var b [6]byte
	d.read(regSnDIPR, blockSocket(sn), b[:4])
	d.read(regSnDPORT, blockSocket(sn), b[4:6])
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[:4])), binary.BigEndian.Uint16(b[4:6]))
}

// SetDestination writes Sn_DIPR and Sn_DPORT.
func (d *Device) SetDestination(sn uint8, raddr netip.AddrPort) {
	ip := As4(raddr.Addr())
	d.write(regSnDIPR, blockSocket(sn), ip[:])
	d.write16(regSnDPORT, blockSocket(sn), raddr.Port())
}

// sendDone reports ErrBusy while a previous SEND has not completed and
// acknowledges its completion otherwise.
func (d *Device) sendDone(sn uint8) error {
	if !d.sending[sn] {
		return nil
	}
	ir := d.read8(regSnIR, blockSocket(sn))
	switch {
	case ir&irSendOK != 0:
		d.write8(regSnIR, blockSocket(sn), irSendOK)
	case ir&irTimeout != 0:
		d.write8(regSnIR, blockSocket(sn), irTimeout)
		d.sending[sn] = false
		return ErrTimeout
	default:
		return ErrBusy
	}
	d.sending[sn] = false
	return nil
}

func (d *Device) writeTx(sn uint8, p []byte) {
	ptr := d.read16(regSnTXWR, blockSocket(sn))
	d.write(ptr, blockTx(sn), p)
	d.write16(regSnTXWR, blockSocket(sn), ptr+uint16(len(p)))
	d.command(sn, cmdSend)
	d.sending[sn] = true
}

func (d *Device) command(sn uint8, cmd uint8) {
	d.write8(regSnCR, blockSocket(sn), cmd)
	for i := 0; d.read8(regSnCR, blockSocket(sn)) != 0 && i < commandSpins; i++ {
	}
}
