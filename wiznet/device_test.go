package wiznet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/soypat/seqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus emulates the W5500 register file and the subset of Sn_CR command
// behaviour the driver depends on.
type fakeBus struct {
	common [0x40]byte
	sock   [NumSockets][0x30]byte
	tx     [NumSockets][DefaultTxBufSize]byte
	rx     [NumSockets][DefaultRxBufSize]byte
	// sent holds payloads of completed SEND commands per socket.
	sent [NumSockets][][]byte
	// holdSend suppresses SENDOK after SEND.
	holdSend bool

	inTx     bool
	selected bool
	hdr      []byte
	addr     uint16
	// rxWr is the emulated Sn_RX_WR.
	rxWr [NumSockets]uint16
}

func newFakeBus() *fakeBus {
	b := &fakeBus{}
	b.common[regVERSION] = chipVersion
	b.common[regPHYCFGR] = phyLinkOn | phyRSTn
	for sn := range b.sock {
		binary.BigEndian.PutUint16(b.sock[sn][regSnTXFSR:], DefaultTxBufSize)
	}
	return b
}

func (b *fakeBus) BeginTransaction() { b.inTx = true }
func (b *fakeBus) EndTransaction()   { b.inTx = false }
func (b *fakeBus) Select()           { b.selected = true; b.hdr = b.hdr[:0] }
func (b *fakeBus) Deselect()         { b.selected = false }

func (b *fakeBus) WriteReg(v byte) { b.WriteBurst([]byte{v}) }
func (b *fakeBus) ReadReg() byte {
	var v [1]byte
	b.ReadBurst(v[:])
	return v[0]
}

func (b *fakeBus) WriteBurst(p []byte) {
	if !b.inTx || !b.selected {
		panic("bus access outside transaction")
	}
	for _, v := range p {
		if len(b.hdr) < 3 {
			b.hdr = append(b.hdr, v)
			b.addr = binary.BigEndian.Uint16(b.hdr[:2])
			continue
		}
		b.store(v)
		b.addr++
	}
}

func (b *fakeBus) ReadBurst(p []byte) {
	if !b.inTx || !b.selected || len(b.hdr) != 3 {
		panic("bad read frame")
	}
	for i := range p {
		p[i] = *b.cell()
		b.addr++
	}
}

func (b *fakeBus) block() (blk, sn uint8) {
	ctl := b.hdr[2] >> 3
	return ctl & 0x3, ctl >> 2
}

func (b *fakeBus) cell() *byte {
	blk, sn := b.block()
	switch {
	case blk == 0 && sn == 0:
		return &b.common[b.addr%uint16(len(b.common))]
	case blk == 1:
		return &b.sock[sn][b.addr%uint16(len(b.sock[sn]))]
	case blk == 2:
		return &b.tx[sn][b.addr%DefaultTxBufSize]
	default:
		return &b.rx[sn][b.addr%DefaultRxBufSize]
	}
}

func (b *fakeBus) store(v byte) {
	blk, sn := b.block()
	switch {
	case blk == 0 && b.addr == regMR:
		b.common[regMR] = v &^ mrReset
	case blk == 1 && b.addr == regSnCR:
		b.command(sn, v)
	case blk == 1 && b.addr == regSnIR:
		b.sock[sn][regSnIR] &^= v
	default:
		*b.cell() = v
	}
}

func (b *fakeBus) reg16(sn uint8, addr uint16) uint16 {
	return binary.BigEndian.Uint16(b.sock[sn][addr:])
}

func (b *fakeBus) setReg16(sn uint8, addr, v uint16) {
	binary.BigEndian.PutUint16(b.sock[sn][addr:], v)
}

func (b *fakeBus) command(sn, cmd uint8) {
	s := &b.sock[sn]
	switch cmd {
	case cmdOpen:
		switch Protocol(s[regSnMR] & 0x0f) {
		case ProtocolTCP:
			s[regSnSR] = byte(StatusInit)
		case ProtocolUDP:
			s[regSnSR] = byte(StatusUDP)
		}
	case cmdListen:
		s[regSnSR] = byte(StatusListen)
	case cmdConnect:
		s[regSnSR] = byte(StatusEstablished)
	case cmdDiscon, cmdClose:
		s[regSnSR] = byte(StatusClosed)
		b.setReg16(sn, regSnRXRSR, 0)
	case cmdSend:
		// TX_FSR stays constant: data leaves immediately.
		wr := b.reg16(sn, regSnTXWR)
		last := uint16(0)
		for _, p := range b.sent[sn] {
			last += uint16(len(p))
		}
		var p []byte
		for a := last; a != wr; a++ {
			p = append(p, b.tx[sn][a%DefaultTxBufSize])
		}
		b.sent[sn] = append(b.sent[sn], p)
		if !b.holdSend {
			s[regSnIR] |= irSendOK
		}
	case cmdRecv:
		b.setReg16(sn, regSnRXRSR, b.rxWr[sn]-b.reg16(sn, regSnRXRD))
	}
	s[regSnCR] = 0
}

// inject appends raw bytes to the RX buffer of sn.
func (b *fakeBus) inject(sn uint8, p []byte) {
	for _, v := range p {
		b.rx[sn][b.rxWr[sn]%DefaultRxBufSize] = v
		b.rxWr[sn]++
	}
	b.setReg16(sn, regSnRXRSR, b.rxWr[sn]-b.reg16(sn, regSnRXRD))
}

func (b *fakeBus) injectDatagram(sn uint8, from netip.AddrPort, payload []byte) {
	var hdr [UDPHeaderLen]byte
	ip := from.Addr().As4()
	copy(hdr[:4], ip[:])
	binary.BigEndian.PutUint16(hdr[4:], from.Port())
	binary.BigEndian.PutUint16(hdr[6:], uint16(len(payload)))
	b.inject(sn, append(hdr[:], payload...))
}

func newTestDevice(t *testing.T) (*Device, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	d := NewDevice(bus)
	d.Lock()
	t.Cleanup(d.Unlock)
	require.NoError(t, d.Init())
	return d, bus
}

func TestDeviceInit(t *testing.T) {
	d, bus := newTestDevice(t)
	assert.Equal(t, uint8(chipVersion), d.Version())
	assert.True(t, d.PhyLink())
	for sn := uint8(0); sn < NumSockets; sn++ {
		assert.Equal(t, byte(2), bus.sock[sn][regSnTXBUF])
		assert.Equal(t, byte(2), bus.sock[sn][regSnRXBUF])
		assert.Equal(t, DefaultTxBufSize, d.TxMax(sn))
	}

	bus.common[regVERSION] = 0x03
	require.Error(t, d.Init())
}

func TestDeviceNetInfo(t *testing.T) {
	d, bus := newTestDevice(t)
	want := NetInfo{
		MAC:        [6]byte{0x02, 1, 2, 3, 4, 5},
		IP:         netip.MustParseAddr("192.168.1.50"),
		SubnetMask: netip.MustParseAddr("255.255.255.0"),
		Gateway:    netip.MustParseAddr("192.168.1.1"),
		DNS:        netip.MustParseAddr("1.1.1.1"),
		DHCP:       true,
	}
	d.SetNetInfo(want)
	assert.Equal(t, want, d.NetInfo())
	assert.Equal(t, []byte{192, 168, 1, 50}, bus.common[regSIPR:regSIPR+4])
}

func TestDeviceOpenSocket(t *testing.T) {
	d, bus := newTestDevice(t)
	require.ErrorIs(t, d.OpenSocket(NumSockets, ProtocolUDP, 1, 0), ErrInvalidSocket)
	require.ErrorIs(t, d.OpenSocket(0, ProtocolUDP, 0, 0), ErrPortZero)

	require.NoError(t, d.OpenSocket(3, ProtocolUDP, 5353, FlagMulticast))
	assert.Equal(t, StatusUDP, d.SocketStatus(3))
	assert.Equal(t, byte(ProtocolUDP)|byte(FlagMulticast), bus.sock[3][regSnMR])
	assert.Equal(t, uint16(5353), bus.reg16(3, regSnPORT))

	require.NoError(t, d.Close(3))
	assert.Equal(t, StatusClosed, d.SocketStatus(3))
}

func TestDeviceUDP(t *testing.T) {
	d, bus := newTestDevice(t)
	raddr := netip.MustParseAddrPort("10.0.0.7:9000")
	require.NoError(t, d.OpenSocket(1, ProtocolUDP, 4000, 0))

	n, err := d.SendTo(1, []byte("hello"), raddr)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, bus.sent[1], 1)
	assert.Equal(t, "hello", string(bus.sent[1][0]))
	assert.Equal(t, raddr, d.RemoteAddr(1))

	_, err = d.SendTo(1, nil, raddr)
	require.ErrorIs(t, err, ErrDataLen)

	// RX path: one header per datagram, remainder of a short read discarded.
	from := netip.MustParseAddrPort("10.0.0.9:53")
	bus.injectDatagram(1, from, []byte("0123456789"))
	bus.injectDatagram(1, from, []byte("ab"))
	assert.Equal(t, 2*UDPHeaderLen+12, d.RxSize(1))

	buf := make([]byte, 4)
	n, got, err := d.RecvFrom(1, buf)
	require.NoError(t, err)
	assert.Equal(t, from, got)
	assert.Equal(t, "0123", string(buf[:n]))

	n, _, err = d.RecvFrom(1, buf)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(buf[:n]))

	_, _, err = d.RecvFrom(1, buf)
	require.ErrorIs(t, err, ErrBusy)
}

func TestDeviceSendPending(t *testing.T) {
	d, bus := newTestDevice(t)
	bus.holdSend = true
	raddr := netip.MustParseAddrPort("10.0.0.7:9000")
	require.NoError(t, d.OpenSocket(0, ProtocolUDP, 4000, 0))
	_, err := d.SendTo(0, []byte("a"), raddr)
	require.NoError(t, err)
	_, err = d.SendTo(0, []byte("b"), raddr)
	require.ErrorIs(t, err, ErrBusy)

	bus.sock[0][regSnIR] |= irTimeout
	_, err = d.SendTo(0, []byte("b"), raddr)
	require.ErrorIs(t, err, ErrTimeout)
	_, err = d.SendTo(0, []byte("b"), raddr)
	require.NoError(t, err)
}

func TestDeviceTCP(t *testing.T) {
	d, bus := newTestDevice(t)
	raddr := netip.MustParseAddrPort("10.0.0.7:80")
	require.NoError(t, d.OpenSocket(2, ProtocolTCP, 0xc000, 0))
	assert.Equal(t, StatusInit, d.SocketStatus(2))
	require.NoError(t, d.Connect(2, raddr))
	assert.Equal(t, StatusEstablished, d.SocketStatus(2))
	assert.Equal(t, raddr, d.RemoteAddr(2))

	_, err := d.Recv(2, make([]byte, 8))
	require.ErrorIs(t, err, ErrBusy)

	n, err := d.Send(2, []byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)

	bus.inject(2, []byte("HTTP/1.0 200 OK"))
	buf := make([]byte, 8)
	n, err = d.Recv(2, buf)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.0", string(buf[:n]))
	assert.Equal(t, 7, d.RxSize(2))

	require.NoError(t, d.Disconnect(2))
	_, err = d.Recv(2, buf)
	require.ErrorIs(t, err, ErrSocketClosed)
	_, err = d.Send(2, buf)
	require.ErrorIs(t, err, ErrSocketClosed)
}

func TestDeviceListen(t *testing.T) {
	d, _ := newTestDevice(t)
	require.ErrorIs(t, d.Listen(0), ErrSocketClosed)
	require.NoError(t, d.OpenSocket(0, ProtocolTCP, 8080, 0))
	require.NoError(t, d.Listen(0))
	assert.Equal(t, StatusListen, d.SocketStatus(0))
	assert.Equal(t, seqs.StateListen, d.SocketStatus(0).TCPState())
}
