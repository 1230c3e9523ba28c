package isoeth

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/soypat/isoeth/nictest"
	"github.com/soypat/isoeth/wiznet"
)

func TestUDPRoundTrip(t *testing.T) {
	n := nictest.NewNetwork()
	a, _ := newStaticEngine(t, n, addrA)
	b, _ := newStaticEngine(t, n, addrB)
	ua := a.NewUDPConn()
	defer ua.Stop()
	ub := b.NewUDPConn()
	defer ub.Stop()
	require.NoError(t, ua.Begin(0))
	require.NoError(t, ub.Begin(5000))
	assert.Equal(t, uint16(5000), ub.LocalPort())
	assert.GreaterOrEqual(t, ua.LocalPort(), uint16(ephemeralPortFirst))

	k, err := ua.SendPacket([]byte("ping"), netip.AddrPortFrom(addrB, 5000))
	require.NoError(t, err)
	assert.Equal(t, 4, k)

	buf := make([]byte, 16)
	k, err = ub.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:k]))
	assert.Equal(t, netip.AddrPortFrom(addrA, ua.LocalPort()), ub.RemoteAddr())

	// Reply to sender.
	_, err = ub.SendPacket([]byte("pong"), ub.RemoteAddr())
	require.NoError(t, err)
	k, err = ua.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:k]))

	k, err = ub.ReceivePacket(buf, 0)
	assert.NoError(t, err, "nothing received is not an error")
	assert.Zero(t, k)

	ub.Stop()
	_, err = ub.ReceivePacket(buf, 0)
	assert.ErrorIs(t, err, ErrSocketInvalidated)
	_, err = ub.SendPacket([]byte("x"), netip.AddrPortFrom(addrA, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUDPReceiveTruncates(t *testing.T) {
	n := nictest.NewNetwork()
	a, _ := newStaticEngine(t, n, addrA)
	b, _ := newStaticEngine(t, n, addrB)
	ua, ub := a.NewUDPConn(), b.NewUDPConn()
	require.NoError(t, ua.Begin(0))
	require.NoError(t, ub.Begin(5000))
	defer ua.Stop()
	defer ub.Stop()
	dst := netip.AddrPortFrom(addrB, 5000)
	_, err := ua.SendPacket([]byte("0123456789"), dst)
	require.NoError(t, err)
	_, err = ua.SendPacket([]byte("next"), dst)
	require.NoError(t, err)

	buf := make([]byte, 4)
	k, err := ub.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:k]))
	k, err = ub.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "next", string(buf[:k]), "remainder of previous datagram discarded")
}

func TestUDPBufferedPacket(t *testing.T) {
	n := nictest.NewNetwork()
	a, _ := newStaticEngine(t, n, addrA)
	b, _ := newStaticEngine(t, n, addrB)
	ua, ub := a.NewUDPConn(), b.NewUDPConn()
	defer ua.Stop()
	defer ub.Stop()
	assert.ErrorIs(t, ua.BeginPacket(netip.AddrPortFrom(addrB, 5000)), ErrNotConnected)
	require.NoError(t, ua.Begin(0))
	require.NoError(t, ub.Begin(5000))
	assert.Equal(t, 512, ua.Buffer())

	require.NoError(t, ua.BeginPacket(netip.AddrPortFrom(addrB, 5000)))
	payload := bytes.Repeat([]byte{'x'}, 600)
	k, err := ua.Write(payload)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 512, k)
	require.NoError(t, ua.EndPacket())

	k, err = ub.ParsePacket(0)
	require.NoError(t, err)
	assert.Equal(t, 512, k)
	assert.Equal(t, 512, ub.Available())
	c, err := ub.Peek()
	require.NoError(t, err)
	assert.Equal(t, byte('x'), c)
	got, err := io.ReadAll(ub)
	require.NoError(t, err)
	assert.Equal(t, payload[:512], got)
	_, err = ub.ReadByte()
	assert.ErrorIs(t, err, ErrNoData)

	// Smaller buffer, single byte writes.
	ua.SetBuffer(3)
	require.NoError(t, ua.BeginPacket(netip.AddrPortFrom(addrB, 5000)))
	for _, c := range []byte("abc") {
		require.NoError(t, ua.WriteByte(c))
	}
	assert.ErrorIs(t, ua.WriteByte('d'), io.ErrShortWrite)
	require.NoError(t, ua.EndPacket())
	k, err = ub.ParsePacket(0)
	require.NoError(t, err)
	assert.Equal(t, 3, k)
	b0, _ := ub.ReadByte()
	assert.Equal(t, byte('a'), b0)

	ua.ReleaseBuffer()
	assert.Zero(t, ua.Buffer())
	_, err = ua.Write([]byte("z"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestUDPMulticast(t *testing.T) {
	n := nictest.NewNetwork()
	a, _ := newStaticEngine(t, n, addrA)
	b, _ := newStaticEngine(t, n, addrB)
	c, _ := newStaticEngine(t, n, netip.MustParseAddr("192.168.1.12"))
	group := netip.MustParseAddr("239.1.2.3")
	const port = 6000

	sender := a.NewUDPConn()
	defer sender.Stop()
	require.NoError(t, sender.Begin(0))
	member := b.NewUDPConn()
	defer member.Stop()
	outsider := c.NewUDPConn()
	defer outsider.Stop()
	require.NoError(t, outsider.Begin(port))

	assert.ErrorIs(t, member.JoinMulticast(group), ErrNotConnected, "must be open")
	require.NoError(t, member.Begin(port))
	assert.Error(t, member.JoinMulticast(addrA), "not a multicast group")
	require.NoError(t, member.JoinMulticast(group))
	assert.Equal(t, group, member.Group())
	assert.Equal(t, uint16(port), member.LocalPort())
	assert.Equal(t, 1, openSlots(b), "join replaces the unicast slot")

	buf := make([]byte, 16)
	_, err := sender.SendPacket([]byte("hello group"), netip.AddrPortFrom(group, port))
	require.NoError(t, err)
	k, err := member.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello group", string(buf[:k]))
	k, err = outsider.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Zero(t, k, "non-member receives nothing")

	require.NoError(t, member.LeaveMulticast(group))
	assert.False(t, member.Group().IsValid())
	_, err = sender.SendPacket([]byte("again"), netip.AddrPortFrom(group, port))
	require.NoError(t, err)
	k, err = member.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Zero(t, k, "left the group")

	_, err = sender.SendPacket([]byte("unicast"), netip.AddrPortFrom(addrB, port))
	require.NoError(t, err)
	k, err = member.ReceivePacket(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "unicast", string(buf[:k]))
}

func TestSlotExhaustion(t *testing.T) {
	n := nictest.NewNetwork()
	n.AddDNSServer(dnsAddr).AddRecord("host.lan", addrB)
	a, _ := newStaticEngine(t, n, addrA)
	var conns []*UDPConn
	for i := 0; i < wiznet.NumSockets; i++ {
		u := a.NewUDPConn()
		require.NoError(t, u.Begin(uint16(4000+i)))
		conns = append(conns, u)
	}
	assert.ErrorIs(t, a.NewUDPConn().Begin(5000), ErrSlotExhausted)
	_, err := a.DialTCP(netip.AddrPortFrom(addrB, 80), 0)
	assert.ErrorIs(t, err, ErrSlotExhausted)
	_, err = a.Resolve("host.lan", 0)
	assert.ErrorIs(t, err, ErrAddressUnresolved)
	assert.ErrorIs(t, err, ErrSlotExhausted)

	conns[5].Stop()
	_, err = a.Resolve("host.lan", 0)
	assert.NoError(t, err, "freed slot is reusable")
	assert.Equal(t, wiznet.NumSockets-1, openSlots(a))
}

func TestConcurrentBeginExhaustion(t *testing.T) {
	n := nictest.NewNetwork()
	a, _ := newStaticEngine(t, n, addrA)
	const contenders = 4 * wiznet.NumSockets
	var opened, exhausted atomic.Int32
	conns := make([]*UDPConn, contenders)
	var grp errgroup.Group
	for i := range conns {
		conns[i] = a.NewUDPConn()
		u := conns[i]
		grp.Go(func() error {
			err := u.Begin(0)
			switch {
			case err == nil:
				opened.Add(1)
			case errors.Is(err, ErrSlotExhausted):
				exhausted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	assert.Equal(t, int32(wiznet.NumSockets), opened.Load())
	assert.Equal(t, int32(contenders-wiznet.NumSockets), exhausted.Load())
	assert.Equal(t, wiznet.NumSockets, openSlots(a))

	ports := make(map[uint16]bool)
	for _, u := range conns {
		if port := u.LocalPort(); port != 0 {
			ports[port] = true
		}
	}
	assert.Len(t, ports, wiznet.NumSockets, "each winner holds its own slot and port")
	for _, info := range a.Slots() {
		assert.Equal(t, wiznet.ProtocolUDP, info.Protocol)
	}
	for _, u := range conns {
		u.Stop()
	}
	assert.Zero(t, openSlots(a))
}
