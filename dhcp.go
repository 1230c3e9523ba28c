package isoeth

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/soypat/isoeth/wiznet"
	"github.com/soypat/seqs/eth/dhcp"
)

const (
	dhcpClientPort = dhcp.DefaultClientPort
	dhcpServerPort = 67
	// dhcpBufSize is the minimum DHCP message size every client must accept.
	dhcpBufSize = 576
	// dhcpRetransmit is the time waited for a reply before sending again.
	dhcpRetransmit = 4 * time.Second
	// dhcpMaxRetries is the number of retransmissions after which the
	// exchange restarts from DISCOVER with a new transaction ID.
	dhcpMaxRetries = 3
)

// LeaseState is the state of address acquisition.
type LeaseState uint8

const (
	// LeaseNotUsed means static addressing is in use.
	LeaseNotUsed LeaseState = iota
	// LeaseAttempt waits for the link to be up to start DHCP.
	LeaseAttempt
	// LeaseInProgress means DHCP holds a socket slot and is exchanging messages.
	LeaseInProgress
	// LeaseGotAddress means a lease was obtained and is about to be announced.
	LeaseGotAddress
	// LeaseCleanup releases the DHCP socket and moves to LeaseDone.
	LeaseCleanup
	// LeaseCleanupDisable releases the DHCP socket and moves to LeaseNotUsed.
	LeaseCleanupDisable
	// LeaseDone means DHCP finished, successfully or not. It is retried
	// when the link goes down.
	LeaseDone
)

func (ls LeaseState) String() string {
	switch ls {
	case LeaseNotUsed:
		return "not-used"
	case LeaseAttempt:
		return "attempt"
	case LeaseInProgress:
		return "in-progress"
	case LeaseGotAddress:
		return "got-address"
	case LeaseCleanup:
		return "cleanup"
	case LeaseCleanupDisable:
		return "cleanup-disable"
	case LeaseDone:
		return "done"
	}
	return "unknown"
}

var broadcastDHCPServer = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), dhcpServerPort)

type dhcpPhase uint8

const (
	dhcpSelecting dhcpPhase = iota
	dhcpRequesting
)

// dhcpLease is the result of a completed DHCP exchange.
type dhcpLease struct {
	addr     netip.Addr
	mask     netip.Addr
	gateway  netip.Addr
	dns      netip.Addr
	server   netip.Addr
	duration time.Duration
}

// leaseClient runs a DHCP DISCOVER/OFFER/REQUEST/ACK exchange on one UDP
// socket slot. It is driven by the engine's tick with the engine and chip
// locks held.
type leaseClient struct {
	sock     slot
	mac      [6]byte
	hostname string
	xid      dhcpv4.TransactionID
	phase    dhcpPhase
	offer    *dhcpv4.DHCPv4
	needSend bool
	lastSend time.Time
	retries  int
	buf      [dhcpBufSize]byte
}

func (c *leaseClient) start(sock slot, mac [6]byte, hostname string, xid uint32, now time.Time) {
	*c = leaseClient{
		sock:     sock,
		mac:      mac,
		hostname: hostname,
		lastSend: now,
	}
	c.restart(xid)
}

// restart begins a new exchange from DISCOVER.
func (c *leaseClient) restart(xid uint32) {
	c.xid = dhcpv4.TransactionID{byte(xid >> 24), byte(xid >> 16), byte(xid >> 8), byte(xid)}
	c.phase = dhcpSelecting
	c.offer = nil
	c.retries = 0
	c.needSend = true
}

// stop returns the socket slot for the caller to release.
func (c *leaseClient) stop() slot {
	s := c.sock
	c.sock = slot{}
	c.offer = nil
	c.needSend = false
	return s
}

// timeHandler is called about once per second and schedules retransmissions.
func (c *leaseClient) timeHandler(now time.Time, xid uint32) {
	if c.needSend || now.Sub(c.lastSend) < dhcpRetransmit {
		return
	}
	c.retries++
	if c.retries > dhcpMaxRetries {
		c.restart(xid)
		return
	}
	c.needSend = true
}

// run sends any pending message and processes received replies. It returns
// true once an ACK is received.
func (c *leaseClient) run(e *Engine, now time.Time) (lease dhcpLease, ok bool) {
	if !e.pool.valid(c.sock) || e.chip.SocketStatus(c.sock.sn) != wiznet.StatusUDP {
		// Slot was lost underneath us, try to get it back.
		e.pool.release(c.sock)
		s, err := e.pool.open(wiznet.ProtocolUDP, dhcpClientPort, 0)
		if err != nil {
			c.sock = slot{}
			return lease, false
		}
		c.sock = s
	}
	if c.needSend {
		err := c.send(e)
		if err == nil {
			c.needSend = false
			c.lastSend = now
		} else if !errors.Is(err, wiznet.ErrBusy) {
			e.error("dhcp:send", slog.String("err", err.Error()))
			c.needSend = false
			c.lastSend = now
		}
	}
	sn := c.sock.sn
	for e.chip.RxSize(sn) > 0 {
		n, from, err := e.chip.RecvFrom(sn, c.buf[:])
		if err != nil {
			break
		}
		msg, err := dhcpv4.FromBytes(c.buf[:n])
		if err != nil {
			e.trace("dhcp:bad-msg", slog.String("from", from.String()), slog.String("err", err.Error()))
			continue
		}
		if !c.isOurs(msg) {
			continue
		}
		switch msg.MessageType() {
		case dhcpv4.MessageTypeOffer:
			if c.phase != dhcpSelecting {
				continue
			}
			e.debug("dhcp:offer", slog.String("ip", msg.YourIPAddr.String()), slog.String("from", from.String()))
			c.offer = msg
			c.phase = dhcpRequesting
			c.retries = 0
			c.needSend = true
			if err := c.send(e); err == nil {
				c.needSend = false
				c.lastSend = now
			}
		case dhcpv4.MessageTypeAck:
			if c.phase != dhcpRequesting {
				continue
			}
			return leaseFromAck(msg), true
		case dhcpv4.MessageTypeNak:
			e.info("dhcp:nak", slog.String("msg", msg.Message()))
			c.restart(e.prng32())
		}
	}
	return lease, false
}

func (c *leaseClient) isOurs(msg *dhcpv4.DHCPv4) bool {
	return msg.OpCode == dhcpv4.OpcodeBootReply && msg.TransactionID == c.xid &&
		len(msg.ClientHWAddr) == 6 && [6]byte(msg.ClientHWAddr) == c.mac
}

func (c *leaseClient) send(e *Engine) error {
	msg, err := c.message()
	if err != nil {
		return err
	}
	e.trace("dhcp:send", slog.String("type", msg.MessageType().String()), slog.Int("retries", c.retries))
	_, err = e.chip.SendTo(c.sock.sn, msg.ToBytes(), broadcastDHCPServer)
	return err
}

func (c *leaseClient) message() (*dhcpv4.DHCPv4, error) {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithTransactionID(c.xid),
		dhcpv4.WithBroadcast(true),
	}
	if c.hostname != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(c.hostname)))
	}
	if c.phase == dhcpRequesting && c.offer != nil {
		return dhcpv4.NewRequestFromOffer(c.offer, mods...)
	}
	return dhcpv4.NewDiscovery(net.HardwareAddr(c.mac[:]), mods...)
}

func leaseFromAck(ack *dhcpv4.DHCPv4) dhcpLease {
	lease := dhcpLease{
		addr:     ipToAddr(ack.YourIPAddr),
		mask:     netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		server:   ipToAddr(ack.ServerIdentifier()),
		duration: ack.IPAddressLeaseTime(0),
	}
	if mask := ack.SubnetMask(); len(mask) == 4 {
		lease.mask = netip.AddrFrom4([4]byte(mask))
	}
	if routers := ack.Router(); len(routers) > 0 {
		lease.gateway = ipToAddr(routers[0])
	}
	if dns := ack.DNS(); len(dns) > 0 {
		lease.dns = ipToAddr(dns[0])
	}
	return lease
}

func ipToAddr(ip net.IP) netip.Addr {
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(ip4))
}
