package isoeth

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/isoeth/wiznet"
)

type AddrMethod uint8

const (
	// AddrMethodDHCP obtains addresses over DHCP each time the link comes up.
	AddrMethodDHCP AddrMethod = iota
	// AddrMethodManual uses the addresses given in EngineConfig.
	AddrMethodManual
)

// Engine drives an Ethernet controller with hardware TCP/IP: it tracks link
// state, acquires addresses, arbitrates the controller's socket slots and
// creates sockets on them.
type Engine struct {
	chip Chip
	log  *slog.Logger

	// mu guards the address configuration, lease state and handlers.
	// It is acquired before any connection mutex or the chip lock.
	mu        sync.Mutex
	mac       [6]byte
	ip        netip.Addr
	mask      netip.Addr
	gateway   netip.Addr
	dnssv     netip.Addr
	hostname  string
	lease     LeaseState
	dhcpc     leaseClient
	lastDHCP  time.Time
	link      bool
	handlers  []func(Event)
	ready     atomic.Bool
	closed    atomic.Bool
	prngmu    sync.Mutex
	prngstate uint32

	// pool is guarded by the chip lock.
	pool socketPool

	tcpbufsize  int
	udpbufsize  int
	sendTimeout time.Duration
}

type EngineConfig struct {
	// AddrMethod selects the mode in which the stack address is chosen or
	// obtained. The zero value uses DHCP.
	AddrMethod AddrMethod
	// Address, SubnetMask, Gateway and DNSServer set the static
	// configuration. They are used if AddrMethod is set to Manual.
	Address    netip.Addr
	SubnetMask netip.Addr
	Gateway    netip.Addr
	DNSServer  netip.Addr
	// MAC is the hardware address of the controller. If zero it is derived
	// from HardwareID with DeriveMAC.
	MAC        [6]byte
	HardwareID []byte
	// Hostname is the hostname to send in DHCP requests.
	Hostname string
	Logger   *slog.Logger
	// TCPBufferSize is the size of the receive buffer of each TCP connection.
	// If zero 2048 is used, the size of a socket RX buffer.
	TCPBufferSize int
	// UDPBufferSize is the default packet buffer size of UDP sockets. If zero 512 is used.
	UDPBufferSize int
	// SendTimeout bounds TCP writes without an explicit timeout. If zero 30s is used.
	SendTimeout time.Duration
}

// NewEngine returns an engine for the given controller, which must be
// initialized and have a working bus. The controller provides
// [wiznet.NumSockets] socket slots shared by every socket the engine
// creates, DHCP and DNS.
func NewEngine(chip Chip, cfg EngineConfig) (*Engine, error) {
	if chip == nil {
		panic("chip is nil")
	} else if cfg.AddrMethod != AddrMethodManual && cfg.AddrMethod != AddrMethodDHCP {
		return nil, errors.New("invalid address method")
	} else if cfg.TCPBufferSize < 0 || cfg.TCPBufferSize > 65535 {
		return nil, errors.New("invalid tcp buffer size")
	} else if cfg.UDPBufferSize < 0 || cfg.UDPBufferSize > 65535 {
		return nil, errors.New("invalid udp buffer size")
	} else if cfg.SendTimeout < 0 {
		return nil, errors.New("negative send timeout")
	} else if cfg.AddrMethod == AddrMethodManual && !cfg.Address.Is4() {
		return nil, errors.New("invalid address")
	}
	for _, addr := range [...]netip.Addr{cfg.Address, cfg.SubnetMask, cfg.Gateway, cfg.DNSServer} {
		if addr.IsValid() && !addr.Is4() {
			return nil, errors.New("only IPv4 addresses supported")
		}
	}
	if cfg.MAC == [6]byte{} {
		if len(cfg.HardwareID) == 0 {
			return nil, errors.New("need MAC or HardwareID")
		}
		cfg.MAC = DeriveMAC(cfg.HardwareID)
	}
	if cfg.TCPBufferSize == 0 {
		cfg.TCPBufferSize = wiznet.DefaultRxBufSize
	}
	if cfg.UDPBufferSize == 0 {
		cfg.UDPBufferSize = 512
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	e := &Engine{
		chip:        chip,
		log:         cfg.Logger,
		mac:         cfg.MAC,
		hostname:    cfg.Hostname,
		tcpbufsize:  cfg.TCPBufferSize,
		udpbufsize:  cfg.UDPBufferSize,
		sendTimeout: cfg.SendTimeout,
		prngstate:   uint32(time.Now().UnixNano()) | 1,
	}
	e.pool.init(chip, e.prng32())
	e.mu.Lock()
	defer e.mu.Unlock()
	switch cfg.AddrMethod {
	case AddrMethodManual:
		e.lease = LeaseNotUsed
		e.ip = cfg.Address
		e.mask = cfg.SubnetMask
		e.gateway = cfg.Gateway
		e.dnssv = cfg.DNSServer
	case AddrMethodDHCP:
		e.lease = LeaseAttempt
		e.dnssv = cfg.DNSServer
	}
	e.updateAddressSettings()
	e.info("engine:new", slog.String("mac", net.HardwareAddr(e.mac[:]).String()), slog.String("lease", e.lease.String()))
	return e, nil
}

// Run calls Tick every millisecond until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.closed.Load() {
				return ErrEngineClosed
			}
			e.Tick()
		}
	}
}

// Tick samples the link, advances the address state machine one step and
// then calls event handlers for any events that occurred. Handlers run with
// no engine lock held and may use the engine.
func (e *Engine) Tick() {
	if e.closed.Load() {
		return
	}
	var evbuf [4]Event
	e.mu.Lock()
	e.chip.Lock()
	events := e.tick(time.Now(), evbuf[:0])
	e.chip.Unlock()
	handlers := e.handlers
	e.mu.Unlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

// tick is called with e.mu and the chip lock held.
func (e *Engine) tick(now time.Time, dst []Event) []Event {
	link := e.chip.PhyLink()
	if link != e.link {
		e.link = link
		if link {
			e.debug("phy:link-up")
			dst = append(dst, EventLinkUp)
			if e.lease == LeaseNotUsed && isNonZero(e.ip) {
				e.ready.Store(true)
				dst = append(dst, EventGotIPAddress)
			}
		} else {
			e.debug("phy:link-down")
			dst = append(dst, EventLinkDown)
			e.ready.Store(false)
		}
	}

	switch e.lease {
	case LeaseAttempt:
		if !e.link {
			break
		}
		e.debug("dhcp:attempt")
		s, err := e.pool.open(wiznet.ProtocolUDP, dhcpClientPort, 0)
		if err != nil {
			e.error("dhcp:no-socket", slog.String("err", err.Error()))
			e.lease = LeaseDone
			break
		}
		// Address registers must be zero while acquiring a lease.
		e.ip = netip.Addr{}
		e.gateway = netip.Addr{}
		e.chip.SetNetInfo(wiznet.NetInfo{MAC: e.mac, DHCP: true})
		e.dhcpc.start(s, e.mac, e.hostname, e.prng32(), now)
		e.lastDHCP = now
		e.lease = LeaseInProgress

	case LeaseInProgress:
		if now.Sub(e.lastDHCP) >= time.Second {
			e.lastDHCP = now
			e.dhcpc.timeHandler(now, e.prng32())
		}
		if lease, ok := e.dhcpc.run(e, now); ok {
			e.ip = lease.addr
			e.mask = lease.mask
			e.gateway = lease.gateway
			if lease.dns.IsValid() {
				e.dnssv = lease.dns
			}
			e.info("dhcp-complete",
				slog.String("our-ip", e.ip.String()),
				slog.String("dns", e.dnssv.String()),
				slog.String("router", e.gateway.String()),
				slog.String("netmask", e.mask.String()),
				slog.String("server", lease.server.String()),
				slog.Duration("lease", lease.duration),
			)
			e.pushAddressSettings()
			e.lease = LeaseGotAddress
		}
		if !e.link {
			e.lease = LeaseCleanup
		}

	case LeaseGotAddress:
		// Notification is deferred out of the lease step.
		dst = append(dst, EventGotIPAddress)
		e.lease = LeaseCleanup

	case LeaseCleanup, LeaseCleanupDisable:
		e.pool.release(e.dhcpc.stop())
		if e.lease == LeaseCleanupDisable {
			e.lease = LeaseNotUsed
		} else {
			e.lease = LeaseDone
		}

	case LeaseDone:
		if !e.link {
			e.debug("dhcp:relink")
			e.lease = LeaseAttempt
		}
	}
	return dst
}

// Close closes every socket slot and stops the engine. Sockets created by
// the engine report [ErrSocketInvalidated] afterwards.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return ErrEngineClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chip.Lock()
	defer e.chip.Unlock()
	e.dhcpc.stop()
	for sn := uint8(0); sn < wiznet.NumSockets; sn++ {
		e.pool.release(slot{sn: sn, gen: e.pool.gen[sn]})
	}
	e.lease = LeaseDone
	e.ready.Store(false)
	return nil
}

// AddEventHandler registers fn to be called on network events. Handlers are
// called synchronously from Tick in registration order and cannot be removed.
func (e *Engine) AddEventHandler(fn func(Event)) {
	if fn == nil {
		panic("nil event handler")
	}
	e.mu.Lock()
	// Copy so a Tick dispatching the previous slice is unaffected.
	handlers := make([]func(Event), len(e.handlers), len(e.handlers)+1)
	copy(handlers, e.handlers)
	e.handlers = append(handlers, fn)
	e.mu.Unlock()
}

// Ready reports whether the link is up and an IP address is configured.
func (e *Engine) Ready() bool { return e.ready.Load() }

// LeaseState returns the current state of address acquisition.
func (e *Engine) LeaseState() LeaseState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lease
}

// Addr returns the IP address of the controller.
func (e *Engine) Addr() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ip
}

func (e *Engine) SubnetMask() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mask
}

func (e *Engine) Gateway() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gateway
}

func (e *Engine) DNSServer() netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dnssv
}

// HardwareAddr6 returns the MAC address of the controller.
func (e *Engine) HardwareAddr6() [6]byte { return e.mac }

// SetIPAddress sets the static IP address. It switches the engine to static
// addressing, stopping DHCP, but does not push the address to the
// controller until UpdateAddressSettings is called.
func (e *Engine) SetIPAddress(addr netip.Addr) {
	e.mu.Lock()
	e.useStaticIP()
	e.ip = addr
	e.mu.Unlock()
}

// SetSubnetMask sets the static subnet mask. See SetIPAddress.
func (e *Engine) SetSubnetMask(addr netip.Addr) {
	e.mu.Lock()
	e.useStaticIP()
	e.mask = addr
	e.mu.Unlock()
}

// SetGateway sets the static default gateway. See SetIPAddress.
func (e *Engine) SetGateway(addr netip.Addr) {
	e.mu.Lock()
	e.useStaticIP()
	e.gateway = addr
	e.mu.Unlock()
}

// SetDNSServer sets the DNS server. See SetIPAddress.
func (e *Engine) SetDNSServer(addr netip.Addr) {
	e.mu.Lock()
	e.useStaticIP()
	e.dnssv = addr
	e.mu.Unlock()
}

// UseStaticIP stops any DHCP in progress and uses the static configuration.
func (e *Engine) UseStaticIP() {
	e.mu.Lock()
	e.useStaticIP()
	e.mu.Unlock()
}

func (e *Engine) useStaticIP() {
	switch e.lease {
	case LeaseInProgress, LeaseGotAddress:
		e.lease = LeaseCleanupDisable
	case LeaseCleanupDisable, LeaseNotUsed:
	case LeaseCleanup:
		e.lease = LeaseCleanupDisable
	default:
		e.lease = LeaseNotUsed
	}
}

// UseDHCP clears the IP address and acquires a new one over DHCP once the
// link is up.
func (e *Engine) UseDHCP() {
	e.mu.Lock()
	e.useDHCP()
	e.mu.Unlock()
}

// useDHCP is called with e.mu held.
func (e *Engine) useDHCP() {
	e.ip = netip.Addr{}
	e.ready.Store(false)
	switch e.lease {
	case LeaseInProgress, LeaseGotAddress, LeaseCleanup, LeaseCleanupDisable:
		// Drop the lease in flight, a new one starts from DISCOVER.
		e.chip.Lock()
		e.pool.release(e.dhcpc.stop())
		e.chip.Unlock()
	}
	e.lease = LeaseAttempt
}

// UpdateAddressSettings pushes the MAC, IP address, subnet mask and gateway
// to the controller in one transaction and sets the engine ready if the
// link is up.
func (e *Engine) UpdateAddressSettings() {
	e.mu.Lock()
	e.updateAddressSettings()
	e.mu.Unlock()
}

func (e *Engine) updateAddressSettings() {
	e.chip.Lock()
	e.pushAddressSettings()
	e.chip.Unlock()
}

// pushAddressSettings is called with e.mu and the chip lock held.
func (e *Engine) pushAddressSettings() {
	e.trace("engine:update-addr",
		slog.String("ip", e.ip.String()),
		slog.String("mask", e.mask.String()),
		slog.String("gw", e.gateway.String()),
		slog.String("dns", e.dnssv.String()),
	)
	e.chip.SetNetInfo(wiznet.NetInfo{
		MAC:        e.mac,
		IP:         e.ip,
		SubnetMask: e.mask,
		Gateway:    e.gateway,
		DNS:        e.dnssv,
		DHCP:       e.lease != LeaseNotUsed,
	})
	if e.chip.PhyLink() && isNonZero(e.ip) {
		e.ready.Store(true)
	}
}

// Slots returns the protocol and hardware status of every socket slot.
func (e *Engine) Slots() [wiznet.NumSockets]SlotInfo {
	e.chip.Lock()
	defer e.chip.Unlock()
	return e.pool.info()
}

// DeriveMAC derives a stable, locally administered unicast MAC address
// from a hardware-unique identifier such as a serial number.
func DeriveMAC(seed []byte) (mac [6]byte) {
	h := fnv.New64a()
	h.Write(seed)
	sum := h.Sum64()
	for i := range mac {
		mac[i] = byte(sum >> (8 * i))
	}
	mac[0] &^= 0x01 // Unicast.
	mac[0] |= 0x02  // Locally administered.
	return mac
}

func isNonZero(addr netip.Addr) bool {
	return addr.IsValid() && !addr.IsUnspecified()
}

func (e *Engine) prng32() uint32 {
	e.prngmu.Lock()
	defer e.prngmu.Unlock()
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	p := e.prngstate
	p ^= p << 13
	p ^= p >> 17
	p ^= p << 5
	e.prngstate = p
	return p
}
