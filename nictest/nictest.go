// Package nictest provides an in-memory Ethernet segment of simulated
// hardware TCP/IP controllers for testing code written against the
// socket-level controller interface of package isoeth.
//
// Each [Chip] has [wiznet.NumSockets] socket slots that behave like those of
// a W5500: TCP connections, listeners, UDP and multicast sockets. Delivery is
// instantaneous and happens while the sending chip is locked. All chips of a
// Network share one lock, so Chip.Lock serializes the whole segment.
package nictest

import (
	"net/netip"
	"sync"

)

// Network is a simulated Ethernet segment joining chips and services.
type Network struct {
	mu       sync.Mutex
	chips    []*Chip
	services []service
}

// datagram is a UDP payload in flight or queued in a receive buffer.
type datagram struct {
	src  *Chip // nil for services.
	from netip.AddrPort
	to   netip.AddrPort
	data []byte
}

// service is a host on the segment implemented in Go.
type service interface {
	// accepts reports whether the service receives datagrams sent to dst,
	// which may be the broadcast address.
	accepts(dst netip.AddrPort) bool
	serve(d datagram) []datagram
}

func NewNetwork() *Network {
	return &Network{}
}

// NewChip attaches a new chip to the network. Its link is down and all its
// slots are closed.
func (n *Network) NewChip() *Chip {
	c := &Chip{net: n}
	for i := range c.socks {
		c.socks[i] = simSocket{chip: c, sn: uint8(i)}
	}
	n.mu.Lock()
	n.chips = append(n.chips, c)
	n.mu.Unlock()
	return c
}

func (n *Network) addService(s service) {
	n.mu.Lock()
	n.services = append(n.services, s)
	n.mu.Unlock()
}

// chipByAddr returns the chip with link up holding addr. Called with mu held.
func (n *Network) chipByAddr(addr netip.Addr) *Chip {
	for _, c := range n.chips {
		if c.link && c.ni.IP == addr && addr.IsValid() && !addr.IsUnspecified() {
			return c
		}
	}
	return nil
}

// route delivers d to every matching UDP socket and service and routes
// the services' replies. Called with mu held.
func (n *Network) route(d datagram) {
	queue := []datagram{d}
	for len(queue) > 0 {
		d = queue[0]
		queue = queue[1:]
		for _, c := range n.chips {
			if !c.link {
				continue
			}
			for i := range c.socks {
				s := &c.socks[i]
				if s.accepts(d) {
					s.deliver(d)
				}
			}
		}
		for _, svc := range n.services {
			if svc.accepts(d.to) {
				queue = append(queue, svc.serve(d)...)
			}
		}
	}
}

func isBroadcast(addr netip.Addr) bool {
	return addr == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}
