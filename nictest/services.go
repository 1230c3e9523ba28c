package nictest

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68
	dnsPort        = 53
)

// DHCPConfig configures a simulated DHCP server.
type DHCPConfig struct {
	// ServerAddr is the server's own address.
	ServerAddr netip.Addr
	// FirstAddr is the first address handed out. Subsequent clients get
	// consecutive addresses.
	FirstAddr  netip.Addr
	SubnetMask netip.Addr
	Router     netip.Addr
	DNS        netip.Addr
	LeaseTime  time.Duration
}

// DHCPServer is a simulated DHCP server. Each client hardware address gets
// a stable address.
type DHCPServer struct {
	cfg DHCPConfig

	mu       sync.Mutex
	next     netip.Addr
	leases   map[[6]byte]netip.Addr
	silent   bool
	nak      bool
	discover int
	acks     int
}

// AddDHCPServer attaches a DHCP server to the network.
func (n *Network) AddDHCPServer(cfg DHCPConfig) *DHCPServer {
	if cfg.LeaseTime == 0 {
		cfg.LeaseTime = time.Hour
	}
	s := &DHCPServer{
		cfg:    cfg,
		next:   cfg.FirstAddr,
		leases: make(map[[6]byte]netip.Addr),
	}
	n.addService(s)
	return s
}

// SetSilent makes the server ignore all requests while silent is true.
func (s *DHCPServer) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// SetNak makes the server reject every REQUEST while nak is true.
func (s *DHCPServer) SetNak(nak bool) {
	s.mu.Lock()
	s.nak = nak
	s.mu.Unlock()
}

// Discovers returns the number of DISCOVER messages received.
func (s *DHCPServer) Discovers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discover
}

// Acks returns the number of leases granted.
func (s *DHCPServer) Acks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks
}

// LeaseOf returns the address leased to mac, if any.
func (s *DHCPServer) LeaseOf(mac [6]byte) (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.leases[mac]
	return addr, ok
}

func (s *DHCPServer) accepts(dst netip.AddrPort) bool {
	return dst.Port() == dhcpServerPort && (isBroadcast(dst.Addr()) || dst.Addr() == s.cfg.ServerAddr)
}

func (s *DHCPServer) serve(d datagram) []datagram {
	req, err := dhcpv4.FromBytes(d.data)
	if err != nil || req.OpCode != dhcpv4.OpcodeBootRequest || len(req.ClientHWAddr) != 6 {
		return nil
	}
	mac := [6]byte(req.ClientHWAddr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silent {
		return nil
	}
	var mt dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		s.discover++
		mt = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		if sid := req.ServerIdentifier(); sid != nil && !sid.Equal(net.IP(s.cfg.ServerAddr.AsSlice())) {
			return nil // Client chose another server.
		}
		mt = dhcpv4.MessageTypeAck
		requested := req.RequestedIPAddress()
		if s.nak || requested == nil || !requested.Equal(net.IP(s.leaseFor(mac).AsSlice())) {
			mt = dhcpv4.MessageTypeNak
		} else {
			s.acks++
		}
	default:
		return nil
	}
	addr := s.leaseFor(mac)
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithServerIP(ip(s.cfg.ServerAddr)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(ip(s.cfg.ServerAddr))),
	}
	if mt != dhcpv4.MessageTypeNak {
		mods = append(mods,
			dhcpv4.WithYourIP(ip(addr)),
			dhcpv4.WithNetmask(net.IPMask(ip(s.cfg.SubnetMask))),
			dhcpv4.WithLeaseTime(uint32(s.cfg.LeaseTime/time.Second)),
		)
		if s.cfg.Router.IsValid() {
			mods = append(mods, dhcpv4.WithRouter(ip(s.cfg.Router)))
		}
		if s.cfg.DNS.IsValid() {
			mods = append(mods, dhcpv4.WithDNS(ip(s.cfg.DNS)))
		}
	}
	reply, err := dhcpv4.NewReplyFromRequest(req, mods...)
	if err != nil {
		return nil
	}
	return []datagram{{
		from: netip.AddrPortFrom(s.cfg.ServerAddr, dhcpServerPort),
		to:   netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), dhcpClientPort),
		data: reply.ToBytes(),
	}}
}

// leaseFor is called with mu held.
func (s *DHCPServer) leaseFor(mac [6]byte) netip.Addr {
	addr, ok := s.leases[mac]
	if !ok {
		addr = s.next
		s.next = s.next.Next()
		s.leases[mac] = addr
	}
	return addr
}

// DNSServer is a simulated DNS server answering A queries from a fixed
// table.
type DNSServer struct {
	addr netip.Addr

	mu      sync.Mutex
	records map[string][]netip.Addr
	silent  bool
	queries int
}

// AddDNSServer attaches a DNS server at addr to the network.
func (n *Network) AddDNSServer(addr netip.Addr) *DNSServer {
	s := &DNSServer{addr: addr, records: make(map[string][]netip.Addr)}
	n.addService(s)
	return s
}

// AddRecord adds A records for host.
func (s *DNSServer) AddRecord(host string, addrs ...netip.Addr) {
	s.mu.Lock()
	name := dns.CanonicalName(host)
	s.records[name] = append(s.records[name], addrs...)
	s.mu.Unlock()
}

// SetSilent makes the server ignore all queries while silent is true.
func (s *DNSServer) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Queries returns the number of queries received.
func (s *DNSServer) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func (s *DNSServer) accepts(dst netip.AddrPort) bool {
	return dst.Port() == dnsPort && dst.Addr() == s.addr
}

func (s *DNSServer) serve(d datagram) []datagram {
	var q dns.Msg
	if q.Unpack(d.data) != nil || q.Response {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.silent {
		return nil
	}
	var r dns.Msg
	r.SetReply(&q)
	r.RecursionAvailable = true
	for _, question := range q.Question {
		addrs, ok := s.records[dns.CanonicalName(question.Name)]
		if !ok {
			r.Rcode = dns.RcodeNameError
			continue
		}
		if question.Qtype != dns.TypeA {
			continue
		}
		for _, addr := range addrs {
			r.Answer = append(r.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   ip(addr),
			})
		}
	}
	b, err := r.Pack()
	if err != nil {
		return nil
	}
	return []datagram{{from: netip.AddrPortFrom(s.addr, dnsPort), to: d.from, data: b}}
}

func ip(addr netip.Addr) net.IP {
	return net.IP(addr.AsSlice())
}
