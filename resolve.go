package isoeth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/soypat/isoeth/wiznet"
)

const (
	dnsServerPort = 53
	// dnsBufSize is the largest DNS message carried over UDP without EDNS.
	dnsBufSize      = 512
	dnsAttempts     = 3
	dnsAttemptDelay = 3 * time.Second
)

// Resolve returns the first IPv4 address of host. Literal IP addresses are
// returned without network I/O. Otherwise an A query is sent to the DNS
// server on a socket slot held only for the duration of the lookup.
// timeout bounds the whole lookup, which makes 3 attempts each lasting a
// third of it. A zero timeout uses 3 seconds per attempt.
//
// All failures wrap [ErrAddressUnresolved]. When all 8 socket slots are in
// use the error also wraps [ErrSlotExhausted].
func (e *Engine) Resolve(host string, timeout time.Duration) (netip.Addr, error) {
	var buf [4]netip.Addr
	addrs, err := e.appendLookup(buf[:0], host, timeout)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

// NewResolver returns a DNS client that resolves names with [Engine.Resolve]
// semantics. It implements [Resolver].
func (e *Engine) NewResolver(timeout time.Duration) Resolver {
	return &engineResolver{e: e, timeout: timeout}
}

type engineResolver struct {
	e       *Engine
	timeout time.Duration
}

// LookupNetIP resolves the IPv4 addresses of a hostname. It implements the [Resolver] interface.
func (r *engineResolver) LookupNetIP(host string) ([]netip.Addr, error) {
	return r.e.appendLookup(nil, host, r.timeout)
}

// appendLookup appends the resolved addresses of host to dst to let callers avoid allocations.
func (e *Engine) appendLookup(dst []netip.Addr, host string, timeout time.Duration) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return append(dst, addr), nil
	}
	if _, ok := dns.IsDomainName(host); !ok || host == "" {
		return dst, fmt.Errorf("%w: invalid host name %q", ErrAddressUnresolved, host)
	}
	if !e.Ready() {
		return dst, fmt.Errorf("%w: %w", ErrAddressUnresolved, ErrLinkDown)
	}
	server := e.DNSServer()
	if !isNonZero(server) {
		return dst, fmt.Errorf("%w: no DNS server", ErrAddressUnresolved)
	}
	perAttempt := dnsAttemptDelay
	if timeout > 0 {
		perAttempt = timeout / dnsAttempts
	}

	e.chip.Lock()
	s, err := e.pool.open(wiznet.ProtocolUDP, 0, 0)
	e.chip.Unlock()
	if err != nil {
		return dst, fmt.Errorf("%w: %w", ErrAddressUnresolved, err)
	}
	defer func() {
		e.chip.Lock()
		e.pool.release(s)
		e.chip.Unlock()
	}()

	raddr := netip.AddrPortFrom(server, dnsServerPort)
	name := dns.Fqdn(host)
	buf := make([]byte, dnsBufSize)
	for attempt := 0; attempt < dnsAttempts; attempt++ {
		var q dns.Msg
		q.SetQuestion(name, dns.TypeA)
		q.Id = uint16(e.prng32())
		pkt, err := q.Pack()
		if err != nil {
			return dst, fmt.Errorf("%w: %w", ErrAddressUnresolved, err)
		}
		e.trace("dns:query", slog.String("name", name), slog.Int("attempt", attempt))
		e.chip.Lock()
		_, err = e.chip.SendTo(s.sn, pkt, raddr)
		e.chip.Unlock()
		if err != nil && !errors.Is(err, wiznet.ErrBusy) && !errors.Is(err, wiznet.ErrTimeout) {
			return dst, fmt.Errorf("%w: %w", ErrAddressUnresolved, err)
		}

		deadline := time.Now().Add(perAttempt)
		backoff := pollBackoff()
		for time.Now().Before(deadline) {
			e.chip.Lock()
			var n int
			var from netip.AddrPort
			if e.pool.valid(s) {
				n, from, err = e.chip.RecvFrom(s.sn, buf)
			} else {
				err = ErrSocketInvalidated
			}
			e.chip.Unlock()
			if errors.Is(err, wiznet.ErrBusy) {
				backoff.Miss()
				continue
			} else if err != nil {
				return dst, fmt.Errorf("%w: %w", ErrAddressUnresolved, err)
			}
			// Traffic is flowing, poll quickly again.
			backoff.Hit()
			if from.Addr() != server {
				continue
			}
			var r dns.Msg
			if err := r.Unpack(buf[:n]); err != nil || r.Id != q.Id || !r.Response {
				continue
			}
			return appendAnswers(dst, &r)
		}
	}
	e.debug("dns:timeout", slog.String("name", name))
	return dst, fmt.Errorf("%w: %s timed out", ErrAddressUnresolved, host)
}

func appendAnswers(dst []netip.Addr, r *dns.Msg) ([]netip.Addr, error) {
	if r.Rcode != dns.RcodeSuccess {
		return dst, fmt.Errorf("%w: %s", ErrAddressUnresolved, dns.RcodeToString[r.Rcode])
	}
	n := len(dst)
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr := ipToAddr(a.A); addr.IsValid() {
				dst = append(dst, addr)
			}
		}
	}
	if len(dst) == n {
		return dst, fmt.Errorf("%w: no A records", ErrAddressUnresolved)
	}
	return dst, nil
}
