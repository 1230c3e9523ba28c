package isoeth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
)

// Config is the persisted address configuration. Addresses are dotted
// quads; empty strings leave the current value unchanged.
type Config struct {
	IPAddr      string `json:"ipAddr,omitempty"`
	SubnetMask  string `json:"subnetMask,omitempty"`
	GatewayAddr string `json:"gatewayAddr,omitempty"`
	DNSAddr     string `json:"dnsAddr,omitempty"`
	// DHCP selects DHCP if true and static addressing if false. If absent
	// the addressing method is unchanged.
	DHCP *bool `json:"DHCP,omitempty"`
}

// LoadConfig decodes a JSON Config from r and applies it. Unknown keys are
// ignored.
func (e *Engine) LoadConfig(r io.Reader) error {
	var cfg Config
	err := json.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return e.ApplyConfig(cfg)
}

// ApplyConfig sets every address present in cfg, selects the addressing
// method and pushes the result to the controller. If any address is invalid
// nothing is applied. Setting an address implies static addressing unless
// cfg.DHCP is true.
func (e *Engine) ApplyConfig(cfg Config) error {
	var addrs [4]netip.Addr
	for i, s := range [...]string{cfg.IPAddr, cfg.SubnetMask, cfg.GatewayAddr, cfg.DNSAddr} {
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("invalid IPv4 address %q in config", s)
		}
		addrs[i] = addr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	setters := [...]*netip.Addr{&e.ip, &e.mask, &e.gateway, &e.dnssv}
	for i, addr := range addrs {
		if addr.IsValid() {
			e.useStaticIP()
			*setters[i] = addr
		}
	}
	if cfg.DHCP != nil {
		if *cfg.DHCP {
			e.useDHCP()
		} else {
			e.useStaticIP()
		}
	}
	e.updateAddressSettings()
	return nil
}

// CurrentConfig returns the addresses in use and the addressing method.
func (e *Engine) CurrentConfig() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	dhcp := e.lease != LeaseNotUsed && e.lease != LeaseCleanupDisable
	return Config{
		IPAddr:      addrString(e.ip),
		SubnetMask:  addrString(e.mask),
		GatewayAddr: addrString(e.gateway),
		DNSAddr:     addrString(e.dnssv),
		DHCP:        &dhcp,
	}
}

// SaveConfig writes the current configuration to w as JSON.
func (e *Engine) SaveConfig(w io.Writer) error {
	cfg := e.CurrentConfig()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	return enc.Encode(cfg)
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return "0.0.0.0"
	}
	return addr.String()
}
