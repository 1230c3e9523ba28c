package isoeth

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypat/isoeth/nictest"
)

func TestConfigRoundTrip(t *testing.T) {
	n := nictest.NewNetwork()
	a, chip := newStaticEngine(t, n, addrA)
	err := a.LoadConfig(strings.NewReader(`{
		"ipAddr": "10.0.0.5",
		"gatewayAddr": "10.0.0.1",
		"unknownKey": 42
	}`))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), a.Addr())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), a.Gateway())
	assert.Equal(t, mask24, a.SubnetMask(), "absent keys leave values unchanged")
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), chip.NetInfo().IP, "pushed to controller")
	assert.Equal(t, LeaseNotUsed, a.LeaseState())

	var buf bytes.Buffer
	require.NoError(t, a.SaveConfig(&buf))
	var saved Config
	require.NoError(t, json.Unmarshal(buf.Bytes(), &saved))
	assert.Equal(t, "10.0.0.5", saved.IPAddr)
	assert.Equal(t, "255.255.255.0", saved.SubnetMask)
	assert.Equal(t, "10.0.0.1", saved.GatewayAddr)
	assert.Equal(t, dnsAddr.String(), saved.DNSAddr)
	require.NotNil(t, saved.DHCP)
	assert.False(t, *saved.DHCP)

	b, _ := newStaticEngine(t, n, addrB)
	require.NoError(t, b.LoadConfig(&buf))
	assert.Equal(t, a.CurrentConfig(), b.CurrentConfig())
}

func TestConfigInvalidRejected(t *testing.T) {
	n := nictest.NewNetwork()
	a, _ := newStaticEngine(t, n, addrA)
	before := a.CurrentConfig()
	err := a.ApplyConfig(Config{IPAddr: "10.0.0.9", DNSAddr: "not-an-ip"})
	assert.Error(t, err)
	err = a.ApplyConfig(Config{GatewayAddr: "fe80::1"})
	assert.Error(t, err, "IPv6 not supported")
	assert.Equal(t, before, a.CurrentConfig(), "nothing applied")

	err = a.LoadConfig(strings.NewReader("{"))
	assert.Error(t, err)
}

func TestConfigSelectsMethod(t *testing.T) {
	n := nictest.NewNetwork()
	a, chip := newStaticEngine(t, n, addrA)
	dhcp := true
	require.NoError(t, a.ApplyConfig(Config{DHCP: &dhcp}))
	assert.Equal(t, LeaseAttempt, a.LeaseState())
	assert.True(t, *a.CurrentConfig().DHCP)
	assert.True(t, chip.NetInfo().DHCP)
	assert.False(t, a.Addr().IsValid(), "address cleared for DHCP")

	require.NoError(t, a.ApplyConfig(Config{IPAddr: addrA.String()}))
	assert.Equal(t, LeaseNotUsed, a.LeaseState(), "address implies static")
	assert.False(t, *a.CurrentConfig().DHCP)
	assert.Equal(t, addrA, chip.NetInfo().IP)
}
