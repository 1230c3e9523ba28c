package isoeth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypat/isoeth/nictest"
	"github.com/soypat/isoeth/wiznet"
)

func TestPoolExhaustion(t *testing.T) {
	chip := nictest.NewNetwork().NewChip()
	var p socketPool
	p.init(chip, 0)
	chip.Lock()
	defer chip.Unlock()

	var slots []slot
	for i := 0; i < wiznet.NumSockets; i++ {
		s, err := p.open(wiznet.ProtocolUDP, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, uint8(i), s.sn, "lowest free slot first")
		assert.Equal(t, uint16(ephemeralPortFirst+i), p.localPort(s))
		slots = append(slots, s)
	}
	_, err := p.open(wiznet.ProtocolTCP, 80, 0)
	assert.ErrorIs(t, err, ErrSlotExhausted)

	p.release(slots[3])
	assert.False(t, p.valid(slots[3]))
	assert.Equal(t, wiznet.StatusClosed, chip.SocketStatus(3))
	s, err := p.open(wiznet.ProtocolTCP, 80, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), s.sn)
	assert.NotEqual(t, slots[3].gen, s.gen, "new ownership epoch")
	assert.False(t, p.valid(slots[3]))
	assert.True(t, p.valid(s))

	// Releasing a stale handle must not close the new owner's slot.
	p.release(slots[3])
	assert.Equal(t, wiznet.StatusInit, chip.SocketStatus(3))

	infos := p.info()
	assert.Equal(t, wiznet.ProtocolTCP, infos[3].Protocol)
	assert.Equal(t, wiznet.ProtocolUDP, infos[0].Protocol)
}

func TestPoolReclaimsHardwareClosedSlot(t *testing.T) {
	chip := nictest.NewNetwork().NewChip()
	var p socketPool
	p.init(chip, 0)
	chip.Lock()
	s0, err := p.open(wiznet.ProtocolUDP, 1000, 0)
	require.NoError(t, err)
	chip.Unlock()

	chip.Abort(s0.sn)

	chip.Lock()
	defer chip.Unlock()
	assert.Equal(t, wiznet.ProtocolClosed, p.info()[0].Protocol)
	s1, err := p.open(wiznet.ProtocolUDP, 1001, 0)
	require.NoError(t, err)
	assert.Equal(t, s0.sn, s1.sn)
	assert.False(t, p.valid(s0))
}

func TestPoolEphemeralPortWraps(t *testing.T) {
	var p socketPool
	p.init(nil, ephemeralPortLast-ephemeralPortFirst-1)
	assert.Equal(t, uint16(ephemeralPortLast-1), p.ephemeralPort())
	assert.Equal(t, uint16(ephemeralPortFirst), p.ephemeralPort())
}
