package isoeth

import (
	"github.com/soypat/isoeth/wiznet"
)

// Ephemeral local port range for sockets opened without an explicit port.
const (
	ephemeralPortFirst = 0xc000
	ephemeralPortLast  = 0xfff0
)

// slot identifies one ownership epoch of a hardware socket. The zero value
// holds no socket.
type slot struct {
	sn  uint8
	gen uint32
}

func (s slot) isZero() bool { return s.gen == 0 }

// socketPool arbitrates the hardware socket slots. Every method must be
// called with the chip lock held; allocation and open happen in the same
// critical section so two callers can never be handed the same slot.
//
// The pool keeps no free list: a slot is free when the hardware reports it
// CLOSED, so slots closed by the peer or by a timeout return to the pool
// without bookkeeping. Generations let handles detect that their slot was
// reclaimed that way and handed to someone else.
type socketPool struct {
	chip    Chip
	gen     [wiznet.NumSockets]uint32
	proto   [wiznet.NumSockets]wiznet.Protocol
	port    [wiznet.NumSockets]uint16
	anyport uint16
}

func (p *socketPool) init(chip Chip, seed uint32) {
	p.chip = chip
	p.anyport = ephemeralPortFirst + uint16(seed%(ephemeralPortLast-ephemeralPortFirst))
}

// allocate returns the lowest numbered CLOSED slot.
func (p *socketPool) allocate() (uint8, bool) {
	for sn := uint8(0); sn < wiznet.NumSockets; sn++ {
		if p.chip.SocketStatus(sn) == wiznet.StatusClosed {
			return sn, true
		}
	}
	return 0, false
}

// open allocates a slot and opens it with the given protocol. A zero port
// selects an ephemeral port.
func (p *socketPool) open(proto wiznet.Protocol, port uint16, flags wiznet.Flag) (slot, error) {
	sn, ok := p.allocate()
	if !ok {
		return slot{}, ErrSlotExhausted
	}
	return p.openAt(sn, proto, port, flags)
}

// openAt opens a slot previously returned by allocate. It exists so callers
// may program registers that must be set before OPEN.
func (p *socketPool) openAt(sn uint8, proto wiznet.Protocol, port uint16, flags wiznet.Flag) (slot, error) {
	if port == 0 {
		port = p.ephemeralPort()
	}
	p.gen[sn]++
	if p.gen[sn] == 0 {
		p.gen[sn]++ // Zero generation reserved for the empty slot.
	}
	err := p.chip.OpenSocket(sn, proto, port, flags)
	if err != nil {
		p.proto[sn] = wiznet.ProtocolClosed
		return slot{}, err
	}
	p.proto[sn] = proto
	p.port[sn] = port
	return slot{sn: sn, gen: p.gen[sn]}, nil
}

// valid reports whether s still owns its hardware slot.
func (p *socketPool) valid(s slot) bool {
	return !s.isZero() && p.gen[s.sn] == s.gen
}

// release closes the slot if s still owns it. TCP slots get a DISCON before
// CLOSE so the peer sees a FIN when possible.
func (p *socketPool) release(s slot) {
	if !p.valid(s) {
		return
	}
	if p.proto[s.sn] == wiznet.ProtocolTCP {
		p.chip.Disconnect(s.sn)
	}
	p.chip.Close(s.sn)
	p.proto[s.sn] = wiznet.ProtocolClosed
	p.gen[s.sn]++
}

// localPort returns the local port s was opened on or zero if s is stale.
func (p *socketPool) localPort(s slot) uint16 {
	if !p.valid(s) {
		return 0
	}
	return p.port[s.sn]
}

func (p *socketPool) ephemeralPort() uint16 {
	port := p.anyport
	p.anyport++
	if p.anyport >= ephemeralPortLast {
		p.anyport = ephemeralPortFirst
	}
	return port
}

// SlotInfo describes the state of one hardware socket slot.
type SlotInfo struct {
	Slot     uint8
	Protocol wiznet.Protocol
	Status   wiznet.SocketStatus
}

func (p *socketPool) info() (infos [wiznet.NumSockets]SlotInfo) {
	for sn := range infos {
		st := p.chip.SocketStatus(uint8(sn))
		proto := p.proto[sn]
		if st == wiznet.StatusClosed {
			proto = wiznet.ProtocolClosed
		}
		infos[sn] = SlotInfo{Slot: uint8(sn), Protocol: proto, Status: st}
	}
	return infos
}
