package wiznet

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"
)

// Common register block addresses.
const (
	regMR      = 0x0000
	regGAR     = 0x0001
	regSUBR    = 0x0005
	regSHAR    = 0x0009
	regSIPR    = 0x000F
	regRTR     = 0x0019
	regRCR     = 0x001B
	regPHYCFGR = 0x002E
	regVERSION = 0x0039
)

// Socket register block addresses.
const (
	regSnMR    = 0x0000
	regSnCR    = 0x0001
	regSnIR    = 0x0002
	regSnSR    = 0x0003
	regSnPORT  = 0x0004
	regSnDIPR  = 0x000C
	regSnDPORT = 0x0010
	regSnRXBUF = 0x001E
	regSnTXBUF = 0x001F
	regSnTXFSR = 0x0020
	regSnTXWR  = 0x0024
	regSnRXRSR = 0x0026
	regSnRXRD  = 0x0028
)

// Sn_CR commands.
const (
	cmdOpen    = 0x01
	cmdListen  = 0x02
	cmdConnect = 0x04
	cmdDiscon  = 0x08
	cmdClose   = 0x10
	cmdSend    = 0x20
	cmdRecv    = 0x40
)

// Sn_IR bits.
const (
	irTimeout = 0x08
	irSendOK  = 0x10
)

const (
	mrReset      = 0x80
	phyLinkOn    = 0x01
	phyRSTn      = 0x80
	chipVersion  = 0x04
	controlRead  = 0x00
	controlWrite = 0x04
)

// Block select values for the control byte.
const (
	blockCommon = 0x00
)

func blockSocket(sn uint8) uint8 { return sn<<2 | 0x01 }
func blockTx(sn uint8) uint8     { return sn<<2 | 0x02 }
func blockRx(sn uint8) uint8     { return sn<<2 | 0x03 }

// Device is a W5500 driven through a [Bus]. It is safe for concurrent use as
// long as every access is bracketed by Lock and Unlock.
type Device struct {
	mu      sync.Mutex
	bus     Bus
	hdr     [3]byte
	scratch [8]byte
	dns     netip.Addr
	dhcp    bool
	// sending tracks sockets with a SEND command whose completion has not
	// been observed yet.
	sending [NumSockets]bool
	txmax   [NumSockets]uint16
	rxmax   [NumSockets]uint16
}

// NewDevice returns a Device on the given bus. Call Init before use.
func NewDevice(bus Bus) *Device {
	if bus == nil {
		panic("nil bus")
	}
	d := &Device{bus: bus}
	for i := range d.txmax {
		d.txmax[i] = DefaultTxBufSize
		d.rxmax[i] = DefaultRxBufSize
	}
	return d
}

// Lock begins a bus transaction. Register operations of one logical
// operation must happen within a single Lock/Unlock pair.
func (d *Device) Lock() {
	d.mu.Lock()
	d.bus.BeginTransaction()
}

// Unlock ends the bus transaction started by Lock.
func (d *Device) Unlock() {
	d.bus.EndTransaction()
	d.mu.Unlock()
}

// Init performs a software reset, verifies the chip version and assigns
// 2KiB TX and RX buffers to every socket. The bus transaction must be held.
func (d *Device) Init() error {
	d.write8(regMR, blockCommon, mrReset)
	for i := 0; d.read8(regMR, blockCommon)&mrReset != 0; i++ {
		if i > 100 {
			return errors.New("wiznet: reset did not complete")
		}
		time.Sleep(time.Millisecond)
	}
	if v := d.read8(regVERSION, blockCommon); v != chipVersion {
		return errors.New("wiznet: unexpected chip version, check bus wiring")
	}
	for sn := uint8(0); sn < NumSockets; sn++ {
		d.write8(regSnRXBUF, blockSocket(sn), DefaultRxBufSize/1024)
		d.write8(regSnTXBUF, blockSocket(sn), DefaultTxBufSize/1024)
		d.txmax[sn] = DefaultTxBufSize
		d.rxmax[sn] = DefaultRxBufSize
		d.sending[sn] = false
	}
	return nil
}

// Version returns the VERSIONR register, 0x04 on a W5500.
func (d *Device) Version() uint8 {
	return d.read8(regVERSION, blockCommon)
}

// SetRetry sets the retransmission timeout and count used for TCP connect,
// TCP data and ARP. Connect timeout is roughly rtr*(2^(rcr+1)-1).
func (d *Device) SetRetry(rtr time.Duration, rcr uint8) {
	// RTR unit is 100us.
	d.write16(regRTR, blockCommon, uint16(rtr/(100*time.Microsecond)))
	d.write8(regRCR, blockCommon, rcr)
}

// PhyLink reports whether the PHY link is up.
func (d *Device) PhyLink() bool {
	return d.read8(regPHYCFGR, blockCommon)&phyLinkOn != 0
}

// PhyReset resets the PHY keeping hardware-strapped configuration.
func (d *Device) PhyReset() {
	v := d.read8(regPHYCFGR, blockCommon)
	d.write8(regPHYCFGR, blockCommon, v&^phyRSTn)
	d.write8(regPHYCFGR, blockCommon, v|phyRSTn)
}

// SetNetInfo writes MAC, IP, subnet mask and gateway registers.
func (d *Device) SetNetInfo(ni NetInfo) {
	d.write(regSHAR, blockCommon, ni.MAC[:])
	ip := As4(ni.IP)
	d.write(regSIPR, blockCommon, ip[:])
	sn := As4(ni.SubnetMask)
	d.write(regSUBR, blockCommon, sn[:])
	gw := As4(ni.Gateway)
	d.write(regGAR, blockCommon, gw[:])
	d.dns = ni.DNS
	d.dhcp = ni.DHCP
}

// NetInfo reads back the addressing registers.
func (d *Device) NetInfo() NetInfo {
	var ni NetInfo
	var b [4]byte
	d.read(regSHAR, blockCommon, ni.MAC[:])
	d.read(regSIPR, blockCommon, b[:])
	ni.IP = netip.AddrFrom4(b)
	d.read(regSUBR, blockCommon, b[:])
	ni.SubnetMask = netip.AddrFrom4(b)
	d.read(regGAR, blockCommon, b[:])
	ni.Gateway = netip.AddrFrom4(b)
	ni.DNS = d.dns
	ni.DHCP = d.dhcp
	return ni
}

// read performs one read frame: 3 byte header followed by len(p) data bytes.
func (d *Device) read(addr uint16, block uint8, p []byte) {
	d.hdr = [3]byte{byte(addr >> 8), byte(addr), block<<3 | controlRead}
	d.bus.Select()
	d.bus.WriteBurst(d.hdr[:])
	if len(p) == 1 {
		p[0] = d.bus.ReadReg()
	} else {
		d.bus.ReadBurst(p)
	}
	d.bus.Deselect()
}

// write performs one write frame.
func (d *Device) write(addr uint16, block uint8, p []byte) {
	d.hdr = [3]byte{byte(addr >> 8), byte(addr), block<<3 | controlWrite}
	d.bus.Select()
	d.bus.WriteBurst(d.hdr[:])
	if len(p) == 1 {
		d.bus.WriteReg(p[0])
	} else {
		d.bus.WriteBurst(p)
	}
	d.bus.Deselect()
}

func (d *Device) read8(addr uint16, block uint8) uint8 {
	d.read(addr, block, d.scratch[:1])
	return d.scratch[0]
}

func (d *Device) write8(addr uint16, block uint8, v uint8) {
	d.scratch[0] = v
	d.write(addr, block, d.scratch[:1])
}

func (d *Device) read16(addr uint16, block uint8) uint16 {
	d.read(addr, block, d.scratch[:2])
	return binary.BigEndian.Uint16(d.scratch[:2])
}

func (d *Device) write16(addr uint16, block uint8, v uint16) {
	binary.BigEndian.PutUint16(d.scratch[:2], v)
	d.write(addr, block, d.scratch[:2])
}

// readStable16 reads a 16 bit register that the controller may update
// between the two byte reads, repeating until two consecutive reads match.
func (d *Device) readStable16(addr uint16, block uint8) uint16 {
	v := d.read16(addr, block)
	for {
		v2 := d.read16(addr, block)
		if v2 == v {
			return v
		}
		v = v2
	}
}
