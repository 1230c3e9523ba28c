// Package wiznet implements the socket command layer of the WIZnet W5500
// Ethernet controller on top of a register-level [Bus].
//
// The W5500 offloads TCP, UDP and IPv4 to hardware and exposes exactly
// [NumSockets] independent socket slots. Every method of [Device] other than
// Lock and Unlock must be called while the bus transaction is held.
package wiznet

import (
	"errors"
	"net/netip"

	"github.com/soypat/seqs"
)

// NumSockets is the number of hardware socket slots on the controller. TCP
// clients, listeners, UDP sockets, DHCP and DNS all share this ceiling.
const NumSockets = 8

// Default per-socket buffer sizes after [Device.Init].
const (
	DefaultTxBufSize = 2048
	DefaultRxBufSize = 2048
)

// UDPHeaderLen is the length of the header the controller prepends to each
// received datagram in the socket RX buffer (address, port, length).
const UDPHeaderLen = 8

var (
	// ErrBusy is returned by non-blocking operations that cannot make progress yet.
	ErrBusy = errors.New("wiznet: busy")
	// ErrSocketClosed is returned when the socket status does not allow the operation.
	ErrSocketClosed = errors.New("wiznet: socket not in required state")
	// ErrInvalidSocket is returned for socket numbers outside [0, NumSockets).
	ErrInvalidSocket = errors.New("wiznet: invalid socket number")
	// ErrTimeout is returned when the controller reports a send timeout.
	ErrTimeout = errors.New("wiznet: timeout")
	// ErrDataLen is returned when a zero-length or oversized datagram is sent.
	ErrDataLen = errors.New("wiznet: invalid data length")
	// ErrPortZero is returned when opening a socket on port zero.
	ErrPortZero = errors.New("wiznet: port zero")
)

// Bus is the register-level transport to the controller, typically SPI.
// BeginTransaction must block until exclusive access to the bus is granted;
// all other methods are only valid between BeginTransaction and EndTransaction.
type Bus interface {
	BeginTransaction()
	EndTransaction()
	// Select asserts chip select.
	Select()
	// Deselect deasserts chip select, ending the current frame.
	Deselect()
	ReadReg() byte
	WriteReg(b byte)
	ReadBurst(p []byte)
	WriteBurst(p []byte)
}

// Protocol is the socket mode written to Sn_MR.
type Protocol uint8

const (
	ProtocolClosed Protocol = 0x00
	ProtocolTCP    Protocol = 0x01
	ProtocolUDP    Protocol = 0x02
	ProtocolMACRaw Protocol = 0x04
)

func (p Protocol) String() string {
	switch p {
	case ProtocolClosed:
		return "closed"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolMACRaw:
		return "macraw"
	}
	return "unknown"
}

// Flag holds the upper Sn_MR option bits.
type Flag uint8

const (
	// FlagMulticast enables multicast on a UDP socket. Sn_DIPR and Sn_DPORT
	// must hold the group address and port before the socket is opened.
	FlagMulticast      Flag = 0x80
	FlagBroadcastBlock Flag = 0x40
	// FlagNoDelay disables delayed ACK on TCP sockets. Same bit as IGMPv1 on UDP multicast.
	FlagNoDelay      Flag = 0x20
	FlagUnicastBlock Flag = 0x10
)

// SocketStatus is the raw value of Sn_SR.
type SocketStatus uint8

const (
	StatusClosed      SocketStatus = 0x00
	StatusInit        SocketStatus = 0x13
	StatusListen      SocketStatus = 0x14
	StatusSynSent     SocketStatus = 0x15
	StatusSynRecv     SocketStatus = 0x16
	StatusEstablished SocketStatus = 0x17
	StatusFinWait     SocketStatus = 0x18
	StatusClosing     SocketStatus = 0x1A
	StatusTimeWait    SocketStatus = 0x1B
	StatusCloseWait   SocketStatus = 0x1C
	StatusLastAck     SocketStatus = 0x1D
	StatusUDP         SocketStatus = 0x22
	StatusMACRaw      SocketStatus = 0x42
)

// TCPState maps a TCP socket status to its RFC 9293 state. Non-TCP statuses
// map to [seqs.StateClosed].
func (s SocketStatus) TCPState() seqs.State {
	switch s {
	case StatusListen:
		return seqs.StateListen
	case StatusSynSent:
		return seqs.StateSynSent
	case StatusSynRecv:
		return seqs.StateSynRcvd
	case StatusEstablished:
		return seqs.StateEstablished
	case StatusFinWait:
		return seqs.StateFinWait1
	case StatusClosing:
		return seqs.StateClosing
	case StatusTimeWait:
		return seqs.StateTimeWait
	case StatusCloseWait:
		return seqs.StateCloseWait
	case StatusLastAck:
		return seqs.StateLastAck
	}
	return seqs.StateClosed
}

// CanRecv reports whether unread data in the RX buffer is still valid in this status.
func (s SocketStatus) CanRecv() bool {
	return s == StatusEstablished || s == StatusCloseWait
}

func (s SocketStatus) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusInit:
		return "INIT"
	case StatusUDP:
		return "UDP"
	case StatusMACRaw:
		return "MACRAW"
	}
	return s.TCPState().String()
}

// NetInfo is the addressing configuration of the controller. DNS has no
// hardware register and is kept by software.
type NetInfo struct {
	MAC        [6]byte
	IP         netip.Addr
	SubnetMask netip.Addr
	Gateway    netip.Addr
	DNS        netip.Addr
	DHCP       bool
}

// As4 returns the 4-byte form of addr, or zeros if addr is not a valid IPv4 address.
func As4(addr netip.Addr) [4]byte {
	if !addr.Is4() {
		return [4]byte{}
	}
	return addr.As4()
}
