// Package isoeth provides TCP client, TCP server and UDP sockets over an
// Ethernet controller that implements the TCP/IP stack in hardware, such as
// the WIZnet W5500.
//
// Such controllers expose exactly 8 socket slots. Every TCP connection, TCP
// listener, UDP socket, the DHCP client while acquiring a lease and every DNS
// lookup in flight each occupy one slot; when all are in use opening
// another socket fails with [ErrSlotExhausted].
//
// An [Engine] owns the controller. Its Tick method (or Run, which calls Tick
// every millisecond) must be called continuously for link changes and DHCP
// to be processed.
package isoeth

import (
	"errors"
	"net/netip"

	"github.com/soypat/isoeth/wiznet"
)

// Event is a network state change reported to handlers registered with
// [Engine.AddEventHandler].
type Event uint8

// Network events
const (
	// The Ethernet PHY link is now UP.
	EventLinkUp Event = iota
	// The Ethernet PHY link is now DOWN. The engine is no longer ready.
	EventLinkDown
	// An IP address was obtained by DHCP, or the link came up with a static address.
	EventGotIPAddress
)

func (ev Event) String() string {
	switch ev {
	case EventLinkUp:
		return "link-up"
	case EventLinkDown:
		return "link-down"
	case EventGotIPAddress:
		return "got-ip"
	}
	return "unknown"
}

var (
	// ErrSlotExhausted is returned when all hardware socket slots are in use.
	ErrSlotExhausted = errors.New("isoeth: no free socket slot")
	// ErrAddressUnresolved is returned when a host name could not be resolved.
	ErrAddressUnresolved = errors.New("isoeth: address unresolved")
	// ErrConnectTimeout is returned when a TCP connection was not established in time.
	ErrConnectTimeout = errors.New("isoeth: connect timeout")
	// ErrConnectRefused is returned when the peer refused or reset the connection attempt.
	ErrConnectRefused = errors.New("isoeth: connection refused")
	// ErrWriteTimeout is returned when a write did not complete in time.
	// Part of the data may have been sent.
	ErrWriteTimeout = errors.New("isoeth: write timeout")
	// ErrSocketInvalidated is returned when the socket's slot was closed or
	// taken over underneath it.
	ErrSocketInvalidated = errors.New("isoeth: socket invalidated")
	// ErrLinkDown is returned when the engine is not ready: link down or no address.
	ErrLinkDown = errors.New("isoeth: network not ready")
	// ErrNotConnected is returned when operating on a socket with no open slot.
	ErrNotConnected = errors.New("isoeth: not connected")
	// ErrNoData is returned by byte-wise reads when no data is buffered.
	ErrNoData = errors.New("isoeth: no data available")
	// ErrEngineClosed is returned by Run and Close once the engine is closed.
	ErrEngineClosed = errors.New("isoeth: engine closed")
)

// Chip is the socket-level interface of a hardware TCP/IP controller with
// [wiznet.NumSockets] socket slots. [*wiznet.Device] implements it.
//
// All methods other than Lock and Unlock must be called between Lock and
// Unlock. Socket methods take a slot number in [0, wiznet.NumSockets).
type Chip interface {
	Lock()
	Unlock()
	PhyLink() bool
	SetNetInfo(wiznet.NetInfo)
	SocketStatus(sn uint8) wiznet.SocketStatus
	// OpenSocket closes sn and opens it with the given protocol and local port.
	OpenSocket(sn uint8, proto wiznet.Protocol, port uint16, flags wiznet.Flag) error
	// Connect starts a TCP connection to raddr without waiting for it to establish.
	Connect(sn uint8, raddr netip.AddrPort) error
	Listen(sn uint8) error
	Disconnect(sn uint8) error
	Close(sn uint8) error
	// Send queues TCP data and returns the number of bytes accepted.
	// It returns [wiznet.ErrBusy] if no bytes can be accepted right now.
	Send(sn uint8, p []byte) (int, error)
	// Recv reads TCP data. It returns [wiznet.ErrBusy] if none is pending.
	Recv(sn uint8, p []byte) (int, error)
	SendTo(sn uint8, p []byte, raddr netip.AddrPort) (int, error)
	RecvFrom(sn uint8, p []byte) (int, netip.AddrPort, error)
	RxSize(sn uint8) int
	TxFree(sn uint8) int
	TxMax(sn uint8) int
	RemoteAddr(sn uint8) netip.AddrPort
	// SetDestination sets the destination registers, used to select the
	// group of a multicast socket before it is opened.
	SetDestination(sn uint8, raddr netip.AddrPort)
}

// Resolver is the interface for DNS resolution, as implemented by the `net` package.
type Resolver interface {
	// LookupNetIP returns the IP addresses of a host.
	LookupNetIP(host string) ([]netip.Addr, error)
}

var _ Chip = (*wiznet.Device)(nil)
