package isoeth

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/soypat/isoeth/wiznet"
)

// TCPListener accepts TCP connections on a local port. The controller has
// no accept queue: the listening slot itself becomes the connection, and a
// fresh slot is bound to the port right after. While listening it occupies
// one of the controller's 8 slots, plus one per accepted connection.
type TCPListener struct {
	e    *Engine
	port uint16

	mu     sync.Mutex
	sock   slot
	latest *TCPConn
}

// NewTCPListener returns a listener for port. It does not bind a slot until
// Begin or Available is called.
func (e *Engine) NewTCPListener(port uint16) *TCPListener {
	return &TCPListener{e: e, port: port}
}

// Port returns the local port the listener binds.
func (l *TCPListener) Port() uint16 { return l.port }

// Begin binds a slot to the port and starts listening. It succeeds
// immediately if a slot is already listening and fails with [ErrLinkDown]
// if the engine is not ready.
func (l *TCPListener) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.begin()
}

func (l *TCPListener) begin() error {
	e := l.e
	if !e.Ready() {
		return ErrLinkDown
	}
	e.chip.Lock()
	defer e.chip.Unlock()
	if !l.sock.isZero() {
		if e.pool.valid(l.sock) && l.live(l.sock.sn) {
			return nil
		}
		// Listening slot was closed, reclaimed, or the peer left before
		// the connection was accepted: bind again.
		e.pool.release(l.sock)
		l.sock = slot{}
	}
	s, err := e.pool.open(wiznet.ProtocolTCP, l.port, wiznet.FlagNoDelay)
	if err != nil {
		return err
	}
	err = e.chip.Listen(s.sn)
	if err != nil {
		e.pool.release(s)
		return err
	}
	l.sock = s
	e.trace("tcp:listen", slog.Int("slot", int(s.sn)), slog.Uint64("port", uint64(l.port)))
	return nil
}

// live reports whether slot sn is listening or holds a connection not yet
// accepted. Called with the chip lock held.
func (l *TCPListener) live(sn uint8) bool {
	switch l.e.chip.SocketStatus(sn) {
	case wiznet.StatusListen, wiznet.StatusSynRecv, wiznet.StatusEstablished:
		return true
	case wiznet.StatusCloseWait:
		return l.e.chip.RxSize(sn) > 0
	}
	return false
}

// Available returns a connection if a client has connected since the last
// call, or nil otherwise. It begins listening if needed. The returned
// connection is owned by the caller, who must Release it; the listener also
// keeps it as the latest connection for Write until the next accept or Stop.
func (l *TCPListener) Available() *TCPConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.e
	if err := l.begin(); err != nil {
		e.debug("tcp:listen-failed", slog.Uint64("port", uint64(l.port)), slog.String("err", err.Error()))
		return nil
	}
	sn := l.sock.sn
	e.chip.Lock()
	status := e.chip.SocketStatus(sn)
	accepted := status == wiznet.StatusEstablished ||
		(status == wiznet.StatusCloseWait && e.chip.RxSize(sn) > 0)
	var raddr netip.AddrPort
	if accepted {
		raddr = e.chip.RemoteAddr(sn)
	}
	e.chip.Unlock()
	if !accepted {
		return nil
	}
	st := e.newConnState()
	st.sock = l.sock
	st.raddr = raddr
	l.sock = slot{}
	if l.latest != nil {
		l.latest.Release()
	}
	l.latest = &TCPConn{st: st}
	e.debug("tcp:accept", slog.Int("slot", int(sn)), slog.String("raddr", st.raddr.String()))
	if err := l.begin(); err != nil {
		e.error("tcp:relisten", slog.Uint64("port", uint64(l.port)), slog.String("err", err.Error()))
	}
	return l.latest.Clone()
}

// Write writes p to the latest accepted connection.
func (l *TCPListener) Write(p []byte) (int, error) {
	return l.WriteTimeout(p, l.e.sendTimeout)
}

// WriteTimeout writes p to the latest accepted connection. See [TCPConn.WriteTimeout].
func (l *TCPListener) WriteTimeout(p []byte, timeout time.Duration) (int, error) {
	l.mu.Lock()
	latest := l.latest
	if latest == nil {
		l.mu.Unlock()
		return 0, ErrNotConnected
	}
	latest = latest.Clone()
	l.mu.Unlock()
	defer latest.Release()
	return latest.WriteTimeout(p, timeout)
}

// Stop releases the listener's reference to the latest connection and its
// listening slot. Connections returned by Available stay open until
// released by their owners.
func (l *TCPListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest != nil {
		l.latest.Release()
		l.latest = nil
	}
	if !l.sock.isZero() {
		l.e.chip.Lock()
		l.e.pool.release(l.sock)
		l.e.chip.Unlock()
		l.sock = slot{}
	}
}
