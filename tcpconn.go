package isoeth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/isoeth/wiznet"
)

// connState is the state shared by all clones of a TCPConn.
type connState struct {
	e  *Engine
	mu sync.Mutex
	// Fields below guarded by mu.
	sock  slot
	buf   []byte
	off   int
	end   int
	raddr netip.AddrPort
	refs  int
	werr  error
}

// TCPConn is a TCP client connection on one hardware socket slot with a
// fixed local receive buffer. Clones share the connection; the last
// Release tears it down. Methods are safe for concurrent use.
//
// Read and Available never block: they return what is buffered locally,
// refilling the buffer from the controller only once it is drained.
type TCPConn struct {
	st       *connState
	released atomic.Bool
}

// NewTCPConn returns an unconnected TCP connection. It holds no socket slot
// until Connect succeeds; a connected TCPConn occupies one of the
// controller's 8 slots.
func (e *Engine) NewTCPConn() *TCPConn {
	return &TCPConn{st: e.newConnState()}
}

func (e *Engine) newConnState() *connState {
	return &connState{
		e:    e,
		buf:  make([]byte, e.tcpbufsize),
		refs: 1,
	}
}

// DialTCP returns a TCPConn connected to raddr. See [TCPConn.Connect].
func (e *Engine) DialTCP(raddr netip.AddrPort, timeout time.Duration) (*TCPConn, error) {
	conn := e.NewTCPConn()
	err := conn.Connect(raddr, timeout)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

// Connect stops any previous connection and connects to raddr. It returns
// nil once the connection is established, [ErrConnectRefused] if the peer
// refused or reset it and [ErrConnectTimeout] if timeout elapsed first.
// A zero timeout waits forever. It fails with [ErrLinkDown] if the engine
// is not ready and [ErrSlotExhausted] if all 8 slots are in use. On failure
// the TCPConn is stopped and may be reused.
func (c *TCPConn) Connect(raddr netip.AddrPort, timeout time.Duration) error {
	st := c.st
	e := st.e
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stop()
	if !e.Ready() {
		return ErrLinkDown
	} else if !raddr.Addr().Is4() || raddr.Addr().IsUnspecified() || raddr.Port() == 0 {
		return fmt.Errorf("%w: invalid address %s", ErrConnectRefused, raddr)
	}
	e.chip.Lock()
	s, err := e.pool.open(wiznet.ProtocolTCP, 0, wiznet.FlagNoDelay)
	if err == nil {
		err = e.chip.Connect(s.sn, raddr)
		if err != nil {
			e.pool.release(s)
		}
	}
	e.chip.Unlock()
	if err != nil {
		return err
	}
	st.sock = s
	st.raddr = raddr
	e.trace("tcp:connect", slog.Int("slot", int(s.sn)), slog.String("raddr", raddr.String()))
	start := time.Now()
	for {
		e.chip.Lock()
		status := wiznet.StatusClosed
		if e.pool.valid(s) {
			status = e.chip.SocketStatus(s.sn)
		}
		e.chip.Unlock()
		switch status {
		case wiznet.StatusEstablished, wiznet.StatusCloseWait:
			e.debug("tcp:established", slog.Int("slot", int(s.sn)), slog.String("raddr", raddr.String()))
			return nil
		case wiznet.StatusClosed:
			st.stop()
			return ErrConnectRefused
		}
		if timeout > 0 && time.Since(start) >= timeout {
			e.debug("tcp:connect-timeout", slog.Int("slot", int(s.sn)), slog.String("state", status.TCPState().String()))
			st.stop()
			return ErrConnectTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// ConnectHost resolves host with [Engine.Resolve] and connects to it.
func (c *TCPConn) ConnectHost(host string, port uint16, timeout time.Duration) error {
	addr, err := c.st.e.Resolve(host, 0)
	if err != nil {
		c.Stop()
		return err
	}
	return c.Connect(netip.AddrPortFrom(addr, port), timeout)
}

// Write writes p with the engine's default send timeout.
func (c *TCPConn) Write(p []byte) (int, error) {
	return c.WriteTimeout(p, c.st.e.sendTimeout)
}

// WriteTimeout hands p to the controller's send window, waiting while it is
// full. It returns [ErrWriteTimeout] if timeout elapses before all of p is
// accepted, in which case n bytes may have been sent. A zero timeout waits
// forever.
func (c *TCPConn) WriteTimeout(p []byte, timeout time.Duration) (n int, err error) {
	st := c.st
	e := st.e
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sock.isZero() {
		return 0, ErrNotConnected
	}
	start := time.Now()
	for n < len(p) {
		var k int
		e.chip.Lock()
		if e.pool.valid(st.sock) {
			k, err = e.chip.Send(st.sock.sn, p[n:])
		} else {
			err = ErrSocketInvalidated
		}
		e.chip.Unlock()
		n += k
		if errors.Is(err, wiznet.ErrBusy) {
			if timeout > 0 && time.Since(start) >= timeout {
				st.werr = ErrWriteTimeout
				return n, ErrWriteTimeout
			}
			time.Sleep(time.Millisecond)
			continue
		} else if err != nil {
			if errors.Is(err, wiznet.ErrSocketClosed) {
				err = ErrNotConnected
			}
			st.werr = err
			return n, err
		}
	}
	return n, nil
}

// WriteErr returns the error of the last failed write.
func (c *TCPConn) WriteErr() error {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.werr
}

// Available returns the number of bytes buffered locally. The buffer is
// refilled from the controller only when empty.
func (c *TCPConn) Available() int {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.available()
}

// Read copies buffered bytes into p. It returns (0, nil) while connected
// with nothing to read and io.EOF once disconnected and drained.
func (c *TCPConn) Read(p []byte) (int, error) {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.available() == 0 {
		if len(p) > 0 && !st.connected() {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, st.buf[st.off:st.end])
	st.off += n
	return n, nil
}

// ReadByte reads one buffered byte. It returns [ErrNoData] if none is available.
func (c *TCPConn) ReadByte() (byte, error) {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.available() == 0 {
		return 0, ErrNoData
	}
	b := st.buf[st.off]
	st.off++
	return b, nil
}

// Peek returns the next buffered byte without consuming it.
func (c *TCPConn) Peek() (byte, error) {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.available() == 0 {
		return 0, ErrNoData
	}
	return st.buf[st.off], nil
}

// DiscardBuffer drops unread locally buffered bytes.
func (c *TCPConn) DiscardBuffer() {
	c.st.mu.Lock()
	c.st.off, c.st.end = 0, 0
	c.st.mu.Unlock()
}

// Connected reports whether the connection is established or data remains
// to be read after the peer closed. Once it reports false the connection
// has been stopped.
func (c *TCPConn) Connected() bool {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.connected()
}

// Status reports whether the connection is established and the engine
// ready, ignoring buffered data.
func (c *TCPConn) Status() bool {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.status()
}

// Flush waits until the controller has sent everything written. It gives up
// with [ErrWriteTimeout] after the engine's send timeout.
func (c *TCPConn) Flush() error {
	st := c.st
	e := st.e
	st.mu.Lock()
	defer st.mu.Unlock()
	start := time.Now()
	for {
		e.chip.Lock()
		var drained, open bool
		if e.pool.valid(st.sock) {
			sn := st.sock.sn
			open = e.chip.SocketStatus(sn).CanRecv()
			drained = e.chip.TxFree(sn) == e.chip.TxMax(sn)
		}
		e.chip.Unlock()
		switch {
		case drained:
			return nil
		case !open:
			return ErrNotConnected
		case time.Since(start) >= e.sendTimeout:
			return ErrWriteTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop disconnects and releases the socket slot. Buffered data is dropped.
// Stop is idempotent and affects all clones.
func (c *TCPConn) Stop() {
	c.st.mu.Lock()
	c.st.stop()
	c.st.mu.Unlock()
}

// Clone returns a new handle sharing the connection.
func (c *TCPConn) Clone() *TCPConn {
	c.st.mu.Lock()
	c.st.refs++
	c.st.mu.Unlock()
	return &TCPConn{st: c.st}
}

// Release drops this handle. The connection is stopped when the last
// handle is released. c must not be used afterwards.
func (c *TCPConn) Release() {
	if c.released.Swap(true) {
		return
	}
	st := c.st
	st.mu.Lock()
	st.refs--
	if st.refs == 0 {
		st.stop()
	}
	st.mu.Unlock()
}

// RemoteAddr returns the address of the peer.
func (c *TCPConn) RemoteAddr() netip.AddrPort {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.raddr
}

// LocalPort returns the local port of the connection or zero if stopped.
func (c *TCPConn) LocalPort() uint16 {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	st.e.chip.Lock()
	defer st.e.chip.Unlock()
	return st.e.pool.localPort(st.sock)
}

// available must be called with mu held.
func (st *connState) available() int {
	if st.off < st.end {
		return st.end - st.off
	}
	st.off, st.end = 0, 0
	if st.sock.isZero() {
		return 0
	}
	e := st.e
	e.chip.Lock()
	if e.pool.valid(st.sock) {
		n, err := e.chip.Recv(st.sock.sn, st.buf)
		if err == nil {
			st.end = n
		}
	}
	e.chip.Unlock()
	return st.end
}

func (st *connState) status() bool {
	if st.sock.isZero() || !st.e.Ready() {
		return false
	}
	e := st.e
	e.chip.Lock()
	defer e.chip.Unlock()
	return e.pool.valid(st.sock) && e.chip.SocketStatus(st.sock.sn) == wiznet.StatusEstablished
}

func (st *connState) connected() bool {
	if st.off < st.end {
		return true
	} else if st.sock.isZero() {
		return false
	} else if st.status() || st.available() > 0 {
		return true
	}
	st.stop()
	return false
}

// stop must be called with mu held.
func (st *connState) stop() {
	if !st.sock.isZero() {
		e := st.e
		e.trace("tcp:stop", slog.Int("slot", int(st.sock.sn)))
		e.chip.Lock()
		e.pool.release(st.sock)
		e.chip.Unlock()
	}
	st.sock = slot{}
	st.off, st.end = 0, 0
	st.werr = nil
}
