package isoeth

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// NetConn returns a [net.Conn] view of c for use with packages written
// against the standard library, such as protocol clients. Unlike c, its Read
// blocks until data arrives, the connection closes or the read deadline
// passes. Closing it stops and releases c.
func (c *TCPConn) NetConn() net.Conn {
	return &netConn{c: c}
}

type netConn struct {
	c     *TCPConn
	mu    sync.Mutex
	rdead time.Time
	wdead time.Time
}

var _ net.Conn = (*netConn)(nil)

func (nc *netConn) Read(p []byte) (int, error) {
	backoff := pollBackoff()
	for {
		n, err := nc.c.Read(p)
		if n > 0 || err != nil || len(p) == 0 {
			return n, err
		}
		nc.mu.Lock()
		deadline := nc.rdead
		nc.mu.Unlock()
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		backoff.Miss()
	}
}

func (nc *netConn) Write(p []byte) (int, error) {
	nc.mu.Lock()
	deadline := nc.wdead
	nc.mu.Unlock()
	timeout := nc.c.st.e.sendTimeout
	if !deadline.IsZero() {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
	}
	n, err := nc.c.WriteTimeout(p, timeout)
	if !deadline.IsZero() && errors.Is(err, ErrWriteTimeout) {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (nc *netConn) Close() error {
	nc.c.Stop()
	nc.c.Release()
	return nil
}

func (nc *netConn) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(nc.c.st.e.Addr(), nc.c.LocalPort()))
}

func (nc *netConn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(nc.c.RemoteAddr())
}

func (nc *netConn) SetDeadline(t time.Time) error {
	nc.mu.Lock()
	nc.rdead, nc.wdead = t, t
	nc.mu.Unlock()
	return nil
}

func (nc *netConn) SetReadDeadline(t time.Time) error {
	nc.mu.Lock()
	nc.rdead = t
	nc.mu.Unlock()
	return nil
}

func (nc *netConn) SetWriteDeadline(t time.Time) error {
	nc.mu.Lock()
	nc.wdead = t
	nc.mu.Unlock()
	return nil
}
