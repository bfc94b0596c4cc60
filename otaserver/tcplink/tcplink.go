//go:build !tinygo

// Package tcplink adapts the standard library TCP listener to the polling
// Listener and Link interfaces of otaserver, for host builds and tests.
package tcplink

import (
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"openenterprise/otamode/otaserver"
)

const pollDeadline = 10 * time.Millisecond

// Listener is a non-blocking wrapper around *net.TCPListener.
type Listener struct {
	l *net.TCPListener
}

// Listen binds host:port. An empty host binds all interfaces.
func Listen(host string, port uint16) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{l: l}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Accept returns a pending connection or nil, nil.
func (l *Listener) Accept() (otaserver.Link, error) {
	l.l.SetDeadline(time.Now().Add(pollDeadline))
	c, err := l.l.AcceptTCP()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return &Link{c: c}, nil
}

func (l *Listener) Close() error { return l.l.Close() }

// Link turns read timeouts into empty reads.
type Link struct {
	c *net.TCPConn
}

func (k *Link) Read(p []byte) (int, error) {
	k.c.SetReadDeadline(time.Now().Add(pollDeadline))
	n, err := k.c.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (k *Link) Write(p []byte) (int, error) { return k.c.Write(p) }

func (k *Link) Flush() error { return nil }

func (k *Link) Close() error { return k.c.Close() }

func (k *Link) RemoteAddr() string { return k.c.RemoteAddr().String() }
