//go:build tinygo

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync/atomic"
	"time"

	"openenterprise/otamode/otaserver"
	"openenterprise/otamode/updatemode"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	pollTime    = 5 * time.Millisecond
	otaBufSize  = otaserver.MaxChunkSize + 64
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
)

// Pre-allocated connection buffers.
var (
	otaRxBuf  [otaBufSize]byte
	otaTxBuf  [512]byte
	mqttRxBuf [tcpBufSize]byte
	mqttTxBuf [tcpBufSize]byte
)

// picoNetwork joins WiFi through the CYW43439 and runs DHCP in the
// background while the update mode polls Status.
type picoNetwork struct {
	hostname  string
	logger    *slog.Logger
	netLogger *slog.Logger

	cystack *cywnet.Stack
	status  atomic.Uint32
	dhcp    atomic.Bool
	addr    netip.Addr
}

func (n *picoNetwork) Join(ssid, pass string) error {
	if n.cystack == nil {
		devcfg := cyw43439.DefaultWifiConfig()
		devcfg.Logger = n.netLogger
		cystack, err := cywnet.NewConfiguredPicoWithStack(ssid, pass, devcfg, cywnet.StackConfig{
			Hostname:    n.hostname,
			MaxTCPPorts: 2, // OTA + MQTT status
		})
		if err != nil {
			return err
		}
		n.cystack = cystack
		go n.pump()
	}
	if n.dhcp.Swap(true) {
		return nil // previous attempt still waiting on a lease
	}
	n.status.Store(uint32(updatemode.Connecting))
	go n.lease()
	return nil
}

func (n *picoNetwork) lease() {
	defer n.dhcp.Store(false)
	results, err := n.cystack.SetupWithDHCP(cywnet.DHCPConfig{})
	if err != nil {
		n.logger.Error("dhcp:failed", slog.String("err", err.Error()))
		n.status.Store(uint32(updatemode.Disconnected))
		return
	}
	addr, err := netip.ParseAddr(results.AssignedAddr.String())
	if err != nil {
		n.logger.Error("dhcp:bad-address", slog.String("err", err.Error()))
		n.status.Store(uint32(updatemode.Disconnected))
		return
	}
	n.addr = addr
	n.logger.Info("dhcp:complete", slog.String("addr", addr.String()))
	n.status.Store(uint32(updatemode.Connected))
}

func (n *picoNetwork) Status() updatemode.LinkStatus {
	return updatemode.LinkStatus(n.status.Load())
}

func (n *picoNetwork) Addr() netip.Addr { return n.addr }

// stack returns the lneto stack once the radio is up.
func (n *picoNetwork) stack() *xnet.StackAsync {
	if n.cystack == nil {
		return nil
	}
	return n.cystack.LnetoStack()
}

// pump moves packets between the chip and the stack.
func (n *picoNetwork) pump() {
	for {
		send, recv, _ := n.cystack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
	}
}

// lnetoListener serves one OTA connection at a time on a static tcp.Conn.
type lnetoListener struct {
	net       *picoNetwork
	port      uint16
	conn      tcp.Conn
	listening bool
}

func listenOTA(pn *picoNetwork) func(port uint16) (otaserver.Listener, error) {
	return func(port uint16) (otaserver.Listener, error) {
		if pn.stack() == nil {
			return nil, errors.New("ota: network not up")
		}
		l := &lnetoListener{net: pn, port: port}
		err := l.conn.Configure(tcp.ConnConfig{
			RxBuf:             otaRxBuf[:],
			TxBuf:             otaTxBuf[:],
			TxPacketQueueSize: 2,
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func (l *lnetoListener) Accept() (otaserver.Link, error) {
	if !l.listening {
		l.conn.Abort()
		if err := l.net.stack().ListenTCP(&l.conn, l.port); err != nil {
			return nil, err
		}
		l.listening = true
	}
	state := l.conn.State()
	switch {
	case state.IsPreestablished():
		return nil, nil
	case state.IsSynchronized():
		l.listening = false
		return &lnetoLink{l: l}, nil
	default:
		l.listening = false
		return nil, nil
	}
}

func (l *lnetoListener) Close() error {
	l.conn.Abort()
	l.listening = false
	return nil
}

type lnetoLink struct {
	l *lnetoListener
}

func (k *lnetoLink) Read(p []byte) (int, error) {
	conn := &k.l.conn
	if conn.State().IsClosed() || conn.State().IsClosing() {
		return 0, io.EOF
	}
	n, err := conn.Read(p)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

func (k *lnetoLink) Write(p []byte) (int, error) { return k.l.conn.Write(p) }

func (k *lnetoLink) Flush() error {
	k.l.conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
	return nil
}

func (k *lnetoLink) Close() error {
	conn := &k.l.conn
	conn.Close()
	for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	return nil
}

func (k *lnetoLink) RemoteAddr() string {
	addr, ok := netip.AddrFromSlice(k.l.conn.RemoteAddr())
	if !ok {
		return "unknown"
	}
	return addr.String()
}

// mqttConn closes its tcp.Conn the way the broker expects and frees the
// ARP slot afterwards.
type mqttConn struct {
	tcp.Conn
	stack  *xnet.StackAsync
	broker netip.AddrPort
}

func (c *mqttConn) Close() error {
	c.Conn.Close()
	for i := 0; i < 50 && !c.Conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	c.Conn.Abort()
	c.stack.DiscardResolveHardwareAddress6(c.broker.Addr())
	return nil
}

var brokerConn mqttConn

func dialBroker(pn *picoNetwork, broker netip.AddrPort) func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		stack := pn.stack()
		if stack == nil {
			return nil, errors.New("mqtt: network not up")
		}
		c := &brokerConn
		c.stack = stack
		c.broker = broker
		err := c.Conn.Configure(tcp.ConnConfig{
			RxBuf:             mqttRxBuf[:],
			TxBuf:             mqttTxBuf[:],
			TxPacketQueueSize: 3,
		})
		if err != nil {
			return nil, err
		}
		lport := uint16(stack.Prand32()>>17) + 1024
		rstack := stack.StackRetrying(5 * time.Millisecond)
		if err := rstack.DoDialTCP(&c.Conn, lport, broker, mqttTimeout, mqttRetries); err != nil {
			c.Close()
			return nil, err
		}
		c.Conn.SetDeadline(time.Now().Add(mqttTimeout))
		return c, nil
	}
}
