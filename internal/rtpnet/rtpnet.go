// Package rtpnet is the socket boundary behind the channel graph's input
// shims: joining multicast groups, sending out-of-band NAT-keepalive
// packets for repair/primary inject, and pumping received datagrams. The
// interface to join on is supplied by the caller (nil lets the kernel
// pick); this package does not resolve it. Name resolution and STUN/NAT traversal
// live elsewhere — callers supply a resolved address, this package just
// owns the socket.
//
// Grounded on the internal/hdhomerun/discover.go UDP listen loop (bind,
// set deadline, read, log-and-continue on transient errors) and extended
// to multicast joins via golang.org/x/net/ipv4/ipv6, following the
// "SO_REUSEADDR and IP_ADD_MEMBERSHIP on the interface matching the input
// address" socket policy.
package rtpnet

import (
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Conn is a joined multicast (or unicast) UDP socket plus the interface
// and TTL it was configured with.
type Conn struct {
	pc   net.PacketConn
	iface *net.Interface
	ttl  int
}

// Join opens a UDP socket bound to port and, if group is a multicast
// address, joins it on iface (nil means "let the kernel pick"), following
// the IP_ADD_MEMBERSHIP-on-matching-interface policy.
func Join(group string, port int, iface *net.Interface) (*Conn, error) {
	ip := net.ParseIP(group)
	if ip == nil {
		return nil, fmt.Errorf("rtpnet: invalid group address %q", group)
	}

	pc, err := net.ListenPacket(udpNetwork(ip), fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("rtpnet: listen: %w", err)
	}

	if ip.IsMulticast() {
		if err := joinMulticast(pc, ip, iface); err != nil {
			pc.Close()
			return nil, fmt.Errorf("rtpnet: join multicast %s: %w", group, err)
		}
	}

	return &Conn{pc: pc, iface: iface, ttl: 1}, nil
}

func udpNetwork(ip net.IP) string {
	if ip.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

func joinMulticast(pc net.PacketConn, ip net.IP, iface *net.Interface) error {
	if ip.To4() != nil {
		p := ipv4.NewPacketConn(pc)
		return p.JoinGroup(iface, &net.UDPAddr{IP: ip})
	}
	p := ipv6.NewPacketConn(pc)
	return p.JoinGroup(iface, &net.UDPAddr{IP: ip})
}

// SetMulticastTTL sets the outbound multicast TTL/hop-limit for keepalive
// sends on this socket.
func (c *Conn) SetMulticastTTL(ttl int) error {
	c.ttl = ttl
	ip, _, err := net.SplitHostPort(c.pc.LocalAddr().String())
	if err == nil && net.ParseIP(ip).To4() != nil {
		return ipv4.NewPacketConn(c.pc).SetMulticastTTL(ttl)
	}
	return ipv6.NewPacketConn(c.pc).SetMulticastHopLimit(ttl)
}

// PacketConn exposes the underlying socket for the dispatch loop's
// recvmsg/sendmsg pump.
func (c *Conn) PacketConn() net.PacketConn { return c.pc }

// Close releases the socket.
func (c *Conn) Close() error { return c.pc.Close() }

// SendKeepalive writes a zero-length (or caller-supplied) out-of-band
// datagram toward addr through this socket's bound filter, for NAT
// keepalive and STUN from repair/primary inject.
func (c *Conn) SendKeepalive(addr net.Addr, payload []byte) error {
	_, err := c.pc.WriteTo(payload, addr)
	return err
}

// ReadLoop pumps datagrams from c into handle until stop is closed or a
// non-timeout error occurs, continuing past transient read timeouts
// without logging them.
func ReadLoop(c *Conn, stop <-chan struct{}, readTimeout time.Duration, handle func(buf []byte, from net.Addr)) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if readTimeout > 0 {
			c.pc.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, from, err := c.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("rtpnet: read: %w", err)
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		handle(cp, from)
	}
}

// LogPrintf is the ambient logging hook, kept as a thin indirection so
// callers in tests can observe log lines without shadowing the stdlib
// logger globally.
var LogPrintf = log.Printf
