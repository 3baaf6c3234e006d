package recon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// errNoHop is returned when the first-hop probe gets no matching reply.
var errNoHop = errors.New("no reply from first hop")

// GatewayDetector returns the address of the default gateway.
type GatewayDetector func(ctx context.Context) (netip.Addr, error)

// FirstHopDetector returns a detector that sends one ICMP echo with TTL 1
// towards target. The router that answers with Time Exceeded is the
// gateway; an echo reply means target itself is on-link and is used instead.
func FirstHopDetector(target string, timeout time.Duration) GatewayDetector {
	return func(ctx context.Context) (netip.Addr, error) {
		return firstHop(ctx, target, timeout)
	}
}

func firstHop(ctx context.Context, target string, timeout time.Duration) (netip.Addr, error) {
	dst, err := netip.ParseAddr(target)
	if err != nil || !dst.Is4() {
		return netip.Addr{}, fmt.Errorf("gateway probe target %q is not an IPv4 address", target)
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	conn, network, err := openICMPConn()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("open ICMP connection: %w", err)
	}
	defer conn.Close()

	if err := conn.IPv4PacketConn().SetTTL(1); err != nil {
		return netip.Addr{}, fmt.Errorf("set TTL: %w", err)
	}

	id := os.Getpid() & 0xffff
	const seq = 1
	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("netmapper-gateway")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return netip.Addr{}, err
	}

	var to net.Addr = &net.IPAddr{IP: dst.AsSlice()}
	if network == "udp4" {
		to = &net.UDPAddr{IP: dst.AsSlice()}
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netip.Addr{}, err
	}
	if _, err := conn.WriteTo(wire, to); err != nil {
		return netip.Addr{}, fmt.Errorf("send probe: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return netip.Addr{}, errNoHop
		}
		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue
		}

		var match bool
		switch body := reply.Body.(type) {
		case *icmp.Echo:
			// Unprivileged sockets rewrite the echo id, so only seq is checked.
			match = reply.Type == ipv4.ICMPTypeEchoReply && body.Seq == seq
		case *icmp.TimeExceeded:
			match = matchesPayload(body.Data, id, seq, network == "udp4")
		}
		if !match {
			continue
		}
		if addr, ok := peerAddr(peer); ok {
			return addr, nil
		}
	}
}

// openICMPConn opens an ICMP packet connection suitable for the current platform.
func openICMPConn() (*icmp.PacketConn, string, error) {
	if runtime.GOOS == "windows" {
		conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		return conn, "ip4:icmp", err
	}

	// Unprivileged ICMP (Linux with net.ipv4.ping_group_range), then raw.
	conn, err := icmp.ListenPacket("udp4", "")
	if err == nil {
		return conn, "udp4", nil
	}
	conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	return conn, "ip4:icmp", err
}

func peerAddr(peer net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch p := peer.(type) {
	case *net.UDPAddr:
		ip = p.IP
	case *net.IPAddr:
		ip = p.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}

// matchesPayload reports whether the quoted datagram of an ICMP error (the
// original IP header plus at least 8 bytes of our echo request) carries the
// expected id and seq. anyID skips the id check.
func matchesPayload(data []byte, id, seq int, anyID bool) bool {
	if len(data) < 28 {
		return false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return false
	}
	echo := data[ihl:]
	if echo[0] != byte(ipv4.ICMPTypeEcho) {
		return false
	}
	gotID := int(binary.BigEndian.Uint16(echo[4:6]))
	gotSeq := int(binary.BigEndian.Uint16(echo[6:8]))
	return gotSeq == seq && (anyID || gotID == id)
}
