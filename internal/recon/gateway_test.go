package recon

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
)

// quoted builds the payload of an ICMP error: a 20-byte IPv4 header followed
// by the first 8 bytes of an echo request.
func quoted(icmpType byte, id, seq uint16) []byte {
	b := make([]byte, 28)
	b[0] = 0x45
	b[20] = icmpType
	binary.BigEndian.PutUint16(b[24:26], id)
	binary.BigEndian.PutUint16(b[26:28], seq)
	return b
}

func TestMatchesPayload(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		anyID bool
		want  bool
	}{
		{"match", quoted(8, 42, 1), false, true},
		{"wrong id", quoted(8, 7, 1), false, false},
		{"wrong id ignored", quoted(8, 7, 1), true, true},
		{"wrong seq", quoted(8, 42, 2), true, false},
		{"not an echo", quoted(0, 42, 1), false, false},
		{"short", make([]byte, 12), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesPayload(tt.data, 42, 1, tt.anyID); got != tt.want {
				t.Errorf("matchesPayload() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPeerAddr(t *testing.T) {
	addr, ok := peerAddr(&net.UDPAddr{IP: net.ParseIP("192.168.1.254")})
	if !ok || addr != netip.MustParseAddr("192.168.1.254") {
		t.Errorf("peerAddr(udp) = %v, %v", addr, ok)
	}
	addr, ok = peerAddr(&net.IPAddr{IP: net.IPv4(10, 0, 0, 1)})
	if !ok || addr != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("peerAddr(ip) = %v, %v", addr, ok)
	}
	if _, ok := peerAddr(&net.TCPAddr{}); ok {
		t.Error("peerAddr(tcp) ok = true")
	}
}

func TestFirstHopDetector_RejectsTarget(t *testing.T) {
	detect := FirstHopDetector("not-an-ip", 0)
	if _, err := detect(context.Background()); err == nil {
		t.Fatal("detector accepted a non-IP target")
	}
	detect = FirstHopDetector("::1", 0)
	if _, err := detect(context.Background()); err == nil {
		t.Fatal("detector accepted an IPv6 target")
	}
}
