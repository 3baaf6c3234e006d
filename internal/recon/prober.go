package recon

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// ErrProberUnavailable marks a prober failure that affects every address,
// such as a missing binary or insufficient privileges. A sweep that sees it
// ends with an error event.
var ErrProberUnavailable = errors.New("prober unavailable")

// HostInfo describes a host that answered a probe.
type HostInfo struct {
	Addr     netip.Addr
	MAC      string
	Vendor   string
	Hostname string
	RTT      time.Duration
}

// Prober checks whether a single address is alive. It returns nil info
// and nil error for a host that did not answer.
type Prober interface {
	Probe(ctx context.Context, addr netip.Addr) (*HostInfo, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr netip.Addr) (*HostInfo, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, addr netip.Addr) (*HostInfo, error) {
	return f(ctx, addr)
}
