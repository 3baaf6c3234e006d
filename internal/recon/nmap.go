package recon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"
)

// NmapProber performs "nmap -sn" host discovery one address at a time.
// When nmap runs privileged on the local segment it also reports the MAC
// address and vendor.
type NmapProber struct {
	timeout time.Duration
}

// NewNmapProber creates a prober bounded by timeout per address.
func NewNmapProber(timeout time.Duration) *NmapProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &NmapProber{timeout: timeout}
}

// Probe runs a ping scan against addr. A missing nmap binary is reported as
// ErrProberUnavailable.
func (p *NmapProber) Probe(ctx context.Context, addr netip.Addr) (*HostInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*p.timeout)
	defer cancel()

	scanner, err := nmap.NewScanner(ctx,
		nmap.WithTargets(addr.String()),
		nmap.WithPingScan(),
		nmap.WithHostTimeout(p.timeout),
	)
	if err != nil {
		if errors.Is(err, nmap.ErrNmapNotInstalled) {
			return nil, fmt.Errorf("%w: %v", ErrProberUnavailable, err)
		}
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}

	result, _, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("nmap %s: %w", addr, err)
	}
	return hostFromNmap(addr, result), nil
}

// hostFromNmap extracts the first live host from an nmap run.
func hostFromNmap(addr netip.Addr, result *nmap.Run) *HostInfo {
	if result == nil {
		return nil
	}
	for _, host := range result.Hosts {
		if host.Status.State != "up" {
			continue
		}
		info := &HostInfo{Addr: addr}
		for _, a := range host.Addresses {
			if a.AddrType == "mac" {
				info.MAC = strings.ToUpper(a.Addr)
				info.Vendor = a.Vendor
			}
		}
		if len(host.Hostnames) > 0 {
			info.Hostname = host.Hostnames[0].Name
		}
		return info
	}
	return nil
}
