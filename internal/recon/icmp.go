package recon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ICMPProber pings addresses using ICMP echo via pro-bing.
type ICMPProber struct {
	timeout time.Duration
	count   int
}

// NewICMPProber creates a prober that sends a single echo per address and
// waits up to timeout for the reply.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPProber{timeout: timeout, count: 1}
}

// Probe pings addr. Permission errors are reported as ErrProberUnavailable.
func (p *ICMPProber) Probe(ctx context.Context, addr netip.Addr) (*HostInfo, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return nil, fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		if runErr != nil {
			if errors.Is(runErr, os.ErrPermission) {
				return nil, fmt.Errorf("%w: %v", ErrProberUnavailable, runErr)
			}
			return nil, fmt.Errorf("ping %s: %w", addr, runErr)
		}
		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			return nil, nil
		}
		return &HostInfo{Addr: addr, RTT: stats.AvgRtt}, nil

	case <-ctx.Done():
		pinger.Stop()
		return nil, ctx.Err()
	}
}
