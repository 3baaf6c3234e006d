package recon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/HerbHall/netmapper/pkg/models"
)

// maxSweepHosts bounds the size of a sweep target (a /16).
const maxSweepHosts = 1 << 16

// SweepProducer probes every host address of a subnet. Each probed
// address is one unit of progress; each live host becomes a device.
type SweepProducer struct {
	runner

	subnet      string
	baseIP      string
	concurrency int
	rate        float64
	prober      Prober
	oui         *OUITable
	logger      *zap.Logger

	readARP       func(ctx context.Context) (ARPTable, error)
	resolve       func(ctx context.Context, ip string) string
	detectGateway GatewayDetector
}

// SweepOption configures a SweepProducer.
type SweepOption func(*SweepProducer)

// WithARPReader replaces the neighbor table source.
func WithARPReader(fn func(ctx context.Context) (ARPTable, error)) SweepOption {
	return func(p *SweepProducer) { p.readARP = fn }
}

// WithResolver replaces reverse DNS lookup.
func WithResolver(fn func(ctx context.Context, ip string) string) SweepOption {
	return func(p *SweepProducer) { p.resolve = fn }
}

// WithGatewayDetector sets how the gateway is found. Without one, the .1
// host of the subnet is assumed to be the gateway.
func WithGatewayDetector(d GatewayDetector) SweepOption {
	return func(p *SweepProducer) { p.detectGateway = d }
}

// NewSweepProducer creates a sweep over cfg.Subnet, or the /24 of the first
// non-loopback IPv4 interface when no subnet is configured.
func NewSweepProducer(cfg Config, prober Prober, logger *zap.Logger, opts ...SweepOption) *SweepProducer {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BaseIP == "" {
		cfg.BaseIP = def.BaseIP
	}
	p := &SweepProducer{
		runner:      runner{now: time.Now},
		subnet:      cfg.Subnet,
		baseIP:      cfg.BaseIP,
		concurrency: cfg.Concurrency,
		rate:        cfg.Rate,
		prober:      prober,
		oui:         NewOUITable(),
		logger:      logger,
		readARP:     ReadARPTable,
		resolve:     reverseLookup,
	}
	if cfg.GatewayProbe != "" {
		p.detectGateway = FirstHopDetector(cfg.GatewayProbe, cfg.ProbeTimeout)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a sweep. It returns ErrAlreadyRunning while a previous sweep
// is still live.
func (p *SweepProducer) Start(sink Sink) (Handle, error) {
	r, err := p.begin(sink)
	if err != nil {
		return nil, err
	}
	go p.sweep(r)
	return r, nil
}

func (p *SweepProducer) target() (netip.Prefix, error) {
	subnet := p.subnet
	if subnet == "" {
		subnet = detectSubnet(p.baseIP)
	}
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse subnet %q: %w", subnet, err)
	}
	return prefix, nil
}

func (p *SweepProducer) sweep(r *run) {
	prefix, err := p.target()
	if err == nil {
		var hosts []netip.Addr
		hosts, err = Hosts(prefix)
		if err == nil {
			err = p.probeAll(r, hosts, p.gateway(r.ctx))
		}
	}

	switch {
	case r.done():
		// cancelled
	case err != nil:
		p.logger.Warn("sweep failed", zap.Error(err))
		r.finish(models.NewError(err.Error(), r.now()))
	}
}

// gateway returns the detected gateway, or the zero Addr when detection is
// off or fails.
func (p *SweepProducer) gateway(ctx context.Context) netip.Addr {
	if p.detectGateway == nil {
		return netip.Addr{}
	}
	gw, err := p.detectGateway(ctx)
	if err != nil {
		p.logger.Debug("gateway detection failed, assuming .1", zap.Error(err))
		return netip.Addr{}
	}
	p.logger.Debug("gateway detected", zap.String("gateway", gw.String()))
	return gw
}

func (p *SweepProducer) probeAll(r *run, hosts []netip.Addr, gw netip.Addr) error {
	limit := rate.Inf
	if p.rate > 0 {
		limit = rate.Limit(p.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	g, ctx := errgroup.WithContext(r.ctx)
	g.SetLimit(p.concurrency)

	var (
		mu            sync.Mutex
		probed, found int
		last          int
	)
	total := len(hosts)

	p.logger.Debug("sweep started", zap.Int("hosts", total), zap.Int("concurrency", p.concurrency))

	for _, addr := range hosts {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			info, err := p.prober.Probe(ctx, addr)
			if errors.Is(err, ErrProberUnavailable) {
				return err
			}
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Debug("probe failed", zap.String("addr", addr.String()), zap.Error(err))
				}
				info = nil
			}

			var device models.Device
			if info != nil {
				info.Addr = addr
				device = p.device(ctx, info, gw)
			}

			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			probed++
			if info != nil {
				found++
				r.emit(models.NewDeviceFound(device, device.LastSeen))
			}
			if progress := Progress(probed, total); progress > last {
				last = progress
				r.emit(models.NewScanProgress(progress, found, r.now()))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if r.ctx.Err() != nil {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if r.finish(models.NewScanCompleted(found, r.now())) {
		p.logger.Info("sweep completed", zap.Int("hosts", total), zap.Int("devices_found", found))
	}
	return nil
}

// device enriches a live host with MAC, vendor and hostname. gw is the
// detected gateway, if any.
func (p *SweepProducer) device(ctx context.Context, info *HostInfo, gw netip.Addr) models.Device {
	ip := info.Addr.String()

	mac := info.MAC
	if mac == "" {
		if table, err := p.readARP(ctx); err == nil {
			mac = table[ip]
		}
	}

	vendor := info.Vendor
	if vendor == "" {
		vendor = p.oui.Vendor(mac)
	}

	hostname := info.Hostname
	if hostname == "" {
		hostname = p.resolve(ctx, ip)
	}

	gateway := strings.HasSuffix(ip, ".1")
	if gw.IsValid() {
		gateway = info.Addr == gw
	}
	deviceType := models.DeviceTypeUnknown
	if gateway {
		deviceType = models.DeviceTypeRouter
	}

	now := p.now()
	return models.Device{
		ID:         uuid.New().String(),
		IP:         ip,
		Hostname:   hostname,
		MAC:        mac,
		Vendor:     vendor,
		DeviceType: deviceType,
		IsGateway:  gateway,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// Hosts lists the host addresses of an IPv4 prefix, excluding the network
// and broadcast addresses for prefixes shorter than /31.
func Hosts(prefix netip.Prefix) ([]netip.Addr, error) {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("subnet %s is not IPv4", prefix)
	}
	size := 1 << (32 - prefix.Bits())
	if size > maxSweepHosts {
		return nil, fmt.Errorf("subnet %s is larger than /16", prefix)
	}

	hosts := make([]netip.Addr, 0, size)
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
		if !addr.Next().IsValid() {
			break
		}
	}
	if prefix.Bits() < 31 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

// detectSubnet returns the /24 of the first non-loopback IPv4 interface
// address, or <fallback>.0/24.
func detectSubnet(fallback string) string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return fmt.Sprintf("%d.%d.%d.0/24", ip4[0], ip4[1], ip4[2])
			}
		}
	}
	return fallback + ".0/24"
}

func reverseLookup(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
