//go:build !windows

package recon

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

// mdnsDefaultServices lists well-known mDNS service types to query.
var mdnsDefaultServices = []string{
	"_http._tcp",
	"_https._tcp",
	"_ssh._tcp",
	"_smb._tcp",
	"_nfs._tcp",
	"_ipp._tcp",
	"_printer._tcp",
	"_airplay._tcp",
	"_raop._tcp",
	"_googlecast._tcp",
	"_homekit._tcp",
	"_hap._tcp",
	"_mqtt._tcp",
	"_workstation._tcp",
}

// MDNSProducer discovers devices from mDNS/Bonjour service announcements.
// Each service type queried is one unit of progress.
type MDNSProducer struct {
	runner

	services []string
	timeout  time.Duration
	logger   *zap.Logger
	query    func(*mdns.QueryParam) error
}

// MDNSOption configures an MDNSProducer.
type MDNSOption func(*MDNSProducer)

// WithServices replaces the queried service types.
func WithServices(services ...string) MDNSOption {
	return func(p *MDNSProducer) { p.services = services }
}

// WithQueryTimeout sets how long each service query listens for answers.
func WithQueryTimeout(d time.Duration) MDNSOption {
	return func(p *MDNSProducer) { p.timeout = d }
}

// WithQuery replaces the mDNS query function.
func WithQuery(fn func(*mdns.QueryParam) error) MDNSOption {
	return func(p *MDNSProducer) { p.query = fn }
}

// NewMDNSProducer creates an mDNS producer over the default service list.
func NewMDNSProducer(logger *zap.Logger, opts ...MDNSOption) *MDNSProducer {
	p := &MDNSProducer{
		runner:   runner{now: time.Now},
		services: mdnsDefaultServices,
		timeout:  3 * time.Second,
		logger:   logger,
		query:    mdns.Query,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins querying. It returns ErrAlreadyRunning while a previous run
// is still live.
func (p *MDNSProducer) Start(sink Sink) (Handle, error) {
	r, err := p.begin(sink)
	if err != nil {
		return nil, err
	}
	go p.loop(r)
	return r, nil
}

func (p *MDNSProducer) loop(r *run) {
	seen := make(map[string]bool)
	var found, last int

	for i, svc := range p.services {
		if r.ctx.Err() != nil {
			return
		}
		for _, d := range p.queryService(svc) {
			if seen[d.IP] {
				continue
			}
			seen[d.IP] = true
			if !r.emit(models.NewDeviceFound(d, d.LastSeen)) {
				return
			}
			found++
		}
		if progress := Progress(i+1, len(p.services)); progress > last {
			last = progress
			if !r.emit(models.NewScanProgress(progress, found, p.now())) {
				return
			}
		}
	}

	if r.finish(models.NewScanCompleted(found, p.now())) {
		p.logger.Debug("mDNS scan complete", zap.Int("devices_found", found))
	}
}

// queryService queries a single mDNS service type and returns the devices
// that answered.
func (p *MDNSProducer) queryService(service string) []models.Device {
	entries := make(chan *mdns.ServiceEntry, 16)

	var devices []models.Device
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if d, ok := p.deviceFromEntry(entry, service); ok {
				devices = append(devices, d)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Timeout = p.timeout
	params.Entries = entries
	params.DisableIPv6 = true

	if err := p.query(params); err != nil {
		p.logger.Debug("mDNS query failed",
			zap.String("service", service),
			zap.Error(err),
		)
	}
	close(entries)
	wg.Wait()

	return devices
}

func (p *MDNSProducer) deviceFromEntry(entry *mdns.ServiceEntry, service string) (models.Device, bool) {
	if entry == nil {
		return models.Device{}, false
	}
	ip := extractIP(entry)
	if ip == "" {
		return models.Device{}, false
	}

	hostname := strings.TrimSuffix(entry.Host, ".")
	if hostname == "" {
		hostname = entry.Name
	}

	now := p.now()
	return models.Device{
		ID:         uuid.New().String(),
		IP:         ip,
		Hostname:   hostname,
		Vendor:     models.UnknownVendor,
		DeviceType: inferDeviceTypeFromService(service),
		FirstSeen:  now,
		LastSeen:   now,
	}, true
}

// extractIP returns the best IP address from an mDNS service entry.
func extractIP(entry *mdns.ServiceEntry) string {
	if entry.AddrV4 != nil && !entry.AddrV4.IsUnspecified() {
		return entry.AddrV4.String()
	}
	// Fallback to deprecated Addr field for older mDNS implementations.
	if entry.Addr != nil && !entry.Addr.IsUnspecified() && entry.Addr.To4() != nil {
		return entry.Addr.String()
	}
	return ""
}

// inferDeviceTypeFromService guesses the device type from the mDNS service name.
func inferDeviceTypeFromService(service string) models.DeviceType {
	switch {
	case strings.Contains(service, "printer") || strings.Contains(service, "ipp"):
		return models.DeviceTypePrinter
	case strings.Contains(service, "airplay") || strings.Contains(service, "raop") ||
		strings.Contains(service, "googlecast"):
		return models.DeviceTypeIoT
	case strings.Contains(service, "homekit") || strings.Contains(service, "hap") ||
		strings.Contains(service, "mqtt"):
		return models.DeviceTypeIoT
	default:
		return models.DeviceTypeUnknown
	}
}
