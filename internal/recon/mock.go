package recon

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

var hostnamePrefixes = map[models.DeviceType][]string{
	models.DeviceTypeRouter:   {"router", "gateway", "rt"},
	models.DeviceTypeComputer: {"pc", "laptop", "desktop", "workstation"},
	models.DeviceTypePhone:    {"phone", "mobile", "iphone", "android"},
	models.DeviceTypePrinter:  {"printer", "print", "hp", "canon"},
	models.DeviceTypeIoT:      {"iot", "sensor", "smart", "device"},
	models.DeviceTypeUnknown:  {"device", "unknown", "host"},
}

// MockProducer synthesizes a fixed number of devices at a steady cadence.
// The first device is always the gateway at <baseIP>.1.
type MockProducer struct {
	runner

	count    int
	interval time.Duration
	baseIP   string
	oui      *OUITable
	logger   *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
	newID  func() string
	tick   <-chan time.Time
}

// MockOption configures a MockProducer.
type MockOption func(*MockProducer)

// WithRand replaces the random source.
func WithRand(r *rand.Rand) MockOption {
	return func(p *MockProducer) { p.rand = r }
}

// WithClock replaces the time source used for event and device timestamps.
func WithClock(now func() time.Time) MockOption {
	return func(p *MockProducer) { p.now = now }
}

// WithTick drives emission from ch instead of an internal ticker.
func WithTick(ch <-chan time.Time) MockOption {
	return func(p *MockProducer) { p.tick = ch }
}

// WithIDGenerator replaces the device ID generator.
func WithIDGenerator(fn func() string) MockOption {
	return func(p *MockProducer) { p.newID = fn }
}

// NewMockProducer creates a MockProducer from cfg. Non-positive counts and
// durations fall back to the defaults.
func NewMockProducer(cfg Config, logger *zap.Logger, opts ...MockOption) *MockProducer {
	def := DefaultConfig()
	if cfg.DeviceCount <= 0 {
		cfg.DeviceCount = def.DeviceCount
	}
	if cfg.DurationMS <= 0 {
		cfg.DurationMS = def.DurationMS
	}
	if cfg.BaseIP == "" {
		cfg.BaseIP = def.BaseIP
	}

	p := &MockProducer{
		runner:   runner{now: time.Now},
		count:    cfg.DeviceCount,
		interval: max(cfg.Duration()/time.Duration(cfg.DeviceCount), time.Millisecond),
		baseIP:   cfg.BaseIP,
		oui:      NewOUITable(),
		logger:   logger,
		rand:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a run. It returns ErrAlreadyRunning while a previous run
// is still live.
func (p *MockProducer) Start(sink Sink) (Handle, error) {
	r, err := p.begin(sink)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("mock scan started",
		zap.Int("device_count", p.count),
		zap.Duration("interval", p.interval),
	)
	go p.loop(r)
	return r, nil
}

func (p *MockProducer) loop(r *run) {
	tick := p.tick
	if tick == nil {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var found, last int
	for found < p.count {
		select {
		case <-r.ctx.Done():
			return
		case <-tick:
		}

		host := 1
		if found > 0 {
			host = p.intN(254) + 2
		}
		now := p.now()
		if !r.emit(models.NewDeviceFound(p.device(host, now), now)) {
			return
		}
		found++

		if progress := Progress(found, p.count); progress > last {
			last = progress
			if !r.emit(models.NewScanProgress(progress, found, p.now())) {
				return
			}
		}
	}

	if r.finish(models.NewScanCompleted(found, p.now())) {
		p.logger.Debug("mock scan completed", zap.Int("devices_found", found))
	}
}

// device synthesizes the device at <baseIP>.<host>.
func (p *MockProducer) device(host int, now time.Time) models.Device {
	ip := fmt.Sprintf("%s.%d", p.baseIP, host)
	mac := p.mac()
	vendor := p.oui.Vendor(mac)
	gateway := host == 1
	deviceType := p.deviceType(gateway, vendor)

	return models.Device{
		ID:         p.newID(),
		IP:         ip,
		Hostname:   p.hostname(deviceType),
		MAC:        mac,
		Vendor:     vendor,
		DeviceType: deviceType,
		IsGateway:  gateway,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

func (p *MockProducer) mac() string {
	prefixes := p.oui.Prefixes()
	prefix := prefixes[p.intN(len(prefixes))]
	return fmt.Sprintf("%s:%02X:%02X:%02X", prefix, p.intN(256), p.intN(256), p.intN(256))
}

func (p *MockProducer) deviceType(gateway bool, vendor string) models.DeviceType {
	switch {
	case gateway:
		return models.DeviceTypeRouter
	case vendor == "Apple":
		if p.float() < 0.6 {
			return models.DeviceTypePhone
		}
		return models.DeviceTypeComputer
	case vendor == "HP":
		if p.float() < 0.4 {
			return models.DeviceTypePrinter
		}
		return models.DeviceTypeComputer
	}
	types := []models.DeviceType{models.DeviceTypeComputer, models.DeviceTypePhone, models.DeviceTypeIoT}
	return types[p.intN(len(types))]
}

func (p *MockProducer) hostname(t models.DeviceType) string {
	prefixes := hostnamePrefixes[t]
	return fmt.Sprintf("%s-%d", prefixes[p.intN(len(prefixes))], p.intN(99)+1)
}

func (p *MockProducer) intN(n int) int {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.rand.IntN(n)
}

func (p *MockProducer) float() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.rand.Float64()
}
