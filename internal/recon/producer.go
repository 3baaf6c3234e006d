// Package recon contains the producers that discover devices and emit the
// ordered event stream of a scan job.
package recon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

// ErrAlreadyRunning is returned by Start while a previous run of the same
// producer has not reached a terminal event.
var ErrAlreadyRunning = errors.New("scan already in progress")

// Sink receives the events of a run. A single run never calls its sink
// concurrently.
type Sink func(models.Event)

// Handle controls a started run.
type Handle interface {
	// Cancel stops the run and emits scanCancelled unless the run already
	// ended. Later calls are no-ops.
	Cancel()
}

// Producer emits the events of one scan job at a time.
type Producer interface {
	Start(sink Sink) (Handle, error)
	IsRunning() bool
}

// Producer names accepted by New.
const (
	KindMock = "mock"
	KindPing = "ping"
	KindNmap = "nmap"
	KindMDNS = "mdns"
)

// Config selects and tunes a producer.
type Config struct {
	MockMode     bool          `mapstructure:"mock_mode"`
	Producer     string        `mapstructure:"producer"`
	DeviceCount  int           `mapstructure:"device_count"`
	DurationMS   int           `mapstructure:"duration_ms"`
	BaseIP       string        `mapstructure:"base_ip"`
	Subnet       string        `mapstructure:"subnet"`
	Concurrency  int           `mapstructure:"concurrency"`
	Rate         float64       `mapstructure:"rate"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	GatewayProbe string        `mapstructure:"gateway_probe"`
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MockMode:     true,
		DeviceCount:  15,
		DurationMS:   8000,
		BaseIP:       "192.168.1",
		Concurrency:  64,
		Rate:         200,
		ProbeTimeout: time.Second,
	}
}

// Kind resolves the producer name, falling back to mock or ping depending
// on MockMode.
func (c Config) Kind() string {
	if c.Producer != "" {
		return c.Producer
	}
	if c.MockMode {
		return KindMock
	}
	return KindPing
}

// Duration is the configured mock scan duration.
func (c Config) Duration() time.Duration {
	return time.Duration(c.DurationMS) * time.Millisecond
}

// New builds the producer selected by cfg.
func New(cfg Config, logger *zap.Logger) (Producer, error) {
	switch kind := cfg.Kind(); kind {
	case KindMock:
		return NewMockProducer(cfg, logger), nil
	case KindPing:
		return NewSweepProducer(cfg, NewICMPProber(cfg.ProbeTimeout), logger), nil
	case KindNmap:
		return NewSweepProducer(cfg, NewNmapProber(cfg.ProbeTimeout), logger), nil
	case KindMDNS:
		return NewMDNSProducer(logger), nil
	default:
		return nil, fmt.Errorf("unknown producer %q", kind)
	}
}

// Progress returns round(100*found/target), clamped to 0..100.
func Progress(found, target int) int {
	if target <= 0 {
		return 100
	}
	p := int(math.Round(100 * float64(found) / float64(target)))
	return max(0, min(p, 100))
}

// run is one execution of a producer. Emission is serialized by mu, and
// once a terminal event has been emitted nothing else is.
type run struct {
	mu       sync.Mutex
	sink     Sink
	now      func() time.Time
	terminal bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newRun(sink Sink, now func() time.Time) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{sink: sink, now: now, ctx: ctx, cancel: cancel}
}

// emit delivers ev unless the run already ended.
func (r *run) emit(ev models.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.sink(ev)
	return true
}

// finish emits a terminal event once and stops the run.
func (r *run) finish(ev models.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false
	}
	r.terminal = true
	r.cancel()
	r.sink(ev)
	return true
}

func (r *run) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Cancel implements Handle.
func (r *run) Cancel() {
	r.finish(models.NewScanCancelled(r.now()))
}

// runner tracks the active run of a producer.
type runner struct {
	mu     sync.Mutex
	active *run
	now    func() time.Time
}

// begin installs a new run and emits scanStarted before returning, so
// scanStarted always precedes any event a cancel could emit.
func (b *runner) begin(sink Sink) (*run, error) {
	b.mu.Lock()
	if b.active != nil && !b.active.done() {
		b.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if b.now == nil {
		b.now = time.Now
	}
	r := newRun(sink, b.now)
	b.active = r
	b.mu.Unlock()

	r.emit(models.NewScanStarted("", r.now()))
	return r, nil
}

// IsRunning reports whether a run has started and not yet ended.
func (b *runner) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil && !b.active.done()
}
