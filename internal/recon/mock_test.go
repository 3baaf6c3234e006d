package recon

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/testutil"
	"github.com/HerbHall/netmapper/pkg/models"
)

var macPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

func newTestMock(t *testing.T, count int, tick chan time.Time) *MockProducer {
	t.Helper()
	cfg := Config{DeviceCount: count, DurationMS: 1000, BaseIP: "10.1.2"}
	return NewMockProducer(cfg, zap.NewNop(),
		WithTick(tick),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	)
}

// prefilled returns a tick channel already holding n ticks.
func prefilled(n int) chan time.Time {
	ch := make(chan time.Time, n)
	for range n {
		ch <- time.Now()
	}
	return ch
}

func TestMockProducer_FullRun(t *testing.T) {
	p := newTestMock(t, 5, prefilled(5))
	sink := testutil.NewRecordingSink()

	if _, err := p.Start(sink.Emit); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sink.WaitTerminal(2 * time.Second) {
		t.Fatal("run did not reach a terminal event")
	}

	events := sink.Events()
	assertWellFormed(t, events)

	found := sink.Filter(models.EventDeviceFound)
	if len(found) != 5 {
		t.Fatalf("deviceFound count = %d, want 5", len(found))
	}

	var progress []int
	for _, ev := range sink.Filter(models.EventScanProgress) {
		progress = append(progress, ev.Progress)
	}
	if fmt.Sprint(progress) != "[20 40 60 80 100]" {
		t.Errorf("progress = %v, want [20 40 60 80 100]", progress)
	}

	last := events[len(events)-1]
	if last.Type != models.EventScanCompleted || last.TotalDevices != 5 {
		t.Errorf("last event = %s total=%d, want scanCompleted total=5", last.Type, last.TotalDevices)
	}

	// deviceFound is always followed by its progress event.
	for i, ev := range events {
		if ev.Type == models.EventDeviceFound && events[i+1].Type != models.EventScanProgress {
			t.Errorf("event after deviceFound %d = %s, want scanProgress", i, events[i+1].Type)
		}
	}

	if p.IsRunning() {
		t.Error("IsRunning() = true after completion")
	}
}

func TestMockProducer_DeviceShape(t *testing.T) {
	p := newTestMock(t, 20, prefilled(20))
	sink := testutil.NewRecordingSink()

	if _, err := p.Start(sink.Emit); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sink.WaitTerminal(2 * time.Second) {
		t.Fatal("run did not reach a terminal event")
	}

	ids := make(map[string]bool)
	for i, ev := range sink.Filter(models.EventDeviceFound) {
		d := ev.Device
		if d == nil {
			t.Fatalf("deviceFound %d has no device", i)
		}
		if ids[d.ID] {
			t.Errorf("duplicate device id %s", d.ID)
		}
		ids[d.ID] = true

		if !strings.HasPrefix(d.IP, "10.1.2.") {
			t.Errorf("device %d ip = %s, want 10.1.2.x", i, d.IP)
		}
		if !macPattern.MatchString(d.MAC) {
			t.Errorf("device %d mac = %q, want AA:BB:CC:DD:EE:FF form", i, d.MAC)
		}
		if d.Vendor != p.oui.Vendor(d.MAC) {
			t.Errorf("device %d vendor = %q, want %q", i, d.Vendor, p.oui.Vendor(d.MAC))
		}
		if !regexp.MustCompile(`^[a-z]+-\d{1,2}$`).MatchString(d.Hostname) {
			t.Errorf("device %d hostname = %q", i, d.Hostname)
		}
		if d.FirstSeen.IsZero() || !d.FirstSeen.Equal(d.LastSeen) {
			t.Errorf("device %d firstSeen=%v lastSeen=%v", i, d.FirstSeen, d.LastSeen)
		}

		if i == 0 {
			if d.IP != "10.1.2.1" || !d.IsGateway || d.DeviceType != models.DeviceTypeRouter {
				t.Errorf("first device = %s gateway=%v type=%s, want 10.1.2.1 gateway router", d.IP, d.IsGateway, d.DeviceType)
			}
			continue
		}
		var host int
		fmt.Sscanf(strings.TrimPrefix(d.IP, "10.1.2."), "%d", &host)
		if host < 2 || host > 255 {
			t.Errorf("device %d host octet = %d, want 2..255", i, host)
		}
		if d.IsGateway || d.DeviceType == models.DeviceTypeRouter {
			t.Errorf("device %d is a gateway/router but not .1", i)
		}
	}
}

func TestMockProducer_Cancel(t *testing.T) {
	tick := make(chan time.Time)
	p := newTestMock(t, 5, tick)
	sink := testutil.NewRecordingSink()

	h, err := p.Start(sink.Emit)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tick <- time.Now()
	tick <- time.Now()
	if !sink.WaitFor(2*time.Second, func(evs []models.Event) bool { return len(evs) == 5 }) {
		t.Fatalf("events = %v, want 5 before cancel", sink.Types())
	}

	h.Cancel()
	h.Cancel()

	events := sink.Events()
	assertWellFormed(t, events)
	if len(events) != 6 {
		t.Fatalf("events = %v, want 6", sink.Types())
	}
	if events[5].Type != models.EventScanCancelled {
		t.Errorf("last event = %s, want scanCancelled", events[5].Type)
	}
	if p.IsRunning() {
		t.Error("IsRunning() = true after cancel")
	}

	// A late tick produces nothing.
	select {
	case tick <- time.Now():
	case <-time.After(20 * time.Millisecond):
	}
	if n := len(sink.Events()); n != 6 {
		t.Errorf("events after late tick = %d, want 6", n)
	}
}

func TestMockProducer_AlreadyRunning(t *testing.T) {
	tick := make(chan time.Time)
	p := newTestMock(t, 5, tick)

	h, err := p.Start(testutil.NewRecordingSink().Emit)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := p.Start(testutil.NewRecordingSink().Emit); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	h.Cancel()
	h2, err := p.Start(testutil.NewRecordingSink().Emit)
	if err != nil {
		t.Fatalf("Start() after cancel error = %v", err)
	}
	h2.Cancel()
}

func TestMockProducer_ProgressStrictlyIncreasesBeyondHundredDevices(t *testing.T) {
	p := newTestMock(t, 300, prefilled(300))
	sink := testutil.NewRecordingSink()

	if _, err := p.Start(sink.Emit); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sink.WaitTerminal(5 * time.Second) {
		t.Fatal("run did not reach a terminal event")
	}
	assertWellFormed(t, sink.Events())

	if n := len(sink.Filter(models.EventDeviceFound)); n != 300 {
		t.Errorf("deviceFound count = %d, want 300", n)
	}
	progress := sink.Filter(models.EventScanProgress)
	if progress[len(progress)-1].Progress != 100 || progress[len(progress)-1].DevicesFound != 300 {
		t.Errorf("final progress = %+v, want 100%% with 300 found", progress[len(progress)-1])
	}
}

func TestMockProducer_Defaults(t *testing.T) {
	p := NewMockProducer(Config{}, zap.NewNop())
	if p.count != 15 {
		t.Errorf("count = %d, want 15", p.count)
	}
	if p.interval != 8000*time.Millisecond/15 {
		t.Errorf("interval = %v, want %v", p.interval, 8000*time.Millisecond/15)
	}
	if p.baseIP != "192.168.1" {
		t.Errorf("baseIP = %q, want 192.168.1", p.baseIP)
	}
}

func TestMockProducer_RealTicker(t *testing.T) {
	cfg := Config{DeviceCount: 3, DurationMS: 30, BaseIP: "192.168.1"}
	p := NewMockProducer(cfg, zap.NewNop())
	sink := testutil.NewRecordingSink()

	if _, err := p.Start(sink.Emit); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sink.WaitTerminal(2 * time.Second) {
		t.Fatal("run did not complete")
	}
	assertWellFormed(t, sink.Events())
}

func TestMockProducer_DeviceTypeHeuristics(t *testing.T) {
	p := newTestMock(t, 1, nil)

	if got := p.deviceType(true, "Apple"); got != models.DeviceTypeRouter {
		t.Errorf("gateway type = %s, want router", got)
	}

	allowed := map[string]map[models.DeviceType]bool{
		"Apple":   {models.DeviceTypePhone: true, models.DeviceTypeComputer: true},
		"HP":      {models.DeviceTypePrinter: true, models.DeviceTypeComputer: true},
		"Unknown": {models.DeviceTypeComputer: true, models.DeviceTypePhone: true, models.DeviceTypeIoT: true},
	}
	for vendor, want := range allowed {
		seen := make(map[models.DeviceType]bool)
		for range 200 {
			got := p.deviceType(false, vendor)
			if !want[got] {
				t.Errorf("deviceType(%s) = %s, not allowed", vendor, got)
			}
			seen[got] = true
		}
		if len(seen) != len(want) {
			t.Errorf("deviceType(%s) produced %v over 200 draws, want all of %v", vendor, seen, want)
		}
	}
}
