//go:build !windows

package recon

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/testutil"
	"github.com/HerbHall/netmapper/pkg/models"
)

// fakeQuery answers each service with the given entries.
func fakeQuery(answers map[string][]*mdns.ServiceEntry) func(*mdns.QueryParam) error {
	return func(params *mdns.QueryParam) error {
		for _, e := range answers[params.Service] {
			params.Entries <- e
		}
		if params.Service == "_broken._tcp" {
			return errors.New("no multicast interface")
		}
		return nil
	}
}

func TestNewMDNSProducer(t *testing.T) {
	p := NewMDNSProducer(zap.NewNop())
	if len(p.services) != len(mdnsDefaultServices) {
		t.Errorf("services = %d, want %d", len(p.services), len(mdnsDefaultServices))
	}
	if p.timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", p.timeout)
	}
	if p.IsRunning() {
		t.Error("new producer reports running")
	}
}

func TestMDNSProducer_Run(t *testing.T) {
	answers := map[string][]*mdns.ServiceEntry{
		"_ipp._tcp": {
			{Name: "Office Printer._ipp._tcp.local.", Host: "printer.local.", AddrV4: net.ParseIP("192.168.1.20")},
		},
		"_googlecast._tcp": {
			{Name: "Living Room", Host: "", AddrV4: net.ParseIP("192.168.1.30")},
			// Same host announced again under another service.
			{Name: "printer again", Host: "printer.local.", AddrV4: net.ParseIP("192.168.1.20")},
			// No usable address.
			{Name: "v6 only", Host: "v6.local."},
			nil,
		},
	}
	p := NewMDNSProducer(zap.NewNop(),
		WithServices("_ipp._tcp", "_broken._tcp", "_googlecast._tcp", "_ssh._tcp"),
		WithQuery(fakeQuery(answers)),
	)
	sink := testutil.NewRecordingSink()

	if _, err := p.Start(sink.Emit); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sink.WaitTerminal(2 * time.Second) {
		t.Fatal("run did not finish")
	}

	events := sink.Events()
	assertWellFormed(t, events)

	found := sink.Filter(models.EventDeviceFound)
	if len(found) != 2 {
		t.Fatalf("deviceFound count = %d, want 2", len(found))
	}
	printer, cast := found[0].Device, found[1].Device
	if printer.IP != "192.168.1.20" || printer.Hostname != "printer.local" || printer.DeviceType != models.DeviceTypePrinter {
		t.Errorf("printer = %+v", printer)
	}
	if cast.IP != "192.168.1.30" || cast.Hostname != "Living Room" || cast.DeviceType != models.DeviceTypeIoT {
		t.Errorf("cast = %+v", cast)
	}

	progress := sink.Filter(models.EventScanProgress)
	if len(progress) != 4 {
		t.Errorf("scanProgress count = %d, want one per service", len(progress))
	}
	last := events[len(events)-1]
	if last.Type != models.EventScanCompleted || last.TotalDevices != 2 {
		t.Errorf("last event = %s total=%d, want scanCompleted total=2", last.Type, last.TotalDevices)
	}
}

func TestMDNSProducer_Cancel(t *testing.T) {
	release := make(chan struct{})
	p := NewMDNSProducer(zap.NewNop(),
		WithServices("_http._tcp", "_ssh._tcp"),
		WithQuery(func(*mdns.QueryParam) error {
			<-release
			return nil
		}),
	)
	sink := testutil.NewRecordingSink()

	h, err := p.Start(sink.Emit)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.Cancel()
	close(release)

	time.Sleep(20 * time.Millisecond)
	types := sink.Types()
	if len(types) != 2 || types[1] != models.EventScanCancelled {
		t.Errorf("events = %v, want [scanStarted scanCancelled]", types)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  string
	}{
		{"v4", &mdns.ServiceEntry{AddrV4: net.ParseIP("10.0.0.1")}, "10.0.0.1"},
		{"legacy addr", &mdns.ServiceEntry{Addr: net.ParseIP("10.0.0.2")}, "10.0.0.2"},
		{"unspecified", &mdns.ServiceEntry{AddrV4: net.IPv4zero}, ""},
		{"v6 legacy", &mdns.ServiceEntry{Addr: net.ParseIP("fe80::1")}, ""},
		{"none", &mdns.ServiceEntry{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractIP(tt.entry); got != tt.want {
				t.Errorf("extractIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInferDeviceTypeFromService(t *testing.T) {
	tests := []struct {
		service string
		want    string
	}{
		{"_ipp._tcp", "printer"},
		{"_printer._tcp", "printer"},
		{"_airplay._tcp", "iot"},
		{"_raop._tcp", "iot"},
		{"_googlecast._tcp", "iot"},
		{"_homekit._tcp", "iot"},
		{"_hap._tcp", "iot"},
		{"_mqtt._tcp", "iot"},
		{"_http._tcp", "unknown"},
		{"_ssh._tcp", "unknown"},
		{"_workstation._tcp", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			got := string(inferDeviceTypeFromService(tt.service))
			if got != tt.want {
				t.Errorf("inferDeviceTypeFromService(%q) = %q, want %q", tt.service, got, tt.want)
			}
		})
	}
}
