package scan

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HerbHall/netmapper/pkg/models"
)

// Export formats accepted by WriteDevices.
const (
	FormatCSV  = "csv"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// ContentType returns the MIME type of an export format.
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

// csvHeaders returns the CSV column headers.
func csvHeaders() []string {
	return []string{
		"id", "ip", "hostname", "mac", "vendor",
		"device_type", "is_gateway", "first_seen", "last_seen",
	}
}

// deviceToCSVRow converts a device to a CSV row (matching csvHeaders order).
func deviceToCSVRow(d models.Device) []string {
	return []string{
		d.ID,
		d.IP,
		d.Hostname,
		d.MAC,
		d.Vendor,
		string(d.DeviceType),
		strconv.FormatBool(d.IsGateway),
		d.FirstSeen.Format(time.RFC3339),
		d.LastSeen.Format(time.RFC3339),
	}
}

// yamlDevice is the YAML shape of a device.
type yamlDevice struct {
	ID         string    `yaml:"id"`
	IP         string    `yaml:"ip"`
	Hostname   string    `yaml:"hostname,omitempty"`
	MAC        string    `yaml:"mac,omitempty"`
	Vendor     string    `yaml:"vendor"`
	DeviceType string    `yaml:"device_type"`
	IsGateway  bool      `yaml:"is_gateway"`
	FirstSeen  time.Time `yaml:"first_seen"`
	LastSeen   time.Time `yaml:"last_seen"`
}

// WriteDevices encodes devices to w in the given format.
func WriteDevices(w io.Writer, format string, devices []models.Device) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeaders()); err != nil {
			return err
		}
		for _, d := range devices {
			if err := cw.Write(deviceToCSVRow(d)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case FormatYAML:
		out := make([]yamlDevice, 0, len(devices))
		for _, d := range devices {
			out = append(out, yamlDevice{
				ID:         d.ID,
				IP:         d.IP,
				Hostname:   d.Hostname,
				MAC:        d.MAC,
				Vendor:     d.Vendor,
				DeviceType: string(d.DeviceType),
				IsGateway:  d.IsGateway,
				FirstSeen:  d.FirstSeen,
				LastSeen:   d.LastSeen,
			})
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"devices": out}); err != nil {
			return err
		}
		return enc.Close()

	case FormatJSON:
		if devices == nil {
			devices = []models.Device{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)

	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
