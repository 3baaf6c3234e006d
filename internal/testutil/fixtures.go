package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/netmapper/pkg/models"
)

// NewDevice returns a Device with sensible defaults, suitable for test fixtures.
// Override individual fields with options.
func NewDevice(opts ...func(*models.Device)) models.Device {
	now := time.Now().UTC()
	d := models.Device{
		ID:         uuid.New().String(),
		IP:         "192.168.1.100",
		Hostname:   "test-device",
		MAC:        "00:1B:63:33:44:55",
		Vendor:     "Apple",
		DeviceType: models.DeviceTypeComputer,
		FirstSeen:  now,
		LastSeen:   now,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithID sets the device identity.
func WithID(id string) func(*models.Device) {
	return func(d *models.Device) { d.ID = id }
}

// WithHostname sets the device hostname.
func WithHostname(name string) func(*models.Device) {
	return func(d *models.Device) { d.Hostname = name }
}

// WithIP sets the device's IP address.
func WithIP(ip string) func(*models.Device) {
	return func(d *models.Device) { d.IP = ip }
}

// WithMAC sets the device's MAC address.
func WithMAC(mac string) func(*models.Device) {
	return func(d *models.Device) { d.MAC = mac }
}

// WithLastSeen sets the device's lastSeen timestamp.
func WithLastSeen(t time.Time) func(*models.Device) {
	return func(d *models.Device) { d.LastSeen = t }
}

// WithSeen sets both firstSeen and lastSeen.
func WithSeen(t time.Time) func(*models.Device) {
	return func(d *models.Device) {
		d.FirstSeen = t
		d.LastSeen = t
	}
}

// WithDeviceType sets the device type.
func WithDeviceType(dt models.DeviceType) func(*models.Device) {
	return func(d *models.Device) { d.DeviceType = dt }
}
