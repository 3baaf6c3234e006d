package models

import "time"

// DeviceType categorizes a network device.
type DeviceType string

const (
	DeviceTypeRouter   DeviceType = "router"
	DeviceTypeComputer DeviceType = "computer"
	DeviceTypePhone    DeviceType = "phone"
	DeviceTypePrinter  DeviceType = "printer"
	DeviceTypeIoT      DeviceType = "iot"
	DeviceTypeUnknown  DeviceType = "unknown"
)

// DeviceTypes lists every known device type in display order.
var DeviceTypes = []DeviceType{
	DeviceTypeRouter,
	DeviceTypeComputer,
	DeviceTypePhone,
	DeviceTypePrinter,
	DeviceTypeIoT,
	DeviceTypeUnknown,
}

// ParseDeviceType maps s onto a known DeviceType, falling back to unknown.
func ParseDeviceType(s string) DeviceType {
	for _, dt := range DeviceTypes {
		if string(dt) == s {
			return dt
		}
	}
	return DeviceTypeUnknown
}

// UnknownVendor is the vendor label used when the OUI prefix is not recognized.
const UnknownVendor = "Unknown"

// Device represents a network endpoint discovered during a scan.
// ID is assigned at first discovery and never changes.
type Device struct {
	ID         string     `json:"id"`
	IP         string     `json:"ip"`
	Hostname   string     `json:"hostname,omitempty"`
	MAC        string     `json:"mac,omitempty"`
	Vendor     string     `json:"vendor"`
	DeviceType DeviceType `json:"deviceType"`
	IsGateway  bool       `json:"isGateway"`
	FirstSeen  time.Time  `json:"firstSeen"`
	LastSeen   time.Time  `json:"lastSeen"`
}

// DeviceUpdate carries a partial set of device fields. Nil fields are left
// unchanged when the update is merged.
type DeviceUpdate struct {
	IP         *string     `json:"ip,omitempty"`
	Hostname   *string     `json:"hostname,omitempty"`
	MAC        *string     `json:"mac,omitempty"`
	Vendor     *string     `json:"vendor,omitempty"`
	DeviceType *DeviceType `json:"deviceType,omitempty"`
	IsGateway  *bool       `json:"isGateway,omitempty"`
}

// Merge applies the non-nil fields of u onto d and returns the result.
func (u DeviceUpdate) Merge(d Device) Device {
	if u.IP != nil {
		d.IP = *u.IP
	}
	if u.Hostname != nil {
		d.Hostname = *u.Hostname
	}
	if u.MAC != nil {
		d.MAC = *u.MAC
	}
	if u.Vendor != nil {
		d.Vendor = *u.Vendor
	}
	if u.DeviceType != nil {
		d.DeviceType = *u.DeviceType
	}
	if u.IsGateway != nil {
		d.IsGateway = *u.IsGateway
	}
	return d
}
