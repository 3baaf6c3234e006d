package models

import "time"

// EventType discriminates discovery events on the wire.
type EventType string

const (
	EventScanStarted   EventType = "scanStarted"
	EventDeviceFound   EventType = "deviceFound"
	EventDeviceUpdated EventType = "deviceUpdated"
	EventScanProgress  EventType = "scanProgress"
	EventScanCompleted EventType = "scanCompleted"
	EventScanCancelled EventType = "scanCancelled"
	EventError         EventType = "error"

	// EventInitialState is synthesized by the live channel for each new
	// subscriber. Producers never emit it.
	EventInitialState EventType = "initialState"
)

// Terminal reports whether events of type t end a job.
func (t EventType) Terminal() bool {
	switch t {
	case EventScanCompleted, EventScanCancelled, EventError:
		return true
	}
	return false
}

// Event is an immutable unit of the discovery stream. Only the payload
// fields relevant to Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Device       *Device       `json:"device,omitempty"`
	DeviceID     string        `json:"deviceId,omitempty"`
	Update       *DeviceUpdate `json:"update,omitempty"`
	Progress     int           `json:"progress,omitempty"`
	DevicesFound int           `json:"devicesFound,omitempty"`
	TotalDevices int           `json:"totalDevices,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Terminal reports whether e ends its job.
func (e Event) Terminal() bool {
	return e.Type.Terminal()
}

// NewScanStarted returns the first event of a job.
func NewScanStarted(jobID string, ts time.Time) Event {
	return Event{Type: EventScanStarted, JobID: jobID, Timestamp: ts}
}

// NewDeviceFound reports a discovered device.
func NewDeviceFound(d Device, ts time.Time) Event {
	return Event{Type: EventDeviceFound, Device: &d, Timestamp: ts}
}

// NewDeviceUpdated reports a partial update to a known device.
func NewDeviceUpdated(id string, u DeviceUpdate, ts time.Time) Event {
	return Event{Type: EventDeviceUpdated, DeviceID: id, Update: &u, Timestamp: ts}
}

// NewScanProgress reports job progress as a percentage.
func NewScanProgress(progress, devicesFound int, ts time.Time) Event {
	return Event{Type: EventScanProgress, Progress: progress, DevicesFound: devicesFound, Timestamp: ts}
}

// NewScanCompleted ends a job successfully.
func NewScanCompleted(total int, ts time.Time) Event {
	return Event{Type: EventScanCompleted, TotalDevices: total, Timestamp: ts}
}

// NewScanCancelled ends a job that was cancelled.
func NewScanCancelled(ts time.Time) Event {
	return Event{Type: EventScanCancelled, Timestamp: ts}
}

// NewError ends a job that failed.
func NewError(msg string, ts time.Time) Event {
	return Event{Type: EventError, Message: msg, Timestamp: ts}
}

// InitialState is the synthetic first message sent to a live-channel
// subscriber: the full device list and job record at attach time.
type InitialState struct {
	Type      EventType `json:"type"`
	Devices   []Device  `json:"devices"`
	Scan      ScanJob   `json:"scan"`
	Timestamp time.Time `json:"timestamp"`
}
