// Package client consumes the netmapper API: a REST client and a
// Reconciler that merges the live event stream with state snapshots.
package client

import (
	"maps"
	"time"

	"github.com/HerbHall/netmapper/pkg/models"
)

// Device is the client-side view of a device. Local holds annotations that
// the server never sends; they survive server-side overwrites.
type Device struct {
	models.Device
	Local map[string]string `json:"local,omitempty"`
}

// Message is one frame of the live channel: either an event or the
// initialState snapshot.
type Message struct {
	models.Event
	Devices []models.Device `json:"devices,omitempty"`
	Scan    *models.ScanJob `json:"scan,omitempty"`
}

// State is a point-in-time copy of the reconciled view.
type State struct {
	Connected    bool
	Synced       bool
	Devices      []Device
	JobID        string
	Status       models.JobStatus
	Progress     int
	DevicesFound int
	StartTime    *time.Time
	EndTime      *time.Time
	Error        string

	// Expecting reports whether device events are currently accepted. It is
	// true only while a job is running.
	Expecting bool
}

// Reconciler folds snapshots and live events into one view. It performs no
// I/O and is not safe for concurrent use.
type Reconciler struct {
	connected bool
	synced    bool
	pending   []models.Event

	devices []Device
	index   map[string]int
	local   map[string]map[string]string

	jobID        string
	status       models.JobStatus
	progress     int
	devicesFound int
	startTime    *time.Time
	endTime      *time.Time
	errMsg       string
	expecting    bool
}

// NewReconciler returns a disconnected, idle reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		index:  make(map[string]int),
		local:  make(map[string]map[string]string),
		status: models.JobStatusIdle,
	}
}

// Connected marks the live channel as up. Events are buffered until the
// next snapshot.
func (r *Reconciler) Connected() {
	r.connected = true
	r.synced = false
	r.pending = nil
}

// Disconnected marks the live channel as down. The next connection rebuilds
// the view from a fresh snapshot.
func (r *Reconciler) Disconnected() {
	r.connected = false
	r.synced = false
	r.pending = nil
}

// ApplySnapshot replaces the view with devices and job, then replays events
// buffered since the connection opened. Buffered events from an older job
// that started before the snapshot's job are dropped.
func (r *Reconciler) ApplySnapshot(devices []models.Device, job models.ScanJob) {
	if job.JobID != r.jobID {
		clear(r.local)
	}
	r.devices = r.devices[:0]
	clear(r.index)
	for _, d := range devices {
		r.upsert(d)
	}

	r.jobID = job.JobID
	r.status = job.Status
	if r.status == "" {
		r.status = models.JobStatusIdle
	}
	r.progress = job.Progress
	r.devicesFound = job.DevicesFound
	r.startTime = copyTime(job.StartTime)
	r.endTime = copyTime(job.EndTime)
	r.errMsg = job.Error
	r.expecting = job.Status == models.JobStatusRunning

	pending := r.pending
	r.pending = nil
	r.synced = true
	for _, ev := range pending {
		if r.stale(ev, job) {
			continue
		}
		r.apply(ev)
	}
}

// Apply feeds one live-channel message. It reports whether the view
// changed; buffered events report false.
func (r *Reconciler) Apply(msg Message) bool {
	if msg.Type == models.EventInitialState {
		job := models.IdleJob()
		if msg.Scan != nil {
			job = *msg.Scan
		}
		r.ApplySnapshot(msg.Devices, job)
		return true
	}
	if !r.synced {
		r.pending = append(r.pending, msg.Event)
		return false
	}
	return r.apply(msg.Event)
}

// Annotate attaches a local annotation to a device. It reports false for an
// unknown device.
func (r *Reconciler) Annotate(id, key, value string) bool {
	if _, ok := r.index[id]; !ok {
		return false
	}
	m := r.local[id]
	if m == nil {
		m = make(map[string]string)
		r.local[id] = m
	}
	m[key] = value
	r.devices[r.index[id]].Local = maps.Clone(m)
	return true
}

// State returns a copy of the current view.
func (r *Reconciler) State() State {
	devices := make([]Device, len(r.devices))
	for i, d := range r.devices {
		devices[i] = Device{Device: d.Device, Local: maps.Clone(d.Local)}
	}
	return State{
		Connected:    r.connected,
		Synced:       r.synced,
		Devices:      devices,
		JobID:        r.jobID,
		Status:       r.status,
		Progress:     r.progress,
		DevicesFound: r.devicesFound,
		StartTime:    copyTime(r.startTime),
		EndTime:      copyTime(r.endTime),
		Error:        r.errMsg,
		Expecting:    r.expecting,
	}
}

func (r *Reconciler) apply(ev models.Event) bool {
	if ev.Type != models.EventScanStarted && ev.JobID != "" && r.jobID != "" && ev.JobID != r.jobID {
		return false
	}

	switch ev.Type {
	case models.EventScanStarted:
		if ev.JobID != "" && ev.JobID == r.jobID {
			return false
		}
		r.devices = r.devices[:0]
		clear(r.index)
		clear(r.local)
		r.jobID = ev.JobID
		r.status = models.JobStatusRunning
		r.progress = 0
		r.devicesFound = 0
		r.startTime = timePtr(ev.Timestamp)
		r.endTime = nil
		r.errMsg = ""
		r.expecting = true

	case models.EventDeviceFound:
		if !r.expecting || ev.Device == nil {
			return false
		}
		r.upsert(*ev.Device)

	case models.EventDeviceUpdated:
		if !r.expecting || ev.Update == nil {
			return false
		}
		i, ok := r.index[ev.DeviceID]
		if !ok {
			return false
		}
		r.devices[i].Device = ev.Update.Merge(r.devices[i].Device)

	case models.EventScanProgress:
		if r.status != models.JobStatusRunning {
			return false
		}
		r.progress = ev.Progress
		r.devicesFound = ev.DevicesFound

	case models.EventScanCompleted, models.EventScanCancelled, models.EventError:
		if r.status.Terminal() {
			return false
		}
		switch ev.Type {
		case models.EventScanCompleted:
			r.status = models.JobStatusCompleted
			r.progress = 100
			r.devicesFound = ev.TotalDevices
		case models.EventScanCancelled:
			r.status = models.JobStatusCancelled
		default:
			r.status = models.JobStatusError
			r.errMsg = ev.Message
		}
		r.endTime = timePtr(ev.Timestamp)
		r.expecting = false

	default:
		return false
	}
	return true
}

// upsert inserts d or overwrites the existing entry, keeping its local
// annotations.
func (r *Reconciler) upsert(d models.Device) {
	if i, ok := r.index[d.ID]; ok {
		r.devices[i].Device = d
		return
	}
	r.index[d.ID] = len(r.devices)
	r.devices = append(r.devices, Device{Device: d, Local: maps.Clone(r.local[d.ID])})
}

// stale reports whether a buffered event belongs to a job older than the
// snapshot's.
func (r *Reconciler) stale(ev models.Event, job models.ScanJob) bool {
	if job.StartTime == nil || !ev.Timestamp.Before(*job.StartTime) {
		return false
	}
	return ev.JobID == "" || ev.JobID != job.JobID
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
