package store

import (
	"errors"
	"sync"
	"time"

	"github.com/HerbHall/netmapper/pkg/models"
)

// Sentinel errors returned by DeviceStore.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrMissingID      = errors.New("device id is required")
	ErrJobRunning     = errors.New("a scan job is already running")
)

// DeviceStore is the authoritative in-memory record of discovered devices
// and the current scan job. Writes are serialized; reads return copies so
// callers never share the store's internal state.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]models.Device
	order   []string
	job     *models.ScanJob
	now     func() time.Time
}

// Option configures a DeviceStore.
type Option func(*DeviceStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *DeviceStore) { s.now = now }
}

// NewDeviceStore returns an empty store with no current job.
func NewDeviceStore(opts ...Option) *DeviceStore {
	s := &DeviceStore{
		devices: make(map[string]models.Device),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyDeviceFound inserts d if its ID is unseen, otherwise overwrites the
// stored record. The identity and first-seen time of an existing record are
// kept, and lastSeen only moves forward. seen is the observation time; when
// zero, d.LastSeen (or the store clock) is used.
func (s *DeviceStore) ApplyDeviceFound(d models.Device, seen time.Time) (models.Device, error) {
	if d.ID == "" {
		return models.Device{}, ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seen.IsZero() {
		seen = d.LastSeen
	}
	if seen.IsZero() {
		seen = s.now()
	}

	existing, ok := s.devices[d.ID]
	if !ok {
		if d.FirstSeen.IsZero() {
			d.FirstSeen = seen
		}
		d.LastSeen = latest(d.LastSeen, seen)
		s.devices[d.ID] = d
		s.order = append(s.order, d.ID)
		return d, nil
	}

	if !existing.FirstSeen.IsZero() && (d.FirstSeen.IsZero() || existing.FirstSeen.Before(d.FirstSeen)) {
		d.FirstSeen = existing.FirstSeen
	}
	d.LastSeen = latest(existing.LastSeen, latest(d.LastSeen, seen))
	s.devices[d.ID] = d
	return d, nil
}

// ApplyDeviceUpdate merges u into the device with the given id and advances
// its lastSeen. It returns ErrDeviceNotFound for an unknown id.
func (s *DeviceStore) ApplyDeviceUpdate(id string, u models.DeviceUpdate, seen time.Time) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return models.Device{}, ErrDeviceNotFound
	}
	if seen.IsZero() {
		seen = s.now()
	}
	d = u.Merge(d)
	d.LastSeen = latest(d.LastSeen, seen)
	s.devices[id] = d
	return d, nil
}

// Device returns the device with the given id.
func (s *DeviceStore) Device(id string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

// ListDevices returns all devices in insertion order.
func (s *DeviceStore) ListDevices() []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

// Count returns the number of stored devices.
func (s *DeviceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Clear removes every device. The current job record is untouched.
func (s *DeviceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// StartJob clears the device set and installs a new running job. It fails
// with ErrJobRunning if the current job is still running; exclusivity across
// callers is the coordinator's responsibility.
func (s *DeviceStore) StartJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != nil && s.job.Status == models.JobStatusRunning {
		return ErrJobRunning
	}
	s.clearLocked()
	start := s.now()
	s.job = &models.ScanJob{
		JobID:     jobID,
		Status:    models.JobStatusRunning,
		Progress:  0,
		StartTime: &start,
	}
	return nil
}

// UpdateProgress records job progress. Progress is clamped to 0..100 and
// never decreases. It is a no-op unless a job is running.
func (s *DeviceStore) UpdateProgress(progress, devicesFound int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() {
		return false
	}
	progress = min(max(progress, 0), 100)
	if progress > s.job.Progress {
		s.job.Progress = progress
	}
	if devicesFound > s.job.DevicesFound {
		s.job.DevicesFound = devicesFound
	}
	return true
}

// CompleteJob marks the running job completed with progress 100.
func (s *DeviceStore) CompleteJob(total int) bool {
	return s.finish(models.JobStatusCompleted, func(j *models.ScanJob) {
		j.Progress = 100
		j.DevicesFound = total
	})
}

// CancelJob marks the running job cancelled, freezing its progress.
func (s *DeviceStore) CancelJob() bool {
	return s.finish(models.JobStatusCancelled, nil)
}

// FailJob marks the running job as failed with msg.
func (s *DeviceStore) FailJob(msg string) bool {
	return s.finish(models.JobStatusError, func(j *models.ScanJob) {
		j.Error = msg
	})
}

// CurrentJob returns a copy of the current job, or the idle sentinel if no
// job has ever started.
func (s *DeviceStore) CurrentJob() models.ScanJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobLocked()
}

// Snapshot returns the device list and job record as of a single instant.
func (s *DeviceStore) Snapshot() ([]models.Device, models.ScanJob) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(), s.jobLocked()
}

// finish applies a terminal transition exactly once. Terminal states are
// sticky until the next StartJob.
func (s *DeviceStore) finish(status models.JobStatus, mutate func(*models.ScanJob)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() {
		return false
	}
	end := s.now()
	s.job.Status = status
	s.job.EndTime = &end
	if mutate != nil {
		mutate(s.job)
	}
	return true
}

func (s *DeviceStore) runningLocked() bool {
	return s.job != nil && s.job.Status == models.JobStatusRunning
}

func (s *DeviceStore) clearLocked() {
	s.devices = make(map[string]models.Device)
	s.order = nil
}

func (s *DeviceStore) listLocked() []models.Device {
	out := make([]models.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id])
	}
	return out
}

func (s *DeviceStore) jobLocked() models.ScanJob {
	if s.job == nil {
		return models.IdleJob()
	}
	j := *s.job
	if j.StartTime != nil {
		t := *j.StartTime
		j.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		j.EndTime = &t
	}
	return j
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
