// Package scan runs discovery jobs: it starts producers, folds their events
// into the device store and republishes them to live subscribers.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/event"
	"github.com/HerbHall/netmapper/internal/recon"
	"github.com/HerbHall/netmapper/internal/store"
	"github.com/HerbHall/netmapper/pkg/models"
)

// ProducerFactory builds the producer for a new job.
type ProducerFactory func() (recon.Producer, error)

// Metrics receives job lifecycle measurements.
type Metrics interface {
	ScanStarted()
	ScanFinished(status models.JobStatus)
	SetDevices(n int)
}

type nopMetrics struct{}

func (nopMetrics) ScanStarted()                  {}
func (nopMetrics) ScanFinished(models.JobStatus) {}
func (nopMetrics) SetDevices(int)                {}

// job is the coordinator's view of one run.
type job struct {
	id       string
	finished atomic.Bool
	done     chan struct{}

	mu              sync.Mutex
	handle          recon.Handle
	cancelRequested bool
}

func (j *job) setHandle(h recon.Handle) {
	j.mu.Lock()
	j.handle = h
	cancel := j.cancelRequested
	j.mu.Unlock()
	if cancel {
		h.Cancel()
	}
}

// cancel asks the producer to stop. A cancel that arrives before the
// producer has returned its handle is applied as soon as it does.
func (j *job) cancel() {
	j.mu.Lock()
	h := j.handle
	if h == nil {
		j.cancelRequested = true
	}
	j.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Coordinator owns the single active scan job.
type Coordinator struct {
	store   *store.DeviceStore
	hub     *event.Hub
	factory ProducerFactory
	logger  *zap.Logger
	metrics Metrics
	newID   func() string

	mu    sync.Mutex
	cur   *job
	hooks []TerminalHook
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics reports job lifecycle to m.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithJobIDGenerator replaces the job id generator.
func WithJobIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s *store.DeviceStore, hub *event.Hub, factory ProducerFactory, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   s,
		hub:     hub,
		factory: factory,
		logger:  logger,
		metrics: nopMetrics{},
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TerminalHook receives the final job record and the job's devices.
type TerminalHook func(job models.ScanJob, devices []models.Device)

// OnTerminal registers fn to run after every job ends. Hooks run on the
// producer's goroutine after the terminal event has been published.
func (c *Coordinator) OnTerminal(fn TerminalHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Start begins a new job and returns its id. While a job is running it
// returns a *ConflictError carrying the running job's id.
func (c *Coordinator) Start() (string, error) {
	c.mu.Lock()
	if c.cur != nil {
		id := c.cur.id
		c.mu.Unlock()
		return "", &ConflictError{JobID: id}
	}
	if cur := c.store.CurrentJob(); cur.Status == models.JobStatusRunning {
		c.mu.Unlock()
		return "", &ConflictError{JobID: cur.JobID}
	}

	j := &job{id: c.newID(), done: make(chan struct{})}
	if err := c.store.StartJob(j.id); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("starting job: %w", err)
	}
	c.cur = j
	c.mu.Unlock()

	c.metrics.ScanStarted()
	c.metrics.SetDevices(0)
	c.logger.Info("scan started", zap.String("job_id", j.id))

	producer, err := c.factory()
	if err != nil {
		c.fail(j, err)
		return "", fmt.Errorf("creating producer: %w", err)
	}
	handle, err := producer.Start(c.handler(j))
	if err != nil {
		c.fail(j, err)
		return "", fmt.Errorf("starting producer: %w", err)
	}
	j.setHandle(handle)
	return j.id, nil
}

// Cancel stops the running job. It returns ErrNoActiveScan when no job is
// running.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	j := c.cur
	c.mu.Unlock()

	if j == nil || j.finished.Load() {
		return ErrNoActiveScan
	}
	c.logger.Info("cancelling scan", zap.String("job_id", j.id))
	j.cancel()
	return nil
}

// Shutdown cancels any running job and waits for it to end or for ctx to
// expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	j := c.cur
	c.mu.Unlock()
	if j == nil {
		return nil
	}

	if err := c.Cancel(); err != nil && !errors.Is(err, ErrNoActiveScan) {
		return err
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current job record, or the idle sentinel.
func (c *Coordinator) Status() models.ScanJob {
	return c.store.CurrentJob()
}

// Devices returns the devices of the current job.
func (c *Coordinator) Devices() []models.Device {
	return c.store.ListDevices()
}

// handler folds the events of job j into the store and republishes them.
// Events that arrive after j has ended are dropped.
func (c *Coordinator) handler(j *job) recon.Sink {
	return func(ev models.Event) {
		if j.finished.Load() {
			c.logger.Debug("dropping event for finished job",
				zap.String("job_id", j.id),
				zap.String("event", string(ev.Type)),
			)
			return
		}
		ev.JobID = j.id

		if ev.Terminal() {
			c.terminate(j, ev)
			return
		}

		switch ev.Type {
		case models.EventScanStarted:
		case models.EventDeviceFound:
			if ev.Device == nil {
				return
			}
			d, err := c.store.ApplyDeviceFound(*ev.Device, ev.Timestamp)
			if err != nil {
				c.logger.Debug("dropping device", zap.String("job_id", j.id), zap.Error(err))
				return
			}
			ev.Device = &d
			c.metrics.SetDevices(c.store.Count())
		case models.EventDeviceUpdated:
			if ev.Update == nil {
				return
			}
			if _, err := c.store.ApplyDeviceUpdate(ev.DeviceID, *ev.Update, ev.Timestamp); err != nil {
				c.logger.Debug("dropping device update",
					zap.String("job_id", j.id),
					zap.String("device_id", ev.DeviceID),
					zap.Error(err),
				)
				return
			}
		case models.EventScanProgress:
			if !c.store.UpdateProgress(ev.Progress, ev.DevicesFound) {
				return
			}
		default:
			c.logger.Debug("ignoring unknown event", zap.String("event", string(ev.Type)))
			return
		}
		c.hub.Publish(ev)
	}
}

// terminate applies a terminal event exactly once per job. The slot is
// freed under the same lock as the store transition and the broadcast.
func (c *Coordinator) terminate(j *job, ev models.Event) {
	if !j.finished.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	switch ev.Type {
	case models.EventScanCompleted:
		c.store.CompleteJob(ev.TotalDevices)
	case models.EventScanCancelled:
		c.store.CancelJob()
	case models.EventError:
		c.store.FailJob(ev.Message)
	}
	devices, final := c.store.Snapshot()
	c.hub.Publish(ev)
	if c.cur == j {
		c.cur = nil
	}
	hooks := append([]TerminalHook{}, c.hooks...)
	c.mu.Unlock()

	c.release(j, final, devices, hooks)
}

// fail ends j when its producer could not be started.
func (c *Coordinator) fail(j *job, err error) {
	c.logger.Error("scan failed to start", zap.String("job_id", j.id), zap.Error(err))
	ev := models.NewError("failed to start scan", time.Now().UTC())
	ev.JobID = j.id
	c.terminate(j, ev)
}

func (c *Coordinator) release(j *job, final models.ScanJob, devices []models.Device, hooks []TerminalHook) {
	defer close(j.done)

	c.metrics.ScanFinished(final.Status)
	c.logger.Info("scan finished",
		zap.String("job_id", j.id),
		zap.String("status", string(final.Status)),
		zap.Int("devices_found", final.DevicesFound),
	)
	for _, fn := range hooks {
		fn(final, devices)
	}
}
