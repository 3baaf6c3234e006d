package scan

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/config"
	"github.com/HerbHall/netmapper/internal/event"
	"github.com/HerbHall/netmapper/internal/plugin"
	"github.com/HerbHall/netmapper/internal/recon"
	"github.com/HerbHall/netmapper/internal/services"
	"github.com/HerbHall/netmapper/internal/store"
	"github.com/HerbHall/netmapper/pkg/models"
)

// Compile-time interface guard.
var _ plugin.Plugin = (*Module)(nil)

// shutdownTimeout bounds how long Stop waits for a cancelled job to end.
const shutdownTimeout = 10 * time.Second

// Module exposes the coordinator as a plugin with REST routes.
type Module struct {
	store   *store.DeviceStore
	hub     *event.Hub
	metrics Metrics
	history services.HistoryRepository
	archive services.DeviceArchive
	factory ProducerFactory

	historyLimit int

	cfg    recon.Config
	coord  *Coordinator
	logger *zap.Logger
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithHistory archives every finished job to repo and serves it from
// GET /scan/history, limit entries per page by default.
func WithHistory(repo services.HistoryRepository, limit int) ModuleOption {
	return func(m *Module) {
		m.history = repo
		m.historyLimit = limit
	}
}

// WithDeviceArchive also archives the devices of every finished job and
// serves them from GET /scan/history/{id}/devices. It has no effect without
// WithHistory.
func WithDeviceArchive(archive services.DeviceArchive) ModuleOption {
	return func(m *Module) { m.archive = archive }
}

// WithProducerFactory overrides the producer selected by configuration.
func WithProducerFactory(f ProducerFactory) ModuleOption {
	return func(m *Module) { m.factory = f }
}

// WithModuleMetrics reports job lifecycle to metrics.
func WithModuleMetrics(metrics Metrics) ModuleOption {
	return func(m *Module) { m.metrics = metrics }
}

// NewModule creates the scan module.
func NewModule(s *store.DeviceStore, hub *event.Hub, opts ...ModuleOption) *Module {
	m := &Module{
		store: s,
		hub:   hub,
		cfg:   recon.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string    { return "scan" }
func (m *Module) Version() string { return "1.0.0" }

// Init reads the scan section into a recon.Config and builds the
// coordinator.
func (m *Module) Init(cfg *config.Config, logger *zap.Logger) error {
	m.logger = logger
	if err := cfg.Unmarshal(&m.cfg); err != nil {
		return err
	}

	factory := m.factory
	if factory == nil {
		rc := m.cfg
		factory = func() (recon.Producer, error) {
			return recon.New(rc, logger.Named("producer"))
		}
	}

	m.coord = NewCoordinator(m.store, m.hub, factory, logger, WithMetrics(m.metrics))
	if m.history != nil {
		m.coord.OnTerminal(m.record)
	}

	logger.Info("scan module initialized",
		zap.String("producer", m.cfg.Kind()),
		zap.Bool("mock_mode", m.MockMode()),
	)
	return nil
}

func (m *Module) Start(context.Context) error { return nil }

// Stop cancels a running job and waits briefly for it to end.
func (m *Module) Stop() error {
	if m.coord == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.coord.Shutdown(ctx)
}

// Coordinator returns the module's coordinator. It is nil before Init.
func (m *Module) Coordinator() *Coordinator { return m.coord }

// MockMode reports whether jobs use the synthetic producer.
func (m *Module) MockMode() bool { return m.cfg.Kind() == recon.KindMock }

// Routes returns the module's HTTP routes.
func (m *Module) Routes() []plugin.Route {
	h := &handler{
		coord:        m.coord,
		history:      m.history,
		archive:      m.archive,
		historyLimit: m.historyLimit,
		logger:       m.logger,
	}
	return []plugin.Route{
		{Method: http.MethodPost, Path: "/scan", Handler: h.handleStartScan},
		{Method: http.MethodPost, Path: "/scan/cancel", Handler: h.handleCancelScan},
		{Method: http.MethodGet, Path: "/scan/status", Handler: h.handleScanStatus},
		{Method: http.MethodGet, Path: "/scan/history", Handler: h.handleScanHistory},
		{Method: http.MethodGet, Path: "/scan/history/{id}", Handler: h.handleGetScan},
		{Method: http.MethodGet, Path: "/scan/history/{id}/devices", Handler: h.handleScanDevices},
		{Method: http.MethodGet, Path: "/devices", Handler: h.handleListDevices},
		{Method: http.MethodGet, Path: "/devices/export", Handler: h.handleExportDevices},
	}
}

// record archives a finished job with a deadline of its own, independent
// of the server lifetime.
func (m *Module) record(job models.ScanJob, devices []models.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.Record(ctx, job); err != nil {
		m.logger.Warn("failed to archive scan",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return
	}
	if m.archive == nil {
		return
	}
	if err := m.archive.Record(ctx, job.JobID, devices); err != nil {
		m.logger.Warn("failed to archive scan devices",
			zap.String("job_id", job.JobID),
			zap.Int("devices", len(devices)),
			zap.Error(err),
		)
	}
}
