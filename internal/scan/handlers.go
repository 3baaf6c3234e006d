package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/server"
	"github.com/HerbHall/netmapper/internal/services"
	"github.com/HerbHall/netmapper/pkg/models"
)

type handler struct {
	coord        *Coordinator
	history      services.HistoryRepository
	archive      services.DeviceArchive
	historyLimit int
	logger       *zap.Logger
}

// StartScanResponse is returned when a job starts.
type StartScanResponse struct {
	JobID string `json:"jobId"`
}

// DevicesResponse lists the devices of the current job.
type DevicesResponse struct {
	Devices   []models.Device `json:"devices"`
	Count     int             `json:"count"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusResponse reports the current job.
type StatusResponse struct {
	Scan      models.ScanJob `json:"scan"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleStartScan starts a new discovery job.
//
//	@Summary	Start scan
//	@Success	200	{object}	StartScanResponse
//	@Failure	409	{object}	server.Problem
//	@Router		/scan [post]
func (h *handler) handleStartScan(w http.ResponseWriter, r *http.Request) {
	id, err := h.coord.Start()
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			server.Conflict(w, "Scan already in progress", r.URL.Path,
				map[string]any{"jobId": conflict.JobID})
			return
		}
		h.logger.Error("failed to start scan", zap.Error(err))
		server.InternalError(w, "Failed to start scan", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, StartScanResponse{JobID: id})
}

// handleCancelScan cancels the running job.
//
//	@Summary	Cancel scan
//	@Success	200	{object}	map[string]string
//	@Failure	404	{object}	server.Problem
//	@Router		/scan/cancel [post]
func (h *handler) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Cancel(); err != nil {
		if errors.Is(err, ErrNoActiveScan) {
			server.NotFound(w, "No active scan to cancel", r.URL.Path)
			return
		}
		h.logger.Error("failed to cancel scan", zap.Error(err))
		server.InternalError(w, "Failed to cancel scan", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scan cancelled"})
}

func (h *handler) handleScanStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Scan:      h.coord.Status(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *handler) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := h.coord.Devices()
	writeJSON(w, http.StatusOK, DevicesResponse{
		Devices:   devices,
		Count:     len(devices),
		Timestamp: time.Now().UTC(),
	})
}

// handleExportDevices downloads the current devices as csv, yaml or json.
func (h *handler) handleExportDevices(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatJSON
	}
	switch format {
	case FormatCSV, FormatYAML, FormatJSON:
	default:
		server.BadRequest(w, fmt.Sprintf("unsupported format %q", format), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=devices.%s", format))
	if err := WriteDevices(w, format, h.coord.Devices()); err != nil {
		h.logger.Error("failed to export devices", zap.String("format", format), zap.Error(err))
	}
}

// handleScanHistory lists archived jobs, newest first.
func (h *handler) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, services.ListResult[models.ScanJob]{Items: []models.ScanJob{}})
		return
	}

	opts, err := h.listOptions(r)
	if err != nil {
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}

	result, err := h.history.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list scan history", zap.Error(err))
		server.InternalError(w, "Failed to list scan history", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetScan returns one archived job.
func (h *handler) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		server.NotFound(w, "Scan history is disabled", r.URL.Path)
		return
	}
	job, ok := h.archivedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleScanDevices lists the devices an archived job discovered.
//
//	@Summary	Archived scan devices
//	@Param		id		path	string	true	"Job ID"
//	@Param		type	query	string	false	"Device type"
//	@Param		q		query	string	false	"Search hostname, IP or MAC"
//	@Success	200	{object}	services.ListResult[models.Device]
//	@Failure	404	{object}	server.Problem
//	@Router		/scan/history/{id}/devices [get]
func (h *handler) handleScanDevices(w http.ResponseWriter, r *http.Request) {
	if h.history == nil || h.archive == nil {
		server.NotFound(w, "Device archive is disabled", r.URL.Path)
		return
	}
	if _, ok := h.archivedJob(w, r); !ok {
		return
	}

	opts, err := h.listOptions(r)
	if err != nil {
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	q := r.URL.Query()
	opts.SortBy = q.Get("sort")
	filter := services.DeviceFilter{
		DeviceType: q.Get("type"),
		Search:     q.Get("q"),
	}
	if v := q.Get("gateway"); v != "" {
		gw, err := strconv.ParseBool(v)
		if err != nil {
			server.BadRequest(w, "gateway must be a boolean", r.URL.Path)
			return
		}
		filter.Gateway = &gw
	}

	result, err := h.archive.List(r.Context(), r.PathValue("id"), filter, opts)
	if err != nil {
		h.logger.Error("failed to list archived devices", zap.Error(err))
		server.InternalError(w, "Failed to list archived devices", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// archivedJob loads the job named by the id path value, writing a problem
// response when it cannot.
func (h *handler) archivedJob(w http.ResponseWriter, r *http.Request) (*models.ScanJob, bool) {
	id := r.PathValue("id")
	job, err := h.history.Get(r.Context(), id)
	switch {
	case errors.Is(err, services.ErrNotFound):
		server.NotFound(w, fmt.Sprintf("Scan %q not found", id), r.URL.Path)
		return nil, false
	case err != nil:
		h.logger.Error("failed to get scan", zap.String("job_id", id), zap.Error(err))
		server.InternalError(w, "Failed to get scan", r.URL.Path)
		return nil, false
	}
	return job, true
}

// listOptions parses the limit, offset and order query parameters.
func (h *handler) listOptions(r *http.Request) (services.ListOptions, error) {
	q := r.URL.Query()
	opts := services.ListOptions{Limit: h.historyLimit, SortOrder: q.Get("order")}
	var err error
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			return opts, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil {
			return opts, errors.New("offset must be an integer")
		}
	}
	return opts, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
