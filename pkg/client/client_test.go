package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/netmapper/pkg/models"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)

	c, err := New("http://localhost:3001/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3001/ws", c.liveURL())

	c, err = New("https://example.com/netmapper")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/netmapper/ws", c.liveURL())
}

func TestStartScan(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scan", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"jobId": "job-1"})
	})
	c := newTestClient(t, mux)

	id, err := c.StartScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestStartScan_Conflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scan", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"type":"https://netmapper.dev/problems/conflict","title":"Conflict","status":409,"detail":"A scan is already in progress","jobId":"job-7"}`))
	})
	c := newTestClient(t, mux)

	_, err := c.StartScan(context.Background())
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "job-7", apiErr.JobID)
	assert.Equal(t, "A scan is already in progress", apiErr.Detail)
	assert.Contains(t, apiErr.Error(), "409")
}

func TestCancelScan(t *testing.T) {
	var active atomic.Bool
	active.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scan/cancel", func(w http.ResponseWriter, _ *http.Request) {
		if !active.Swap(false) {
			writeJSON(w, http.StatusNotFound, map[string]any{"title": "Not Found", "status": 404, "detail": "No active scan to cancel"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Scan cancelled"})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.CancelScan(context.Background()))

	err := c.CancelScan(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestAPIError_NonProblemBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	_, err := c.Devices(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "netmapper api: 502 Bad Gateway", apiErr.Error())
}

func TestSnapshot(t *testing.T) {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"devices":   []models.Device{dev("a"), dev("b")},
			"count":     2,
			"timestamp": start,
		})
	})
	mux.HandleFunc("GET /api/scan/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"scan":      models.ScanJob{JobID: "j1", Status: models.JobStatusRunning, Progress: 40, DevicesFound: 2, StartTime: &start},
			"timestamp": start,
		})
	})
	c := newTestClient(t, mux)

	devices, job, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].ID)
	assert.Equal(t, "j1", job.JobID)
	assert.Equal(t, 40, job.Progress)

	// The REST snapshot seeds a reconciler the same way the live one does.
	r := NewReconciler()
	r.Connected()
	r.ApplySnapshot(devices, job)
	assert.Equal(t, []string{"a", "b"}, ids(r.State()))
}

func TestHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mockMode": true, "connectedClients": 2, "deviceCount": 9, "version": "dev"})
	})
	c := newTestClient(t, mux)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK)
	assert.True(t, h.MockMode)
	assert.Equal(t, 2, h.ConnectedClients)
	assert.Equal(t, 9, h.DeviceCount)
}

func TestWatch_ReconnectsAndResyncs(t *testing.T) {
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var conns atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		if conns.Add(1) == 1 {
			_ = wsjson.Write(ctx, conn, models.InitialState{
				Type:      models.EventInitialState,
				Devices:   []models.Device{dev("a")},
				Scan:      models.ScanJob{JobID: "j1", Status: models.JobStatusRunning, Progress: 20, DevicesFound: 1, StartTime: &start},
				Timestamp: start,
			})
			found := models.NewDeviceFound(dev("b"), start.Add(time.Second))
			found.JobID = "j1"
			_ = wsjson.Write(ctx, conn, found)
			_ = conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}

		end := start.Add(time.Minute)
		_ = wsjson.Write(ctx, conn, models.InitialState{
			Type:      models.EventInitialState,
			Devices:   []models.Device{dev("a"), dev("b"), dev("c")},
			Scan:      models.ScanJob{JobID: "j1", Status: models.JobStatusCompleted, Progress: 100, DevicesFound: 3, StartTime: &start, EndTime: &end},
			Timestamp: end,
		})
		// Hold the connection until the client goes away.
		_, _, _ = conn.Read(ctx)
	})
	c := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := make(chan State, 256)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Watch(ctx, func(s State) {
			select {
			case states <- s:
			default:
			}
		})
	}()

	var sawTwoDevices, sawDisconnect bool
	deadline := time.After(5 * time.Second)
	for {
		var s State
		select {
		case s = <-states:
		case <-deadline:
			t.Fatal("timed out waiting for resync")
		}
		if s.Synced && len(s.Devices) == 2 {
			sawTwoDevices = true
		}
		if sawTwoDevices && !s.Connected {
			sawDisconnect = true
		}
		if s.Synced && s.Status == models.JobStatusCompleted {
			assert.Equal(t, []string{"a", "b", "c"}, ids(s))
			assert.Equal(t, 3, s.DevicesFound)
			break
		}
	}
	assert.True(t, sawTwoDevices)
	assert.True(t, sawDisconnect)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
