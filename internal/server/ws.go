package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/models"
)

// handleLive upgrades to a websocket and streams discovery events.
//
// The connection subscribes to the hub before taking the store snapshot, so
// an event published in between is both reflected in the snapshot and
// queued for delivery. Device and progress events are idempotent against
// the snapshot.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if s.corsOrigin != "" {
		opts.OriginPatterns = []string{s.corsOrigin}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	id := uuid.New().String()
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	devices, job := s.devices.Snapshot()

	n := s.clients.Add(1)
	defer func() {
		left := s.clients.Add(-1)
		s.logger.Info("client disconnected", zap.String("client", id), zap.Int64("clients", left))
	}()
	s.logger.Info("client connected", zap.String("client", id), zap.Int64("clients", n))

	ctx, cancel := context.WithCancel(s.streams)
	defer cancel()
	go discardReads(cancel, conn)

	initial := models.InitialState{
		Type:      models.EventInitialState,
		Devices:   devices,
		Scan:      job,
		Timestamp: time.Now().UTC(),
	}
	if err := s.write(ctx, conn, initial); err != nil {
		s.logger.Debug("failed to send initial state", zap.String("client", id), zap.Error(err))
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.logger.Debug("live client fell behind", zap.String("client", id))
				conn.Close(websocket.StatusTryAgainLater, "too slow")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				s.logger.Debug("live write failed", zap.String("client", id), zap.Error(err))
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.logger.Debug("live ping failed", zap.String("client", id), zap.Error(err))
				return
			}
		case <-ctx.Done():
			if s.streams.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}

// discardReads consumes client frames so control messages are processed.
// Data messages from clients are dropped. It returns once the connection
// is closed by either side.
func discardReads(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}
