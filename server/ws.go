package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jupark12/build-broker/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// handleWebSocket streams log lines and job updates to one client. With a
// job_id query parameter only that job's events are sent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	sub := s.logs.Subscribe()
	s.logger.Debug("WebSocket client connected",
		zap.String("job_id", jobID),
		zap.Int("subscribers", s.logs.Len()))

	// Send the current status first so the client does not start blind.
	if jobID != "" {
		if rec, err := s.coord.GetJob(jobID); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(broadcast.JobUpdate(rec)); err != nil {
				sub.Close()
				conn.Close()
				return
			}
		}
	}

	// Reads only detect disconnects; client messages are discarded.
	go func() {
		defer sub.Close()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.writePump(conn, sub, jobID)
}

func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscription, jobID string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		s.logger.Debug("WebSocket client disconnected", zap.Int("subscribers", s.logs.Len()))
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if jobID != "" && ev.JobID != jobID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
