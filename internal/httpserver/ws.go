package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"

	"reprapctl/internal/panel"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
)

// wsHandler pushes the status view to the client after every engine tick.
// Anything the client sends is ignored.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	views, unsubscribe := s.panel.Subscribe()
	metrics.IncrCounter([]string{"http", "ws_connects"}, 1)
	metrics.SetGauge([]string{"http", "ws_clients"}, float32(s.wsClients.Add(1)))
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.wsWritePump(conn, views, done)
	s.wsReadPump(conn)

	close(done)
	unsubscribe()
	metrics.SetGauge([]string{"http", "ws_clients"}, float32(s.wsClients.Add(-1)))
	s.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) wsReadPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, views <-chan panel.View, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(s.panel.Status()); err != nil {
		return
	}
	for {
		select {
		case v, ok := <-views:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(v); err != nil {
				s.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
