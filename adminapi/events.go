package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/registry"
)

// watch attaches to the registry event stream. The caller must release it.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) (<-chan registry.Event, func(), bool) {
	reg := s.fleet.Registry()
	events, err := reg.Watch()
	if err != nil {
		s.writeFleetError(w, r, fleeterrors.WrapWithCode(err, fleeterrors.ErrCodeClosed, "registry closed"))
		return nil, nil, false
	}
	return events, func() { reg.Unwatch(events) }, true
}

func (s *Server) heartbeat() (<-chan time.Time, func()) {
	if s.config.HeartbeatInterval <= 0 {
		return nil, func() {}
	}
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	return ticker.C, ticker.Stop
}

// streamSSE writes each registry event as a server-sent event named after
// its type.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(fleeterrors.ErrCodeInternal), "streaming not supported")
		return
	}

	events, release, ok := s.watch(w, r)
	if !ok {
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	beat, stop := s.heartbeat()
	defer stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-beat:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// streamWebSocket writes each registry event as a JSON text message. The
// stream is one-way; inbound messages are read only to notice the close.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	events, release, ok := s.watch(w, r)
	if !ok {
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", map[string]interface{}{"error": err})
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	beat, stop := s.heartbeat()
	defer stop()

	for {
		select {
		case <-closed:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-beat:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
