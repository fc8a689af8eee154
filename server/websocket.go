package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentforge/runner"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(s.opts.AllowedOrigins) == 0 {
				return true
			}

			if slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin) {
				return true
			}

			s.opts.Logger.Warn("server.ws.origin_rejected", "origin", origin)

			return false
		},
	}
}

// handleWebsocket runs one agent per connection: the first client frame is a
// RunRequest, then every event is sent as one text frame. Closing the
// connection cancels the run.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenant(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, errMissingTenant(s.opts.TenantHeader))
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn("server.ws.upgrade_failed", "error", err.Error())
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.opts.MaxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var req RunRequest

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}

	if err := json.Unmarshal(msg, &req); err != nil {
		s.closeWS(conn, websocket.CloseUnsupportedData, "invalid run request")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the reader only watches for the client going away
	go func() {
		defer cancel()

		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	run := s.runner.StartStream(ctx, runner.Request{AgentID: mux.Vars(r)["agentID"], TenantID: tenant, Input: req.Input})

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	events := run.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.closeWS(conn, websocket.CloseNormalClosure, "run finished")
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.opts.Logger.Warn("server.ws.write_failed", "run_id", run.ID, "error", err.Error())
				cancel()
				drain(run)

				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				drain(run)

				return
			}
		}
	}
}

func (s *Server) closeWS(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}
