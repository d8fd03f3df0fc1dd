package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/masqctl/masqctl/internal/events"
	"github.com/masqctl/masqctl/internal/querylog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusNotFound, "event stream is disabled", CodeNotFound)
		return
	}

	var typeFilter map[events.EventType]bool
	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		types, err := events.ParseEventTypes(strings.Split(typesParam, ","))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), CodeBadRequest)
			return
		}
		typeFilter = make(map[events.EventType]bool, len(types))
		for _, et := range types {
			typeFilter[et] = true
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", CodeServerError)
		return
	}

	// Subscribe before the headers go out so a client that has seen the
	// response cannot miss an event. The channel serializes writes.
	ch := make(chan events.Event, 64)
	id := s.deps.Bus.SubscribeAll(func(e events.Event) {
		if typeFilter != nil && !typeFilter[e.Type] {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	defer s.deps.Bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || s.cfg.CORSOrigin == "*" {
				return true
			}
			if s.cfg.CORSOrigin != "" {
				return origin == s.cfg.CORSOrigin
			}
			return strings.HasSuffix(origin, "://"+r.Host)
		},
	}
}

// handleLogStream sends the buffered query history, then live records, as
// one JSON text message per LogRecord.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeError(w, http.StatusNotFound, "query log is disabled", CodeNotFound)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Logs.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read side: only control frames are expected; any error ends the stream.
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	// WriteControl may run concurrently with WriteJSON.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, querylog.ErrClosed) || ctx.Err() != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(rec); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}
