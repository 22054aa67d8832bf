package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofetch/internal/errors"
)

// Events streams job progress as server-sent events. The stream replays
// the latest known state on attach, emits ordered progress frames, and
// ends after the terminal event. Comment heartbeats keep idle streams
// alive through intermediaries.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	events, cancel, err := svc.Subscribe(jobIDParam(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer cancel()

	fl, ok := w.(http.Flusher)
	if !ok {
		apperrors.WriteError(w, r, http.StatusInternalServerError, apperrors.CodeInternalError,
			"streaming not supported", nil)
		return
	}

	// The stream outlives the server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal progress event", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

// The service binds to loopback unless deployed behind a proxy, so
// cross-origin browser clients on localhost ports are allowed through.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WS streams the same event sequence as Events over a WebSocket. Each
// progress event is one JSON text message; a normal close frame follows
// the terminal event.
func (h *JobsHandler) WS(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.ready(w, r)
	if !ok {
		return
	}

	events, cancel, err := svc.Subscribe(jobIDParam(r))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping handling keep working, and
	// so a departed client tears the stream down.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		case ev, open := <-events:
			if !open {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"), deadline)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
