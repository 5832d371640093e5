package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/CuAuPro/switchyard/internal/ws"
)

const unregisterTimeout = time.Second

func streamTopic(req *http.Request) string {
	if id := strings.TrimSpace(req.URL.Query().Get("serviceId")); id != "" {
		return id
	}
	return ws.AllServices
}

// handleEventsWS streams bus events over a websocket until the peer goes away.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	topic := streamTopic(req)
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(req.Context(), topic, client)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()
		r.hub.Unregister(ctx, topic, client)
		client.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		}
	}
}

// handleEventsSSE streams bus events as Server-Sent Events.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := streamTopic(req)
	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(req.Context(), topic, client)
	defer func() {
		client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		defer cancel()
		r.hub.Unregister(ctx, topic, client)
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
