package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
)

const (
	sseKeepalive = 15 * time.Second
	wsPing       = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

type EventsHandler struct {
	live     LiveDataSource
	upgrader websocket.Upgrader
}

// NewEventsHandler serves session events from live. origins restricts
// browser WebSocket clients the same way CORSWithOrigins does; empty allows
// any origin.
func NewEventsHandler(live LiveDataSource, origins []string) *EventsHandler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &EventsHandler{
		live: live,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func parseEventFilter(r *http.Request) EventFilter {
	return EventFilter{
		Types:      QueryStringList(r, "types"),
		SessionIDs: QueryStringList(r, "session_ids"),
	}
}

// StreamEvents opens an SSE connection and pushes filtered events.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := parseEventFilter(r)

	// The stream outlives the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	lastSent := ""
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			writeSSE(w, e)
			lastSent = e.ID
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Strs("types", filter.Types).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if lastSent != "" && !eventAfter(event.ID, lastSent) {
				continue
			}
			lastSent = ""
			writeSSE(w, event)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e SSEEvent) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// wsMessage is the WebSocket frame for one event.
type wsMessage struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"event_type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// WebSocket upgrades the connection and pushes filtered events as JSON text
// frames. ?last_event_id= replays buffered events first. Messages from the
// client are read and discarded; the read loop only detects disconnects.
func (h *EventsHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}

	log := hlog.FromRequest(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	filter := parseEventFilter(r)
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPing + wsWriteWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPing + wsWriteWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e SSEEvent) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wsMessage{
			ID:        e.ID,
			Type:      e.Type,
			SessionID: e.SessionID,
			Timestamp: e.Timestamp,
			Data:      json.RawMessage(e.Data),
		})
	}

	lastSent := ""
	if lastEventID, ok := QueryString(r, "last_event_id"); ok {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			if err := send(e); err != nil {
				return
			}
			lastSent = e.ID
		}
	}

	ping := time.NewTicker(wsPing)
	defer ping.Stop()

	log.Info().Strs("types", filter.Types).Msg("websocket client connected")
	defer log.Info().Msg("websocket client disconnected")

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if lastSent != "" && !eventAfter(event.ID, lastSent) {
				continue
			}
			lastSent = ""
			if err := send(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// eventAfter reports whether event id a was published after b. Ids are
// "{unix_millis}-{seq}" with a monotonic seq, so comparing the seq suffix is
// enough.
func eventAfter(a, b string) bool {
	return eventSeq(a) > eventSeq(b)
}

func eventSeq(id string) int64 {
	var ms, seq int64
	if _, err := fmt.Sscanf(id, "%d-%d", &ms, &seq); err != nil {
		return -1
	}
	return seq
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
	r.Get("/events/ws", h.WebSocket)
}
