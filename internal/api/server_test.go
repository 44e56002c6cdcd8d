package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/config"
	"github.com/snarg/livescribe/internal/ingest"
	"github.com/snarg/livescribe/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	srv *httptest.Server
	bus *ingest.EventBus
	in  *ingest.Ingestor
}

func newStack(t *testing.T) *stack {
	t.Helper()
	bus := ingest.NewEventBus(64)
	primary := session.NewStore(session.StoreOptions{
		Backend:  session.NewMemoryBackend(),
		Observer: bus,
		Log:      zerolog.Nop(),
	})
	in := ingest.NewIngestor(ingest.IngestorOptions{
		Primary:    primary,
		Observer:   bus,
		Log:        zerolog.Nop(),
		AckTimeout: time.Second,
	})
	h := api.NewRouter(api.ServerOptions{
		Config:    &config.Config{},
		Sessions:  in,
		Webhook:   in,
		Live:      ingest.NewLiveSource(bus, in, nil),
		Version:   "test",
		StartTime: time.Now(),
		Log:       zerolog.Nop(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, bus: bus, in: in}
}

func (s *stack) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *stack) session(t *testing.T, sid string) map[string]any {
	t.Helper()
	code, body := s.do(t, "GET", "/api/v1/sessions/"+sid, "")
	require.Equal(t, http.StatusOK, code)
	return body["session"].(map[string]any)
}

func segments(text string) string {
	return `{"segments":[{"text":"` + text + `","is_user":true}]}`
}

func TestWebhookToStoreScenarios(t *testing.T) {
	s := newStack(t)

	// Two deliveries for one session append in order.
	code, body := s.do(t, "POST", "/webhook?session_id=S1", segments("hello"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "S1", body["session_id"])

	_, list := s.do(t, "GET", "/api/v1/sessions", "")
	require.EqualValues(t, 1, list["total"])
	first := list["sessions"].([]any)[0].(map[string]any)
	assert.Equal(t, "S1", first["session_id"])
	assert.Equal(t, "hello", first["transcript"])
	assert.Equal(t, "active", first["status"])

	code, _ = s.do(t, "POST", "/api/omi/webhook?session_id=S1", segments("world"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello world", s.session(t, "S1")["transcript"])

	// Completion freezes the session against later deliveries.
	code, body = s.do(t, "POST", "/api/v1/sessions/S1/complete", "")
	require.Equal(t, http.StatusOK, code)
	done := body["session"].(map[string]any)
	assert.Equal(t, "completed", done["status"])
	require.NotNil(t, done["completed_at"])

	code, _ = s.do(t, "POST", "/webhook?session_id=S1", segments("late"))
	require.Equal(t, http.StatusOK, code)

	after := s.session(t, "S1")
	assert.Equal(t, "hello world", after["transcript"])
	assert.Equal(t, "completed", after["status"])
	assert.Equal(t, done["completed_at"], after["completed_at"])

	// Unknown ids: completion is not found, removal reports false.
	code, body = s.do(t, "POST", "/api/v1/sessions/unknown-id/complete", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	code, body = s.do(t, "DELETE", "/api/v1/sessions/unknown-id", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["deleted"])
}

func TestWebhookRejectsEmptySegmentsWithoutStoring(t *testing.T) {
	s := newStack(t)

	code, body := s.do(t, "POST", "/webhook?session_id=S1", `{"segments":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])

	_, list := s.do(t, "GET", "/api/v1/sessions", "")
	assert.EqualValues(t, 0, list["total"])
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestEventStreamSSE(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", s.srv.URL+"/api/v1/events/stream?types=session_created", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.do(t, "POST", "/webhook?session_id=S1", segments("hello"))
	s.do(t, "POST", "/webhook?session_id=S1", segments("again"))
	s.do(t, "POST", "/webhook?session_id=S2", segments("other"))

	r := bufio.NewReader(resp.Body)
	event, data := readSSEEvent(t, r)
	assert.Equal(t, "session_created", event)
	assert.Contains(t, data, `"session_id":"S1"`)

	// The update for S1 is filtered out; the next event is S2's creation.
	event, data = readSSEEvent(t, r)
	assert.Equal(t, "session_created", event)
	assert.Contains(t, data, `"session_id":"S2"`)
}

func TestEventStreamReplay(t *testing.T) {
	s := newStack(t)
	s.do(t, "POST", "/webhook?session_id=S1", segments("hello"))
	s.do(t, "POST", "/webhook?session_id=S1", segments("world"))

	buffered := s.bus.ReplaySince("", api.EventFilter{})
	require.Len(t, buffered, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", s.srv.URL+"/api/v1/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", buffered[0].ID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	event, data := readSSEEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "session_updated", event)
	assert.Contains(t, data, `"transcript":"hello world"`)
}

func TestEventStreamWebSocket(t *testing.T) {
	s := newStack(t)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/events/ws?session_ids=S2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.do(t, "POST", "/webhook?session_id=S1", segments("skip"))
	s.do(t, "POST", "/webhook?session_id=S2", segments("hello"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		ID        string `json:"event_id"`
		Type      string `json:"event_type"`
		SessionID string `json:"session_id"`
		Data      struct {
			Transcript string `json:"transcript"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "session_created", msg.Type)
	assert.Equal(t, "S2", msg.SessionID)
	assert.Equal(t, "hello", msg.Data.Transcript)
	assert.Equal(t, "active", msg.Data.Status)

	conn.Close()
	require.Eventually(t, func() bool { return s.bus.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t)
	s.do(t, "POST", "/webhook?session_id=S1", segments("hello"))

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "livescribe_webhook_deliveries_total")
	assert.Contains(t, string(b), "livescribe_http_requests_total")
}
