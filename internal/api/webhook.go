package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/livescribe/internal/metrics"
	"github.com/snarg/livescribe/internal/transcript"
)

// WebhookHandler receives real-time transcript deliveries from the device:
//
//	POST {path}?session_id={session_id}&uid={user_id}
//	{"session_id": "...", "segments": [{"text": "...", "speaker": "...", "is_user": true}]}
//
// The device retries any delivery that is not answered with 200 within a few
// seconds, so the handler answers as soon as the ingestor has either stored
// the chunk or handed it to a background write.
type WebhookHandler struct {
	ingest WebhookIngestor
}

func NewWebhookHandler(ingest WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{ingest: ingest}
}

// webhookResponse is the body the device expects. Success and failure share
// the envelope.
type webhookResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	SegmentsProcessed int    `json:"segments_processed"`
}

// Probe answers the device's endpoint verification request.
func (h *WebhookHandler) Probe(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"message": "webhook endpoint is active"})
}

// Receive ingests one segment delivery.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var body transcript.Payload
	if err := DecodeJSON(w, r, &body); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("webhook", metrics.OutcomeRejected).Inc()
		log.Warn().Err(err).Msg("webhook body rejected")
		WriteJSON(w, http.StatusBadRequest, webhookResponse{Error: "Invalid request"})
		return
	}

	q := r.URL.Query()
	d := transcript.Delivery{
		SessionID:     q.Get("session_id"),
		UserID:        q.Get("uid"),
		BodySessionID: body.SessionID,
		Segments:      body.Segments,
	}

	res, err := h.ingest.Ingest(r.Context(), d)
	if errors.Is(err, transcript.ErrNoSegments) {
		WriteJSON(w, http.StatusBadRequest, webhookResponse{Error: "Missing or invalid segments array"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", res.SessionID).Msg("webhook delivery not stored")
		WriteJSON(w, http.StatusInternalServerError, webhookResponse{Error: "Failed to store transcription"})
		return
	}

	log.Debug().
		Str("session_id", res.SessionID).
		Str("uid", d.UserID).
		Int("segments", res.Segments).
		Str("tier", string(res.Tier)).
		Msg("webhook delivery accepted")

	WriteJSON(w, http.StatusOK, webhookResponse{
		Success:           true,
		Message:           "Transcription received",
		SessionID:         res.SessionID,
		SegmentsProcessed: res.Segments,
	})
}

// Routes registers the probe and delivery handlers at path.
func (h *WebhookHandler) Routes(r chi.Router, path string) {
	r.Get(path, h.Probe)
	r.Post(path, h.Receive)
}
