package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/metrics"
	"github.com/snarg/livescribe/internal/mqttclient"
	"github.com/snarg/livescribe/internal/session"
	"github.com/snarg/livescribe/internal/transcript"
)

// MessageRouter dispatches MQTT messages to the ingestor.
type MessageRouter struct {
	in  *Ingestor
	ctx context.Context
	log zerolog.Logger
}

// NewMessageRouter creates a router. ctx bounds every dispatched call.
func NewMessageRouter(ctx context.Context, in *Ingestor, log zerolog.Logger) *MessageRouter {
	return &MessageRouter{in: in, ctx: ctx, log: log.With().Str("component", "mqtt-router").Logger()}
}

// HandleMessage is an mqttclient.Handler.
func (r *MessageRouter) HandleMessage(m mqttclient.Message) {
	switch m.Topic.Action {
	case mqttclient.ActionSegments:
		var p transcript.Payload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("mqtt", metrics.OutcomeRejected).Inc()
			r.log.Warn().Err(err).Str("topic", m.Name).Msg("invalid segments payload")
			return
		}
		res, err := r.in.IngestFrom(r.ctx, "mqtt", transcript.Delivery{
			SessionID:     m.Topic.SessionID,
			UserID:        m.Topic.UserID,
			BodySessionID: p.SessionID,
			Segments:      p.Segments,
		})
		if err != nil {
			r.log.Warn().Err(err).Str("topic", m.Name).Msg("segments rejected")
			return
		}
		r.log.Debug().Str("session_id", res.SessionID).Str("tier", string(res.Tier)).Msg("mqtt segments stored")

	case mqttclient.ActionComplete:
		_, err := r.in.Complete(r.ctx, m.Topic.SessionID)
		if errors.Is(err, session.ErrNotFound) {
			r.log.Warn().Str("session_id", m.Topic.SessionID).Msg("complete for unknown session")
			return
		}
		if err != nil {
			r.log.Error().Err(err).Str("session_id", m.Topic.SessionID).Msg("complete failed")
		}
	}
}
