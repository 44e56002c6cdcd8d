// Package transcript turns device speech segments into transcript text.
package transcript

import (
	"errors"
	"strings"
)

// ErrNoSegments is returned when a delivery carries no segments.
var ErrNoSegments = errors.New("missing or invalid segments array")

// Segment is one attributed chunk of transcribed speech as sent by the device.
type Segment struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
	IsUser  bool   `json:"is_user"`
}

// Normalize flattens segments into a single transcript chunk.
//
// If any segment is flagged as user speech, only those segments are kept.
// Otherwise every segment is used. Texts are joined with a single space in
// input order. Empty texts are not compacted: they still contribute their
// separator, so ["a", "", "b"] becomes "a  b".
func Normalize(segments []Segment) string {
	var user []string
	all := make([]string, 0, len(segments))
	for _, s := range segments {
		all = append(all, s.Text)
		if s.IsUser {
			user = append(user, s.Text)
		}
	}
	if len(user) > 0 {
		return strings.Join(user, " ")
	}
	return strings.Join(all, " ")
}

// Delivery is one inbound push of segments, from the webhook or any other
// ingress transport.
type Delivery struct {
	// SessionID and UserID come from the transport side channel
	// (query parameters for the webhook, topic for MQTT).
	SessionID string
	UserID    string

	// BodySessionID is the session id embedded in the payload, if any.
	BodySessionID string
	Segments      []Segment
}

// ResolveSessionID returns the effective session id: side channel first,
// then body. ok is false when neither is set.
func (d Delivery) ResolveSessionID() (id string, ok bool) {
	if d.SessionID != "" {
		return d.SessionID, true
	}
	if d.BodySessionID != "" {
		return d.BodySessionID, true
	}
	return "", false
}

// Validate checks that the delivery carries at least one segment.
func (d Delivery) Validate() error {
	if len(d.Segments) == 0 {
		return ErrNoSegments
	}
	return nil
}

// Payload is the JSON body the device posts.
type Payload struct {
	SessionID string    `json:"session_id,omitempty"`
	Segments  []Segment `json:"segments"`
}
