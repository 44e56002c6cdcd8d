package mqttclient

import "strings"

// Action is what a device topic asks for.
type Action string

const (
	ActionSegments Action = "segments"
	ActionComplete Action = "complete"
)

// Topic is a parsed device topic.
type Topic struct {
	Action    Action
	SessionID string
	UserID    string // set when the topic carries a users/{uid} level
}

// ParseTopic reads the trailing levels of a device topic. The prefix is
// free, so any layout works as long as the subscription filters match it:
//
//	.../sessions/{session_id}/segments
//	.../sessions/{session_id}/complete
//	.../users/{uid}/sessions/{session_id}/{action}
//
// ok is false for any other shape.
func ParseTopic(name string) (t Topic, ok bool) {
	levels := strings.Split(name, "/")
	n := len(levels)
	if n < 3 || levels[n-3] != "sessions" || levels[n-2] == "" {
		return Topic{}, false
	}

	switch a := Action(levels[n-1]); a {
	case ActionSegments, ActionComplete:
		t = Topic{Action: a, SessionID: levels[n-2]}
	default:
		return Topic{}, false
	}
	if n >= 5 && levels[n-5] == "users" {
		t.UserID = levels[n-4]
	}
	return t, true
}

// splitFilters turns the comma separated MQTT_TOPICS value into filters.
func splitFilters(raw string) []string {
	var filters []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			filters = append(filters, f)
		}
	}
	if len(filters) == 0 {
		return []string{DefaultTopic}
	}
	return filters
}
