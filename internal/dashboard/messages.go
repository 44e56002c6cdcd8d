package dashboard

import (
	"github.com/snarg/livescribe/internal/mirror"
	"github.com/snarg/livescribe/internal/session"
)

// SnapshotMsg carries a fresh mirror snapshot, sent after every poll and
// every pushed event.
type SnapshotMsg struct {
	Snapshot mirror.Snapshot
}

// StreamStatusMsg reports whether the push feed is connected.
type StreamStatusMsg struct {
	Connected bool
	Err       error
}

// completedMsg is the result of a stop request.
type completedMsg struct {
	session *session.Session
	err     error
}

// removedMsg is the result of a delete request.
type removedMsg struct {
	id      string
	deleted bool
	err     error
}

type clearErrorMsg struct{}

type tickMsg struct{}
