// Package events carries relay session lifecycle changes to operators.
//
// Publishing never blocks: each subscriber owns a bounded queue, and a
// subscriber that falls behind loses events (counted) instead of stalling the
// forwarding path that produced them.
package events

import "time"

type Type string

const (
	SessionAllocated  Type = "session_allocated"
	LegBound          Type = "leg_bound"
	LegRebound        Type = "leg_rebound"
	HandshakeRejected Type = "handshake_rejected"
	SessionRemoved    Type = "session_removed"
	SessionFailed     Type = "session_failed"
)

// Removal and failure reasons.
const (
	ReasonRemoved        = "removed"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonShutdown       = "shutdown"
	ReasonReceiveFailure = "receive_failure"
)

type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId"`
	RelayPort uint16    `json:"relayPort,omitempty"`
	Leg       string    `json:"leg,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	PrevAddr  string    `json:"prevAddr,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher is what the relay needs from a bus.
type Publisher interface {
	Publish(Event)
}
