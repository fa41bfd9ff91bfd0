// Package metrics is the relay's in-process counter registry.
package metrics

import "sync"

// Counter names. Handlers and the relay increment these by name; the
// Prometheus handler exports each as an `event` label value.
const (
	SessionsAllocated     = "sessions_allocated"
	SessionsRemoved       = "sessions_removed"
	SessionsExpired       = "sessions_expired"
	SessionsShutdown      = "sessions_shutdown"
	AllocBindFailures     = "alloc_bind_failures"
	AllocTooManySessions  = "alloc_too_many_sessions"
	AllocRateLimited      = "alloc_rate_limited"
	AuthFailures          = "auth_failures"
	HandshakesAccepted    = "relay_handshakes"
	HandshakesRebound     = "relay_handshakes_rebound"
	HandshakesRejected    = "relay_handshakes_rejected"
	HandshakesMalformed   = "relay_handshakes_malformed"
	DatagramsForwarded    = "relay_datagrams_forwarded"
	BytesForwarded        = "relay_bytes_forwarded"
	DatagramsUnbound      = "relay_datagrams_peer_unbound"
	DatagramsUnknown      = "relay_datagrams_unknown_sender"
	DatagramsOversize     = "relay_datagrams_oversize"
	DatagramsEmpty        = "relay_datagrams_empty"
	SendFailures          = "relay_send_failures"
	ReceiveFailures       = "relay_receive_failures"
	EventsDropped         = "events_dropped"
	EventSubscribersAdded = "event_subscribers"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so optional metrics need no guards.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
