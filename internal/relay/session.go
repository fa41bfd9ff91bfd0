package relay

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3"
)

// Session pairs one relay socket with up to two learned leg addresses.
//
// Leg addresses are written only by the session's forwarding goroutine;
// they are atomics so diagnostics can read them without stopping the loop.
type Session struct {
	id        string
	port      uint16
	createdAt time.Time

	reg  *Registry
	conn transport.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	legs         [2]atomic.Pointer[netip.AddrPort]
	lastActivity atomic.Int64

	stats sessionCounters
}

type sessionCounters struct {
	handshakes       atomic.Uint64
	handshakesDenied atomic.Uint64
	malformed        atomic.Uint64
	datagramsAToB    atomic.Uint64
	bytesAToB        atomic.Uint64
	datagramsBToA    atomic.Uint64
	bytesBToA        atomic.Uint64
	peerUnbound      atomic.Uint64
	unknownSender    atomic.Uint64
	oversize         atomic.Uint64
	sendFailures     atomic.Uint64
}

// SessionStats is a point-in-time copy of a session's counters.
type SessionStats struct {
	Handshakes          uint64 `json:"handshakes"`
	HandshakesDenied    uint64 `json:"handshakesDenied"`
	MalformedHandshakes uint64 `json:"malformedHandshakes"`
	DatagramsAToB       uint64 `json:"datagramsAToB"`
	BytesAToB           uint64 `json:"bytesAToB"`
	DatagramsBToA       uint64 `json:"datagramsBToA"`
	BytesBToA           uint64 `json:"bytesBToA"`
	PeerUnboundDrops    uint64 `json:"peerUnboundDrops"`
	UnknownSenderDrops  uint64 `json:"unknownSenderDrops"`
	OversizeDrops       uint64 `json:"oversizeDrops"`
	SendFailures        uint64 `json:"sendFailures"`
}

// SessionStatus describes a live session.
type SessionStatus struct {
	SessionID    string       `json:"sessionId"`
	RelayPort    uint16       `json:"relayPort"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
	LegA         string       `json:"legA,omitempty"`
	LegB         string       `json:"legB,omitempty"`
	Stats        SessionStats `json:"stats"`
}

// ClosedSession is what the registry remembers about a session after it is
// gone.
type ClosedSession struct {
	SessionID string       `json:"sessionId"`
	RelayPort uint16       `json:"relayPort"`
	CreatedAt time.Time    `json:"createdAt"`
	ClosedAt  time.Time    `json:"closedAt"`
	Reason    string       `json:"reason"`
	Error     string       `json:"error,omitempty"`
	Stats     SessionStats `json:"stats"`
}

func newSession(id string, port uint16, conn transport.UDPConn, reg *Registry, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		port:      port,
		createdAt: now,
		reg:       reg,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.touch(now)
	return s
}

func (s *Session) ID() string { return s.id }

// Port is the UDP port both legs send to.
func (s *Session) Port() uint16 { return s.port }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity is the last time a handshake was accepted or a bound leg
// sent a datagram.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Leg returns the address currently stored for l.
func (s *Session) Leg(l Leg) (netip.AddrPort, bool) {
	p := s.legs[l].Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

// Done is closed once the forwarding goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is canceled when the session is torn down for any reason.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Stats() SessionStats {
	c := &s.stats
	return SessionStats{
		Handshakes:          c.handshakes.Load(),
		HandshakesDenied:    c.handshakesDenied.Load(),
		MalformedHandshakes: c.malformed.Load(),
		DatagramsAToB:       c.datagramsAToB.Load(),
		BytesAToB:           c.bytesAToB.Load(),
		DatagramsBToA:       c.datagramsBToA.Load(),
		BytesBToA:           c.bytesBToA.Load(),
		PeerUnboundDrops:    c.peerUnbound.Load(),
		UnknownSenderDrops:  c.unknownSender.Load(),
		OversizeDrops:       c.oversize.Load(),
		SendFailures:        c.sendFailures.Load(),
	}
}

func (s *Session) Status() SessionStatus {
	st := SessionStatus{
		SessionID:    s.id,
		RelayPort:    s.port,
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		Stats:        s.Stats(),
	}
	if a, ok := s.Leg(LegA); ok {
		st.LegA = a.String()
	}
	if b, ok := s.Leg(LegB); ok {
		st.LegB = b.String()
	}
	return st
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// close cancels the session and releases its socket, which unblocks the
// forwarding goroutine. It does not wait for the goroutine to exit.
func (s *Session) close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}

func (s *Session) closedRecord(reason string, cause error, now time.Time) ClosedSession {
	rec := ClosedSession{
		SessionID: s.id,
		RelayPort: s.port,
		CreatedAt: s.createdAt,
		ClosedAt:  now,
		Reason:    reason,
		Stats:     s.Stats(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}
