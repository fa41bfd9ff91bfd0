package relay

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/events"
	"github.com/opencall/media-relay/internal/metrics"
)

const testTimeout = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func loopbackOptions() Options {
	return Options{
		BindIP:           net.IPv4(127, 0, 0, 1),
		MaxDatagramBytes: config.DefaultMaxDatagramBytes,
		LegBinding:       config.LegBindingLastWins,
		ClosedHistory:    16,
		Metrics:          metrics.New(),
	}
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func allocate(t *testing.T, r *Registry) *Session {
	t.Helper()
	sess, err := r.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return sess
}

// leg is a UDP endpoint standing in for a media client.
type leg struct {
	t     *testing.T
	conn  *net.UDPConn
	relay *net.UDPAddr
}

func newLeg(t *testing.T, sess *Session) *leg {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen leg: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &leg{
		t:     t,
		conn:  conn,
		relay: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(sess.Port())},
	}
}

func (l *leg) addr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (l *leg) send(p []byte) {
	l.t.Helper()
	if _, err := l.conn.WriteToUDP(p, l.relay); err != nil {
		l.t.Fatalf("send: %v", err)
	}
}

func (l *leg) hello(sess *Session, which Leg) {
	l.t.Helper()
	l.send(HandshakePayload(which))
	waitFor(l.t, "leg "+which.String()+" bound to "+l.addr().String(), func() bool {
		got, ok := sess.Leg(which)
		return ok && got == l.addr()
	})
}

func (l *leg) expect(want []byte) {
	l.t.Helper()
	buf := make([]byte, 64*1024)
	_ = l.conn.SetReadDeadline(time.Now().Add(testTimeout))
	n, from, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		l.t.Fatalf("leg %s: read: %v", l.addr(), err)
	}
	if from.Port != l.relay.Port {
		l.t.Fatalf("leg %s: datagram from %v, want relay port %d", l.addr(), from, l.relay.Port)
	}
	if !bytes.Equal(buf[:n], want) {
		l.t.Fatalf("leg %s: got %q, want %q", l.addr(), buf[:n], want)
	}
}

func (l *leg) expectNothing() {
	l.t.Helper()
	buf := make([]byte, 64*1024)
	_ = l.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	n, from, err := l.conn.ReadFromUDP(buf)
	if err == nil {
		l.t.Fatalf("leg %s: unexpected datagram %q from %v", l.addr(), buf[:n], from)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	ch := make(chan events.Event, 1)
	go func() {
		if ev, ok := sub.Next(); ok {
			ch <- ev
		}
	}()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for event")
		return events.Event{}
	}
}

// nextEventOfType skips events of other types.
func nextEventOfType(t *testing.T, sub *events.Subscription, typ events.Type) events.Event {
	t.Helper()
	for {
		if ev := nextEvent(t, sub); ev.Type == typ {
			return ev
		}
	}
}
