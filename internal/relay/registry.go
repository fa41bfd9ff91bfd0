package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/events"
	"github.com/opencall/media-relay/internal/metrics"
	"github.com/opencall/media-relay/internal/policy"
)

type Options struct {
	// Net is where session sockets are bound. Nil means the host network.
	Net    transport.Net
	BindIP net.IP
	// PortRange confines relay ports; nil lets the OS pick.
	PortRange *config.UDPPortRange

	MaxDatagramBytes int
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	LegBinding       config.LegBinding
	MaxSessions      int
	ClosedHistory    int

	Policy  *policy.LegPolicy
	Metrics *metrics.Metrics
	Events  events.Publisher
	Logger  *slog.Logger

	// Now is overridable for idle-sweep tests.
	Now func() time.Time
}

// OptionsFromConfig maps service configuration onto registry options. The
// caller fills in the collaborators (policy, metrics, events, logger).
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BindIP:           cfg.RelayBindIP,
		PortRange:        cfg.RelayUDPPortRange,
		MaxDatagramBytes: cfg.MaxDatagramBytes,
		IdleTimeout:      cfg.SessionIdleTimeout,
		SweepInterval:    cfg.SweepInterval,
		LegBinding:       cfg.LegBinding,
		MaxSessions:      cfg.MaxSessions,
		ClosedHistory:    cfg.ClosedHistory,
	}
}

func (o Options) withDefaults() Options {
	if o.BindIP == nil {
		o.BindIP = net.IPv4zero
	}
	if o.MaxDatagramBytes <= 0 {
		o.MaxDatagramBytes = config.DefaultMaxDatagramBytes
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = config.DefaultSweepInterval
	}
	if o.LegBinding == "" {
		o.LegBinding = config.DefaultLegBinding
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Registry owns every live session. Lookups take the read lock; allocation
// and removal take the write lock only around the map update.
type Registry struct {
	opts   Options
	net    transport.Net
	log    *slog.Logger
	closed *closedHistory

	mu       sync.RWMutex
	sessions map[string]*Session
	shut     bool
}

func NewRegistry(opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	n := opts.Net
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("relay: host network: %w", err)
		}
		n = std
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		opts:     opts,
		net:      n,
		log:      logger,
		closed:   newClosedHistory(opts.ClosedHistory),
		sessions: make(map[string]*Session),
	}, nil
}

func (r *Registry) now() time.Time { return r.opts.Now() }

func (r *Registry) publish(ev events.Event) {
	if r.opts.Events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = r.now().UTC()
	}
	r.opts.Events.Publish(ev)
}

// Allocate binds a new relay socket, registers a session for it and starts
// its forwarding loop. On error nothing is registered.
func (r *Registry) Allocate() (*Session, error) {
	if err := r.admit(); err != nil {
		return nil, err
	}

	conn, err := r.bind()
	if err != nil {
		r.opts.Metrics.Inc(metrics.AllocBindFailures)
		r.log.Warn("relay_bind_failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrBindFailure, err)
	}
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	r.mu.Lock()
	if err := r.admitLocked(); err != nil {
		r.mu.Unlock()
		_ = conn.Close()
		return nil, err
	}
	id := uuid.NewString()
	for r.sessions[id] != nil {
		id = uuid.NewString()
	}
	sess := newSession(id, port, conn, r, r.now())
	r.sessions[id] = sess
	r.mu.Unlock()

	r.opts.Metrics.Inc(metrics.SessionsAllocated)
	r.log.Info("relay_session_allocated", "session_id", id, "relay_port", port)
	r.publish(events.Event{
		Type:      events.SessionAllocated,
		Time:      sess.createdAt,
		SessionID: id,
		RelayPort: port,
	})
	// Started after the allocation event so subscribers never see a leg
	// event first.
	go sess.run()
	return sess, nil
}

// admit rejects early, before a socket is bound, when the registry is
// clearly full or closed. admitLocked repeats the check authoritatively.
func (r *Registry) admit() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admitLocked()
}

func (r *Registry) admitLocked() error {
	if r.shut {
		return ErrRegistryClosed
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.opts.Metrics.Inc(metrics.AllocTooManySessions)
		return ErrTooManySessions
	}
	return nil
}

func (r *Registry) bind() (transport.UDPConn, error) {
	if r.opts.PortRange == nil {
		return r.net.ListenUDP("udp4", &net.UDPAddr{IP: r.opts.BindIP, Port: 0})
	}

	lo, hi := int(r.opts.PortRange.Min), int(r.opts.PortRange.Max)
	span := hi - lo + 1
	offset := rand.IntN(span)
	var lastErr error
	for i := 0; i < span; i++ {
		port := lo + (offset+i)%span
		conn, err := r.net.ListenUDP("udp4", &net.UDPAddr{IP: r.opts.BindIP, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", lo, hi, lastErr)
}

func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Closed returns the record of a recently closed session.
func (r *Registry) Closed(id string) (ClosedSession, bool) {
	return r.closed.get(id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions lists live sessions, oldest first.
func (r *Registry) Sessions() []SessionStatus {
	r.mu.RLock()
	out := make([]SessionStatus, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Status())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Remove tears a session down and waits for its forwarding loop to exit.
func (r *Registry) Remove(id string) error {
	sess, ok := r.detach(id, nil)
	if !ok {
		return ErrNotFound
	}
	r.finish(sess, events.ReasonRemoved, nil)
	<-sess.Done()
	return nil
}

// detach removes id from the map. When want is non-nil the entry is only
// removed if it is still that session.
func (r *Registry) detach(id string, want *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || (want != nil && sess != want) {
		return nil, false
	}
	delete(r.sessions, id)
	return sess, true
}

// detachIdle removes sess only if it is still registered and still idle.
// Traffic that arrived after the sweep snapshot keeps the session.
func (r *Registry) detachIdle(sess *Session, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.id]; !ok || cur != sess {
		return false
	}
	if sess.idleSince(now) < r.opts.IdleTimeout {
		return false
	}
	delete(r.sessions, sess.id)
	return true
}

// finish closes a detached session and records why it went away.
func (r *Registry) finish(sess *Session, reason string, cause error) {
	sess.close()
	now := r.now()
	r.closed.add(sess.closedRecord(reason, cause, now))

	ev := events.Event{
		Type:      events.SessionRemoved,
		Time:      now,
		SessionID: sess.id,
		RelayPort: sess.port,
		Reason:    reason,
	}
	switch reason {
	case events.ReasonReceiveFailure:
		ev.Type = events.SessionFailed
		ev.Error = cause.Error()
		r.opts.Metrics.Inc(metrics.ReceiveFailures)
		r.log.Warn("relay_session_failed", "session_id", sess.id, "relay_port", sess.port, "reason", reason, "err", cause)
	case events.ReasonIdleTimeout:
		r.opts.Metrics.Inc(metrics.SessionsExpired)
		r.log.Info("relay_session_expired", "session_id", sess.id, "relay_port", sess.port, "idle", now.Sub(sess.LastActivity()).String())
	case events.ReasonShutdown:
		r.opts.Metrics.Inc(metrics.SessionsShutdown)
		r.log.Debug("relay_session_closed", "session_id", sess.id, "relay_port", sess.port, "reason", reason)
	default:
		r.opts.Metrics.Inc(metrics.SessionsRemoved)
		r.log.Info("relay_session_removed", "session_id", sess.id, "relay_port", sess.port, "reason", reason)
	}
	r.publish(ev)
}

// fail is called by a forwarding loop whose receive failed. The session is
// removed so it cannot linger registered but dead.
func (r *Registry) fail(sess *Session, err error) {
	if _, ok := r.detach(sess.id, sess); !ok {
		return
	}
	r.finish(sess, events.ReasonReceiveFailure, err)
}

// SweepIdle removes every session whose last activity is at least the idle
// timeout before now and returns how many were removed.
func (r *Registry) SweepIdle(now time.Time) int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	r.mu.RLock()
	var stale []*Session
	for _, sess := range r.sessions {
		if sess.idleSince(now) >= r.opts.IdleTimeout {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, sess := range stale {
		if !r.detachIdle(sess, now) {
			continue
		}
		r.finish(sess, events.ReasonIdleTimeout, nil)
		removed++
	}
	return removed
}

// RunSweeper sweeps idle sessions every SweepInterval until ctx is done.
// With idle expiry disabled it just waits for ctx.
func (r *Registry) RunSweeper(ctx context.Context) error {
	if r.opts.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.SweepIdle(r.now()); n > 0 {
				r.log.Debug("relay_idle_sweep", "removed", n, "active", r.Len())
			}
		}
	}
}

// Close tears down every session and refuses further allocations.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.shut {
		r.mu.Unlock()
		return
	}
	r.shut = true
	all := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		all = append(all, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, sess := range all {
		r.finish(sess, events.ReasonShutdown, nil)
	}
	for _, sess := range all {
		<-sess.Done()
	}
}
