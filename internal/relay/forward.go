package relay

import (
	"errors"
	"io"
	"net"
	"net/netip"

	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/events"
	"github.com/opencall/media-relay/internal/metrics"
)

// run is the session's forwarding loop. It is the only reader and writer of
// the session socket and exits when the socket is closed or a receive fails.
func (s *Session) run() {
	defer close(s.done)

	r := s.reg
	// One spare byte detects datagrams larger than the limit; stdnet
	// truncates silently and vnet reports io.ErrShortBuffer.
	buf := make([]byte, r.opts.MaxDatagramBytes+1)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.ErrShortBuffer) {
				s.dropOversize()
				continue
			}
			r.fail(s, err)
			return
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Session) handleDatagram(p []byte, from *net.UDPAddr) {
	r := s.reg
	if len(p) == 0 {
		r.opts.Metrics.Inc(metrics.DatagramsEmpty)
		return
	}
	if len(p) > r.opts.MaxDatagramBytes {
		s.dropOversize()
		return
	}
	if from == nil {
		return
	}
	src := from.AddrPort()
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	if !src.IsValid() {
		return
	}

	switch leg, kind := parseHandshake(p); kind {
	case handshakeValid:
		s.bindLeg(leg, src)
		return
	case handshakeMalformed:
		s.stats.malformed.Add(1)
		r.opts.Metrics.Inc(metrics.HandshakesMalformed)
		r.log.Debug("relay_handshake_malformed", "session_id", s.id, "addr", src.String())
		return
	}

	leg, ok := s.legOf(src)
	if !ok {
		s.stats.unknownSender.Add(1)
		r.opts.Metrics.Inc(metrics.DatagramsUnknown)
		return
	}
	s.touch(r.now())

	dst := s.legs[leg.Other()].Load()
	if dst == nil {
		s.stats.peerUnbound.Add(1)
		r.opts.Metrics.Inc(metrics.DatagramsUnbound)
		return
	}

	// Send failures are not retried; the next datagram from this leg tries
	// again against whatever address the peer leg holds by then.
	if _, err := s.conn.WriteToUDP(p, net.UDPAddrFromAddrPort(*dst)); err != nil {
		s.stats.sendFailures.Add(1)
		r.opts.Metrics.Inc(metrics.SendFailures)
		r.log.Debug("relay_send_failed", "session_id", s.id, "leg", leg.Other().String(), "addr", dst.String(), "err", err)
		return
	}

	if leg == LegA {
		s.stats.datagramsAToB.Add(1)
		s.stats.bytesAToB.Add(uint64(len(p)))
	} else {
		s.stats.datagramsBToA.Add(1)
		s.stats.bytesBToA.Add(uint64(len(p)))
	}
	r.opts.Metrics.Inc(metrics.DatagramsForwarded)
	r.opts.Metrics.Add(metrics.BytesForwarded, uint64(len(p)))
}

// legOf classifies a sender. Leg A is checked first, so a pathological
// session with both legs on one address forwards as A.
func (s *Session) legOf(src netip.AddrPort) (Leg, bool) {
	if a := s.legs[LegA].Load(); a != nil && *a == src {
		return LegA, true
	}
	if b := s.legs[LegB].Load(); b != nil && *b == src {
		return LegB, true
	}
	return 0, false
}

func (s *Session) bindLeg(leg Leg, src netip.AddrPort) {
	r := s.reg
	now := r.now()

	if err := r.opts.Policy.AllowLeg(src); err != nil {
		s.rejectHandshake(leg, src, "policy", err)
		return
	}

	prev := s.legs[leg].Load()
	if prev != nil && *prev == src {
		// Re-announcement from the bound address: keep-alive only.
		s.stats.handshakes.Add(1)
		r.opts.Metrics.Inc(metrics.HandshakesAccepted)
		s.touch(now)
		return
	}
	if prev != nil && r.opts.LegBinding == config.LegBindingFirstWins {
		s.rejectHandshake(leg, src, "leg_already_bound", nil)
		return
	}

	addr := src
	s.legs[leg].Store(&addr)
	s.stats.handshakes.Add(1)
	s.touch(now)
	r.opts.Metrics.Inc(metrics.HandshakesAccepted)

	ev := events.Event{
		Type:      events.LegBound,
		Time:      now,
		SessionID: s.id,
		RelayPort: s.port,
		Leg:       leg.String(),
		Addr:      src.String(),
	}
	if prev != nil {
		r.opts.Metrics.Inc(metrics.HandshakesRebound)
		ev.Type = events.LegRebound
		ev.PrevAddr = prev.String()
		r.log.Info("relay_leg_rebound", "session_id", s.id, "leg", leg.String(), "addr", src.String(), "prev_addr", prev.String())
	} else {
		r.log.Info("relay_leg_bound", "session_id", s.id, "leg", leg.String(), "addr", src.String())
	}
	r.publish(ev)
}

func (s *Session) rejectHandshake(leg Leg, src netip.AddrPort, reason string, cause error) {
	r := s.reg
	s.stats.handshakesDenied.Add(1)
	r.opts.Metrics.Inc(metrics.HandshakesRejected)
	r.log.Debug("relay_handshake_rejected", "session_id", s.id, "leg", leg.String(), "addr", src.String(), "reason", reason, "err", cause)

	ev := events.Event{
		Type:      events.HandshakeRejected,
		SessionID: s.id,
		RelayPort: s.port,
		Leg:       leg.String(),
		Addr:      src.String(),
		Reason:    reason,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.publish(ev)
}

func (s *Session) dropOversize() {
	s.stats.oversize.Add(1)
	s.reg.opts.Metrics.Inc(metrics.DatagramsOversize)
}

