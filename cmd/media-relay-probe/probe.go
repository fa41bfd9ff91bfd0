package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencall/media-relay/internal/events"
	"github.com/opencall/media-relay/internal/relay"
)

type probeConfig struct {
	BaseURL     string
	RelayHost   string
	APIKey      string
	Timeout     time.Duration
	WatchEvents bool
}

type probeResult struct {
	SessionID string
	RelayAddr string
	RoundTrip time.Duration
}

type allocResponse struct {
	SessionID string `json:"sessionId"`
	RelayPort uint16 `json:"relayPort"`
}

func runProbe(ctx context.Context, cfg probeConfig) (probeResult, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return probeResult{}, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	relayHost := cfg.RelayHost
	if relayHost == "" {
		relayHost = base.Hostname()
	}

	var evConn *websocket.Conn
	if cfg.WatchEvents {
		evConn, err = dialEvents(ctx, base, cfg.APIKey)
		if err != nil {
			return probeResult{}, err
		}
		defer evConn.Close()
	}

	alloc, err := allocate(ctx, base, cfg.APIKey)
	if err != nil {
		return probeResult{}, err
	}
	defer releaseSession(base, cfg.APIKey, alloc.SessionID)

	// The relay binds IPv4 only, so a name like localhost must not resolve
	// to ::1.
	relayAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(relayHost, strconv.Itoa(int(alloc.RelayPort))))
	if err != nil {
		return probeResult{}, fmt.Errorf("resolve relay: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	legA, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return probeResult{}, fmt.Errorf("listen leg a: %w", err)
	}
	defer legA.Close()
	legB, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return probeResult{}, fmt.Errorf("listen leg b: %w", err)
	}
	defer legB.Close()
	_ = legA.SetDeadline(deadline)
	_ = legB.SetDeadline(deadline)

	if _, err := legA.WriteToUDP(relay.HandshakePayload(relay.LegA), relayAddr); err != nil {
		return probeResult{}, fmt.Errorf("hello a: %w", err)
	}
	if _, err := legB.WriteToUDP(relay.HandshakePayload(relay.LegB), relayAddr); err != nil {
		return probeResult{}, fmt.Errorf("hello b: %w", err)
	}

	if evConn != nil {
		if err := awaitLegsBound(evConn, alloc.SessionID, deadline); err != nil {
			return probeResult{}, err
		}
	} else {
		// Without the event stream there is no bind acknowledgement; give
		// the relay a moment to process both handshakes.
		time.Sleep(100 * time.Millisecond)
	}

	start := time.Now()
	if err := exchange(legA, legB, relayAddr, []byte("ping")); err != nil {
		return probeResult{}, fmt.Errorf("a->b: %w", err)
	}
	if err := exchange(legB, legA, relayAddr, []byte("pong")); err != nil {
		return probeResult{}, fmt.Errorf("b->a: %w", err)
	}

	return probeResult{
		SessionID: alloc.SessionID,
		RelayAddr: relayAddr.String(),
		RoundTrip: time.Since(start),
	}, nil
}

func exchange(from, to *net.UDPConn, relayAddr *net.UDPAddr, payload []byte) error {
	if _, err := from.WriteToUDP(payload, relayAddr); err != nil {
		return err
	}
	buf := make([]byte, 2048)
	n, src, err := to.ReadFromUDP(buf)
	if err != nil {
		return err
	}
	if src.Port != relayAddr.Port {
		return fmt.Errorf("datagram from %v, want relay %v", src, relayAddr)
	}
	if !bytes.Equal(buf[:n], payload) {
		return fmt.Errorf("got %q, want %q", buf[:n], payload)
	}
	return nil
}

func authorize(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func allocate(ctx context.Context, base *url.URL, apiKey string) (allocResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+"/alloc", nil)
	if err != nil {
		return allocResponse{}, err
	}
	authorize(req, apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return allocResponse{}, fmt.Errorf("alloc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return allocResponse{}, fmt.Errorf("alloc: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out allocResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return allocResponse{}, fmt.Errorf("alloc: decode: %w", err)
	}
	if out.SessionID == "" || out.RelayPort == 0 {
		return allocResponse{}, errors.New("alloc: incomplete response")
	}
	return out, nil
}

// releaseSession is best effort; the relay's idle sweep reclaims the
// session anyway.
func releaseSession(base *url.URL, apiKey, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base.String()+"/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return
	}
	authorize(req, apiKey)
	if resp, err := http.DefaultClient.Do(req); err == nil {
		_ = resp.Body.Close()
	}
}

func dialEvents(ctx context.Context, base *url.URL, apiKey string) (*websocket.Conn, error) {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"

	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("events: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("events: %w", err)
	}
	return conn, nil
}

func awaitLegsBound(conn *websocket.Conn, sessionID string, deadline time.Time) error {
	_ = conn.SetReadDeadline(deadline)
	bound := map[string]bool{}
	for !bound[relay.LegA.String()] || !bound[relay.LegB.String()] {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("events: waiting for leg binds: %w", err)
		}
		if ev.SessionID != sessionID {
			continue
		}
		switch ev.Type {
		case events.LegBound, events.LegRebound:
			bound[ev.Leg] = true
		case events.HandshakeRejected:
			return fmt.Errorf("relay rejected handshake for leg %s: %s", ev.Leg, ev.Reason)
		case events.SessionRemoved, events.SessionFailed:
			return fmt.Errorf("session ended before legs bound: %s", ev.Reason)
		}
	}
	return nil
}
