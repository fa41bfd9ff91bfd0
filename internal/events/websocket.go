package events

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 1 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 2 * wsPingPeriod

	// Clients never need to send anything but control frames.
	wsMaxInboundBytes = 512
)

// Handler streams bus events to a websocket client, one JSON object per
// text message.
type Handler struct {
	Bus    *Bus
	Buffer int
	Log    *slog.Logger
}

func NewHandler(bus *Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{Bus: bus, Buffer: DefaultSubscriberBuffer, Log: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := h.Bus.Subscribe(h.Buffer)
	if sub == nil {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the httpserver origin middleware.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h.Log.Info("events_subscribed", "remote_addr", r.RemoteAddr)
	defer func() {
		h.Log.Info("events_unsubscribed", "remote_addr", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	// The reader only exists to process control frames and notice the peer
	// going away; it ends the subscription so the writer's Next returns.
	conn.SetReadLimit(wsMaxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer sub.Close()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					sub.Close()
					return
				}
			}
		}
	}()

	for {
		ev, ok := sub.Next()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
				time.Now().Add(wsWriteWait))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
