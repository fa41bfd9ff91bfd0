package httpserver

import (
	"errors"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/opencall/media-relay/internal/metrics"
	"github.com/opencall/media-relay/internal/relay"
)

type allocResponse struct {
	SessionID string `json:"sessionId"`
	RelayPort uint16 `json:"relayPort"`
}

type iceResponse struct {
	ICEServers []iceServer `json:"iceServers"`
}

// iceServer is the browser RTCIceServer shape. webrtc.ICEServer would also
// emit credentialType, which browsers do not expect.
type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func toICEServers(servers []webrtc.ICEServer) []iceServer {
	out := make([]iceServer, 0, len(servers))
	for _, s := range servers {
		cred, _ := s.Credential.(string)
		out = append(out, iceServer{URLs: s.URLs, Username: s.Username, Credential: cred})
	}
	return out
}

type sessionsResponse struct {
	Sessions []relay.SessionStatus `json:"sessions"`
}

// handleAlloc ignores the request body; it is reserved for future
// allocation parameters.
func (s *Server) handleAlloc(w http.ResponseWriter, r *http.Request) {
	if !s.deps.AllocLimiter.Allow() {
		s.deps.Metrics.Inc(metrics.AllocRateLimited)
		WriteError(w, http.StatusTooManyRequests, "allocation rate limit exceeded")
		return
	}

	sess, err := s.deps.Registry.Allocate()
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrTooManySessions):
		WriteError(w, http.StatusServiceUnavailable, "too many sessions")
		return
	case errors.Is(err, relay.ErrRegistryClosed):
		WriteError(w, http.StatusServiceUnavailable, "shutting down")
		return
	default:
		s.log.Error("alloc_failed", "err", err, "request_id", r.Header.Get("X-Request-ID"))
		WriteError(w, http.StatusInternalServerError, "failed to allocate relay session")
		return
	}

	WriteJSON(w, http.StatusOK, allocResponse{SessionID: sess.ID(), RelayPort: sess.Port()})
}

// handleICE serves every usable configured entry even when ICEConfigError
// reports problems with others.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers, err := s.deps.TURNCredentials.Apply(s.cfg.ICEServers)
	if err != nil {
		s.log.Error("turn_credentials_failed", "err", err, "request_id", r.Header.Get("X-Request-ID"))
		WriteError(w, http.StatusInternalServerError, "failed to issue TURN credentials")
		return
	}
	if s.deps.TURNCredentials != nil {
		w.Header().Set("Cache-Control", "no-store")
	}
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: toICEServers(servers)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, sessionsResponse{Sessions: s.deps.Registry.Sessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.deps.Registry.Lookup(id)
	if err != nil {
		s.writeNotFound(w, id)
		return
	}
	WriteJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Registry.Remove(id); err != nil {
		s.writeNotFound(w, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeNotFound includes the closed-session record when the id was seen
// recently, so operators can tell an expired session from a bogus id.
func (s *Server) writeNotFound(w http.ResponseWriter, id string) {
	resp := errorResponse{Error: "session not found"}
	if rec, ok := s.deps.Registry.Closed(id); ok {
		resp.Closed = &rec
	}
	WriteJSON(w, http.StatusNotFound, resp)
}
