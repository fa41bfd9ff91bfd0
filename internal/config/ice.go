package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "ICE_SERVERS_JSON"

	envStunURLs     = "STUN_URLS"
	envTurnURL      = "TURN_URL"
	envTurnUsername = "TURN_USERNAME"
	envTurnPassword = "TURN_PASSWORD"

	envTurnRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envTurnRESTTTL            = "TURN_REST_TTL"
	envTurnRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

// parseICEServersFromValues never returns a nil slice so /ice always encodes
// `[]` rather than `null`. The error lists configuration problems; the
// returned servers are still every usable entry and are served as-is. With
// mintedTURN set, TURN entries may omit credentials; they are filled per
// request from TURN REST.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURL, turnUsername, turnPassword string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := parseICEServersJSON(raw, mintedTURN)
		if err != nil {
			err = fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, err
	}
	return iceServersFromEnvValues(stunURLs, turnURL, turnUsername, turnPassword, mintedTURN)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer list. Entries are
// kept verbatim; a TURN entry without credentials is dropped because browsers
// refuse it. The error describes dropped entries and URLs that do not parse,
// and does not invalidate the returned list unless the JSON itself is bad.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return []webrtc.ICEServer{}, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	var problems []error
	for i, server := range servers {
		s := webrtc.ICEServer{
			URLs:     splitURLs(server.URLs),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			s.Credential = server.Credential
		}
		if len(s.URLs) == 0 {
			problems = append(problems, fmt.Errorf("iceServers[%d]: missing urls; entry omitted", i))
			continue
		}
		isTURN, err := checkICEURLs(s.URLs)
		if err != nil {
			problems = append(problems, fmt.Errorf("iceServers[%d]: %w", i, err))
		}
		if isTURN && !turnCredentialsUsable(s.Username, credentialString(s), mintedTURN) {
			problems = append(problems, fmt.Errorf("iceServers[%d]: turn urls require username and credential; entry omitted", i))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(problems...)
}

// ParseICEServersFromEnvValues builds the ICE list from STUN_URLS and the
// TURN_URL/TURN_USERNAME/TURN_PASSWORD triple: at most one STUN entry holding
// every STUN URL, then at most one TURN entry carrying the credentials. STUN
// URLs are served as given. The TURN entry is only added when the triple is
// complete. The error describes anything skipped or unparseable.
func ParseICEServersFromEnvValues(stunURLs, turnURL, turnUsername, turnPassword string) ([]webrtc.ICEServer, error) {
	return iceServersFromEnvValues(stunURLs, turnURL, turnUsername, turnPassword, false)
}

func iceServersFromEnvValues(stunURLs, turnURL, turnUsername, turnPassword string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	servers := []webrtc.ICEServer{}
	var problems []error

	if stunList := splitCommaSeparated(stunURLs); len(stunList) > 0 {
		if _, err := checkICEURLs(stunList); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", envStunURLs, err))
		}
		servers = append(servers, webrtc.ICEServer{URLs: stunList})
	}

	if turnList := splitCommaSeparated(turnURL); len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnPassword = strings.TrimSpace(turnPassword)
		if _, err := checkICEURLs(turnList); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", envTurnURL, err))
		}
		if turnCredentialsUsable(turnUsername, turnPassword, mintedTURN) {
			server := webrtc.ICEServer{URLs: turnList}
			if turnUsername != "" {
				server.Username = turnUsername
				server.Credential = turnPassword
			}
			servers = append(servers, server)
		} else {
			problems = append(problems, fmt.Errorf("%s/%s: both must be set when %s is set; TURN entry omitted", envTurnUsername, envTurnPassword, envTurnURL))
		}
	}

	return servers, errors.Join(problems...)
}

func splitURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			out = append(out, url)
		}
	}
	return out
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return splitURLs(strings.Split(value, ","))
}

// checkICEURLs reports whether any URL is a TURN URL, and an error for every
// URL pion cannot parse.
func checkICEURLs(urls []string) (isTURN bool, err error) {
	var problems []error
	for _, raw := range urls {
		uri, perr := stun.ParseURI(raw)
		if perr != nil {
			problems = append(problems, fmt.Errorf("invalid url %q: %w", raw, perr))
			continue
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			isTURN = true
		}
	}
	return isTURN, errors.Join(problems...)
}

// turnCredentialsUsable accepts a complete username/credential pair, or no
// credentials at all when they are minted per request.
func turnCredentialsUsable(username, credential string, mintedTURN bool) bool {
	if username != "" && strings.TrimSpace(credential) != "" {
		return true
	}
	return mintedTURN && username == "" && strings.TrimSpace(credential) == ""
}

func credentialString(s webrtc.ICEServer) string {
	cred, _ := s.Credential.(string)
	return cred
}
