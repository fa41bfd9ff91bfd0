// Package turnrest mints coturn-compatible TURN REST credentials
// (draft-uberti-behave-turn-rest, coturn "use-auth-secret"):
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/opencall/media-relay/internal/config"
)

type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
	newID          func() string
}

type Option func(*Generator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithIDSource overrides the random per-credential id.
func WithIDSource(newID func() string) Option {
	return func(g *Generator) { g.newID = newID }
}

// NewGenerator returns nil, nil when TURN REST is not configured.
func NewGenerator(cfg config.TURNRESTConfig, opts ...Option) (*Generator, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: TTL must be >= 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	g := &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		return Credentials{}, errors.New("turnrest: id is required")
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.usernamePrefix, id)
	return Credentials{
		Username:   username,
		Credential: sign(g.sharedSecret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers in which every TURN entry without a
// username carries one freshly minted credential pair. Entries with static
// credentials and STUN entries are passed through untouched.
func (g *Generator) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	copy(out, servers)
	if g == nil {
		return out, nil
	}

	var creds *Credentials
	for i := range out {
		if out[i].Username != "" || !hasTURNURL(out[i].URLs) {
			continue
		}
		if creds == nil {
			c, err := g.Generate(g.newID())
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
		out[i].CredentialType = webrtc.ICECredentialTypePassword
	}
	return out, nil
}

func hasTURNURL(urls []string) bool {
	for _, raw := range urls {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			continue
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			return true
		}
	}
	return false
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
