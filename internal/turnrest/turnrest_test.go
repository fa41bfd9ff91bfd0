package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/opencall/media-relay/internal/config"
)

func fixedGenerator(t *testing.T, secret string, ttl time.Duration, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(config.TURNRESTConfig{
		SharedSecret:   secret,
		TTL:            ttl,
		UsernamePrefix: "relay",
	}, WithClock(func() time.Time { return now }), WithIDSource(func() string { return "fixed" }))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestNewGenerator_DisabledIsNil(t *testing.T) {
	g, err := NewGenerator(config.TURNRESTConfig{})
	if err != nil || g != nil {
		t.Fatalf("NewGenerator(disabled) = %v, %v; want nil, nil", g, err)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	for _, cfg := range []config.TURNRESTConfig{
		{SharedSecret: "s", TTL: 0, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: ""},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	} {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("NewGenerator(%+v): expected error", cfg)
		}
	}
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := fixedGenerator(t, "shared-secret", time.Hour, time.Unix(1_700_000_000, 0))

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got, want := creds.Expires.Unix(), int64(1_700_003_600); got != want {
		t.Fatalf("Expires: got %d, want %d", got, want)
	}
	wantUsername := "1700003600:relay:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential([]byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestGenerate_CredentialIsBase64HMACSHA1(t *testing.T) {
	g := fixedGenerator(t, "secret", time.Second, time.Unix(0, 0))

	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}
}

func TestGenerate_RejectsBadIDs(t *testing.T) {
	g := fixedGenerator(t, "secret", time.Hour, time.Unix(0, 0))
	for _, id := range []string{"", "a:b"} {
		if _, err := g.Generate(id); err == nil {
			t.Fatalf("Generate(%q): expected error", id)
		}
	}
}

func TestApply(t *testing.T) {
	g := fixedGenerator(t, "secret", time.Hour, time.Unix(1000, 0))
	in := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:5349"}},
		{URLs: []string{"turn:static.example.com:3478"}, Username: "u", Credential: "p"},
	}

	out, err := g.Apply(in)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if in[1].Username != "" {
		t.Fatalf("Apply mutated its input")
	}
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry gained credentials: %+v", out[0])
	}
	if !strings.HasSuffix(out[1].Username, ":relay:fixed") {
		t.Fatalf("minted username=%q", out[1].Username)
	}
	if out[1].Credential != expectedCredential([]byte("secret"), out[1].Username) {
		t.Fatalf("minted credential mismatch")
	}
	if out[2].Username != "u" || out[2].Credential != "p" {
		t.Fatalf("static entry changed: %+v", out[2])
	}
}

func TestApply_NilGeneratorCopies(t *testing.T) {
	var g *Generator
	in := []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}}
	out, err := g.Apply(in)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 1 || out[0].Username != "" {
		t.Fatalf("out=%+v", out)
	}
}

func expectedCredential(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
