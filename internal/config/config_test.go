package config

import (
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func emptyLookup(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(emptyLookup, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if !cfg.RelayBindIP.Equal(net.IPv4zero) {
		t.Fatalf("RelayBindIP=%v, want 0.0.0.0", cfg.RelayBindIP)
	}
	if cfg.RelayUDPPortRange != nil {
		t.Fatalf("expected RelayUDPPortRange unset, got %+v", *cfg.RelayUDPPortRange)
	}
	if cfg.MaxDatagramBytes != DefaultMaxDatagramBytes {
		t.Fatalf("MaxDatagramBytes=%d, want %d", cfg.MaxDatagramBytes, DefaultMaxDatagramBytes)
	}
	if cfg.SessionIdleTimeout != DefaultSessionIdleTimeout {
		t.Fatalf("SessionIdleTimeout=%v, want %v", cfg.SessionIdleTimeout, DefaultSessionIdleTimeout)
	}
	if cfg.LegBinding != LegBindingLastWins {
		t.Fatalf("LegBinding=%q, want %q", cfg.LegBinding, LegBindingLastWins)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("AuthMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.ICEServers == nil || len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%#v, want empty non-nil slice", cfg.ICEServers)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v, want nil", err)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRelaySessionIdle: "30s",
		envVarMaxSessions:      "5",
	}), []string{"--relay-session-idle-timeout", "45s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionIdleTimeout != 45*time.Second {
		t.Fatalf("SessionIdleTimeout=%v, want 45s", cfg.SessionIdleTimeout)
	}
	if cfg.MaxSessions != 5 {
		t.Fatalf("MaxSessions=%d, want 5", cfg.MaxSessions)
	}
}

func TestIdleTimeoutZeroDisablesSweep(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRelaySessionIdle:   "0s",
		envVarRelaySweepInterval: "0s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionIdleTimeout != 0 {
		t.Fatalf("SessionIdleTimeout=%v, want 0", cfg.SessionIdleTimeout)
	}
}

func TestSweepIntervalRequiredWhenIdleTimeoutSet(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarRelaySweepInterval: "0s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestLegBinding(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRelayLegBinding: "first-binding-wins",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LegBinding != LegBindingFirstWins {
		t.Fatalf("LegBinding=%q, want %q", cfg.LegBinding, LegBindingFirstWins)
	}

	if _, err := load(emptyLookup, []string{"--relay-leg-binding", "sometimes"}); err == nil {
		t.Fatalf("expected error for unknown leg binding")
	}
}

func TestRelayUDPPortRange_RequiresBoth(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarRelayUDPPortMin: "40000",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestRelayUDPPortRange_TooSmall(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarRelayUDPPortMin: "40000",
		envVarRelayUDPPortMax: "40003",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "too small") {
		t.Fatalf("err=%v, expected mention of too small range", err)
	}
}

func TestRelayUDPPortRange_OK(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRelayUDPPortMin: "40000",
		envVarRelayUDPPortMax: "40199",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayUDPPortRange == nil {
		t.Fatalf("expected RelayUDPPortRange set")
	}
	if cfg.RelayUDPPortRange.Min != 40000 || cfg.RelayUDPPortRange.Max != 40199 {
		t.Fatalf("RelayUDPPortRange=%+v", *cfg.RelayUDPPortRange)
	}
}

func TestRelayBindIP_RejectsIPv6AndGarbage(t *testing.T) {
	for _, raw := range []string{"::1", "not-an-ip"} {
		if _, err := load(emptyLookup, []string{"--relay-bind-ip", raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestMaxDatagramBytes_Bounds(t *testing.T) {
	for _, raw := range []string{"0", "70000"} {
		if _, err := load(lookupMap(map[string]string{envVarRelayMaxDatagramBytes: raw}), nil); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestAPIKeyModeRequiresKey(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key"}), nil)
	if err == nil {
		t.Fatalf("expected error when API_KEY is missing")
	}

	cfg, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key", envVarAPIKey: "secret"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeAPIKey || cfg.APIKey != "secret" {
		t.Fatalf("auth=%q key=%q", cfg.AuthMode, cfg.APIKey)
	}
}

func TestInvalidICEConfigIsNotFatal(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURL: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
	if cfg.ICEServers == nil || len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%#v, want the incomplete TURN entry omitted", cfg.ICEServers)
	}
}

func TestICEWarningsKeepUsableEntries(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs:     "stun.l.google.com:19302",
		envTurnURL:      "turn:turn.example.com:3478",
		envTurnUsername: "user",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config warning")
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun.l.google.com:19302" {
		t.Fatalf("ICEServers=%+v, want the STUN entry only", cfg.ICEServers)
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestTURNRESTAllowsTURNWithoutStaticCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURL:              "turn:turn.example.com:3478",
		envTurnRESTSharedSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v, want nil", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST should be enabled")
	}
	if cfg.TURNREST.TTL != DefaultTURNRESTTTL || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTPrefix {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
}

func TestTURNRESTValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"ttl too short", map[string]string{envTurnRESTSharedSecret: "s", envTurnRESTTTL: "500ms"}},
		{"prefix with colon", map[string]string{envTurnRESTSharedSecret: "s", envTurnRESTUsernamePrefix: "a:b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(lookupMap(tt.env), nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestTURNRESTFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envTurnRESTSharedSecret: "env"}), []string{
		"--turn-rest-shared-secret", "flag",
		"--turn-rest-ttl", "10m",
		"--turn-rest-username-prefix", "pbx",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := TURNRESTConfig{SharedSecret: "flag", TTL: 10 * time.Minute, UsernamePrefix: "pbx"}
	if cfg.TURNREST != want {
		t.Fatalf("TURNREST=%+v, want %+v", cfg.TURNREST, want)
	}
}
