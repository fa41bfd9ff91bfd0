package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/policy"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func hardenedConfig() config.Config {
	return config.Config{
		Mode:               config.ModeProd,
		AuthMode:           config.AuthModeAPIKey,
		APIKey:             "secret",
		LegBinding:         config.LegBindingFirstWins,
		MaxSessions:        100,
		SessionIdleTimeout: config.DefaultSessionIdleTimeout,
	}
}

func TestStartupSecurityWarnings_HardenedConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, hardenedConfig(), policy.NewPublicLegPolicy())

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestStartupSecurityWarnings_LastBindingWins(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.LegBinding = config.LegBindingLastWins
	logStartupSecurityWarnings(logger, cfg, policy.NewPublicLegPolicy())

	r, ok := warningCodes(records())["leg_binding_last_wins"]
	if !ok {
		t.Fatalf("expected warning_code=leg_binding_last_wins, got %#v", records())
	}
	if r.attrs["leg_binding"] != config.LegBindingLastWins {
		t.Fatalf("leg_binding attr = %#v, want %q", r.attrs["leg_binding"], config.LegBindingLastWins)
	}
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.AuthMode = config.AuthModeNone
	cfg.APIKey = ""
	logStartupSecurityWarnings(logger, cfg, policy.NewPublicLegPolicy())

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_ProdChecks(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.MaxSessions = 0
	cfg.SessionIdleTimeout = 0
	cfg.AllowedOrigins = []string{"*"}
	logStartupSecurityWarnings(logger, cfg, policy.NewOpenLegPolicy())

	codes := warningCodes(records())
	for _, want := range []string{
		"leg_policy_open_in_prod",
		"max_sessions_unlimited_in_prod",
		"idle_sweep_disabled",
		"allowed_origins_wildcard",
	} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("expected warning_code=%s, got %#v", want, codes)
		}
	}
}

func TestStartupSecurityWarnings_OpenPolicyInDevIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := hardenedConfig()
	cfg.Mode = config.ModeDev
	logStartupSecurityWarnings(logger, cfg, policy.NewOpenLegPolicy())

	if _, ok := warningCodes(records())["leg_policy_open_in_prod"]; ok {
		t.Fatalf("open leg policy should only warn in prod")
	}
}

func TestStartupSecurityWarnings_InvalidICEConfig(t *testing.T) {
	t.Setenv("TURN_URL", "turn:turn.example.com:3478")
	cfg, err := config.Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, cfg, policy.NewOpenLegPolicy())

	if _, ok := warningCodes(records())["ice_config_invalid"]; !ok {
		t.Fatalf("expected warning_code=ice_config_invalid, got %#v", records())
	}
}
