package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/opencall/media-relay/internal/origin"
)

const (
	envVarListenAddr      = "MEDIA_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "MEDIA_RELAY_LOG_FORMAT"
	envVarLogLevel        = "MEDIA_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "MEDIA_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "MEDIA_RELAY_MODE"

	// Relay session knobs.
	envVarRelayBindIP           = "RELAY_BIND_IP"
	envVarRelayUDPPortMin       = "RELAY_UDP_PORT_MIN"
	envVarRelayUDPPortMax       = "RELAY_UDP_PORT_MAX"
	envVarRelayMaxDatagramBytes = "RELAY_MAX_DATAGRAM_BYTES"
	envVarRelaySessionIdle      = "RELAY_SESSION_IDLE_TIMEOUT"
	envVarRelaySweepInterval    = "RELAY_SWEEP_INTERVAL"
	envVarRelayLegBinding       = "RELAY_LEG_BINDING"
	envVarRelayClosedHistory    = "RELAY_CLOSED_HISTORY"

	// Quotas.
	envVarMaxSessions        = "MAX_SESSIONS"
	envVarMaxAllocsPerSecond = "MAX_ALLOCS_PER_SECOND"

	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	DefaultListenAddr            = "0.0.0.0:8083"
	DefaultShutdown              = 15 * time.Second
	DefaultMode             Mode = ModeDev
	DefaultRelayBindIP           = "0.0.0.0"
	DefaultMaxDatagramBytes      = 2048
	DefaultSessionIdleTimeout    = 120 * time.Second
	DefaultSweepInterval         = 10 * time.Second
	DefaultLegBinding            = LegBindingLastWins
	DefaultClosedHistory         = 256
	DefaultTURNRESTTTL           = time.Hour
	DefaultTURNRESTPrefix        = "media-relay"

	DefaultAuthMode AuthMode = AuthModeNone
)

// minRelayUDPPortRangeSize keeps a configured range from being exhausted by a
// handful of concurrent calls.
const minRelayUDPPortRangeSize = 16

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// LegBinding selects what happens when a second handshake names a leg that is
// already bound to a different address.
type LegBinding string

const (
	// LegBindingLastWins re-points the leg to the newest sender. This supports
	// reconnects but lets anyone who learns the relay port hijack a leg.
	LegBindingLastWins LegBinding = "last-binding-wins"
	// LegBindingFirstWins keeps the first address; later claims from other
	// addresses are rejected.
	LegBindingFirstWins LegBinding = "first-binding-wins"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode AuthMode
	APIKey   string

	// RelayBindIP is the local address every session socket binds to.
	RelayBindIP net.IP
	// RelayUDPPortRange restricts session sockets to a port range. When nil the
	// OS picks an ephemeral port.
	RelayUDPPortRange *UDPPortRange
	// MaxDatagramBytes is the largest payload the relay forwards. Larger
	// datagrams are dropped rather than forwarded truncated.
	MaxDatagramBytes int
	// SessionIdleTimeout removes sessions that saw no leg traffic for this
	// long. Zero disables the sweep.
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	LegBinding         LegBinding
	// ClosedHistory bounds how many closed sessions are remembered for
	// diagnostics.
	ClosedHistory int

	// A value <= 0 means unlimited.
	MaxSessions        int
	MaxAllocsPerSecond int

	ICEServers []webrtc.ICEServer

	// TURNREST enables per-request TURN credentials for TURN entries
	// configured without a username.
	TURNREST TURNRESTConfig

	iceConfigErr error
}

// TURNRESTConfig holds the coturn "use-auth-secret" parameters.
type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool { return c.SharedSecret != "" }

// ICEConfigError reports problems with the STUN/TURN descriptors. It is a
// warning: ICEServers still holds every usable entry and is served as-is.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURL := envOrDefault(lookup, envTurnURL, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnPassword := envOrDefault(lookup, envTurnPassword, "")
	turnRESTSecret := envOrDefault(lookup, envTurnRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envTurnRESTUsernamePrefix, DefaultTURNRESTPrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envTurnRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	sessionIdleTimeout, err := envDurationOrDefault(lookup, envVarRelaySessionIdle, DefaultSessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarRelaySweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	maxDatagramBytes, err := envIntOrDefault(lookup, envVarRelayMaxDatagramBytes, DefaultMaxDatagramBytes)
	if err != nil {
		return Config{}, err
	}
	closedHistory, err := envIntOrDefault(lookup, envVarRelayClosedHistory, DefaultClosedHistory)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	maxAllocsPerSecond, err := envIntOrDefault(lookup, envVarMaxAllocsPerSecond, 0)
	if err != nil {
		return Config{}, err
	}

	var relayUDPPortMin uint
	if raw, ok := lookup(envVarRelayUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarRelayUDPPortMin, raw, err)
		}
		relayUDPPortMin = uint(p)
	}
	var relayUDPPortMax uint
	if raw, ok := lookup(envVarRelayUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarRelayUDPPortMax, raw, err)
		}
		relayUDPPortMax = uint(p)
	}

	relayBindIPStr := envOrDefault(lookup, envVarRelayBindIP, DefaultRelayBindIP)
	legBindingStr := envOrDefault(lookup, envVarRelayLegBinding, string(DefaultLegBinding))
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")

	fs := flag.NewFlagSet("media-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", "", "Log format: text or json (default depends on --mode)")
	fs.StringVar(&logLevelStr, "log-level", "", "Log level: debug, info, warn, error (default depends on --mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "Full ICE server JSON list; overrides the STUN/TURN settings ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURL, "turn-url", turnURL, "TURN URL, or a comma-separated list ("+envTurnURL+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnPassword, "turn-password", turnPassword, "TURN password ("+envTurnPassword+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-shared-secret", turnRESTSecret, "coturn static-auth-secret; mints TURN credentials for TURN entries without a username ("+envTurnRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials ("+envTurnRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "Username prefix for minted TURN credentials ("+envTurnRESTUsernamePrefix+")")

	fs.StringVar(&relayBindIPStr, "relay-bind-ip", relayBindIPStr, "Local IP that relay session sockets bind to (env "+envVarRelayBindIP+")")
	fs.UintVar(&relayUDPPortMin, "relay-udp-port-min", relayUDPPortMin, "Min UDP port for relay sessions (0 = OS ephemeral; env "+envVarRelayUDPPortMin+")")
	fs.UintVar(&relayUDPPortMax, "relay-udp-port-max", relayUDPPortMax, "Max UDP port for relay sessions (0 = OS ephemeral; env "+envVarRelayUDPPortMax+")")
	fs.IntVar(&maxDatagramBytes, "relay-max-datagram-bytes", maxDatagramBytes, "Largest datagram payload forwarded (env "+envVarRelayMaxDatagramBytes+")")
	fs.DurationVar(&sessionIdleTimeout, "relay-session-idle-timeout", sessionIdleTimeout, "Remove sessions without leg traffic after this duration; 0 disables (env "+envVarRelaySessionIdle+")")
	fs.DurationVar(&sweepInterval, "relay-sweep-interval", sweepInterval, "How often idle sessions are swept (env "+envVarRelaySweepInterval+")")
	fs.StringVar(&legBindingStr, "relay-leg-binding", legBindingStr, "Leg re-binding policy: last-binding-wins or first-binding-wins (env "+envVarRelayLegBinding+")")
	fs.IntVar(&closedHistory, "relay-closed-history", closedHistory, "Number of closed sessions remembered for diagnostics (env "+envVarRelayClosedHistory+")")

	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent relay sessions (0 = unlimited)")
	fs.IntVar(&maxAllocsPerSecond, "max-allocs-per-second", maxAllocsPerSecond, "Maximum POST /alloc calls per second (0 = unlimited)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Auth mode for allocation and diagnostics: none or api_key (env "+envVarAuthMode+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// Log defaults follow the effective mode, which may come from --mode.
	if logFormatStr == "" {
		logFormatStr = envLogFormat
		if !envLogFormatSet {
			logFormatStr = defaultLogFormatForMode(string(mode))
		}
	}
	if logLevelStr == "" {
		logLevelStr = envLogLevel
		if !envLogLevelSet {
			logLevelStr = defaultLogLevelForMode(string(mode))
		}
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	legBinding, err := parseLegBinding(legBindingStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-leg-binding: %w", envVarRelayLegBinding, err)
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	relayBindIP := net.ParseIP(strings.TrimSpace(relayBindIPStr))
	if relayBindIP == nil || relayBindIP.To4() == nil {
		return Config{}, fmt.Errorf("invalid %s/--relay-bind-ip %q (expected an IPv4 address)", envVarRelayBindIP, relayBindIPStr)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxDatagramBytes <= 0 || maxDatagramBytes > 65507 {
		return Config{}, fmt.Errorf("%s/--relay-max-datagram-bytes must be in 1-65507", envVarRelayMaxDatagramBytes)
	}
	if sessionIdleTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--relay-session-idle-timeout must be >= 0", envVarRelaySessionIdle)
	}
	if sessionIdleTimeout > 0 && sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-sweep-interval must be > 0 when idle sweeping is enabled", envVarRelaySweepInterval)
	}
	if closedHistory < 0 {
		return Config{}, fmt.Errorf("%s/--relay-closed-history must be >= 0", envVarRelayClosedHistory)
	}

	turnREST := TURNRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSecret),
		TTL:            turnRESTTTL,
		UsernamePrefix: strings.TrimSpace(turnRESTPrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTL < time.Second {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be >= 1s", envTurnRESTTTL)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envTurnRESTUsernamePrefix)
		}
	}

	var relayUDPPortRange *UDPPortRange
	if relayUDPPortMin != 0 || relayUDPPortMax != 0 {
		if relayUDPPortMin == 0 || relayUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/--relay-udp-port-min and %s/--relay-udp-port-max must be set together (or both unset)",
				envVarRelayUDPPortMin, envVarRelayUDPPortMax)
		}
		min, err := parsePortUint(relayUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--relay-udp-port-min: %w", envVarRelayUDPPortMin, err)
		}
		max, err := parsePortUint(relayUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--relay-udp-port-max: %w", envVarRelayUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("relay UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < minRelayUDPPortRangeSize {
			return Config{}, fmt.Errorf("relay UDP port range is too small: %d ports (min %d)", size, minRelayUDPPortRangeSize)
		}
		relayUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode: authMode,
		APIKey:   apiKey,

		RelayBindIP:        relayBindIP,
		RelayUDPPortRange:  relayUDPPortRange,
		MaxDatagramBytes:   maxDatagramBytes,
		SessionIdleTimeout: sessionIdleTimeout,
		SweepInterval:      sweepInterval,
		LegBinding:         legBinding,
		ClosedHistory:      closedHistory,

		MaxSessions:        maxSessions,
		MaxAllocsPerSecond: maxAllocsPerSecond,

		TURNREST: turnREST,
	}

	cfg.ICEServers, cfg.iceConfigErr = parseICEServersFromValues(iceServersJSON, stunURLs, turnURL, turnUsername, turnPassword, turnREST.Enabled())

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseLegBinding(raw string) (LegBinding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LegBindingLastWins), "last":
		return LegBindingLastWins, nil
	case string(LegBindingFirstWins), "first":
		return LegBindingFirstWins, nil
	default:
		return "", fmt.Errorf("%q (expected %s or %s)", raw, LegBindingLastWins, LegBindingFirstWins)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
