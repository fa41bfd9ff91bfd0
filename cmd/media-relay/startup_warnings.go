package main

import (
	"log/slog"
	"slices"

	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/origin"
	"github.com/opencall/media-relay/internal/policy"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, legPolicy *policy.LegPolicy) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.LegBinding == config.LegBindingLastWins {
		logger.Warn("startup security warning: RELAY_LEG_BINDING=last-binding-wins lets anyone who learns a relay port claim a leg with a HELLO datagram",
			"warning_code", "leg_binding_last_wins",
			"leg_binding", cfg.LegBinding,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client allocate relay sessions",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && legPolicy.IsOpen() {
		logger.Warn("startup security warning: leg policy admits every source address while --mode=prod",
			"warning_code", "leg_policy_open_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.SessionIdleTimeout <= 0 {
		logger.Warn("startup warning: RELAY_SESSION_IDLE_TIMEOUT=0 disables idle sweeping; abandoned sessions keep their sockets until removed",
			"warning_code", "idle_sweep_disabled",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration has problems; /ice serves the usable entries only",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}
