package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opencall/media-relay/internal/auth"
	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/events"
	"github.com/opencall/media-relay/internal/httpserver"
	"github.com/opencall/media-relay/internal/metrics"
	"github.com/opencall/media-relay/internal/policy"
	"github.com/opencall/media-relay/internal/ratelimit"
	"github.com/opencall/media-relay/internal/relay"
	"github.com/opencall/media-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	legPolicy, err := policy.NewLegPolicyFromEnv()
	if err != nil {
		logger.Error("failed to load leg policy", "err", err)
		os.Exit(2)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	turnCreds, err := turnrest.NewGenerator(cfg.TURNREST)
	if err != nil {
		logger.Error("failed to configure TURN REST credentials", "err", err)
		os.Exit(2)
	}

	logger.Info("starting media-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"relay_bind_ip", cfg.RelayBindIP.String(),
		"relay_udp_port_range", portRangeString(cfg.RelayUDPPortRange),
		"max_datagram_bytes", cfg.MaxDatagramBytes,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"leg_binding", cfg.LegBinding,
		"max_sessions", cfg.MaxSessions,
		"max_allocs_per_second", cfg.MaxAllocsPerSecond,
		"auth_mode", cfg.AuthMode,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg, legPolicy)

	m := metrics.New()
	bus := events.NewBus(m)
	defer bus.Close()

	opts := relay.OptionsFromConfig(cfg)
	opts.Policy = legPolicy
	opts.Metrics = m
	opts.Events = bus
	opts.Logger = logger
	registry, err := relay.NewRegistry(opts)
	if err != nil {
		logger.Error("failed to create relay registry", "err", err)
		os.Exit(1)
	}
	defer registry.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Deps{
		Registry:     registry,
		Events:       bus,
		Metrics:      m,
		Verifier:     verifier,
		AllocLimiter: ratelimit.NewAllocLimiter(ratelimit.RealClock{}, cfg.MaxAllocsPerSecond),

		TURNCredentials: turnCreds,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return registry.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		// Stop forwarding only after the HTTP surface is gone so no new
		// allocation races the teardown.
		registry.Close()
		bus.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("media-relay exited", "err", err)
		os.Exit(1)
	}
	logger.Info("media-relay stopped")
}

func portRangeString(r *config.UDPPortRange) string {
	if r == nil {
		return "ephemeral"
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
