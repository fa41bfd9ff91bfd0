// Command media-relay-probe checks a running media-relay end to end: it
// allocates a session over HTTP, binds two local UDP legs with HELLO a/b
// and verifies that ping and pong cross the relay unmodified.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var cfg probeConfig
	fs := flag.NewFlagSet("media-relay-probe", flag.ContinueOnError)
	fs.StringVar(&cfg.BaseURL, "base-url", envOrDefault("MEDIA_RELAY_URL", "http://127.0.0.1:8083"), "media-relay HTTP base URL (env MEDIA_RELAY_URL)")
	fs.StringVar(&cfg.RelayHost, "relay-host", os.Getenv("MEDIA_RELAY_UDP_HOST"), "host legs send UDP to; defaults to the base URL host (env MEDIA_RELAY_UDP_HOST)")
	fs.StringVar(&cfg.APIKey, "api-key", os.Getenv("API_KEY"), "API key for AUTH_MODE=api_key deployments (env API_KEY)")
	fs.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "overall probe timeout")
	fs.BoolVar(&cfg.WatchEvents, "watch-events", false, "also subscribe to /events and require leg_bound events for both legs")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res, err := runProbe(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK session=%s relay=%s rtt=%s\n", res.SessionID, res.RelayAddr, res.RoundTrip)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
