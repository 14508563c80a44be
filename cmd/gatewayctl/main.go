// Command gatewayctl opens a gateway session from the terminal and prints the
// dispatch stream as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	gateway "github.com/stratus-cloud/gateway-go-sdk"
	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

var version = "dev"

type globalFlags struct {
	endpoint    string
	project     string
	token       string
	compression string
	logLevel    string
	metricsAddr string
	dialTimeout time.Duration
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Talk to the realtime gateway",
		Long: `gatewayctl opens a realtime gateway session, keeps it alive with
heartbeats and prints every dispatch event as one JSON object per line.

The endpoint, project and token default to GATEWAY_ENDPOINT,
GATEWAY_PROJECT and GATEWAY_TOKEN.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.endpoint, "endpoint", os.Getenv("GATEWAY_ENDPOINT"), "Gateway WebSocket URL")
	pf.StringVar(&flags.project, "project", os.Getenv("GATEWAY_PROJECT"), "Project id sent in identify")
	pf.StringVar(&flags.token, "token", os.Getenv("GATEWAY_TOKEN"), "Access token (empty for a public session)")
	pf.StringVar(&flags.compression, "compression", string(wire.DefaultCompression), "Frame compression: none or zlib")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.DurationVar(&flags.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for each connection attempt")

	rootCmd.AddCommand(
		listenCmd(&flags),
		subscribeCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayctl: %s\n", err)
		os.Exit(1)
	}
}

func listenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print dispatch events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, nil)
		},
	}
}

func subscribeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <channel> [data]",
		Short: "Subscribe to a channel and print its events",
		Long: `Subscribe sends a SUBSCRIBE dispatch for channel once the session is
ready, then prints events like listen. data, if given, must be JSON.

Examples:
  gatewayctl subscribe deployments
  gatewayctl subscribe logs '{"service":"api"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("subscribe data is not valid JSON: %s", args[1])
				}
				data = json.RawMessage(args[1])
			}
			return run(cmd.Context(), flags, func(c *gateway.Client) error {
				return c.Subscribe(args[0], data)
			})
		},
	}
}

// run connects, calls setup and prints events until ctx is cancelled, a
// signal arrives or the session ends.
func run(ctx context.Context, flags *globalFlags, setup func(*gateway.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(flags.logLevel)
	if err != nil {
		return err
	}
	compression, err := parseCompression(flags.compression)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if flags.metricsAddr != "" {
		srv := serveMetrics(flags.metricsAddr, reg, logger)
		defer srv.Close()
	}

	client, err := gateway.Connect(ctx, gateway.Config{
		Endpoint:    flags.endpoint,
		Project:     flags.project,
		Token:       flags.token,
		Compression: compression,
		DialTimeout: flags.dialTimeout,
		Logger:      logger,
		Registerer:  reg,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if setup != nil {
		if err := setup(client); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		ev, err := client.NextEvent(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			logger.Info("interrupted, closing session")
			return nil
		case errors.Is(err, gateway.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func parseCompression(s string) (wire.Compression, error) {
	switch c := wire.Compression(strings.ToLower(s)); c {
	case wire.CompressionNone, wire.CompressionZlib:
		return c, nil
	}
	return "", fmt.Errorf("invalid --compression %q (want none or zlib)", s)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
