package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/derivpulse/derivpulse/internal/config"
	"github.com/derivpulse/derivpulse/internal/net/ratelimit"
	"github.com/derivpulse/derivpulse/internal/oi"
	"github.com/derivpulse/derivpulse/internal/profile"
	"github.com/derivpulse/derivpulse/internal/providers"
	"github.com/derivpulse/derivpulse/internal/providers/binance"
	"github.com/derivpulse/derivpulse/internal/providers/bitget"
	"github.com/derivpulse/derivpulse/internal/providers/bybit"
	"github.com/derivpulse/derivpulse/internal/providers/gate"
	"github.com/derivpulse/derivpulse/internal/providers/hyperliquid"
	"github.com/derivpulse/derivpulse/internal/providers/okx"
)

const (
	appName = "derivpulse"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	// Missing .env is fine; the environment may be set by the supervisor.
	godotenv.Load()

	settings := config.FromEnv()
	zerolog.SetGlobalLevel(settings.LogLevel)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Derivatives market intelligence engine",
		Version: version,
		Long: `derivpulse aggregates open interest across derivatives venues, ingests
liquidation streams, detects cascade conditions, and serves volume profiles.

'derivpulse serve' runs the full engine; 'oi' and 'profile' are one-shot
queries against the venue APIs.`,
	}

	oiCmd := &cobra.Command{
		Use:   "oi [symbol]",
		Short: "Aggregate open interest across venues for one symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runOI,
	}
	oiCmd.Flags().String("venues", "", "Comma-separated venue subset (default: all)")
	oiCmd.Flags().Duration("deadline", 5*time.Second, "Aggregation deadline")

	profileCmd := &cobra.Command{
		Use:   "profile [symbol] [timeframe]",
		Short: "Compute a volume profile for one symbol",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runProfile,
	}
	profileCmd.Flags().String("timeframe", "1h", "Timeframe (1m|15m|1h|4h|1d)")
	profileCmd.Flags().String("exchange", "", "Single venue to query (default: first that responds)")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance's health report",
		RunE:  runHealth,
	}
	healthCmd.Flags().String("addr", "http://127.0.0.1:8080", "Base URL of the running instance")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full engine: streams, detector, alerts, HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			httpAddr, _ := cmd.Flags().GetString("http")
			return runServe(settings, httpAddr)
		},
	}
	serveCmd.Flags().String("http", "127.0.0.1:8080", "HTTP listen address")

	rootCmd.AddCommand(oiCmd, profileCmd, serveCmd, healthCmd)
	// Accept snake_case flag spellings from wrapper scripts.
	rootCmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRegistry wires every venue adapter over one shared rate limiter.
func buildRegistry(onHealth providers.HealthFunc) *providers.Registry {
	limiter := ratelimit.NewLimiter(4)
	return providers.NewRegistry(
		binance.New(limiter, binance.WithHealthFunc(onHealth)),
		bybit.New(limiter, bybit.WithHealthFunc(onHealth)),
		okx.New(limiter, okx.WithHealthFunc(onHealth)),
		gate.New(limiter),
		bitget.New(limiter),
		hyperliquid.New(limiter, hyperliquid.WithHealthFunc(onHealth)),
	)
}

func runOI(cmd *cobra.Command, args []string) error {
	venuesFlag, _ := cmd.Flags().GetString("venues")
	deadline, _ := cmd.Flags().GetDuration("deadline")

	registry := buildRegistry(nil)
	agg := oi.New(registry, oi.Config{Deadline: deadline}, log.Logger)

	ctx, cancel := signalContext()
	defer cancel()

	var venues []string
	if venuesFlag != "" {
		venues = strings.Split(venuesFlag, ",")
	}
	snap, err := agg.Snapshot(ctx, args[0], venues)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runProfile(cmd *cobra.Command, args []string) error {
	timeframe, _ := cmd.Flags().GetString("timeframe")
	if len(args) > 1 {
		timeframe = args[1]
	}
	exchange, _ := cmd.Flags().GetString("exchange")

	registry := buildRegistry(nil)
	svc := profile.NewService(registry, log.Logger)

	ctx, cancel := signalContext()
	defer cancel()

	snap, err := svc.Profile(ctx, args[0], timeframe, exchange)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	base, _ := cmd.Flags().GetString("addr")

	ctx, cancel := signalContext()
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/health", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health query: %w", err)
	}
	defer resp.Body.Close()

	var report map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode health report: %w", err)
	}
	return printJSON(report)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func splitAddr(addr string) (host string, port int, err error) {
	host = "127.0.0.1"
	port = 8080
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid listen address %q", addr)
	}
	if parts[0] != "" {
		host = parts[0]
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid listen port %q", parts[1])
	}
	return host, port, nil
}
