package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pulsefeed/pulsefeed/internal/app"
	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/exchange"
	httpapi "github.com/pulsefeed/pulsefeed/internal/interfaces/http"
	"github.com/pulsefeed/pulsefeed/internal/pipe"
)

const (
	appName = "pulsefeed"
	version = "v1.2.0"
)

var (
	configPath string
	feedsPath  string
	flagCfg    = config.DefaultConfig()
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time aggregated price feeds from exchange streams",
		Version: version,
		Long: `pulsefeed streams prices from exchange websockets, validates and
aggregates them per feed, and serves the result over a JSON API.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML")
	rootCmd.PersistentFlags().StringVar(&feedsPath, "feeds", "feeds.json", "path to feed definitions")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provider and the HTTP API",
		RunE:  runServe,
	}
	flagCfg.BindFlags(serveCmd.Flags())

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Health-check every configured exchange and exit",
		RunE:  runProbe,
	}

	feedsCmd := &cobra.Command{
		Use:   "feeds",
		Short: "Print the parsed feed definitions and exit",
		RunE:  runFeeds,
	}

	rootCmd.AddCommand(serveCmd, probeCmd, feedsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective config: file, then env, then any flag
// the user set explicitly on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.HTTP.Listen = flagCfg.HTTP.Listen
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flagCfg.Log.Level
	}
	if cmd.Flags().Changed("json-logs") {
		cfg.Log.JSON = flagCfg.Log.JSON
	}
	if cmd.Flags().Changed("request-timeout") {
		cfg.HTTP.RequestTimeout = flagCfg.HTTP.RequestTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger: console output on a TTY, JSON
// otherwise or when forced.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if !cfg.Log.JSON && term.IsTerminal(int(out.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	feeds, err := config.LoadFeeds(feedsPath)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	if len(feeds) == 0 {
		return fmt.Errorf("no feeds configured in %s", feedsPath)
	}

	provider, err := app.New(cfg, feeds, logger)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := provider.Start(ctx); err != nil {
		return fmt.Errorf("start provider: %w", err)
	}

	server := httpapi.NewServer(cfg.HTTP, provider, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	// SIGHUP re-reads the feed file and reconciles the running set.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			fresh, err := config.LoadFeeds(feedsPath)
			if err != nil {
				logger.Error().Err(err).Str("path", feedsPath).Msg("feed reload failed")
				continue
			}
			provider.Reload(fresh)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	provider.Stop()
	return nil
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	feeds, err := config.LoadFeeds(feedsPath)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}

	names := map[string]bool{}
	for _, spec := range feeds {
		for _, src := range spec.Sources {
			names[src.Exchange] = true
		}
		for _, backup := range cfg.Failover.Backups[spec.Feed.Category.String()] {
			names[backup] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	rest := exchange.NewRESTClient(exchange.RESTOptions{
		Timeout:   cfg.Network.HTTPTimeout,
		UserAgent: cfg.Network.UserAgent,
	}, logger)
	updates := pipe.NewUpdateQueue(16)
	events := exchange.NewEvents(16)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	for _, name := range sorted {
		a := exchange.New(name, cfg, updates, events, rest, logger)
		ok := a.HealthCheck(ctx)
		status := "ok"
		if !ok {
			status = "unreachable"
			failed++
		}
		fmt.Printf("%-12s %-7s %s\n", name, a.Tier(), status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d exchanges unreachable", failed, len(sorted))
	}
	return nil
}

func runFeeds(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	feeds, err := config.LoadFeeds(feedsPath)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}
	for _, spec := range feeds {
		fmt.Printf("%s (min sources %d)\n", spec.Feed, spec.Feed.Category.DefaultMinSources())
		for _, src := range spec.Sources {
			fmt.Printf("  %-12s %s\n", src.Exchange, src.Symbol)
		}
	}
	return nil
}
