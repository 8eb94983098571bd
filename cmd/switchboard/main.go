// Switchboard connects a language model to the tools offered by a set of
// MCP servers.
//
// It spawns (or attaches to) every server named in its config, merges
// their capabilities into one catalog, and answers questions typed on
// stdin by letting the model call those capabilities.
//
// Usage:
//
//	switchboard [-h] [-version] [config-path]
//
// When config-path is omitted, servers_config.json next to the
// executable is used. ANTHROPIC_API_KEY must be set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/switchboard/internal/api"
	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/llm"
	"github.com/nugget/switchboard/internal/mqtt"
	"github.com/nugget/switchboard/internal/session"
	"github.com/nugget/switchboard/internal/usage"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Answers go to stdout; logs go to stderr.
// It returns nil after a clean shutdown.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string, getenv func(string) string) error {
	var configPath string
	for _, arg := range args {
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case arg == "-version" || arg == "--version":
			return printVersion(stdout)
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case configPath == "":
			configPath = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	apiKey := getenv(config.APIKeyEnv)
	if apiKey == "" {
		return fmt.Errorf("%s is not set", config.APIKeyEnv)
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Info("starting Switchboard",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"servers", len(cfg.Servers),
		"model", cfg.Model.Name,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	opts := session.Options{
		LLM: llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:  apiKey,
			BaseURL: getenv(config.BaseURLEnv),
			Logger:  logger.With("component", "llm"),
		}),
		Events: bus,
		Logger: logger,
	}

	var store *usage.Store
	if cfg.Usage.Configured() {
		store, err = usage.NewStore(cfg.Usage.Path)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer store.Close()
		opts.Ledger = store
		logger.Info("usage ledger opened", "path", cfg.Usage.Path)
	}

	var tokens *mqtt.DailyTokens
	if cfg.MQTT.Configured() {
		tokens = mqtt.NewDailyTokens(nil)
		opts.Tokens = tokens
	}

	sess, err := session.New(cfg, opts)
	if err != nil {
		return err
	}
	defer closeSession(sess, cfg, logger)

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.Status.Configured() {
		var usageSrc api.UsageSource
		if store != nil {
			usageSrc = store
		}
		srv := api.NewServer(cfg.Status.Listen, sess, usageSrc, logger.With("component", "api"))
		srv.SetEvents(bus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				logger.Error("status API failed", "error", err)
			}
		}()
		defer shutdownWithin(logger, "status API", srv.Shutdown)
	}

	if cfg.MQTT.Configured() {
		pub := mqtt.New(cfg.MQTT, tokens, sess, logger)
		pubCtx, stopPub := context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Start(pubCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer stopPub()
		defer shutdownWithin(logger, "mqtt publisher", pub.Stop)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	}

	if err := sess.Run(ctx, stdin, stdout); err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}
	return nil
}

// shutdownGrace bounds each auxiliary service's shutdown.
const shutdownGrace = 5 * time.Second

func shutdownWithin(logger *slog.Logger, what string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("shutdown failed", "service", what, "error", err)
	}
}

// closeSession closes every tool server. The deadline leaves room for
// each transport's own grace period.
func closeSession(sess *session.Session, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Timeouts.ShutdownGrace.Std()+time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		logger.Warn("session did not close cleanly", "error", err)
	}
	logger.Info("Switchboard stopped")
}

// loadConfig locates and parses the config file. An explicit path must
// exist; otherwise the default next to the executable is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func printVersion(w io.Writer) error {
	info := buildinfo.Info()
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Switchboard - multi-server MCP tool orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchboard [-h] [-version] [config-path]")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  config-path  Server config (default: %s next to the executable)\n", config.DefaultConfigName)
	fmt.Fprintln(w, "  -version     Show version information")
	fmt.Fprintln(w, "  -h           Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %-20s Model API credential (required)\n", config.APIKeyEnv)
	fmt.Fprintf(w, "  %-20s Model API endpoint override\n", config.BaseURLEnv)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Type a question at the prompt. Enter quit or exit to leave.")
	return nil
}
