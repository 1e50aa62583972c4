// Command plutoidkernel is the kernel process binary. It loads configuration
// from an optional YAML file overlaid with CLI flags, opens the configured
// Message I/O Adapter (Redis or embedded SQLite), wires in an optional
// tamper-evident audit log and registry status reporter, and runs the
// Control Loop until a shutdown message, a ping-liveness timeout, a fatal
// adapter error, or SIGTERM/SIGINT ends the process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/manasgarg/plutoid-kernel/internal/audit"
	"github.com/manasgarg/plutoid-kernel/internal/broker"
	"github.com/manasgarg/plutoid-kernel/internal/config"
	"github.com/manasgarg/plutoid-kernel/internal/kernel"
	"github.com/manasgarg/plutoid-kernel/internal/registry/reporter"
)

func main() {
	fs := flag.NewFlagSet("plutoidkernel", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the kernel YAML configuration file (optional; CLI flags overlay it)")
	overlay := config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plutoidkernel: %v\n", err)
		os.Exit(1)
	}
	overlay(cfg)

	logger := newLogger(cfg.Verbose)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("kernel_id", cfg.KernelID),
		slog.Bool("session_mode", cfg.SessionMode),
		slog.String("broker_backend", cfg.BrokerBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBroker(ctx, cfg)
	if err != nil {
		logger.Error("failed to open broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer b.Close()

	var opts []kernel.Option

	if cfg.AuditLogPath != "" {
		auditLogger, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, kernel.WithAuditLogger(auditLogger))
		logger.Info("audit logging enabled", slog.String("path", cfg.AuditLogPath))
	}

	if cfg.RegistryDSN != "" {
		opts = append(opts, kernel.WithReporter(reporter.New(cfg.RegistryDSN, logger)))
		logger.Info("registry reporting enabled", slog.String("registry_dsn", cfg.RegistryDSN))
	}

	k := kernel.New(cfg, logger, b, opts...)
	defer k.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	k.Start(ctx)

	logger.Info("plutoid kernel exited cleanly")
}

// openBroker constructs the Message I/O Adapter selected by
// cfg.BrokerBackend. "redis" dials every configured server in turn and uses
// the first that connects; "sqlite" opens the embedded WAL database.
func openBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.BrokerBackend {
	case "redis":
		var lastErr error
		for _, addr := range cfg.BrokerServers {
			b, err := broker.NewRedis(ctx, broker.RedisConfig{Addr: addr})
			if err == nil {
				return b, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("broker: could not connect to any of %v: %w", cfg.BrokerServers, lastErr)
	default:
		return broker.NewSQLite(cfg.SQLiteQueuePath)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr, at debug level when verbose is set and info level
// otherwise.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
