// Command flashexec runs the flash-loan execution engine. It loads and
// validates the configuration, wires dependencies and runs the configured
// mode until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/flashexec/internal/app"
	"github.com/alanyoungcy/flashexec/internal/config"
	"github.com/alanyoungcy/flashexec/internal/crypto"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to configuration file (.toml, .yaml)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration with secrets redacted and exit")
	encryptKey := flag.String("encrypt-key", "", "encrypt FLASHEXEC_PRIVATE_KEY with FLASHEXEC_KEY_PASSWORD into this file and exit")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	if *encryptKey != "" {
		if err := writeKeyFile(*encryptKey); err != nil {
			logger.Error("failed to write key file", slog.String("error", err.Error()))
			return 1
		}
		logger.Info("key file written", slog.String("path", *encryptKey))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if *printConfig {
		if err := toml.NewEncoder(os.Stdout).Encode(cfg.Redacted()); err != nil {
			logger.Error("failed to print config", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("flashexec starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}

	logger.Info("flashexec stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func writeKeyFile(path string) error {
	key, password := os.Getenv("FLASHEXEC_PRIVATE_KEY"), os.Getenv("FLASHEXEC_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("FLASHEXEC_PRIVATE_KEY and FLASHEXEC_KEY_PASSWORD must be set")
	}
	data, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
