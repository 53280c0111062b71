// Package main provides the regwatch binary entry point.
// Regwatch follows the service registration tree in a coordination store
// and forwards every decoded registration to a publisher.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/regwatch/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "regwatch"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Service registration watcher",
		Long: `Regwatch watches the service registration tree of a coordination store
and forwards every decoded registration to a publisher.

Registrations live under <root>/<category>/<rpcType>/<context>/<instance>:
- metadata nodes carry one JSON record per registered method
- uri nodes carry one JSON record per live instance

Supported stores: zookeeper, nats (JetStream KV), fs, memory.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), logLevel)
			cfg, err := config.NewLoader(logger).Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(putCmd(&configPath, &logLevel))
	cmd.AddCommand(deleteCmd(&configPath, &logLevel))
	cmd.AddCommand(initConfigCmd(&logLevel))

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func putCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "put <path> [file]",
		Short: "Write a registration node (value read from file or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 2 {
				data, err = os.ReadFile(args[1])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			return withWriter(cmd, *configPath, *logLevel, func(ctx context.Context, w *App) error {
				return w.Put(ctx, args[0], data)
			})
		},
	}
}

func deleteCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path>",
		Short: "Remove a registration node without children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWriter(cmd, *configPath, *logLevel, func(ctx context.Context, w *App) error {
				return w.Delete(ctx, args[0])
			})
		},
	}
}

func initConfigCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create the user config file with defaults if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr(), *logLevel)
			return config.NewLoader(logger).EnsureUserConfig()
		},
	}
}

// withWriter opens the configured store for a one-shot write.
func withWriter(cmd *cobra.Command, configPath, logLevel string, fn func(context.Context, *App) error) error {
	logger := newLogger(cmd.ErrOrStderr(), logLevel)
	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), 30*time.Second)
	defer cancel()

	app := NewApp(cfg, logger)
	if err := app.Open(ctx); err != nil {
		return err
	}
	defer app.Close(ctx)

	return fn(ctx, app)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app := NewApp(cfg, logger)
	if err := app.Start(signalCtx); err != nil {
		app.Close(context.Background())
		return err
	}

	logger.Info("Regwatch ready",
		"version", Version,
		"backend", cfg.Store.Backend,
		"root", cfg.Store.Root)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Close(shutdownCtx)

	logger.Info("Regwatch shutdown complete")
	return nil
}

func newLogger(w io.Writer, logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
