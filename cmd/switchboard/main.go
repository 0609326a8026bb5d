// Command switchboard runs the event-dispatch gateway: the HTTP surface,
// the WebSocket gateway and, when enabled, the Kafka consumer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/api"
	audithook "github.com/xraph/switchboard/audit_hook"
	"github.com/xraph/switchboard/engine"
)

var version = "dev"

func main() {
	root, err := newRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, error) {
	var cfgFile string
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:          "switchboard",
		Short:        "Real-time event-dispatch gateway",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (default ./switchboard.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface, the gateway and the bus consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	defaults := switchboard.DefaultConfig()
	flags := serveCmd.Flags()
	flags.String("addr", defaults.Server.Addr, "HTTP listen address")
	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, text)")
	flags.Bool("kafka", defaults.Kafka.Enabled, "consume events from Kafka")
	for key, name := range map[string]string{
		"server.addr":   "addr",
		"log.level":     "log-level",
		"log.format":    "log-format",
		"kafka.enabled": "kafka",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: addr=%s redis=%s kafka=%t\n",
				cfg.Server.Addr, cfg.Redis.Addr(), cfg.Kafka.Enabled)
			return nil
		},
	}

	root.AddCommand(serveCmd, checkCmd)
	return root, nil
}

// serve runs until ctx is cancelled, then drains the HTTP server and stops
// the engine within the shutdown timeout.
func serve(ctx context.Context, cfg switchboard.Config) error {
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	eng, err := engine.Build(cfg,
		engine.WithLogger(logger),
		engine.WithExtension(audithook.New(audithook.LogRecorder(logger.With(slog.String("component", "audit"))))),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(eng).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening",
			slog.String("addr", cfg.Server.Addr),
			slog.Bool("kafka", cfg.Kafka.Enabled),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), eng.Stop(shutdownCtx))
	})

	err = g.Wait()
	if err != nil {
		logger.Error("switchboard stopped", slog.String("error", err.Error()))
		return err
	}
	logger.Info("switchboard stopped")
	return nil
}
