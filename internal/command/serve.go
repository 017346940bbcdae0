package command

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/command/options"
	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/obs"
	"github.com/tingly-dev/tingly-relay/internal/obs/otel"
	"github.com/tingly-dev/tingly-relay/internal/record"
	"github.com/tingly-dev/tingly-relay/internal/server"
)

// ServeCommand starts the relay server.
func ServeCommand(root *RootFlags, info BuildInfo) *cobra.Command {
	var flags options.ServeFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the HTTP server exposing /v1/chat/completions. Every response is
run through the pipeline configured for the requested model.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			opts := options.ResolveServeOptions(cmd, flags, cfg)
			return runServe(cmd.Context(), cfg, opts, root.Verbose, info)
		},
	}
	options.AddServeFlags(cmd.Flags(), &flags)
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, opts options.ServeOptions, verbose bool, info BuildInfo) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logOpts := obs.LogOptions{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       opts.LogFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	if verbose {
		logOpts.Level = "debug"
	}
	logCloser, err := obs.SetupLogger(logrus.StandardLogger(), logOpts)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logCloser.Close()
	if opts.LogFile != "" {
		logrus.Infof("Logging to file: %s (with rotation)", opts.LogFile)
	}

	meterCfg := otel.DefaultConfig()
	meterCfg.Enabled = opts.Metrics
	meterCfg.ExportInterval = cfg.Metrics.ExportInterval
	meters, err := otel.NewMeterSetup(ctx, meterCfg)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}
	defer meters.Shutdown(context.Background())

	sink := record.NewSink(opts.RecordDir, record.RecordMode(opts.RecordMode))
	defer sink.Close()
	if sink.IsEnabled() {
		logrus.Infof("Recording responses (%s) to %s", opts.RecordMode, sink.BaseDir())
	}

	store := config.NewStore(cfg)
	srv := server.NewServer(store,
		server.WithVersion(info.Version),
		server.WithRecordSink(sink),
		server.WithTracker(meters.Tracker()),
	)

	if opts.Watch {
		watcher, err := config.NewWatcher(store)
		if err != nil {
			return err
		}
		watcher.AddCallback(srv.OnConfigReload)
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Stop()
		logrus.Infof("Watching %s for changes", cfg.Path())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(addr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-sigChan:
		logrus.Info("Received shutdown signal, stopping server...")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), store.Current().Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-serverErr
}
