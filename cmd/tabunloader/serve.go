package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader"
	"pkt.systems/tabunloader/httpapi"
	"pkt.systems/tabunloader/internal/appconfig"
)

const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	var hostBackend string
	var noMetrics bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Attach to the browser and serve the menu surface and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if hostBackend != "" {
				cfg.Host.Backend = hostBackend
			}
			if noMetrics {
				cfg.Metrics.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, closeLog := withFileLogging(ctx, cfg.Logging)
			defer func() { _ = closeLog() }()
			logger := pslog.Ctx(ctx)
			logger.Info("serve config", "store", cfg.Store.Backend, "host", cfg.Host.Backend, "state_dir", cfg.StateDir)

			store, closeStore, err := tabunloader.OpenStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			host, closeHost, err := tabunloader.OpenHost(ctx, cfg.Host, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeHost(); err != nil {
					logger.Warn("host close failed", "err", err)
				}
			}()

			opts := []tabunloader.ServerOption{tabunloader.WithHTTP()}
			if cfg.Metrics.Enabled {
				opts = append(opts, tabunloader.WithMetrics())
			}
			server, err := tabunloader.New(tabunloader.ServerConfig{
				Service:        cfg.ServiceConfig(),
				HTTP:           httpapi.Config{Addr: cfg.HTTP.Addr, BasePath: cfg.HTTP.BasePath, HistorySize: 1000},
				MetricsRuntime: cfg.Metrics.Runtime,
			}, tabunloader.ServerDeps{
				Host:   host,
				Store:  store,
				Logger: logger,
			}, opts...)
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&hostBackend, "host", "", "tab host backend override (cdp|memory)")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable the /metrics endpoint")
	return cmd
}

// withFileLogging tees the process logger into a rotating file when
// logging.file is set. The returned close func is never nil.
func withFileLogging(ctx context.Context, cfg appconfig.LoggingConfig) (context.Context, func() error) {
	if strings.TrimSpace(cfg.File) == "" {
		return ctx, func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(io.MultiWriter(os.Stderr, rotator)),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, NoColor: true}),
	)
	logger.Info("log file", "path", cfg.File, "max_size_mb", cfg.MaxSizeMB, "max_backups", cfg.MaxBackups)
	return pslog.ContextWithLogger(ctx, logger), rotator.Close
}
