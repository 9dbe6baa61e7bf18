package tabunloader

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/core"
	"pkt.systems/tabunloader/internal/appconfig"
	"pkt.systems/tabunloader/internal/cdphost"
	"pkt.systems/tabunloader/internal/kvstore"
	"pkt.systems/tabunloader/internal/memhost"
)

// OpenStore opens the rule store backend named by cfg. The returned close
// func is never nil.
func OpenStore(ctx context.Context, cfg appconfig.StoreConfig, logger pslog.Logger) (core.KVStore, func() error, error) {
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	nop := func() error { return nil }
	switch cfg.Backend {
	case "", appconfig.StoreFile:
		store, err := kvstore.NewFileStoreWithLogger(cfg.Path, logger)
		if err != nil {
			return nil, nop, err
		}
		logger.Info("store open", "backend", appconfig.StoreFile, "path", store.Path())
		return store, nop, nil
	case appconfig.StoreSQLite:
		store, err := kvstore.OpenSQLite(ctx, kvstore.SQLiteOptions{
			DSN:         cfg.SQLiteDSN,
			TablePrefix: cfg.TablePrefix,
			Logger:      logger,
		})
		if err != nil {
			return nil, nop, err
		}
		logger.Info("store open", "backend", appconfig.StoreSQLite, "table", store.TableName())
		return store, store.Close, nil
	default:
		return nil, nop, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// OpenHost connects the tab host backend named by cfg. The returned close
// func is never nil.
func OpenHost(ctx context.Context, cfg appconfig.HostConfig, logger pslog.Logger) (core.TabHost, func() error, error) {
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	nop := func() error { return nil }
	switch cfg.Backend {
	case appconfig.HostMemory:
		logger.Info("host open", "backend", appconfig.HostMemory)
		return memhost.New(memhost.WithLogger(logger)), nop, nil
	case "", appconfig.HostCDP:
		host, err := cdphost.New(cdphost.Options{
			DevToolsURL:    cfg.DevToolsURL,
			ConnectRetries: cfg.ConnectRetries,
			ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
			Logger:         logger,
		})
		if err != nil {
			return nil, nop, err
		}
		if err := host.Connect(ctx); err != nil {
			return nil, nop, err
		}
		logger.Info("host open", "backend", appconfig.HostCDP, "devtools_url", cfg.DevToolsURL)
		return host, host.Close, nil
	default:
		return nil, nop, fmt.Errorf("unsupported host backend %q", cfg.Backend)
	}
}
