package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TABUNLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.path", "")
	v.SetDefault("store.sqlite_dsn", "")
	v.SetDefault("store.table_prefix", cfg.Store.TablePrefix)
	v.SetDefault("store.rules_key", cfg.Store.RulesKey)
	v.SetDefault("host.backend", cfg.Host.Backend)
	v.SetDefault("host.devtools_url", cfg.Host.DevToolsURL)
	v.SetDefault("host.connect_retries", cfg.Host.ConnectRetries)
	v.SetDefault("host.connect_timeout_seconds", cfg.Host.ConnectTimeoutSeconds)
	v.SetDefault("unload.keep_recent", cfg.Unload.KeepRecent)
	v.SetDefault("unload.reserved_schemes", cfg.Unload.ReservedSchemes)
	v.SetDefault("icons.normal", cfg.Icons.Normal)
	v.SetDefault("icons.busy", cfg.Icons.Busy)
	v.SetDefault("icons.unloaded", cfg.Icons.Unloaded)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.action_title", cfg.HTTP.ActionTitle)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.runtime", cfg.Metrics.Runtime)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	applyDerivedDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDerivedDefaults fills paths that follow state_dir unless set explicitly.
func applyDerivedDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = cfg.StateDir
	}
	if strings.TrimSpace(cfg.Store.SQLiteDSN) == "" {
		cfg.Store.SQLiteDSN = filepath.Join(cfg.StateDir, "tabunloader.db")
	}
}

func validate(cfg Config) error {
	switch cfg.Store.Backend {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("unsupported store.backend %q", cfg.Store.Backend)
	}
	switch cfg.Host.Backend {
	case HostCDP:
		if strings.TrimSpace(cfg.Host.DevToolsURL) == "" {
			return fmt.Errorf("host.devtools_url is required for host.backend %q", HostCDP)
		}
	case HostMemory:
	default:
		return fmt.Errorf("unsupported host.backend %q", cfg.Host.Backend)
	}
	if cfg.Host.ConnectRetries < 0 {
		return fmt.Errorf("host.connect_retries must not be negative")
	}
	if cfg.Unload.KeepRecent < 0 {
		return fmt.Errorf("unload.keep_recent must not be negative")
	}
	if strings.TrimSpace(cfg.Store.RulesKey) == "" {
		return fmt.Errorf("store.rules_key must not be empty")
	}
	return validateHTTPConfig(cfg.HTTP)
}

func validateHTTPConfig(cfg HTTPConfig) error {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Store.SQLiteDSN = expandEnv(cfg.Store.SQLiteDSN)
	cfg.Host.DevToolsURL = expandEnv(cfg.Host.DevToolsURL)
	cfg.Logging.File = expandEnv(cfg.Logging.File)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
