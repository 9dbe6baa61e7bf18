package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/tabunloader/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig   `mapstructure:"store" yaml:"store"`
	Host          HostConfig    `mapstructure:"host" yaml:"host"`
	Unload        UnloadConfig  `mapstructure:"unload" yaml:"unload"`
	Icons         IconsConfig   `mapstructure:"icons" yaml:"icons"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Metrics       MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Host backends.
const (
	HostCDP    = "cdp"
	HostMemory = "memory"
)

// StoreConfig selects where the auto-unload rule set is persisted.
type StoreConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Path        string `mapstructure:"path" yaml:"path"`
	SQLiteDSN   string `mapstructure:"sqlite_dsn" yaml:"sqlite_dsn"`
	TablePrefix string `mapstructure:"table_prefix" yaml:"table_prefix"`
	RulesKey    string `mapstructure:"rules_key" yaml:"rules_key"`
}

// HostConfig selects and configures the tab host.
type HostConfig struct {
	Backend               string `mapstructure:"backend" yaml:"backend"`
	DevToolsURL           string `mapstructure:"devtools_url" yaml:"devtools_url"`
	ConnectRetries        int    `mapstructure:"connect_retries" yaml:"connect_retries"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
}

// UnloadConfig controls tab selection.
type UnloadConfig struct {
	KeepRecent      int      `mapstructure:"keep_recent" yaml:"keep_recent"`
	ReservedSchemes []string `mapstructure:"reserved_schemes" yaml:"reserved_schemes"`
}

// IconsConfig maps indicator states to icon assets.
type IconsConfig struct {
	Normal   string `mapstructure:"normal" yaml:"normal"`
	Busy     string `mapstructure:"busy" yaml:"busy"`
	Unloaded string `mapstructure:"unloaded" yaml:"unloaded"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	BasePath    string `mapstructure:"base_path" yaml:"base_path"`
	ActionTitle string `mapstructure:"action_title" yaml:"action_title"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Runtime bool `mapstructure:"runtime" yaml:"runtime"`
}

// LoggingConfig controls the optional rotating log file.
type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".tabunloader", "state")
	icons := schema.DefaultIcons()
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Store: StoreConfig{
			Backend:     StoreFile,
			Path:        stateDir,
			SQLiteDSN:   filepath.Join(stateDir, "tabunloader.db"),
			TablePrefix: "",
			RulesKey:    schema.DefaultRulesKey,
		},
		Host: HostConfig{
			Backend:               HostCDP,
			DevToolsURL:           "http://127.0.0.1:9222",
			ConnectRetries:        5,
			ConnectTimeoutSeconds: 10,
		},
		Unload: UnloadConfig{
			KeepRecent:      schema.DefaultKeepRecent,
			ReservedSchemes: append(schema.DefaultReservedSchemes(), "chrome", "devtools"),
		},
		Icons: IconsConfig{
			Normal:   icons.Normal,
			Busy:     icons.Busy,
			Unloaded: icons.Unloaded,
		},
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:27490",
			BasePath:    "",
			ActionTitle: schema.DefaultActionTitle,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Runtime: true,
		},
		Logging: LoggingConfig{
			File:       "",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tabunloader", "config.yaml"), nil
}

// ServiceConfig projects the core settings.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		KeepRecent:      c.Unload.KeepRecent,
		ReservedSchemes: append([]string(nil), c.Unload.ReservedSchemes...),
		RulesKey:        c.Store.RulesKey,
		Icons: schema.IconSet{
			Normal:   c.Icons.Normal,
			Busy:     c.Icons.Busy,
			Unloaded: c.Icons.Unloaded,
		},
		ActionTitle: c.HTTP.ActionTitle,
	}
}
