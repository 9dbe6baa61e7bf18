package schema

import (
	"fmt"
	"strings"
)

// ServiceConfig defines defaults and limits for the tab lifecycle session.
type ServiceConfig struct {
	// KeepRecent is the number of most recently used tabs kept by unload-all-but-recent.
	KeepRecent int
	// ReservedSchemes lists URL schemes (without ':') that are never discarded.
	ReservedSchemes []string
	// RulesKey is the KV store key holding the auto-unload hostname set.
	RulesKey string
	Icons    IconSet
	// ActionTitle is the toolbar button tooltip.
	ActionTitle string
}

// IconSet maps indicator states to icon asset references.
type IconSet struct {
	Normal   string
	Busy     string
	Unloaded string
}

// Asset returns the asset reference for a state.
func (s IconSet) Asset(state IndicatorState) string {
	switch state {
	case IndicatorBusy:
		return s.Busy
	case IndicatorUnloaded:
		return s.Unloaded
	default:
		return s.Normal
	}
}

const (
	// DefaultKeepRecent is the default tab count kept by unload-all-but-recent.
	DefaultKeepRecent = 10
	// DefaultRulesKey is the well-known key of the persisted hostname set.
	DefaultRulesKey = "auto_unload_hosts"
	// DefaultActionTitle is the default toolbar tooltip.
	DefaultActionTitle = "click to unload inactive tabs"
)

// DefaultReservedSchemes returns the host privileged-page scheme and the
// extension-private scheme.
func DefaultReservedSchemes() []string {
	return []string{"about", "moz-extension"}
}

// DefaultIcons returns the default icon asset references.
func DefaultIcons() IconSet {
	return IconSet{
		Normal:   "icons/normal.png",
		Busy:     "icons/busy.png",
		Unloaded: "icons/unloaded.png",
	}
}

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.KeepRecent < 0 {
		return ServiceConfig{}, fmt.Errorf("%w: keep_recent must not be negative", ErrInvalidConfig)
	}
	if cfg.KeepRecent == 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	if len(cfg.ReservedSchemes) == 0 {
		cfg.ReservedSchemes = DefaultReservedSchemes()
	}
	schemes := make([]string, 0, len(cfg.ReservedSchemes))
	for _, scheme := range cfg.ReservedSchemes {
		scheme = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(scheme)), ":")
		if scheme == "" {
			return ServiceConfig{}, fmt.Errorf("%w: empty reserved scheme", ErrInvalidConfig)
		}
		schemes = append(schemes, scheme)
	}
	cfg.ReservedSchemes = schemes
	if strings.TrimSpace(cfg.RulesKey) == "" {
		cfg.RulesKey = DefaultRulesKey
	}
	defaults := DefaultIcons()
	if cfg.Icons.Normal == "" {
		cfg.Icons.Normal = defaults.Normal
	}
	if cfg.Icons.Busy == "" {
		cfg.Icons.Busy = defaults.Busy
	}
	if cfg.Icons.Unloaded == "" {
		cfg.Icons.Unloaded = defaults.Unloaded
	}
	if cfg.ActionTitle == "" {
		cfg.ActionTitle = DefaultActionTitle
	}
	return cfg, nil
}
