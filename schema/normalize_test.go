package schema

import (
	"errors"
	"testing"
)

func TestNormalizeHostname(t *testing.T) {
	cases := []struct {
		name  string
		host  string
		want  string
		valid bool
	}{
		{"simple", "example.com", "example.com", true},
		{"uppercase", "Example.COM", "example.com", true},
		{"padded", "  example.com ", "example.com", true},
		{"with-dash", "my-site.example", "my-site.example", true},
		{"ipv4", "127.0.0.1", "127.0.0.1", true},
		{"ipv6", "[::1]", "[::1]", true},
		{"empty", "", "", false},
		{"blank", "   ", "", false},
		{"space", "exa mple.com", "", false},
		{"slash", "example.com/path", "", false},
		{"symbol", "example@com", "", false},
	}

	for _, tc := range cases {
		got, err := NormalizeHostname(tc.host)
		if tc.valid {
			if err != nil {
				t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
			}
			if got != tc.want {
				t.Fatalf("case %q expected %q, got %q", tc.name, tc.want, got)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidHostname) {
			t.Fatalf("case %q expected ErrInvalidHostname, got %v", tc.name, err)
		}
	}
}

func TestNormalizeServiceConfigDefaults(t *testing.T) {
	cfg, err := NormalizeServiceConfig(ServiceConfig{})
	if err != nil {
		t.Fatalf("NormalizeServiceConfig: %v", err)
	}
	if cfg.KeepRecent != DefaultKeepRecent {
		t.Fatalf("expected keep recent %d, got %d", DefaultKeepRecent, cfg.KeepRecent)
	}
	if len(cfg.ReservedSchemes) != 2 || cfg.ReservedSchemes[0] != "about" || cfg.ReservedSchemes[1] != "moz-extension" {
		t.Fatalf("unexpected reserved schemes: %v", cfg.ReservedSchemes)
	}
	if cfg.RulesKey != DefaultRulesKey {
		t.Fatalf("expected rules key %q, got %q", DefaultRulesKey, cfg.RulesKey)
	}
	if cfg.Icons != DefaultIcons() {
		t.Fatalf("unexpected icons: %+v", cfg.Icons)
	}
	if cfg.ActionTitle == "" {
		t.Fatalf("expected action title default")
	}
}

func TestNormalizeServiceConfigCleansSchemes(t *testing.T) {
	cfg, err := NormalizeServiceConfig(ServiceConfig{ReservedSchemes: []string{" Chrome: ", "about"}})
	if err != nil {
		t.Fatalf("NormalizeServiceConfig: %v", err)
	}
	if cfg.ReservedSchemes[0] != "chrome" {
		t.Fatalf("expected chrome, got %q", cfg.ReservedSchemes[0])
	}
}

func TestNormalizeServiceConfigRejectsInvalid(t *testing.T) {
	if _, err := NormalizeServiceConfig(ServiceConfig{KeepRecent: -1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative keep recent, got %v", err)
	}
	if _, err := NormalizeServiceConfig(ServiceConfig{ReservedSchemes: []string{"about", " "}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for blank scheme, got %v", err)
	}
}

func TestTabQueryMatches(t *testing.T) {
	tab := Tab{ID: "t1", WindowID: "w1", Active: true}
	if !AllTabs().Matches(tab, "w2") {
		t.Fatalf("expected all-tabs query to match")
	}
	if InactiveTabs().Matches(tab, "w1") {
		t.Fatalf("expected inactive query to skip active tab")
	}
	if !ActiveInCurrentWindow().Matches(tab, "w1") {
		t.Fatalf("expected active-in-current-window to match")
	}
	if ActiveInCurrentWindow().Matches(tab, "w2") {
		t.Fatalf("expected active-in-current-window to skip other window")
	}
	if TabsInWindow("w2").Matches(tab, "w1") {
		t.Fatalf("expected window query to skip other window")
	}
}

func TestDiscardOutcomeSplitsResults(t *testing.T) {
	outcome := DiscardOutcome{Results: []DiscardResult{
		{TabID: "a"},
		{TabID: "b", Err: ErrTabLoading},
		{TabID: "c"},
	}}
	if outcome.Empty() {
		t.Fatalf("expected non-empty outcome")
	}
	ok := outcome.Succeeded()
	if len(ok) != 2 || ok[0] != "a" || ok[1] != "c" {
		t.Fatalf("unexpected succeeded list: %v", ok)
	}
	failed := outcome.Failed()
	if len(failed) != 1 || failed[0].TabID != "b" || !errors.Is(failed[0].Err, ErrTabLoading) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}
}

func TestMenuUpdateApply(t *testing.T) {
	title := "3/4 tabs loaded"
	visible := false
	item := MenuItem{ID: MenuTabStats, Title: "old", Visible: true, Enabled: true}
	got := MenuUpdate{Title: &title, Visible: &visible}.Apply(item)
	if got.Title != title || got.Visible || !got.Enabled {
		t.Fatalf("unexpected item after update: %+v", got)
	}
}
