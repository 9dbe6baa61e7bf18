package main

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/tabunloader"
	"pkt.systems/tabunloader/internal/memhost"
	"pkt.systems/tabunloader/schema"
)

func startServer(t *testing.T, host *memhost.Host) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv, err := tabunloader.New(tabunloader.ServerConfig{Service: schema.ServiceConfig{KeepRecent: 1}}, tabunloader.ServerDeps{Host: host}, tabunloader.WithListener(ln))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return ln.Addr().String()
}

func TestUnloadAndStatsAgainstServer(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := 0
	host := memhost.New(memhost.WithClock(func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Minute)
	}))
	// the active first tab is the least recently stamped
	host.Open("w1", "https://example.com/")
	host.Open("w1", "https://other.org/")
	host.Open("w1", "https://third.net/")
	host.Open("w1", "https://fourth.io/")
	addr := startServer(t, host)
	cfg := writeConfig(t, "")

	out, err := execute(t, "stats", "-c", cfg, "--server", addr)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "4/4 tabs loaded") || !strings.Contains(out, "indicator: normal") {
		t.Fatalf("unexpected stats output %q", out)
	}

	out, err = execute(t, "unload", "recent", "-c", cfg, "--server", addr, "--keep", "2")
	if err != nil {
		t.Fatalf("unload recent: %v", err)
	}
	if !strings.HasPrefix(out, "unloaded 1 tabs") {
		t.Fatalf("unexpected unload output %q", out)
	}

	out, err = execute(t, "unload", "inactive", "-c", cfg, "--server", "http://"+addr)
	if err != nil {
		t.Fatalf("unload inactive: %v", err)
	}
	if !strings.HasPrefix(out, "unloaded 2 tabs") {
		t.Fatalf("unexpected unload output %q", out)
	}

	out, _ = execute(t, "stats", "-c", cfg, "--server", addr)
	if !strings.Contains(out, "1/4 tabs loaded") || !strings.Contains(out, "indicator: unloaded") {
		t.Fatalf("unexpected stats after unload %q", out)
	}
}

func TestRulesThroughServer(t *testing.T) {
	host := memhost.New()
	host.Open("w1", "https://example.com/")
	addr := startServer(t, host)
	cfg := writeConfig(t, "")

	out, err := execute(t, "rules", "add", "-c", cfg, "--server", addr, "example.com")
	if err != nil {
		t.Fatalf("rules add: %v", err)
	}
	if out != "example.com\n" {
		t.Fatalf("unexpected output %q", out)
	}
	_, err = execute(t, "rules", "add", "-c", cfg, "--server", addr, "bad host!")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 from server, got %v", err)
	}
}

func TestUnloadReportsUnreachableServer(t *testing.T) {
	cfg := writeConfig(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	if _, err := execute(t, "unload", "inactive", "-c", cfg, "--server", addr); err == nil || !strings.Contains(err.Error(), "contact server") {
		t.Fatalf("expected connection error, got %v", err)
	}
}
