package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pkt.systems/tabunloader/schema"
)

type discardFixture struct {
	host      *fakeHost
	kv        *fakeKV
	rules     *RuleStore
	indicator *Indicator
	icons     *fakeIcons
	sink      *recordingSink
	discarder *Discarder
}

func newDiscardFixture(t *testing.T, tabs ...schema.Tab) *discardFixture {
	t.Helper()
	host := newFakeHost(tabs...)
	kv := newFakeKV()
	rules := NewRuleStore(kv, "", nil)
	rules.Load(context.Background())
	icons := &fakeIcons{}
	sink := &recordingSink{}
	classifier := NewClassifier(schema.DefaultReservedSchemes())
	indicator := NewIndicator(host, icons, schema.DefaultIcons(), "", sink, nil)
	return &discardFixture{
		host:      host,
		kv:        kv,
		rules:     rules,
		indicator: indicator,
		icons:     icons,
		sink:      sink,
		discarder: NewDiscarder(host, classifier, indicator, rules, 0, sink, nil),
	}
}

func numberedTabs(n int, base time.Time) []schema.Tab {
	tabs := make([]schema.Tab, 0, n)
	for i := 1; i <= n; i++ {
		tab := webTab(fmt.Sprintf("t%02d", i), "w1", fmt.Sprintf("https://site%02d.example/", i))
		tab.LastAccessed = base.Add(-time.Duration(i) * time.Minute)
		tabs = append(tabs, tab)
	}
	return tabs
}

func TestDiscardEmptyIsNoop(t *testing.T) {
	f := newDiscardFixture(t)
	outcome := f.discarder.Discard(context.Background(), nil)
	if !outcome.Empty() {
		t.Fatalf("expected empty outcome, got %+v", outcome)
	}
	if len(f.host.discardCalls()) != 0 {
		t.Fatalf("expected no host call for empty batch")
	}
	if f.indicator.State() != schema.IndicatorNormal {
		t.Fatalf("expected indicator to stay Normal, got %s", f.indicator.State())
	}
	if len(f.icons.iconHistory()) != 0 {
		t.Fatalf("expected no icon changes, got %v", f.icons.iconHistory())
	}
}

func TestDiscardDedupesAndDrivesIndicator(t *testing.T) {
	f := newDiscardFixture(t, webTab("a", "w1", "https://a.example/"), webTab("b", "w1", "https://b.example/"))
	outcome := f.discarder.Discard(context.Background(), []schema.TabID{"a", "b", "a", ""})
	calls := f.host.discardCalls()
	if len(calls) != 1 || !reflect.DeepEqual(tabIDs(calls[0]), []string{"a", "b"}) {
		t.Fatalf("expected one deduped host call, got %v", calls)
	}
	if len(outcome.Succeeded()) != 2 {
		t.Fatalf("expected two successes, got %+v", outcome)
	}
	if f.indicator.State() != schema.IndicatorUnloaded {
		t.Fatalf("expected Unloaded after batch, got %s", f.indicator.State())
	}
	defaults := schema.DefaultIcons()
	if got := f.icons.iconHistory(); !reflect.DeepEqual(got, []string{defaults.Busy, defaults.Unloaded}) {
		t.Fatalf("expected Normal -> Busy -> Unloaded icons, got %v", got)
	}
}

func TestDiscardAlreadyDiscardedIsNoop(t *testing.T) {
	tab := webTab("a", "w1", "https://a.example/")
	tab.Discarded = true
	f := newDiscardFixture(t, tab)
	outcome := f.discarder.Discard(context.Background(), []schema.TabID{"a"})
	if len(outcome.Failed()) != 0 {
		t.Fatalf("expected already-discarded tab to succeed, got %+v", outcome.Failed())
	}
}

func TestDiscardPartialFailureSettles(t *testing.T) {
	f := newDiscardFixture(t, webTab("a", "w1", "https://a.example/"), webTab("b", "w1", "https://b.example/"))
	f.host.failIDs["b"] = schema.ErrTabLoading
	outcome := f.discarder.Discard(context.Background(), []schema.TabID{"a", "b", "gone"})

	failed := outcome.Failed()
	if len(failed) != 2 {
		t.Fatalf("expected two failures, got %+v", failed)
	}
	if failed[0].TabID != "b" || !errors.Is(failed[0].Err, schema.ErrTabLoading) {
		t.Fatalf("expected loading failure for b, got %+v", failed[0])
	}
	if failed[1].TabID != "gone" || !errors.Is(failed[1].Err, schema.ErrTabNotFound) {
		t.Fatalf("expected not-found failure for gone, got %+v", failed[1])
	}
	if f.indicator.State() != schema.IndicatorUnloaded {
		t.Fatalf("expected Unloaded regardless of failures, got %s", f.indicator.State())
	}
	if len(f.host.discardCalls()) != 1 {
		t.Fatalf("expected no retries")
	}
}

func TestDiscardBatchErrorMarksEveryTab(t *testing.T) {
	f := newDiscardFixture(t, webTab("a", "w1", "https://a.example/"), webTab("b", "w1", "https://b.example/"))
	f.host.discardErr = schema.ErrHostUnavailable
	outcome := f.discarder.Discard(context.Background(), []schema.TabID{"a", "b"})
	if len(outcome.Failed()) != 2 {
		t.Fatalf("expected every tab to fail, got %+v", outcome)
	}
	for _, res := range outcome.Results {
		if !errors.Is(res.Err, schema.ErrHostUnavailable) {
			t.Fatalf("expected host error, got %v", res.Err)
		}
	}
	if f.indicator.State() != schema.IndicatorUnloaded {
		t.Fatalf("expected Unloaded after failed batch, got %s", f.indicator.State())
	}
	events := f.sink.discardEvents()
	if len(events) != 1 || events[0].Selection != schema.SelectionDirect {
		t.Fatalf("expected one direct discard event, got %+v", events)
	}
}

func TestUnloadInactive(t *testing.T) {
	active := webTab("active", "w1", "https://active.example/")
	active.Active = true
	discarded := webTab("discarded", "w1", "https://d.example/")
	discarded.Discarded = true
	otherWindowActive := webTab("w2-active", "w2", "https://w2.example/")
	otherWindowActive.Active = true
	f := newDiscardFixture(t,
		active,
		webTab("a", "w1", "https://a.example/"),
		discarded,
		webTab("cfg", "w1", "about:config"),
		webTab("b", "w2", "https://b.example/"),
		otherWindowActive,
	)
	if _, err := f.discarder.UnloadInactive(context.Background()); err != nil {
		t.Fatalf("unload inactive: %v", err)
	}
	calls := f.host.discardCalls()
	if len(calls) != 1 || !reflect.DeepEqual(tabIDs(calls[0]), []string{"a", "b"}) {
		t.Fatalf("expected discard of a and b, got %v", calls)
	}
}

func TestUnloadAllButRecentFifteenTabs(t *testing.T) {
	f := newDiscardFixture(t, numberedTabs(15, time.Now())...)
	outcome, err := f.discarder.UnloadAllButRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("unload all but recent: %v", err)
	}
	want := []string{"t11", "t12", "t13", "t14", "t15"}
	if got := tabIDs(outcome.Succeeded()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v discarded, got %v", want, got)
	}
	for i := 1; i <= 10; i++ {
		if f.host.tab(schema.TabID(fmt.Sprintf("t%02d", i))).Discarded {
			t.Fatalf("expected t%02d to stay loaded", i)
		}
	}

	again, err := f.discarder.UnloadAllButRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !again.Empty() {
		t.Fatalf("expected idempotent second run, got %+v", again)
	}
	if len(f.host.discardCalls()) != 1 {
		t.Fatalf("expected no host call on second run")
	}
}

func TestUnloadAllButRecentDefaultsAndSkipsActive(t *testing.T) {
	tabs := numberedTabs(12, time.Now())
	tabs[11].Active = true
	tabs = append(tabs, webTab("cfg", "w1", "about:config"))
	f := newDiscardFixture(t, tabs...)
	outcome, err := f.discarder.UnloadAllButRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("unload all but recent: %v", err)
	}
	if got := tabIDs(outcome.Succeeded()); !reflect.DeepEqual(got, []string{"t11"}) {
		t.Fatalf("expected only t11 discarded with default keep, got %v", got)
	}
}

func TestUnloadAllButRecentStableTies(t *testing.T) {
	same := time.Now()
	tabs := []schema.Tab{
		webTab("z", "w1", "https://z.example/"),
		webTab("a", "w1", "https://a.example/"),
		webTab("m", "w1", "https://m.example/"),
	}
	for i := range tabs {
		tabs[i].LastAccessed = same
	}
	f := newDiscardFixture(t, tabs...)
	outcome, err := f.discarder.UnloadAllButRecent(context.Background(), 1)
	if err != nil {
		t.Fatalf("unload all but recent: %v", err)
	}
	if got := tabIDs(outcome.Succeeded()); !reflect.DeepEqual(got, []string{"a", "m"}) {
		t.Fatalf("expected ties to keep enumeration order, got %v", got)
	}
}

func TestUnloadCurrentActivatesNextLoaded(t *testing.T) {
	current := webTab("b", "w1", "https://b.example/")
	current.Active = true
	next := webTab("c", "w1", "https://c.example/")
	next.Discarded = true
	f := newDiscardFixture(t,
		webTab("a", "w1", "https://a.example/"),
		current,
		next,
		webTab("x", "w2", "https://x.example/"),
	)
	outcome, err := f.discarder.UnloadCurrent(context.Background())
	if err != nil {
		t.Fatalf("unload current: %v", err)
	}
	if got := tabIDs(outcome.Succeeded()); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expected current tab discarded, got %v", got)
	}
	f.host.mu.Lock()
	activations := append([]schema.TabID(nil), f.host.activations...)
	f.host.mu.Unlock()
	if !reflect.DeepEqual(tabIDs(activations), []string{"a"}) {
		t.Fatalf("expected wrap-around activation of a, got %v", activations)
	}
}

func TestUnloadCurrentWithoutAlternative(t *testing.T) {
	current := webTab("b", "w1", "https://b.example/")
	current.Active = true
	other := webTab("c", "w1", "https://c.example/")
	other.Discarded = true
	f := newDiscardFixture(t, current, other)
	if _, err := f.discarder.UnloadCurrent(context.Background()); err != nil {
		t.Fatalf("unload current: %v", err)
	}
	f.host.mu.Lock()
	activations := len(f.host.activations)
	f.host.mu.Unlock()
	if activations != 0 {
		t.Fatalf("expected no activation switch, got %d", activations)
	}
	if calls := f.host.discardCalls(); len(calls) != 1 || calls[0][0] != "b" {
		t.Fatalf("expected discard of current tab, got %v", calls)
	}
}

func TestUnloadCurrentSkipsIneligible(t *testing.T) {
	cfg := webTab("cfg", "w1", "about:config")
	cfg.Active = true
	f := newDiscardFixture(t, cfg, webTab("a", "w1", "https://a.example/"))
	outcome, err := f.discarder.UnloadCurrent(context.Background())
	if err != nil {
		t.Fatalf("unload current: %v", err)
	}
	if !outcome.Empty() || len(f.host.discardCalls()) != 0 {
		t.Fatalf("expected reserved current tab to be left alone")
	}

	empty := newDiscardFixture(t)
	if outcome, err := empty.discarder.UnloadCurrent(context.Background()); err != nil || !outcome.Empty() {
		t.Fatalf("expected no-op without a current tab, got %+v, %v", outcome, err)
	}
}

func TestUnloadAllOthers(t *testing.T) {
	discarded := webTab("d", "w1", "https://d.example/")
	discarded.Discarded = true
	f := newDiscardFixture(t,
		webTab("anchor", "w1", "https://anchor.example/"),
		webTab("a", "w1", "https://a.example/"),
		discarded,
		webTab("cfg", "w1", "about:config"),
		webTab("x", "w2", "https://x.example/"),
	)
	outcome, err := f.discarder.UnloadAllOthers(context.Background(), f.host.tab("anchor"))
	if err != nil {
		t.Fatalf("unload all others: %v", err)
	}
	if got := tabIDs(outcome.Succeeded()); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected only a discarded, got %v", got)
	}
}

func TestAutoUnloadDiscardsMatchingHosts(t *testing.T) {
	f := newDiscardFixture(t,
		webTab("ex", "w1", "https://example.com/page"),
		webTab("ex2", "w1", "https://EXAMPLE.com/other"),
		webTab("new", "w1", "https://example.com/new"),
		webTab("other", "w1", "https://other.org/"),
		webTab("bad", "w1", "http://%zz/"),
		webTab("w2", "w2", "https://example.com/"),
	)
	if err := f.rules.Toggle(context.Background(), "example.com", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	outcome, err := f.discarder.AutoUnload(context.Background(), schema.TabActivation{TabID: "new", WindowID: "w1"})
	if err != nil {
		t.Fatalf("auto unload: %v", err)
	}
	if got := tabIDs(outcome.Succeeded()); !reflect.DeepEqual(got, []string{"ex", "ex2"}) {
		t.Fatalf("expected example.com tabs in window discarded, got %v", got)
	}
	events := f.sink.discardEvents()
	if len(events) != 1 || events[0].Selection != schema.SelectionAuto {
		t.Fatalf("expected auto discard event, got %+v", events)
	}
}

func TestAutoUnloadWithoutRulesIsNoop(t *testing.T) {
	f := newDiscardFixture(t, webTab("a", "w1", "https://a.example/"), webTab("b", "w1", "https://b.example/"))
	outcome, err := f.discarder.AutoUnload(context.Background(), schema.TabActivation{TabID: "b", WindowID: "w1"})
	if err != nil {
		t.Fatalf("auto unload: %v", err)
	}
	if !outcome.Empty() || f.indicator.State() != schema.IndicatorNormal {
		t.Fatalf("expected no batch without rules")
	}
}

func TestWindowScopedSelectionsRequireWindow(t *testing.T) {
	f := newDiscardFixture(t,
		webTab("a", "w1", "https://example.com/a"),
		webTab("b", "w2", "https://example.com/b"),
	)
	if err := f.rules.Toggle(context.Background(), "example.com", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	outcome, err := f.discarder.AutoUnload(context.Background(), schema.TabActivation{TabID: "a"})
	if err != nil || !outcome.Empty() {
		t.Fatalf("expected no auto unload without a window, got %+v, %v", outcome, err)
	}
	anchor := f.host.tab("a")
	anchor.WindowID = ""
	outcome, err = f.discarder.UnloadAllOthers(context.Background(), anchor)
	if err != nil || !outcome.Empty() {
		t.Fatalf("expected no unload all others without a window, got %+v, %v", outcome, err)
	}
	if calls := f.host.discardCalls(); len(calls) != 0 {
		t.Fatalf("expected no host discards, got %v", calls)
	}
	if got := f.host.queryCount(); got != 0 {
		t.Fatalf("expected no host queries, got %d", got)
	}
}

func TestSelectionQueryErrorsAreReturned(t *testing.T) {
	f := newDiscardFixture(t)
	f.host.queryErr = schema.ErrHostUnavailable
	if _, err := f.discarder.UnloadInactive(context.Background()); !errors.Is(err, schema.ErrHostUnavailable) {
		t.Fatalf("expected host error, got %v", err)
	}
	if _, err := f.discarder.UnloadAllButRecent(context.Background(), 1); !errors.Is(err, schema.ErrHostUnavailable) {
		t.Fatalf("expected host error, got %v", err)
	}
	if f.indicator.State() != schema.IndicatorNormal {
		t.Fatalf("expected indicator untouched on query failure")
	}
}
