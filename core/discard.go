package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/internal/logx"
	"pkt.systems/tabunloader/schema"
)

// Discarder builds discard batches and issues them through the host.
type Discarder struct {
	host       TabHost
	classifier *Classifier
	indicator  *Indicator
	rules      *RuleStore
	sink       EventSink
	keepRecent int
	log        pslog.Logger
}

// NewDiscarder constructs a discarder. keepRecent is the default N of
// UnloadAllButRecent.
func NewDiscarder(host TabHost, classifier *Classifier, indicator *Indicator, rules *RuleStore, keepRecent int, sink EventSink, logger pslog.Logger) *Discarder {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if keepRecent <= 0 {
		keepRecent = schema.DefaultKeepRecent
	}
	return &Discarder{
		host:       host,
		classifier: classifier,
		indicator:  indicator,
		rules:      rules,
		sink:       sink,
		keepRecent: keepRecent,
		log:        logger,
	}
}

// Discard issues one batch for ids. An empty set is a no-op that leaves the
// indicator untouched. Per-tab failures are reported in the outcome and
// never retried.
func (d *Discarder) Discard(ctx context.Context, ids []schema.TabID) schema.DiscardOutcome {
	return d.discard(ctx, schema.SelectionDirect, ids)
}

func (d *Discarder) discard(ctx context.Context, selection schema.Selection, ids []schema.TabID) schema.DiscardOutcome {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return schema.DiscardOutcome{}
	}
	log := d.log.With("selection", string(selection))
	log.Info("discard batch start", "tabs", len(ids))
	start := time.Now()

	if d.indicator != nil {
		d.indicator.BeginBatch(ctx)
	}
	results, err := d.host.Discard(ctx, ids)
	if d.indicator != nil {
		d.indicator.EndBatch(ctx)
	}

	outcome := mergeResults(ids, results, err)
	if err != nil {
		log.Warn("discard batch failed", "err", err)
	}
	failed := outcome.Failed()
	for _, res := range failed {
		log.Debug("discard tab failed", "tab", res.TabID, "err", res.Err)
	}
	duration := time.Since(start)
	log.Info("discard batch settled", "discarded", len(ids)-len(failed), "failed", len(failed), "duration", duration)
	d.sink.OnDiscard(schema.DiscardEvent{Selection: selection, Outcome: outcome, Duration: duration, At: time.Now()})
	return outcome
}

func dedupeIDs(ids []schema.TabID) []schema.TabID {
	seen := make(map[schema.TabID]struct{}, len(ids))
	out := make([]schema.TabID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func mergeResults(ids []schema.TabID, results []schema.DiscardResult, batchErr error) schema.DiscardOutcome {
	outcome := schema.DiscardOutcome{Results: make([]schema.DiscardResult, 0, len(ids))}
	if batchErr != nil {
		for _, id := range ids {
			outcome.Results = append(outcome.Results, schema.DiscardResult{TabID: id, Err: batchErr})
		}
		return outcome
	}
	byID := make(map[schema.TabID]error, len(results))
	reported := make(map[schema.TabID]bool, len(results))
	for _, res := range results {
		byID[res.TabID] = res.Err
		reported[res.TabID] = true
	}
	for _, id := range ids {
		err := byID[id]
		if !reported[id] {
			err = fmt.Errorf("%w: no result for tab", schema.ErrTabNotFound)
		}
		outcome.Results = append(outcome.Results, schema.DiscardResult{TabID: id, Err: err})
	}
	return outcome
}

// UnloadInactive discards every non-active, discardable, loaded tab in every
// window.
func (d *Discarder) UnloadInactive(ctx context.Context) (schema.DiscardOutcome, error) {
	tabs, err := d.host.Query(ctx, schema.InactiveTabs())
	if err != nil {
		return schema.DiscardOutcome{}, fmt.Errorf("query inactive tabs: %w", err)
	}
	ids := make([]schema.TabID, 0, len(tabs))
	for _, tab := range tabs {
		if tab.Active || tab.Discarded || !d.classifier.IsDiscardable(tab) {
			continue
		}
		ids = append(ids, tab.ID)
	}
	return d.discard(ctx, schema.SelectionInactive, ids), nil
}

// UnloadAllButRecent ranks discardable tabs by last access, most recent
// first, keeps the first n and discards the rest that are neither active nor
// already discarded. Ties keep the host's enumeration order. n <= 0 uses the
// configured default.
func (d *Discarder) UnloadAllButRecent(ctx context.Context, n int) (schema.DiscardOutcome, error) {
	if n <= 0 {
		n = d.keepRecent
	}
	tabs, err := d.host.Query(ctx, schema.AllTabs())
	if err != nil {
		return schema.DiscardOutcome{}, fmt.Errorf("query tabs: %w", err)
	}
	ranked := make([]schema.Tab, 0, len(tabs))
	for _, tab := range tabs {
		if d.classifier.IsDiscardable(tab) {
			ranked = append(ranked, tab)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].LastAccessed.After(ranked[j].LastAccessed)
	})
	if len(ranked) <= n {
		return schema.DiscardOutcome{}, nil
	}
	ids := make([]schema.TabID, 0, len(ranked)-n)
	for _, tab := range ranked[n:] {
		if tab.Active || tab.Discarded {
			continue
		}
		ids = append(ids, tab.ID)
	}
	return d.discard(ctx, schema.SelectionAllButRecent, ids), nil
}

// UnloadCurrent discards the active tab of the current window after moving
// focus to the next loaded tab of that window, scanning forward circularly.
// Without an alternative the focus stays put.
func (d *Discarder) UnloadCurrent(ctx context.Context) (schema.DiscardOutcome, error) {
	active, err := d.host.Query(ctx, schema.ActiveInCurrentWindow())
	if err != nil {
		return schema.DiscardOutcome{}, fmt.Errorf("query current tab: %w", err)
	}
	if len(active) == 0 {
		return schema.DiscardOutcome{}, nil
	}
	current := active[0]
	if current.Discarded || current.WindowID == "" || !d.classifier.IsDiscardable(current) {
		return schema.DiscardOutcome{}, nil
	}
	log := logx.WithWindow(logx.WithTab(ctx, current.ID), current.WindowID)

	siblings, err := d.host.Query(ctx, schema.TabsInWindow(current.WindowID))
	if err != nil {
		return schema.DiscardOutcome{}, fmt.Errorf("query window tabs: %w", err)
	}
	if next, ok := nextLoadedTab(siblings, current.ID); ok {
		if err := d.host.Activate(ctx, next); err != nil {
			log.Warn("discard activate next failed", "next", next, "err", err)
			return schema.DiscardOutcome{}, fmt.Errorf("activate next tab: %w", err)
		}
		log.Debug("discard activated next", "next", next)
	}
	return d.discard(ctx, schema.SelectionCurrent, []schema.TabID{current.ID}), nil
}

func nextLoadedTab(tabs []schema.Tab, current schema.TabID) (schema.TabID, bool) {
	idx := -1
	for i, tab := range tabs {
		if tab.ID == current {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	for step := 1; step < len(tabs); step++ {
		candidate := tabs[(idx+step)%len(tabs)]
		if !candidate.Discarded {
			return candidate.ID, true
		}
	}
	return "", false
}

// UnloadAllOthers discards every discardable, loaded tab in anchor's window
// except anchor.
func (d *Discarder) UnloadAllOthers(ctx context.Context, anchor schema.Tab) (schema.DiscardOutcome, error) {
	if anchor.ID == "" || anchor.WindowID == "" {
		return schema.DiscardOutcome{}, nil
	}
	tabs, err := d.host.Query(ctx, schema.TabsInWindow(anchor.WindowID))
	if err != nil {
		return schema.DiscardOutcome{}, fmt.Errorf("query window tabs: %w", err)
	}
	ids := make([]schema.TabID, 0, len(tabs))
	for _, tab := range tabs {
		if tab.ID == anchor.ID || tab.Discarded || !d.classifier.IsDiscardable(tab) {
			continue
		}
		ids = append(ids, tab.ID)
	}
	return d.discard(ctx, schema.SelectionAllOthers, ids), nil
}

// AutoUnload discards the loaded tabs in the activation's window whose
// hostname has an auto-unload rule, excluding the newly active tab.
func (d *Discarder) AutoUnload(ctx context.Context, activation schema.TabActivation) (schema.DiscardOutcome, error) {
	// An empty window id would match every window.
	if d.rules == nil || activation.WindowID == "" {
		return schema.DiscardOutcome{}, nil
	}
	tabs, err := d.host.Query(ctx, schema.TabsInWindow(activation.WindowID))
	if err != nil {
		return schema.DiscardOutcome{}, fmt.Errorf("query window tabs: %w", err)
	}
	ids := make([]schema.TabID, 0, len(tabs))
	for _, tab := range tabs {
		if tab.ID == activation.TabID || tab.Discarded || tab.URL == "" {
			continue
		}
		host, ok := Hostname(tab.URL)
		if !ok || !d.rules.IsEnabled(host) {
			continue
		}
		ids = append(ids, tab.ID)
	}
	return d.discard(ctx, schema.SelectionAuto, ids), nil
}
