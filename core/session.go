package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/internal/logx"
	"pkt.systems/tabunloader/schema"
)

// Session owns every piece of tab lifecycle state for one process: the rule
// set, the stats cache, the indicator and the host subscriptions.
type Session struct {
	id         string
	cfg        schema.ServiceConfig
	host       TabHost
	classifier *Classifier
	rules      *RuleStore
	stats      *StatsCache
	indicator  *Indicator
	discarder  *Discarder
	menu       *MenuSync
	baseLog    pslog.Logger
	log        pslog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	unsubs   []*Subscription
	started  bool
	disposed bool
	pending  []schema.TabActivation
	draining bool
	wg       sync.WaitGroup
}

// NewSession wires the lifecycle components around deps.
func NewSession(cfg schema.ServiceConfig, deps SessionDeps) (*Session, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Host == nil {
		return nil, errors.New("tab host dependency is required")
	}
	sink := deps.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	id := newSessionID()
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	baseLog := logger
	logger = logger.With("session", id)

	classifier := NewClassifier(cfg.ReservedSchemes)
	rules := NewRuleStore(deps.Store, cfg.RulesKey, logger)
	stats := NewStatsCache(deps.Host, classifier, sink, logger)
	indicator := NewIndicator(deps.Host, deps.Icons, cfg.Icons, cfg.ActionTitle, sink, logger)
	s := &Session{
		id:         id,
		cfg:        cfg,
		host:       deps.Host,
		classifier: classifier,
		rules:      rules,
		stats:      stats,
		indicator:  indicator,
		discarder:  NewDiscarder(deps.Host, classifier, indicator, rules, cfg.KeepRecent, sink, logger),
		baseLog:    baseLog,
		log:        logger,
	}
	if deps.Menu != nil {
		s.menu = NewMenuSync(deps.Menu, deps.Host, stats, rules, classifier, cfg.KeepRecent, logger)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Config returns the normalized session config.
func (s *Session) Config() schema.ServiceConfig { return s.cfg }

// Classifier returns the discard eligibility predicate.
func (s *Session) Classifier() *Classifier { return s.classifier }

// Rules returns the auto-unload rule store.
func (s *Session) Rules() *RuleStore { return s.rules }

// Stats returns the stats cache.
func (s *Session) Stats() *StatsCache { return s.stats }

// Indicator returns the toolbar state machine.
func (s *Session) Indicator() *Indicator { return s.indicator }

// Discarder returns the batch orchestrator.
func (s *Session) Discarder() *Discarder { return s.discarder }

// Init loads rules, paints the indicator, installs menus and subscribes to
// host events. Menu and icon failures are logged, never fatal.
func (s *Session) Init(ctx context.Context) error {
	if ctx == nil {
		return errors.New("missing context")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	base := logx.ContextWithSessionLogger(context.WithoutCancel(ctx), s.baseLog, s.id)
	s.ctx, s.cancel = context.WithCancel(base)
	s.mu.Unlock()

	log := logx.WithSession(s.ctx, s.id)
	log.Info("session init start", "keep_recent", s.cfg.KeepRecent, "reserved_schemes", s.cfg.ReservedSchemes)
	s.rules.Load(ctx)
	s.indicator.Init(ctx)
	if s.menu != nil {
		if err := s.menu.Install(ctx); err != nil {
			log.Warn("session menu install failed", "err", err)
		}
	}

	changed := &Subscription{cancel: s.host.SubscribeTabChanged(s.onTabChanged)}
	activated := &Subscription{cancel: s.host.SubscribeTabActivated(s.onTabActivated)}
	s.mu.Lock()
	s.unsubs = append(s.unsubs, changed, activated)
	s.mu.Unlock()
	log.Info("session init ok", "rules", len(s.rules.Hosts()))
	return nil
}

func (s *Session) onTabChanged(change schema.TabChange) {
	if s.stats.HandleTabChange(change) {
		s.log.Trace("session stats invalidated", "tab", change.TabID, "fields", uint8(change.Fields))
	}
}

// onTabActivated queues activation for the auto-unload worker. A single
// worker drains the queue so handlers begin in arrival order.
func (s *Session) onTabActivated(activation schema.TabActivation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.ctx == nil {
		return
	}
	s.pending = append(s.pending, activation)
	if s.draining {
		return
	}
	s.draining = true
	s.wg.Add(1)
	go s.drainActivations(s.ctx)
}

func (s *Session) drainActivations(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.disposed {
			s.pending = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		activation := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.autoUnload(ctx, activation)
	}
}

func (s *Session) autoUnload(ctx context.Context, activation schema.TabActivation) {
	log := logx.WithWindow(logx.WithTab(ctx, activation.TabID), activation.WindowID)
	tabCtx := logx.ContextWithTab(pslog.ContextWithLogger(ctx, log), activation.TabID)
	outcome, err := s.discarder.AutoUnload(tabCtx, activation)
	if err != nil {
		log.Warn("session auto unload failed", "err", err)
		return
	}
	if !outcome.Empty() {
		log.Debug("session auto unload ok", "discarded", len(outcome.Succeeded()), "failed", len(outcome.Failed()))
	}
}

// Dispose cancels host subscriptions, waits for in-flight auto-unload work
// and drops the indicator's reset handle.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	unsubs := s.unsubs
	s.unsubs = nil
	cancel := s.cancel
	s.mu.Unlock()

	for _, sub := range unsubs {
		sub.Dispose()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("session dispose timed out", "err", err)
	}
	if cancel != nil {
		cancel()
	}
	s.indicator.Dispose()
	s.log.Info("session disposed")
	return err
}

// Wait blocks until in-flight auto-unload work settles.
func (s *Session) Wait() {
	s.wg.Wait()
}

// UnloadInactive discards inactive tabs across windows.
func (s *Session) UnloadInactive(ctx context.Context) (schema.DiscardOutcome, error) {
	return s.discarder.UnloadInactive(ctx)
}

// UnloadAllButRecent keeps the n most recently used tabs loaded. n <= 0
// uses the configured keep count.
func (s *Session) UnloadAllButRecent(ctx context.Context, n int) (schema.DiscardOutcome, error) {
	return s.discarder.UnloadAllButRecent(ctx, n)
}

// UnloadCurrent discards the focused tab after moving focus away.
func (s *Session) UnloadCurrent(ctx context.Context) (schema.DiscardOutcome, error) {
	return s.discarder.UnloadCurrent(ctx)
}

// UnloadAllOthers discards the other tabs of anchor's window.
func (s *Session) UnloadAllOthers(ctx context.Context, anchor schema.Tab) (schema.DiscardOutcome, error) {
	return s.discarder.UnloadAllOthers(ctx, anchor)
}

// SetRule enables or disables auto-unload for hostname.
func (s *Session) SetRule(ctx context.Context, hostname string, enabled bool) error {
	return s.rules.Toggle(ctx, hostname, enabled)
}

// RuleHosts lists the hostnames with auto-unload enabled.
func (s *Session) RuleHosts() []string {
	return s.rules.Hosts()
}

// IndicatorState reports the toolbar state.
func (s *Session) IndicatorState() schema.IndicatorState {
	return s.indicator.State()
}

// LookupTab finds a tab by id across all windows.
func (s *Session) LookupTab(ctx context.Context, id schema.TabID) (schema.Tab, bool, error) {
	tabs, err := s.host.Query(ctx, schema.AllTabs())
	if err != nil {
		return schema.Tab{}, false, err
	}
	for _, tab := range tabs {
		if tab.ID == id {
			return tab, true, nil
		}
	}
	return schema.Tab{}, false, nil
}

// TabStats returns the current stats snapshot.
func (s *Session) TabStats(ctx context.Context) (schema.StatsSnapshot, error) {
	return s.stats.Get(ctx)
}

// MenuShown re-renders the menu for tab (nil for the active tab).
func (s *Session) MenuShown(ctx context.Context, shown schema.MenuShown, tab *schema.Tab) error {
	if s.menu == nil {
		return nil
	}
	s.log.Trace("session menu shown", "contexts", len(shown.Contexts))
	return s.menu.Sync(ctx, tab)
}

// MenuClicked routes a click on a menu item or the toolbar action. tab is
// the tab the menu was opened on, if any.
func (s *Session) MenuClicked(ctx context.Context, click schema.MenuClick, tab *schema.Tab) (schema.DiscardOutcome, error) {
	log := s.log.With("item", string(click.ItemID))
	log.Debug("session menu click")
	switch click.ItemID {
	case schema.MenuAction:
		return s.UnloadInactive(ctx)
	case schema.MenuUnloadAllButRecent:
		return s.UnloadAllButRecent(ctx, 0)
	case schema.MenuUnloadCurrent:
		return s.UnloadCurrent(ctx)
	case schema.MenuTabUnloadOthers:
		if tab == nil {
			return schema.DiscardOutcome{}, nil
		}
		return s.UnloadAllOthers(ctx, *tab)
	case schema.MenuAutoUnloadToggle, schema.MenuTabAutoUnload:
		return schema.DiscardOutcome{}, s.toggleForTab(ctx, tab, click.Checked)
	case schema.MenuTabStats, schema.MenuSeparator, schema.MenuTabParent:
		return schema.DiscardOutcome{}, nil
	default:
		return schema.DiscardOutcome{}, fmt.Errorf("%w: %s", schema.ErrUnknownMenuItem, click.ItemID)
	}
}

func (s *Session) toggleForTab(ctx context.Context, tab *schema.Tab, enabled bool) error {
	if tab == nil {
		tabs, err := s.host.Query(ctx, schema.ActiveInCurrentWindow())
		if err != nil {
			return fmt.Errorf("query current tab: %w", err)
		}
		if len(tabs) == 0 {
			return nil
		}
		tab = &tabs[0]
	}
	host, ok := Hostname(tab.URL)
	if !ok {
		return nil
	}
	return s.rules.Toggle(ctx, host, enabled)
}
