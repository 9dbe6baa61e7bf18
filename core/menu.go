package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// MenuSync renders stats and rule state into the menu surface. It keeps no
// state of its own; every pass reads fresh values.
type MenuSync struct {
	menu       MenuSurface
	host       TabHost
	stats      *StatsCache
	rules      *RuleStore
	classifier *Classifier
	keepRecent int
	log        pslog.Logger
}

// NewMenuSync constructs a menu renderer.
func NewMenuSync(menu MenuSurface, host TabHost, stats *StatsCache, rules *RuleStore, classifier *Classifier, keepRecent int, logger pslog.Logger) *MenuSync {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if keepRecent <= 0 {
		keepRecent = schema.DefaultKeepRecent
	}
	return &MenuSync{
		menu:       menu,
		host:       host,
		stats:      stats,
		rules:      rules,
		classifier: classifier,
		keepRecent: keepRecent,
		log:        logger,
	}
}

// StatsLabel formats the stats entry title.
func StatsLabel(snapshot schema.StatsSnapshot) string {
	label := fmt.Sprintf("%d/%d tabs loaded", snapshot.Loaded, snapshot.Total)
	if snapshot.Loading > 0 {
		label += fmt.Sprintf(" (%d loading)", snapshot.Loading)
	}
	return label
}

// ToggleTitle formats the auto-unload checkbox title for host.
func ToggleTitle(host string) string {
	return fmt.Sprintf("always unload %s when unfocused", host)
}

// Items returns the full menu layout in creation order.
func (m *MenuSync) Items() []schema.MenuItem {
	action := []schema.MenuContext{schema.MenuContextAction}
	tab := []schema.MenuContext{schema.MenuContextTab}
	return []schema.MenuItem{
		{ID: schema.MenuTabStats, Type: schema.MenuItemNormal, Title: "loading...", Contexts: action, Enabled: false, Visible: true},
		{ID: schema.MenuUnloadCurrent, Type: schema.MenuItemNormal, Title: "unload current tab", Contexts: action, Enabled: true, Visible: true},
		{ID: schema.MenuUnloadAllButRecent, Type: schema.MenuItemNormal, Title: fmt.Sprintf("unload all but last %d active tabs", m.keepRecent), Contexts: action, Enabled: true, Visible: true},
		{ID: schema.MenuSeparator, Type: schema.MenuItemSeparator, Contexts: action, Enabled: true, Visible: true},
		{ID: schema.MenuAutoUnloadToggle, Type: schema.MenuItemCheckbox, Title: "always unload when unfocused", Contexts: action, Enabled: true, Visible: true},
		{ID: schema.MenuTabParent, Type: schema.MenuItemNormal, Title: "Tab Unloader", Contexts: tab, Enabled: true, Visible: true},
		{ID: schema.MenuTabUnloadOthers, ParentID: schema.MenuTabParent, Type: schema.MenuItemNormal, Title: "unload all other tabs", Contexts: tab, Enabled: true, Visible: true},
		{ID: schema.MenuTabAutoUnload, ParentID: schema.MenuTabParent, Type: schema.MenuItemCheckbox, Title: "always unload when unfocused", Contexts: tab, Enabled: true, Visible: true},
	}
}

// Install clears the surface and creates every item. A failed item is
// logged and skipped.
func (m *MenuSync) Install(ctx context.Context) error {
	var errs []error
	if err := m.menu.RemoveAll(ctx); err != nil {
		m.log.Warn("menu remove all failed", "err", err)
		errs = append(errs, fmt.Errorf("remove menu items: %w", err))
	}
	for _, item := range m.Items() {
		if err := m.menu.Create(ctx, item); err != nil {
			m.log.Warn("menu create failed", "item", item.ID, "err", err)
			errs = append(errs, fmt.Errorf("create menu item %s: %w", item.ID, err))
		}
	}
	m.log.Debug("menu install ok", "failed", len(errs))
	return errors.Join(errs...)
}

// Sync recomputes every dynamic field for tab, or for the active tab of the
// current window when tab is nil, then refreshes the surface. Failures are
// logged and the pass continues; the joined error is returned.
func (m *MenuSync) Sync(ctx context.Context, tab *schema.Tab) error {
	var errs []error
	update := func(id schema.MenuItemID, upd schema.MenuUpdate) {
		if err := m.menu.Update(ctx, id, upd); err != nil {
			m.log.Warn("menu update failed", "item", id, "err", err)
			errs = append(errs, fmt.Errorf("update menu item %s: %w", id, err))
		}
	}

	snapshot, err := m.stats.Get(ctx)
	if err != nil {
		m.log.Warn("menu stats failed", "err", err)
		errs = append(errs, fmt.Errorf("menu stats: %w", err))
	} else {
		label := StatsLabel(snapshot)
		enabled := snapshot.Loaded > m.keepRecent
		update(schema.MenuTabStats, schema.MenuUpdate{Title: &label})
		update(schema.MenuUnloadAllButRecent, schema.MenuUpdate{Enabled: &enabled})
	}

	current, err := m.currentTab(ctx, tab)
	if err != nil {
		m.log.Warn("menu current tab failed", "err", err)
		errs = append(errs, fmt.Errorf("menu current tab: %w", err))
	}
	discardable := current != nil && m.classifier.IsDiscardable(*current)
	canUnload := discardable && !current.Discarded
	update(schema.MenuUnloadCurrent, schema.MenuUpdate{Visible: &canUnload})
	update(schema.MenuAutoUnloadToggle, schema.MenuUpdate{Visible: &discardable})
	update(schema.MenuTabAutoUnload, schema.MenuUpdate{Visible: &discardable})

	if discardable {
		if host, ok := Hostname(current.URL); ok {
			checked := m.rules.IsEnabled(host)
			title := ToggleTitle(host)
			upd := schema.MenuUpdate{Checked: &checked, Title: &title}
			update(schema.MenuAutoUnloadToggle, upd)
			update(schema.MenuTabAutoUnload, upd)
		}
	}

	if err := m.menu.Refresh(ctx); err != nil {
		m.log.Warn("menu refresh failed", "err", err)
		errs = append(errs, fmt.Errorf("refresh menu: %w", err))
	}
	return errors.Join(errs...)
}

func (m *MenuSync) currentTab(ctx context.Context, tab *schema.Tab) (*schema.Tab, error) {
	if tab != nil {
		return tab, nil
	}
	tabs, err := m.host.Query(ctx, schema.ActiveInCurrentWindow())
	if err != nil {
		return nil, err
	}
	if len(tabs) == 0 {
		return nil, nil
	}
	return &tabs[0], nil
}
