// Package memhost is an in-memory tab host. It models the host behaviors the
// lifecycle manager depends on: per-query copies, per-tab discard failures,
// activation reloading discarded tabs, and change notifications.
package memhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/internal/eventbus"
	"pkt.systems/tabunloader/schema"
)

// Host is an in-memory TabHost.
type Host struct {
	*eventbus.Bus

	mu            sync.Mutex
	tabs          []schema.Tab
	currentWindow schema.WindowID
	nextID        int
	now           func() time.Time
	log           pslog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithClock overrides the clock used for lastAccessed stamps.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// WithLogger sets the host logger.
func WithLogger(logger pslog.Logger) Option {
	return func(h *Host) { h.log = logger }
}

// New constructs an empty host with no windows.
func New(opts ...Option) *Host {
	h := &Host{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = pslog.Ctx(context.Background())
	}
	h.Bus = eventbus.New(h.log)
	return h
}

// Open adds a loaded tab at the end of window's strip and returns it. The
// first window opened becomes the current window.
func (h *Host) Open(window schema.WindowID, url string) schema.Tab {
	h.mu.Lock()
	h.nextID++
	tab := schema.Tab{
		ID:           schema.TabID(fmt.Sprintf("tab-%d", h.nextID)),
		URL:          url,
		WindowID:     window,
		Status:       schema.StatusComplete,
		LastAccessed: h.now(),
	}
	if h.currentWindow == "" {
		h.currentWindow = window
	}
	if !h.hasActiveLocked(window) {
		tab.Active = true
	}
	h.tabs = append(h.tabs, tab)
	h.mu.Unlock()
	h.log.Debug("memhost tab open", "tab", tab.ID, "window", window)
	h.PublishTabChanged(schema.TabChange{TabID: tab.ID, Fields: schema.FieldCreated, Tab: tab})
	return tab
}

// Put inserts or replaces tabs verbatim, for seeding fixtures.
func (h *Host) Put(tabs ...schema.Tab) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tab := range tabs {
		if idx := h.indexLocked(tab.ID); idx >= 0 {
			h.tabs[idx] = tab
			continue
		}
		h.tabs = append(h.tabs, tab)
		if h.currentWindow == "" {
			h.currentWindow = tab.WindowID
		}
	}
}

// Close removes a tab.
func (h *Host) Close(id schema.TabID) error {
	h.mu.Lock()
	idx := h.indexLocked(id)
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	tab := h.tabs[idx]
	h.tabs = append(h.tabs[:idx], h.tabs[idx+1:]...)
	h.mu.Unlock()
	h.PublishTabChanged(schema.TabChange{TabID: id, Fields: schema.FieldRemoved, Tab: tab})
	return nil
}

// FocusWindow makes window the current window.
func (h *Host) FocusWindow(window schema.WindowID) {
	h.mu.Lock()
	h.currentWindow = window
	h.mu.Unlock()
}

// Navigate points a tab at url and marks it loading.
func (h *Host) Navigate(id schema.TabID, url string) error {
	h.mu.Lock()
	idx := h.indexLocked(id)
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	fields := schema.FieldStatus
	if h.tabs[idx].URL != url {
		fields |= schema.FieldURL
	}
	if h.tabs[idx].Discarded {
		fields |= schema.FieldDiscarded
	}
	h.tabs[idx].URL = url
	h.tabs[idx].Discarded = false
	h.tabs[idx].Status = schema.StatusLoading
	tab := h.tabs[idx]
	h.mu.Unlock()
	h.PublishTabChanged(schema.TabChange{TabID: id, Fields: fields, Tab: tab})
	return nil
}

// Complete marks a loading tab complete.
func (h *Host) Complete(id schema.TabID) error {
	h.mu.Lock()
	idx := h.indexLocked(id)
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	if h.tabs[idx].Status == schema.StatusComplete {
		h.mu.Unlock()
		return nil
	}
	h.tabs[idx].Status = schema.StatusComplete
	tab := h.tabs[idx]
	h.mu.Unlock()
	h.PublishTabChanged(schema.TabChange{TabID: id, Fields: schema.FieldStatus, Tab: tab})
	return nil
}

// Tab returns a copy of one tab.
func (h *Host) Tab(id schema.TabID) (schema.Tab, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.indexLocked(id)
	if idx < 0 {
		return schema.Tab{}, false
	}
	return h.tabs[idx], true
}

// Query returns copies of the matching tabs in strip order.
func (h *Host) Query(_ context.Context, query schema.TabQuery) ([]schema.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]schema.Tab, 0, len(h.tabs))
	for _, tab := range h.tabs {
		if query.Matches(tab, h.currentWindow) {
			out = append(out, tab)
		}
	}
	return out, nil
}

// Discard discards each id. Loading and active tabs are refused; already
// discarded tabs succeed without a change event.
func (h *Host) Discard(_ context.Context, ids []schema.TabID) ([]schema.DiscardResult, error) {
	h.mu.Lock()
	results := make([]schema.DiscardResult, 0, len(ids))
	var changes []schema.TabChange
	for _, id := range ids {
		idx := h.indexLocked(id)
		switch {
		case idx < 0:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabNotFound})
		case h.tabs[idx].Discarded:
			results = append(results, schema.DiscardResult{TabID: id})
		case h.tabs[idx].Active:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabActive})
		case h.tabs[idx].Status == schema.StatusLoading:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabLoading})
		default:
			h.tabs[idx].Discarded = true
			results = append(results, schema.DiscardResult{TabID: id})
			changes = append(changes, schema.TabChange{TabID: id, Fields: schema.FieldDiscarded, Tab: h.tabs[idx]})
		}
	}
	h.mu.Unlock()
	for _, change := range changes {
		h.PublishTabChanged(change)
	}
	h.log.Debug("memhost discard", "requested", len(ids), "discarded", len(changes))
	return results, nil
}

// Activate focuses id in its window and makes the window current. A
// discarded tab is reloaded.
func (h *Host) Activate(_ context.Context, id schema.TabID) error {
	h.mu.Lock()
	idx := h.indexLocked(id)
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	window := h.tabs[idx].WindowID
	if h.tabs[idx].Active && !h.tabs[idx].Discarded {
		h.currentWindow = window
		h.mu.Unlock()
		return nil
	}
	var previous schema.TabID
	var changes []schema.TabChange
	for i := range h.tabs {
		if h.tabs[i].WindowID != window || h.tabs[i].ID == id {
			continue
		}
		if h.tabs[i].Active {
			previous = h.tabs[i].ID
			h.tabs[i].Active = false
			changes = append(changes, schema.TabChange{TabID: h.tabs[i].ID, Fields: schema.FieldActive, Tab: h.tabs[i]})
		}
	}
	fields := schema.FieldActive
	if h.tabs[idx].Discarded {
		h.tabs[idx].Discarded = false
		h.tabs[idx].Status = schema.StatusLoading
		fields |= schema.FieldDiscarded | schema.FieldStatus
	}
	h.tabs[idx].Active = true
	h.tabs[idx].LastAccessed = h.now()
	h.currentWindow = window
	changes = append(changes, schema.TabChange{TabID: id, Fields: fields, Tab: h.tabs[idx]})
	h.mu.Unlock()

	h.PublishTabActivated(schema.TabActivation{PreviousID: previous, TabID: id, WindowID: window})
	for _, change := range changes {
		h.PublishTabChanged(change)
	}
	return nil
}

func (h *Host) hasActiveLocked(window schema.WindowID) bool {
	for _, tab := range h.tabs {
		if tab.WindowID == window && tab.Active {
			return true
		}
	}
	return false
}

func (h *Host) indexLocked(id schema.TabID) int {
	for i, tab := range h.tabs {
		if tab.ID == id {
			return i
		}
	}
	return -1
}
