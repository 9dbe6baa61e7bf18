package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

type fakeKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
	sets   int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	value, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeKV) raw(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.data[key])
}

func (f *fakeKV) setFailure(err error) {
	f.mu.Lock()
	f.setErr = err
	f.mu.Unlock()
}

// fakeHost is a scripted host. Query can be gated so tests control when a
// suspended query resumes.
type fakeHost struct {
	mu            sync.Mutex
	tabs          []schema.Tab
	currentWindow schema.WindowID
	queries       int
	queryErr      error
	queryGate     chan struct{}
	queryStarted  chan struct{}
	queryHeld     chan chan struct{}
	discards      [][]schema.TabID
	discardErr    error
	failIDs       map[schema.TabID]error
	activations   []schema.TabID
	nextSub       int
	changedSubs   map[int]func(schema.TabChange)
	activatedSubs map[int]func(schema.TabActivation)
}

func newFakeHost(tabs ...schema.Tab) *fakeHost {
	return &fakeHost{
		tabs:          tabs,
		currentWindow: "w1",
		failIDs:       make(map[schema.TabID]error),
		changedSubs:   make(map[int]func(schema.TabChange)),
		activatedSubs: make(map[int]func(schema.TabActivation)),
	}
}

func (h *fakeHost) Query(ctx context.Context, query schema.TabQuery) ([]schema.Tab, error) {
	// The result is captured when the query is issued, before any gate.
	h.mu.Lock()
	h.queries++
	gate := h.queryGate
	started := h.queryStarted
	held := h.queryHeld
	err := h.queryErr
	out := make([]schema.Tab, 0, len(h.tabs))
	for _, tab := range h.tabs {
		if query.Matches(tab, h.currentWindow) {
			out = append(out, tab)
		}
	}
	h.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if held != nil {
		release := make(chan struct{})
		held <- release
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *fakeHost) Discard(_ context.Context, ids []schema.TabID) ([]schema.DiscardResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discards = append(h.discards, append([]schema.TabID(nil), ids...))
	if h.discardErr != nil {
		return nil, h.discardErr
	}
	results := make([]schema.DiscardResult, 0, len(ids))
	for _, id := range ids {
		idx := h.indexLocked(id)
		switch {
		case idx < 0:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabNotFound})
		case h.failIDs[id] != nil:
			results = append(results, schema.DiscardResult{TabID: id, Err: h.failIDs[id]})
		default:
			h.tabs[idx].Discarded = true
			results = append(results, schema.DiscardResult{TabID: id})
		}
	}
	return results, nil
}

func (h *fakeHost) Activate(_ context.Context, id schema.TabID) error {
	h.mu.Lock()
	idx := h.indexLocked(id)
	if idx < 0 {
		h.mu.Unlock()
		return schema.ErrTabNotFound
	}
	h.activations = append(h.activations, id)
	h.mu.Unlock()
	h.switchTo(id)
	return nil
}

func (h *fakeHost) SubscribeTabChanged(fn func(schema.TabChange)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.changedSubs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.changedSubs, id)
		h.mu.Unlock()
	}
}

func (h *fakeHost) SubscribeTabActivated(fn func(schema.TabActivation)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.activatedSubs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.activatedSubs, id)
		h.mu.Unlock()
	}
}

func (h *fakeHost) indexLocked(id schema.TabID) int {
	for i, tab := range h.tabs {
		if tab.ID == id {
			return i
		}
	}
	return -1
}

// switchTo activates id in its window and notifies activation subscribers.
func (h *fakeHost) switchTo(id schema.TabID) {
	h.mu.Lock()
	idx := h.indexLocked(id)
	if idx < 0 {
		h.mu.Unlock()
		return
	}
	window := h.tabs[idx].WindowID
	var previous schema.TabID
	for i := range h.tabs {
		if h.tabs[i].WindowID != window {
			continue
		}
		if h.tabs[i].Active {
			previous = h.tabs[i].ID
		}
		h.tabs[i].Active = h.tabs[i].ID == id
	}
	h.tabs[idx].LastAccessed = time.Now()
	subs := make([]func(schema.TabActivation), 0, len(h.activatedSubs))
	for _, fn := range h.activatedSubs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(schema.TabActivation{PreviousID: previous, TabID: id, WindowID: window})
	}
}

func (h *fakeHost) emitChanged(change schema.TabChange) {
	h.mu.Lock()
	subs := make([]func(schema.TabChange), 0, len(h.changedSubs))
	for _, fn := range h.changedSubs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

func (h *fakeHost) changedSubCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changedSubs)
}

func (h *fakeHost) activatedSubCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.activatedSubs)
}

func (h *fakeHost) queryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queries
}

func (h *fakeHost) discardCalls() [][]schema.TabID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]schema.TabID, len(h.discards))
	copy(out, h.discards)
	return out
}

func (h *fakeHost) tab(id schema.TabID) schema.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx := h.indexLocked(id); idx >= 0 {
		return h.tabs[idx]
	}
	return schema.Tab{}
}

func (h *fakeHost) update(id schema.TabID, fn func(*schema.Tab)) schema.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.indexLocked(id)
	if idx < 0 {
		return schema.Tab{}
	}
	fn(&h.tabs[idx])
	return h.tabs[idx]
}

func (h *fakeHost) gateQueries() (gate chan struct{}, started chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryGate = make(chan struct{})
	h.queryStarted = make(chan struct{}, 16)
	return h.queryGate, h.queryStarted
}

// holdEachQuery suspends every query on its own release channel, delivered
// on the returned channel in issue order.
func (h *fakeHost) holdEachQuery() <-chan chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryHeld = make(chan chan struct{}, 16)
	return h.queryHeld
}

func (h *fakeHost) ungate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryGate = nil
	h.queryStarted = nil
	h.queryHeld = nil
}

type fakeMenu struct {
	mu        sync.Mutex
	items     map[schema.MenuItemID]schema.MenuItem
	order     []schema.MenuItemID
	refreshes int
	updateErr error
	createErr map[schema.MenuItemID]error
}

func newFakeMenu() *fakeMenu {
	return &fakeMenu{
		items:     make(map[schema.MenuItemID]schema.MenuItem),
		createErr: make(map[schema.MenuItemID]error),
	}
}

func (m *fakeMenu) RemoveAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[schema.MenuItemID]schema.MenuItem)
	m.order = nil
	return nil
}

func (m *fakeMenu) Create(_ context.Context, item schema.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr[item.ID]; err != nil {
		return err
	}
	m.items[item.ID] = item
	m.order = append(m.order, item.ID)
	return nil
}

func (m *fakeMenu) Update(_ context.Context, id schema.MenuItemID, update schema.MenuUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownMenuItem, id)
	}
	m.items[id] = update.Apply(item)
	return nil
}

func (m *fakeMenu) Refresh(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return nil
}

func (m *fakeMenu) item(id schema.MenuItemID) schema.MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

type fakeIcons struct {
	mu     sync.Mutex
	icons  []string
	titles []string
	err    error
}

func (f *fakeIcons) SetIcon(_ context.Context, asset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.icons = append(f.icons, asset)
	return f.err
}

func (f *fakeIcons) SetTitle(_ context.Context, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeIcons) iconHistory() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.icons...)
}

type recordingSink struct {
	mu         sync.Mutex
	indicators []schema.IndicatorEvent
	discards   []schema.DiscardEvent
	stats      []schema.StatsEvent
}

func (s *recordingSink) OnIndicator(event schema.IndicatorEvent) {
	s.mu.Lock()
	s.indicators = append(s.indicators, event)
	s.mu.Unlock()
}

func (s *recordingSink) OnDiscard(event schema.DiscardEvent) {
	s.mu.Lock()
	s.discards = append(s.discards, event)
	s.mu.Unlock()
}

func (s *recordingSink) OnStats(event schema.StatsEvent) {
	s.mu.Lock()
	s.stats = append(s.stats, event)
	s.mu.Unlock()
}

func (s *recordingSink) discardEvents() []schema.DiscardEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.DiscardEvent(nil), s.discards...)
}

func webTab(id string, window schema.WindowID, url string) schema.Tab {
	return schema.Tab{
		ID:       schema.TabID(id),
		URL:      url,
		WindowID: window,
		Status:   schema.StatusComplete,
	}
}

func tabIDs(ids []schema.TabID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

var errBoom = errors.New("boom")

type logEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) Entries() []logEntry {
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.mu.Unlock()
	var entries []logEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		payload := map[string]any{}
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		entry := logEntry{Fields: payload}
		if value, ok := payload["level"].(string); ok {
			entry.Level = value
		} else if value, ok := payload["lvl"].(string); ok {
			entry.Level = value
		}
		if value, ok := payload["message"].(string); ok {
			entry.Message = value
		} else if value, ok := payload["msg"].(string); ok {
			entry.Message = value
		}
		entries = append(entries, entry)
	}
	return entries
}

func (c *logCapture) has(message string) bool {
	for _, entry := range c.Entries() {
		if entry.Message == message {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
