// Package cdphost implements the tab host over the Chrome DevTools Protocol.
//
// Chromium has no tab-discard command reachable from DevTools, so a discard
// freezes the page lifecycle and activation thaws it again. Focus changes are
// inferred from the DevTools listing, which is ordered most recently focused
// first.
package cdphost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/browser"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
	"pkt.systems/pslog"
	"pkt.systems/tabunloader/internal/eventbus"
	"pkt.systems/tabunloader/schema"
)

const (
	lifecycleFrozen = "frozen"
	lifecycleActive = "active"

	defaultWindow = schema.WindowID("default")
)

// Options configures a Host.
type Options struct {
	DevToolsURL    string
	ConnectRetries int
	ConnectTimeout time.Duration
	// PollInterval bounds how stale focus information can get.
	PollInterval time.Duration
	Logger       pslog.Logger
	Now          func() time.Time
}

// Host is a TabHost backed by a Chromium instance.
type Host struct {
	*eventbus.Bus

	opts Options
	devt *devtool.DevTools
	log  pslog.Logger

	refreshMu sync.Mutex
	mu        sync.Mutex
	state     *snapshot
	windows   map[schema.TabID]schema.WindowID

	conn   *rpcc.Conn
	client *cdp.Client
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a host. Call Connect before use.
func New(opts Options) (*Host, error) {
	if strings.TrimSpace(opts.DevToolsURL) == "" {
		return nil, errors.New("devtools url is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("devtools", opts.DevToolsURL)
	return &Host{
		Bus:     eventbus.New(logger),
		opts:    opts,
		devt:    devtool.New(opts.DevToolsURL),
		log:     logger,
		state:   newSnapshot(),
		windows: make(map[schema.TabID]schema.WindowID),
		kick:    make(chan struct{}, 1),
	}, nil
}

// Connect attaches to the browser endpoint, retrying with exponential
// backoff, seeds the tab listing and starts watching target events.
func (h *Host) Connect(ctx context.Context) error {
	var conn *rpcc.Conn
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, h.opts.ConnectTimeout)
		defer cancel()
		version, err := h.devt.Version(attemptCtx)
		if err != nil {
			return err
		}
		c, err := rpcc.DialContext(attemptCtx, version.WebSocketDebuggerURL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	retries := h.opts.ConnectRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	notify := func(err error, wait time.Duration) {
		h.log.Warn("cdp connect retry", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		h.log.Warn("cdp connect failed", "err", err)
		return fmt.Errorf("%w: %v", schema.ErrHostUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	client := cdp.NewClient(conn)
	h.mu.Lock()
	h.conn = conn
	h.client = client
	h.cancel = cancel
	h.mu.Unlock()

	if err := h.watchTargets(runCtx, client); err != nil {
		_ = h.Close()
		return fmt.Errorf("%w: watch targets: %v", schema.ErrHostUnavailable, err)
	}
	if err := h.refresh(ctx); err != nil {
		_ = h.Close()
		return err
	}
	h.wg.Add(1)
	go h.refreshLoop(runCtx)
	h.log.Info("cdp host connected")
	return nil
}

// Close stops watching and drops the browser connection.
func (h *Host) Close() error {
	h.mu.Lock()
	cancel := h.cancel
	conn := h.conn
	h.cancel = nil
	h.conn = nil
	h.client = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	h.wg.Wait()
	return err
}

// Query refreshes the listing and returns copies of matching tabs.
func (h *Host) Query(ctx context.Context, query schema.TabQuery) ([]schema.Tab, error) {
	if err := h.refresh(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.query(query), nil
}

// Discard freezes each eligible page. Per-tab failures are reported in the
// results; the batch itself never fails.
func (h *Host) Discard(ctx context.Context, ids []schema.TabID) ([]schema.DiscardResult, error) {
	results := make([]schema.DiscardResult, 0, len(ids))
	for _, id := range ids {
		h.mu.Lock()
		tab, ok := h.state.tabs[id]
		var current schema.Tab
		if ok {
			current = *tab
		}
		ws := h.state.ws[id]
		h.mu.Unlock()

		switch {
		case !ok:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabNotFound})
			continue
		case current.Discarded:
			results = append(results, schema.DiscardResult{TabID: id})
			continue
		case current.Active:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabActive})
			continue
		case current.Status == schema.StatusLoading:
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabLoading})
			continue
		}
		if err := h.setLifecycle(ctx, ws, lifecycleFrozen); err != nil {
			h.log.Debug("cdp freeze failed", "tab", id, "err", err)
			results = append(results, schema.DiscardResult{TabID: id, Err: fmt.Errorf("%w: %v", schema.ErrHostUnavailable, err)})
			continue
		}
		change, ok := h.mutate(id, func(tab *schema.Tab) schema.ChangedFields {
			tab.Discarded = true
			return schema.FieldDiscarded
		})
		if !ok {
			results = append(results, schema.DiscardResult{TabID: id, Err: schema.ErrTabNotFound})
			continue
		}
		results = append(results, schema.DiscardResult{TabID: id})
		h.PublishTabChanged(change)
	}
	return results, nil
}

// Activate focuses the tab, thawing it first when it was discarded.
func (h *Host) Activate(ctx context.Context, id schema.TabID) error {
	h.mu.Lock()
	tab, ok := h.state.tabs[id]
	var discarded bool
	if ok {
		discarded = tab.Discarded
	}
	ws := h.state.ws[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrTabNotFound, id)
	}
	if err := h.devt.Activate(ctx, &devtool.Target{ID: string(id), Type: devtool.Page}); err != nil {
		return fmt.Errorf("%w: activate %s: %v", schema.ErrHostUnavailable, id, err)
	}
	if discarded {
		if err := h.setLifecycle(ctx, ws, lifecycleActive); err != nil {
			return fmt.Errorf("%w: thaw %s: %v", schema.ErrHostUnavailable, id, err)
		}
		if change, ok := h.mutate(id, func(tab *schema.Tab) schema.ChangedFields {
			tab.Discarded = false
			tab.Status = schema.StatusLoading
			return schema.FieldDiscarded | schema.FieldStatus
		}); ok {
			h.PublishTabChanged(change)
		}
		if change, ok := h.mutate(id, func(tab *schema.Tab) schema.ChangedFields {
			tab.Status = schema.StatusComplete
			return schema.FieldStatus
		}); ok {
			h.PublishTabChanged(change)
		}
	}
	return h.refresh(ctx)
}

func (h *Host) mutate(id schema.TabID, fn func(*schema.Tab) schema.ChangedFields) (schema.TabChange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tab, ok := h.state.tabs[id]
	if !ok {
		return schema.TabChange{}, false
	}
	fields := fn(tab)
	return schema.TabChange{TabID: id, Fields: fields, Tab: *tab}, true
}

func (h *Host) setLifecycle(ctx context.Context, wsURL, state string) error {
	if wsURL == "" {
		return errors.New("target has no debugger url")
	}
	conn, err := rpcc.DialContext(ctx, wsURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return cdp.NewClient(conn).Page.SetWebLifecycleState(ctx, page.NewSetWebLifecycleStateArgs(state))
}

// refresh lists page targets and publishes what changed since the last
// listing. Listings are serialized so events stay in order.
func (h *Host) refresh(ctx context.Context) error {
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()
	targets, err := h.devt.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: list targets: %v", schema.ErrHostUnavailable, err)
	}
	listed := make([]listedTarget, 0, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != devtool.Page {
			continue
		}
		listed = append(listed, listedTarget{ID: schema.TabID(t.ID), URL: t.URL, WSURL: t.WebSocketDebuggerURL})
	}
	h.resolveWindows(ctx, listed)

	h.mu.Lock()
	changes, activations := h.state.reconcile(listed, h.windowOfLocked, h.opts.Now())
	for _, change := range changes {
		if change.Fields.Has(schema.FieldRemoved) {
			delete(h.windows, change.TabID)
		}
	}
	h.mu.Unlock()

	for _, activation := range activations {
		h.log.Trace("cdp tab activated", "tab", activation.TabID, "window", activation.WindowID)
		h.PublishTabActivated(activation)
	}
	for _, change := range changes {
		h.PublishTabChanged(change)
	}
	return nil
}

func (h *Host) resolveWindows(ctx context.Context, listed []listedTarget) {
	h.mu.Lock()
	client := h.client
	var missing []schema.TabID
	for _, t := range listed {
		if _, ok := h.windows[t.ID]; !ok {
			missing = append(missing, t.ID)
		}
	}
	h.mu.Unlock()
	if client == nil {
		return
	}
	for _, id := range missing {
		args := browser.NewGetWindowForTargetArgs().SetTargetID(target.ID(id))
		reply, err := client.Browser.GetWindowForTarget(ctx, args)
		if err != nil {
			h.log.Debug("cdp window lookup failed", "tab", id, "err", err)
			continue
		}
		h.mu.Lock()
		h.windows[id] = schema.WindowID(strconv.Itoa(int(reply.WindowID)))
		h.mu.Unlock()
	}
}

func (h *Host) windowOfLocked(id schema.TabID) schema.WindowID {
	if window, ok := h.windows[id]; ok {
		return window
	}
	return defaultWindow
}

func (h *Host) watchTargets(ctx context.Context, client *cdp.Client) error {
	created, err := client.Target.TargetCreated(ctx)
	if err != nil {
		return err
	}
	destroyed, err := client.Target.TargetDestroyed(ctx)
	if err != nil {
		_ = created.Close()
		return err
	}
	changed, err := client.Target.TargetInfoChanged(ctx)
	if err != nil {
		_ = created.Close()
		_ = destroyed.Close()
		return err
	}
	if err := client.Target.SetDiscoverTargets(ctx, target.NewSetDiscoverTargetsArgs(true)); err != nil {
		_ = created.Close()
		_ = destroyed.Close()
		_ = changed.Close()
		return err
	}
	h.wg.Add(3)
	go pump(ctx, h, "target created", created.Recv, created.Close)
	go pump(ctx, h, "target destroyed", destroyed.Recv, destroyed.Close)
	go pump(ctx, h, "target info changed", changed.Recv, changed.Close)
	return nil
}

func pump[T any](ctx context.Context, h *Host, name string, recv func() (T, error), closeFn func() error) {
	defer h.wg.Done()
	defer func() { _ = closeFn() }()
	for {
		if _, err := recv(); err != nil {
			if ctx.Err() == nil {
				h.log.Warn("cdp stream closed", "stream", name, "err", err)
			}
			return
		}
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}
}

func (h *Host) refreshLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.kick:
		}
		if err := h.refresh(ctx); err != nil && ctx.Err() == nil {
			h.log.Debug("cdp refresh failed", "err", err)
		}
	}
}
