package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// Subscription is a handle to a host event registration. Dispose cancels it
// exactly once no matter how often it is called.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Dispose cancels the registration.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Indicator is the toolbar status state machine.
//
//	Normal/Unloaded --BeginBatch--> Busy
//	Busy --EndBatch (last in-flight batch)--> Unloaded
//	Unloaded --tab starts loading while not discarded--> Normal
//
// While Unloaded it holds exactly one tab-changed subscription; leaving
// Unloaded disposes that handle.
type Indicator struct {
	host   TabHost
	icons  IconSetter
	assets schema.IconSet
	title  string
	sink   EventSink
	log    pslog.Logger

	mu       sync.Mutex
	state    schema.IndicatorState
	inflight int
	reset    *Subscription
}

// NewIndicator constructs an indicator in the Normal state.
func NewIndicator(host TabHost, icons IconSetter, assets schema.IconSet, title string, sink EventSink, logger pslog.Logger) *Indicator {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Indicator{
		host:   host,
		icons:  icons,
		assets: assets,
		title:  title,
		sink:   sink,
		log:    logger,
		state:  schema.IndicatorNormal,
	}
}

// Init paints the Normal icon and the toolbar title.
func (i *Indicator) Init(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paintLocked(ctx, i.state, i.state)
	if i.icons != nil && i.title != "" {
		if err := i.icons.SetTitle(ctx, i.title); err != nil {
			i.log.Warn("indicator title failed", "err", err)
		}
	}
}

// State returns the current state.
func (i *Indicator) State() schema.IndicatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// BeginBatch records a non-empty discard batch going in flight.
func (i *Indicator) BeginBatch(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inflight++
	if i.state == schema.IndicatorBusy {
		return
	}
	from := i.state
	i.disposeResetLocked()
	i.state = schema.IndicatorBusy
	i.paintLocked(ctx, from, i.state)
}

// EndBatch records a batch settling. The last in-flight batch moves the
// indicator to Unloaded.
func (i *Indicator) EndBatch(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inflight > 0 {
		i.inflight--
	}
	if i.inflight > 0 || i.state != schema.IndicatorBusy {
		return
	}
	i.state = schema.IndicatorUnloaded
	if i.reset == nil && i.host != nil {
		sub := &Subscription{}
		sub.cancel = i.host.SubscribeTabChanged(func(change schema.TabChange) {
			i.onTabChanged(sub, change)
		})
		i.reset = sub
	}
	i.paintLocked(ctx, schema.IndicatorBusy, i.state)
}

func (i *Indicator) onTabChanged(sub *Subscription, change schema.TabChange) {
	if !change.Fields.Has(schema.FieldStatus) || change.Tab.Status != schema.StatusLoading || change.Tab.Discarded {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reset != sub || i.state != schema.IndicatorUnloaded {
		return
	}
	i.disposeResetLocked()
	i.state = schema.IndicatorNormal
	i.log.Debug("indicator reset", "tab", change.TabID)
	i.paintLocked(context.Background(), schema.IndicatorUnloaded, i.state)
}

// Dispose drops the reset subscription if one is live.
func (i *Indicator) Dispose() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disposeResetLocked()
}

func (i *Indicator) disposeResetLocked() {
	if i.reset == nil {
		return
	}
	i.reset.Dispose()
	i.reset = nil
}

func (i *Indicator) paintLocked(ctx context.Context, from, to schema.IndicatorState) {
	if from != to {
		i.log.Debug("indicator transition", "from", from.String(), "to", to.String())
		i.sink.OnIndicator(schema.IndicatorEvent{From: from, To: to, At: time.Now()})
	}
	if i.icons == nil {
		return
	}
	if err := i.icons.SetIcon(ctx, i.assets.Asset(to)); err != nil {
		i.log.Warn("indicator icon failed", "state", to.String(), "err", err)
	}
}
