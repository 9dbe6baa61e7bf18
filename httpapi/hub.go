package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	Indicator *schema.IndicatorEvent `json:"indicator,omitempty"`
	Discard   *DiscardView           `json:"discard,omitempty"`
	Stats     *schema.StatsSnapshot  `json:"stats,omitempty"`
	Menu      *MenuState             `json:"menu,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DiscardView is the wire form of a discard outcome.
type DiscardView struct {
	Selection  schema.Selection `json:"selection,omitempty"`
	Succeeded  []schema.TabID   `json:"succeeded"`
	Failed     []FailedTab      `json:"failed"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// FailedTab reports one per-tab discard failure.
type FailedTab struct {
	TabID schema.TabID `json:"tab_id"`
	Error string       `json:"error"`
}

// NewDiscardView converts an outcome for the wire.
func NewDiscardView(selection schema.Selection, outcome schema.DiscardOutcome, duration time.Duration) DiscardView {
	view := DiscardView{
		Selection:  selection,
		Succeeded:  outcome.Succeeded(),
		Failed:     []FailedTab{},
		DurationMS: duration.Milliseconds(),
	}
	for _, res := range outcome.Failed() {
		view.Failed = append(view.Failed, FailedTab{TabID: res.TabID, Error: res.Err.Error()})
	}
	return view
}

// Hub broadcasts session events to stream subscribers and keeps a bounded
// history for Last-Event-ID replay.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]struct{}
	historySize int
	log         pslog.Logger
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
		log:         logger,
	}
}

// OnIndicator implements core.EventSink.
func (h *Hub) OnIndicator(event schema.IndicatorEvent) {
	h.log.Trace("hub indicator event", "from", event.From.String(), "to", event.To.String())
	h.publish(StreamEvent{Type: "indicator", Indicator: &event, Timestamp: event.At})
}

// OnDiscard implements core.EventSink.
func (h *Hub) OnDiscard(event schema.DiscardEvent) {
	view := NewDiscardView(event.Selection, event.Outcome, event.Duration)
	h.log.Trace("hub discard event", "selection", string(event.Selection), "succeeded", len(view.Succeeded), "failed", len(view.Failed))
	h.publish(StreamEvent{Type: "discard", Discard: &view, Timestamp: event.At})
}

// OnStats implements core.EventSink.
func (h *Hub) OnStats(event schema.StatsEvent) {
	snapshot := event.Snapshot
	h.log.Trace("hub stats event", "version", snapshot.Version)
	h.publish(StreamEvent{Type: "stats", Stats: &snapshot, Timestamp: event.At})
}

// PublishMenu sends a menu snapshot after a surface refresh.
func (h *Hub) PublishMenu(state MenuState) {
	h.publish(StreamEvent{Type: "menu", Menu: &state, Timestamp: time.Now()})
}

// Subscribe registers a subscriber and returns the current sequence.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	seq := h.seq
	h.log.Info("hub subscribe", "subs", len(h.subs))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	h.log.Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(event StreamEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}
