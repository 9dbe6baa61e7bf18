package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// Topic fans out events of one type to callbacks. Publish delivers to every
// subscriber in subscription order and serializes deliveries, so subscribers
// observe events in arrival order. Callbacks must not publish on the same
// topic synchronously.
type Topic[T any] struct {
	name    string
	log     pslog.Logger
	mu      sync.Mutex
	next    uint64
	subs    []subscriber[T]
	deliver sync.Mutex
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewTopic constructs a named topic.
func NewTopic[T any](name string, logger pslog.Logger) *Topic[T] {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Topic[T]{name: name, log: logger}
}

// Subscribe registers fn and returns a cancel func. Cancel is safe to call
// more than once, including from inside fn.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	if t == nil || fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	count := len(t.subs)
	t.mu.Unlock()
	t.log.Debug("eventbus subscribe", "topic", t.name, "subs", count)
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			for i, sub := range t.subs {
				if sub.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					break
				}
			}
			remaining := len(t.subs)
			t.mu.Unlock()
			t.log.Debug("eventbus unsubscribe", "topic", t.name, "subs", remaining)
		})
	}
}

// Publish delivers event to the current subscribers.
func (t *Topic[T]) Publish(event T) {
	if t == nil {
		return
	}
	t.deliver.Lock()
	defer t.deliver.Unlock()
	t.mu.Lock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		sub.fn(event)
	}
	t.log.Trace("eventbus delivered", "topic", t.name, "subs", len(subs))
}

// Len returns the number of live subscribers.
func (t *Topic[T]) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Bus carries the host tab event topics.
type Bus struct {
	changed   *Topic[schema.TabChange]
	activated *Topic[schema.TabActivation]
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	return &Bus{
		changed:   NewTopic[schema.TabChange]("tab_changed", logger),
		activated: NewTopic[schema.TabActivation]("tab_activated", logger),
	}
}

// SubscribeTabChanged registers a tab change callback.
func (b *Bus) SubscribeTabChanged(fn func(schema.TabChange)) func() {
	return b.changed.Subscribe(fn)
}

// SubscribeTabActivated registers an activation callback.
func (b *Bus) SubscribeTabActivated(fn func(schema.TabActivation)) func() {
	return b.activated.Subscribe(fn)
}

// PublishTabChanged delivers a tab change.
func (b *Bus) PublishTabChanged(change schema.TabChange) {
	b.changed.Publish(change)
}

// PublishTabActivated delivers an activation.
func (b *Bus) PublishTabActivated(activation schema.TabActivation) {
	b.activated.Publish(activation)
}

// Subscribers returns the live subscriber counts of both topics.
func (b *Bus) Subscribers() (changed, activated int) {
	return b.changed.Len(), b.activated.Len()
}
