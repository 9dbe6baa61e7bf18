package core

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// TabHost is the host application that owns tabs.
type TabHost interface {
	// Query returns per-query copies of the tabs matching the filter in the
	// host's natural enumeration order.
	Query(ctx context.Context, query schema.TabQuery) ([]schema.Tab, error)
	// Discard requests a discard of each id. Per-id failures are reported in
	// the results; an error means the whole request failed. Discarding an
	// already-discarded tab succeeds.
	Discard(ctx context.Context, ids []schema.TabID) ([]schema.DiscardResult, error)
	Activate(ctx context.Context, id schema.TabID) error
	// SubscribeTabChanged registers fn and returns its cancel func.
	SubscribeTabChanged(fn func(schema.TabChange)) func()
	// SubscribeTabActivated registers fn and returns its cancel func.
	SubscribeTabActivated(fn func(schema.TabActivation)) func()
}

// KVStore persists small values by key.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MenuSurface renders menu items.
type MenuSurface interface {
	RemoveAll(ctx context.Context) error
	Create(ctx context.Context, item schema.MenuItem) error
	Update(ctx context.Context, id schema.MenuItemID, update schema.MenuUpdate) error
	Refresh(ctx context.Context) error
}

// IconSetter sets the toolbar icon and tooltip.
type IconSetter interface {
	SetIcon(ctx context.Context, asset string) error
	SetTitle(ctx context.Context, title string) error
}

// SessionDeps captures the collaborators of a session.
type SessionDeps struct {
	Host      TabHost
	Store     KVStore
	Menu      MenuSurface
	Icons     IconSetter
	EventSink EventSink
	Logger    pslog.Logger
}
