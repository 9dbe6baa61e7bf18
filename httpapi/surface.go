package httpapi

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// MenuState is what a remote menu renderer draws.
type MenuState struct {
	Items     []schema.MenuItem `json:"items"`
	Icon      string            `json:"icon"`
	Title     string            `json:"title"`
	Revision  uint64            `json:"revision"`
	Refreshed bool              `json:"refreshed"`
}

// Surface keeps menu items and the toolbar icon in memory for HTTP
// renderers. It implements core.MenuSurface and core.IconSetter; every
// Refresh and icon change is pushed to the hub.
type Surface struct {
	mu       sync.Mutex
	order    []schema.MenuItemID
	items    map[schema.MenuItemID]schema.MenuItem
	icon     string
	title    string
	revision uint64
	dirty    bool
	hub      *Hub
	log      pslog.Logger
}

// NewSurface constructs an empty surface. hub may be nil.
func NewSurface(hub *Hub, logger pslog.Logger) *Surface {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Surface{
		items: make(map[schema.MenuItemID]schema.MenuItem),
		hub:   hub,
		log:   logger,
	}
}

// RemoveAll implements core.MenuSurface.
func (s *Surface) RemoveAll(context.Context) error {
	s.mu.Lock()
	s.order = nil
	s.items = make(map[schema.MenuItemID]schema.MenuItem)
	s.dirty = true
	s.mu.Unlock()
	s.log.Trace("surface menu cleared")
	return nil
}

// Create implements core.MenuSurface. Ids are unique and parents must exist.
func (s *Surface) Create(_ context.Context, item schema.MenuItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("menu item %q already exists", item.ID)
	}
	if item.ParentID != "" {
		if _, ok := s.items[item.ParentID]; !ok {
			return fmt.Errorf("menu item %q: unknown parent %q", item.ID, item.ParentID)
		}
	}
	s.order = append(s.order, item.ID)
	s.items[item.ID] = item
	s.dirty = true
	return nil
}

// Update implements core.MenuSurface.
func (s *Surface) Update(_ context.Context, id schema.MenuItemID, update schema.MenuUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrUnknownMenuItem, id)
	}
	s.items[id] = update.Apply(item)
	s.dirty = true
	return nil
}

// Refresh implements core.MenuSurface. It publishes the current menu when
// anything changed since the last refresh.
func (s *Surface) Refresh(context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.revision++
	state := s.stateLocked()
	state.Refreshed = true
	s.mu.Unlock()
	s.log.Trace("surface menu refresh", "revision", state.Revision, "items", len(state.Items))
	if s.hub != nil {
		s.hub.PublishMenu(state)
	}
	return nil
}

// SetIcon implements core.IconSetter.
func (s *Surface) SetIcon(_ context.Context, asset string) error {
	s.mu.Lock()
	s.icon = asset
	s.revision++
	state := s.stateLocked()
	s.mu.Unlock()
	s.log.Trace("surface icon", "asset", asset)
	if s.hub != nil {
		s.hub.PublishMenu(state)
	}
	return nil
}

// SetTitle implements core.IconSetter.
func (s *Surface) SetTitle(_ context.Context, title string) error {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	return nil
}

// State returns a copy of the current menu.
func (s *Surface) State() MenuState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Item returns one menu item.
func (s *Surface) Item(id schema.MenuItemID) (schema.MenuItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *Surface) stateLocked() MenuState {
	items := make([]schema.MenuItem, 0, len(s.order))
	for _, id := range s.order {
		item := s.items[id]
		item.Contexts = append([]schema.MenuContext(nil), item.Contexts...)
		items = append(items, item)
	}
	return MenuState{Items: items, Icon: s.icon, Title: s.title, Revision: s.revision}
}
