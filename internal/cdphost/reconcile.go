package cdphost

import (
	"time"

	"pkt.systems/tabunloader/schema"
)

// listedTarget is one page target from the DevTools listing, most recently
// focused first.
type listedTarget struct {
	ID    schema.TabID
	URL   string
	WSURL string
}

// snapshot is the host's view of the browser between listings. order is
// first-seen order and stands in for the tab strip.
type snapshot struct {
	tabs          map[schema.TabID]*schema.Tab
	order         []schema.TabID
	ws            map[schema.TabID]string
	active        map[schema.WindowID]schema.TabID
	currentWindow schema.WindowID
	synced        bool
}

func newSnapshot() *snapshot {
	return &snapshot{
		tabs:   make(map[schema.TabID]*schema.Tab),
		ws:     make(map[schema.TabID]string),
		active: make(map[schema.WindowID]schema.TabID),
	}
}

// reconcile folds a fresh listing into s and returns the resulting events.
// The first listing seeds state without reporting activations.
func (s *snapshot) reconcile(listed []listedTarget, windowOf func(schema.TabID) schema.WindowID, now time.Time) ([]schema.TabChange, []schema.TabActivation) {
	var changes []schema.TabChange
	var activations []schema.TabActivation

	seen := make(map[schema.TabID]bool, len(listed))
	for rank, target := range listed {
		seen[target.ID] = true
		s.ws[target.ID] = target.WSURL
		tab, ok := s.tabs[target.ID]
		if !ok {
			tab = &schema.Tab{
				ID:           target.ID,
				URL:          target.URL,
				WindowID:     windowOf(target.ID),
				Status:       schema.StatusComplete,
				LastAccessed: now.Add(-time.Duration(rank) * time.Millisecond),
			}
			s.tabs[target.ID] = tab
			s.order = append(s.order, target.ID)
			if s.synced {
				changes = append(changes, schema.TabChange{TabID: tab.ID, Fields: schema.FieldCreated, Tab: *tab})
			}
			continue
		}
		if tab.URL != target.URL {
			tab.URL = target.URL
			changes = append(changes, schema.TabChange{TabID: tab.ID, Fields: schema.FieldURL, Tab: *tab})
		}
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if seen[id] {
			kept = append(kept, id)
			continue
		}
		tab := s.tabs[id]
		delete(s.tabs, id)
		delete(s.ws, id)
		if s.active[tab.WindowID] == id {
			delete(s.active, tab.WindowID)
		}
		changes = append(changes, schema.TabChange{TabID: id, Fields: schema.FieldRemoved, Tab: *tab})
	}
	s.order = kept

	if len(listed) > 0 {
		s.currentWindow = s.tabs[listed[0].ID].WindowID
	}
	claimed := make(map[schema.WindowID]bool)
	for _, target := range listed {
		tab := s.tabs[target.ID]
		if claimed[tab.WindowID] {
			continue
		}
		claimed[tab.WindowID] = true
		previous := s.active[tab.WindowID]
		if previous == tab.ID {
			if !tab.Active {
				tab.Active = true
			}
			continue
		}
		if prev, ok := s.tabs[previous]; ok && prev.Active {
			prev.Active = false
			changes = append(changes, schema.TabChange{TabID: prev.ID, Fields: schema.FieldActive, Tab: *prev})
		}
		tab.Active = true
		s.active[tab.WindowID] = tab.ID
		if s.synced {
			tab.LastAccessed = now
			changes = append(changes, schema.TabChange{TabID: tab.ID, Fields: schema.FieldActive, Tab: *tab})
			activations = append(activations, schema.TabActivation{PreviousID: previous, TabID: tab.ID, WindowID: tab.WindowID})
		}
	}
	s.synced = true
	return changes, activations
}

// query returns copies in first-seen order.
func (s *snapshot) query(q schema.TabQuery) []schema.Tab {
	out := make([]schema.Tab, 0, len(s.order))
	for _, id := range s.order {
		tab := s.tabs[id]
		if q.Matches(*tab, s.currentWindow) {
			out = append(out, *tab)
		}
	}
	return out
}
