package schema

import "time"

// TabID identifies a tab on the host.
type TabID string

// WindowID identifies a host window. The zero value matches any window in queries.
type WindowID string

// LoadStatus is the host-reported load state of a tab.
type LoadStatus string

const (
	// StatusLoading marks a tab that is navigating or reloading.
	StatusLoading LoadStatus = "loading"
	// StatusComplete marks a tab that finished loading.
	StatusComplete LoadStatus = "complete"
)

// Tab is the host's record of a single tab. The host owns it; callers only
// ever see per-query copies.
type Tab struct {
	ID           TabID      `json:"id"`
	URL          string     `json:"url"`
	WindowID     WindowID   `json:"window_id"`
	Active       bool       `json:"active"`
	Discarded    bool       `json:"discarded"`
	Status       LoadStatus `json:"status"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// TabQuery filters a host tab query. Zero fields do not filter.
type TabQuery struct {
	Active        *bool    `json:"active,omitempty"`
	WindowID      WindowID `json:"window_id,omitempty"`
	CurrentWindow bool     `json:"current_window,omitempty"`
}

// AllTabs matches every tab in every window.
func AllTabs() TabQuery {
	return TabQuery{}
}

// InactiveTabs matches tabs that are not the active tab of their window.
func InactiveTabs() TabQuery {
	active := false
	return TabQuery{Active: &active}
}

// ActiveInCurrentWindow matches the focused tab of the focused window.
func ActiveInCurrentWindow() TabQuery {
	active := true
	return TabQuery{Active: &active, CurrentWindow: true}
}

// TabsInWindow matches every tab of a window.
func TabsInWindow(id WindowID) TabQuery {
	return TabQuery{WindowID: id}
}

// Matches reports whether tab passes the query filters. currentWindow is the
// host's focused window and is only consulted when CurrentWindow is set.
func (q TabQuery) Matches(tab Tab, currentWindow WindowID) bool {
	if q.Active != nil && tab.Active != *q.Active {
		return false
	}
	if q.WindowID != "" && tab.WindowID != q.WindowID {
		return false
	}
	if q.CurrentWindow && tab.WindowID != currentWindow {
		return false
	}
	return true
}

// ChangedFields is a bit set of tab fields reported by a change event.
type ChangedFields uint8

const (
	// FieldURL marks a URL change.
	FieldURL ChangedFields = 1 << iota
	// FieldStatus marks a load status change.
	FieldStatus
	// FieldDiscarded marks a discarded flag change.
	FieldDiscarded
	// FieldActive marks an active flag change.
	FieldActive
	// FieldCreated marks a newly opened tab.
	FieldCreated
	// FieldRemoved marks a closed tab.
	FieldRemoved
)

// Has reports whether any of the given fields are set.
func (f ChangedFields) Has(fields ChangedFields) bool {
	return f&fields != 0
}

// TabChange is delivered when a tab's fields change.
type TabChange struct {
	TabID  TabID         `json:"tab_id"`
	Fields ChangedFields `json:"fields"`
	Tab    Tab           `json:"tab"`
}

// TabActivation is delivered when the active tab of a window changes.
type TabActivation struct {
	PreviousID TabID    `json:"previous_id,omitempty"`
	TabID      TabID    `json:"tab_id"`
	WindowID   WindowID `json:"window_id"`
}

// StatsSnapshot aggregates load state over discardable tabs.
type StatsSnapshot struct {
	Total   int    `json:"total"`
	Loaded  int    `json:"loaded"`
	Loading int    `json:"loading"`
	Version uint64 `json:"version"`
}

// IndicatorState is the status shown by the toolbar icon.
type IndicatorState int

const (
	// IndicatorNormal is the initial state.
	IndicatorNormal IndicatorState = iota
	// IndicatorBusy means a discard batch is in flight.
	IndicatorBusy
	// IndicatorUnloaded means tabs were discarded and nothing has reloaded since.
	IndicatorUnloaded
)

func (s IndicatorState) String() string {
	switch s {
	case IndicatorNormal:
		return "normal"
	case IndicatorBusy:
		return "busy"
	case IndicatorUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// DiscardResult is the per-tab result of a discard request.
type DiscardResult struct {
	TabID TabID `json:"tab_id"`
	Err   error `json:"-"`
}

// OK reports whether the tab was discarded (or already was).
func (r DiscardResult) OK() bool {
	return r.Err == nil
}

// DiscardOutcome collects the results of one discard batch in request order.
type DiscardOutcome struct {
	Results []DiscardResult `json:"results"`
}

// Empty reports whether the batch targeted no tabs.
func (o DiscardOutcome) Empty() bool {
	return len(o.Results) == 0
}

// Succeeded lists the tabs that were discarded.
func (o DiscardOutcome) Succeeded() []TabID {
	out := make([]TabID, 0, len(o.Results))
	for _, res := range o.Results {
		if res.OK() {
			out = append(out, res.TabID)
		}
	}
	return out
}

// Failed lists the results that carry an error.
func (o DiscardOutcome) Failed() []DiscardResult {
	var out []DiscardResult
	for _, res := range o.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}
