package schema

import "time"

// Selection names the policy that built a discard batch.
type Selection string

const (
	// SelectionDirect is a caller-provided id set.
	SelectionDirect Selection = "direct"
	// SelectionInactive is unload-inactive.
	SelectionInactive Selection = "inactive"
	// SelectionAllButRecent is unload-all-but-recent.
	SelectionAllButRecent Selection = "all_but_recent"
	// SelectionCurrent is unload-current.
	SelectionCurrent Selection = "current"
	// SelectionAllOthers is unload-all-others for an anchor tab.
	SelectionAllOthers Selection = "all_others"
	// SelectionAuto is auto-unload on activation change.
	SelectionAuto Selection = "auto"
)

// IndicatorEvent reports an indicator transition.
type IndicatorEvent struct {
	From IndicatorState `json:"from"`
	To   IndicatorState `json:"to"`
	At   time.Time      `json:"at"`
}

// DiscardEvent reports a settled, non-empty discard batch.
type DiscardEvent struct {
	Selection Selection      `json:"selection"`
	Outcome   DiscardOutcome `json:"outcome"`
	Duration  time.Duration  `json:"duration"`
	At        time.Time      `json:"at"`
}

// StatsEvent reports a freshly computed stats snapshot.
type StatsEvent struct {
	Snapshot StatsSnapshot `json:"snapshot"`
	At       time.Time     `json:"at"`
}
