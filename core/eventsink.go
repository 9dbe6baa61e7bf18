package core

import "pkt.systems/tabunloader/schema"

// EventSink receives indicator, discard and stats events from a session.
type EventSink interface {
	OnIndicator(event schema.IndicatorEvent)
	OnDiscard(event schema.DiscardEvent)
	OnStats(event schema.StatsEvent)
}

type nopSink struct{}

func (nopSink) OnIndicator(schema.IndicatorEvent) {}
func (nopSink) OnDiscard(schema.DiscardEvent)     {}
func (nopSink) OnStats(schema.StatsEvent)         {}
