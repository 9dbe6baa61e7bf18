package tabunloader

import (
	"pkt.systems/tabunloader/core"
	"pkt.systems/tabunloader/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnIndicator(event schema.IndicatorEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnIndicator(event)
	}
}

func (f eventFanout) OnDiscard(event schema.DiscardEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnDiscard(event)
	}
}

func (f eventFanout) OnStats(event schema.StatsEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnStats(event)
	}
}

// fanout collapses sinks into one, dropping nils.
func fanout(sinks ...core.EventSink) core.EventSink {
	kept := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return eventFanout{sinks: kept}
	}
}
