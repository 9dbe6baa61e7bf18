package core

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// invalidatingFields are the change fields that make a stats snapshot stale.
const invalidatingFields = schema.FieldStatus | schema.FieldDiscarded | schema.FieldURL | schema.FieldCreated | schema.FieldRemoved

// StatsCache memoizes aggregate load counts over discardable tabs.
//
// Every invalidation bumps a version. A recompute is stamped with the version
// it started at and is memoized only if that version is still current when it
// settles. Concurrent callers observing the same version share one host query.
type StatsCache struct {
	host       TabHost
	classifier *Classifier
	sink       EventSink
	log        pslog.Logger
	group      singleflight.Group

	mu      sync.Mutex
	version uint64
	cached  schema.StatsSnapshot
	valid   bool

	// pubMu orders sink delivery; published is the last version sent.
	pubMu     sync.Mutex
	published uint64
	announced bool
}

// NewStatsCache constructs an empty (invalid) cache.
func NewStatsCache(host TabHost, classifier *Classifier, sink EventSink, logger pslog.Logger) *StatsCache {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &StatsCache{host: host, classifier: classifier, sink: sink, log: logger}
}

// Get returns the memoized snapshot, or recomputes it with a single host
// query shared by every caller that observed the same invalidation.
func (c *StatsCache) Get(ctx context.Context) (schema.StatsSnapshot, error) {
	c.mu.Lock()
	if c.valid {
		snapshot := c.cached
		c.mu.Unlock()
		return snapshot, nil
	}
	version := c.version
	c.mu.Unlock()

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(version, 10), func() (any, error) {
		return c.recompute(flightCtx, version)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return schema.StatsSnapshot{}, res.Err
		}
		return res.Val.(schema.StatsSnapshot), nil
	case <-ctx.Done():
		return schema.StatsSnapshot{}, ctx.Err()
	}
}

func (c *StatsCache) recompute(ctx context.Context, version uint64) (schema.StatsSnapshot, error) {
	log := c.log.With("version", version)
	tabs, err := c.host.Query(ctx, schema.AllTabs())
	if err != nil {
		log.Warn("stats recompute failed", "err", err)
		return schema.StatsSnapshot{}, err
	}
	snapshot := c.count(tabs)
	snapshot.Version = version

	c.mu.Lock()
	current := c.version == version
	if current {
		c.cached = snapshot
		c.valid = true
	}
	c.mu.Unlock()
	if !current {
		log.Debug("stats recompute stale", "current_version", c.Version())
		return snapshot, nil
	}
	log.Debug("stats recompute ok", "total", snapshot.Total, "loaded", snapshot.Loaded, "loading", snapshot.Loading)
	c.publish(snapshot)
	return snapshot, nil
}

// publish hands snapshot to the sink unless a newer version already went out.
func (c *StatsCache) publish(snapshot schema.StatsSnapshot) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.announced && snapshot.Version < c.published {
		c.log.Debug("stats publish skipped", "version", snapshot.Version, "published", c.published)
		return
	}
	c.published = snapshot.Version
	c.announced = true
	c.sink.OnStats(schema.StatsEvent{Snapshot: snapshot, At: time.Now()})
}

func (c *StatsCache) count(tabs []schema.Tab) schema.StatsSnapshot {
	var snapshot schema.StatsSnapshot
	for _, tab := range tabs {
		if !c.classifier.IsDiscardable(tab) {
			continue
		}
		snapshot.Total++
		if tab.Discarded {
			continue
		}
		switch tab.Status {
		case schema.StatusComplete:
			snapshot.Loaded++
		case schema.StatusLoading:
			snapshot.Loading++
		}
	}
	return snapshot
}

// Invalidate marks the snapshot stale.
func (c *StatsCache) Invalidate() {
	c.mu.Lock()
	c.version++
	c.valid = false
	c.mu.Unlock()
}

// HandleTabChange invalidates the snapshot when change touches a counted
// field and reports whether it did.
func (c *StatsCache) HandleTabChange(change schema.TabChange) bool {
	if !change.Fields.Has(invalidatingFields) {
		return false
	}
	c.Invalidate()
	return true
}

// Version returns the current invalidation version.
func (c *StatsCache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}
