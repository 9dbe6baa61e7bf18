package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabunloader/schema"
)

// RuleStore holds the hostnames whose tabs are discarded when they lose focus.
// The in-memory set is authoritative; every toggle persists the full set.
type RuleStore struct {
	store KVStore
	key   string
	log   pslog.Logger

	mu     sync.RWMutex
	hosts  map[string]struct{}
	loaded bool

	writeMu sync.Mutex
}

// NewRuleStore constructs a rule store persisting under key.
func NewRuleStore(store KVStore, key string, logger pslog.Logger) *RuleStore {
	if key == "" {
		key = schema.DefaultRulesKey
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &RuleStore{
		store: store,
		key:   key,
		log:   logger,
		hosts: make(map[string]struct{}),
	}
}

// Load reads the persisted set once. Read or decode failures leave the set
// empty.
func (r *RuleStore) Load(ctx context.Context) {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return
	}
	hosts := r.read(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return
	}
	for host := range hosts {
		r.hosts[host] = struct{}{}
	}
	r.loaded = true
}

func (r *RuleStore) read(ctx context.Context) map[string]struct{} {
	hosts := make(map[string]struct{})
	if r.store == nil {
		return hosts
	}
	log := r.log.With("key", r.key)
	data, ok, err := r.store.Get(ctx, r.key)
	if err != nil {
		log.Warn("rules load failed", "err", err)
		return hosts
	}
	if !ok || len(data) == 0 {
		log.Debug("rules load miss")
		return hosts
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		log.Warn("rules decode failed", "err", err)
		return hosts
	}
	for _, raw := range list {
		host, err := schema.NormalizeHostname(raw)
		if err != nil {
			log.Debug("rules entry skipped", "entry", raw)
			continue
		}
		hosts[host] = struct{}{}
	}
	log.Info("rules load ok", "hosts", len(hosts))
	return hosts
}

// IsEnabled reports whether hostname has an auto-unload rule.
func (r *RuleStore) IsEnabled(hostname string) bool {
	if hostname == "" {
		return false
	}
	host, err := schema.NormalizeHostname(hostname)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hosts[host]
	return ok
}

// Toggle adds or removes hostname and persists the full set. A persistence
// failure is returned but the in-memory change stays.
func (r *RuleStore) Toggle(ctx context.Context, hostname string, enabled bool) error {
	host, err := schema.NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	r.Load(ctx)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if enabled {
		r.hosts[host] = struct{}{}
	} else {
		delete(r.hosts, host)
	}
	list := r.sortedLocked()
	r.mu.Unlock()

	log := r.log.With("host", host, "enabled", enabled)
	if r.store == nil {
		log.Debug("rules toggle ok", "persisted", false)
		return nil
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode auto-unload hosts: %w", err)
	}
	if err := r.store.Set(ctx, r.key, payload); err != nil {
		log.Warn("rules persist failed", "err", err)
		return fmt.Errorf("persist auto-unload hosts: %w", err)
	}
	log.Info("rules toggle ok", "hosts", len(list))
	return nil
}

// Hosts returns the sorted hostnames.
func (r *RuleStore) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *RuleStore) sortedLocked() []string {
	list := make([]string, 0, len(r.hosts))
	for host := range r.hosts {
		list = append(list, host)
	}
	sort.Strings(list)
	return list
}
