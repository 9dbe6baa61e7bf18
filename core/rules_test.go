package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"pkt.systems/tabunloader/schema"
)

func TestRuleStoreLoadReadsPersistedSet(t *testing.T) {
	kv := newFakeKV()
	kv.data[schema.DefaultRulesKey] = []byte(`["example.com","Other.org",""]`)
	rules := NewRuleStore(kv, "", nil)
	rules.Load(context.Background())

	if !rules.IsEnabled("example.com") {
		t.Fatalf("expected example.com to be enabled")
	}
	if !rules.IsEnabled("other.org") {
		t.Fatalf("expected other.org to be normalized and enabled")
	}
	if rules.IsEnabled("") {
		t.Fatalf("empty hostname must never be enabled")
	}
	if got := rules.Hosts(); len(got) != 2 {
		t.Fatalf("expected empty entries dropped, got %v", got)
	}
}

func TestRuleStoreLoadFailsOpen(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeKV)
	}{
		{"read-error", func(kv *fakeKV) { kv.getErr = errBoom }},
		{"garbage", func(kv *fakeKV) { kv.data[schema.DefaultRulesKey] = []byte("{not json") }},
		{"wrong-shape", func(kv *fakeKV) { kv.data[schema.DefaultRulesKey] = []byte(`{"a":1}`) }},
		{"missing", func(*fakeKV) {}},
	}
	for _, tc := range cases {
		kv := newFakeKV()
		tc.setup(kv)
		rules := NewRuleStore(kv, "", nil)
		rules.Load(context.Background())
		if got := rules.Hosts(); len(got) != 0 {
			t.Fatalf("case %q: expected empty set, got %v", tc.name, got)
		}
	}
}

func TestRuleStoreLoadIsIdempotent(t *testing.T) {
	kv := newFakeKV()
	kv.data[schema.DefaultRulesKey] = []byte(`["example.com"]`)
	rules := NewRuleStore(kv, "", nil)
	rules.Load(context.Background())
	if err := rules.Toggle(context.Background(), "other.org", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	kv.data[schema.DefaultRulesKey] = []byte(`[]`)
	rules.Load(context.Background())
	if !rules.IsEnabled("example.com") || !rules.IsEnabled("other.org") {
		t.Fatalf("expected second load to be a no-op, got %v", rules.Hosts())
	}
}

func TestRuleStoreToggleRoundTrip(t *testing.T) {
	kv := newFakeKV()
	kv.data[schema.DefaultRulesKey] = []byte(`["a.example","b.example"]`)
	rules := NewRuleStore(kv, "", nil)
	rules.Load(context.Background())
	before := kv.raw(schema.DefaultRulesKey)

	if err := rules.Toggle(context.Background(), "example.com", true); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !rules.IsEnabled("example.com") {
		t.Fatalf("expected example.com enabled after toggle on")
	}
	if err := rules.Toggle(context.Background(), "example.com", false); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if after := kv.raw(schema.DefaultRulesKey); after != before {
		t.Fatalf("expected persisted set %s after round trip, got %s", before, after)
	}
}

func TestRuleStoreToggleRejectsEmpty(t *testing.T) {
	kv := newFakeKV()
	rules := NewRuleStore(kv, "", nil)
	if err := rules.Toggle(context.Background(), "", true); !errors.Is(err, schema.ErrInvalidHostname) {
		t.Fatalf("expected ErrInvalidHostname, got %v", err)
	}
	if err := rules.Toggle(context.Background(), "  ", true); !errors.Is(err, schema.ErrInvalidHostname) {
		t.Fatalf("expected ErrInvalidHostname for blank host, got %v", err)
	}
	if kv.sets != 0 {
		t.Fatalf("expected no writes, got %d", kv.sets)
	}
}

func TestRuleStoreWriteFailureKeepsMemory(t *testing.T) {
	kv := newFakeKV()
	capture := &logCapture{}
	rules := NewRuleStore(kv, "", newCaptureLogger(capture))
	rules.Load(context.Background())
	kv.setFailure(errBoom)

	err := rules.Toggle(context.Background(), "example.com", true)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected write error, got %v", err)
	}
	if !rules.IsEnabled("example.com") {
		t.Fatalf("expected in-memory change to survive write failure")
	}
	if !capture.has("rules persist failed") {
		t.Fatalf("expected persist failure to be logged")
	}

	kv.setFailure(nil)
	if err := rules.Toggle(context.Background(), "other.org", true); err != nil {
		t.Fatalf("toggle after recovery: %v", err)
	}
	if got := kv.raw(schema.DefaultRulesKey); got != `["example.com","other.org"]` {
		t.Fatalf("expected next write to persist the corrected set, got %s", got)
	}
}

func TestRuleStoreConcurrentTogglesDoNotLoseWrites(t *testing.T) {
	kv := newFakeKV()
	rules := NewRuleStore(kv, "", nil)
	rules.Load(context.Background())

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := rules.Toggle(context.Background(), fmt.Sprintf("host%02d.example", i), true); err != nil {
				t.Errorf("toggle %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var persisted []string
	if err := json.Unmarshal([]byte(kv.raw(schema.DefaultRulesKey)), &persisted); err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if len(persisted) != n {
		t.Fatalf("expected %d persisted hosts, got %d", n, len(persisted))
	}
}
