package metrics

import "testing"

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()
	c1 := r.Counter("a")
	c2 := r.Counter("a")
	if c1 != c2 {
		t.Fatal("Registry.Counter should return the same instance for the same name")
	}
	c1.Inc()
	if r.Counter("a").Value() != 1 {
		t.Fatal("mutations through one handle should be visible through another handle of the same name")
	}
}

func TestRegistrySnapshotIncludesEveryMetricKind(t *testing.T) {
	r := NewRegistry()
	r.Counter("c").Add(3)
	r.Gauge("g").Set(7)
	r.Histogram("h").Observe(1)
	r.Meter("m").Mark(2)

	snap := r.Snapshot()
	if snap["c"].(int64) != 3 {
		t.Errorf("snapshot counter = %v, want 3", snap["c"])
	}
	if snap["g"].(int64) != 7 {
		t.Errorf("snapshot gauge = %v, want 7", snap["g"])
	}
	histEntry, ok := snap["h"].(map[string]interface{})
	if !ok {
		t.Fatalf("snapshot histogram entry has wrong type: %T", snap["h"])
	}
	if histEntry["count"].(int64) != 1 {
		t.Errorf("snapshot histogram count = %v, want 1", histEntry["count"])
	}
	if _, ok := snap["m"].(map[string]interface{}); !ok {
		t.Fatalf("snapshot meter entry has wrong type: %T", snap["m"])
	}
}
