package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("tasks_enqueued_total", map[string]string{"store": "memory", "type": "post_listing"}, 3)
	r.SetGauge("nonce_cache_size", map[string]string{"guard": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `tasks_enqueued_total{store="memory",type="post_listing"} 3`) {
		t.Fatalf("missing enqueue counter in output: %s", out)
	}
	if !strings.Contains(out, `nonce_cache_size{guard="memory"} 2`) {
		t.Fatalf("missing nonce gauge in output: %s", out)
	}
}

func TestCounterAccumulatesAcrossLabelSets(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("envelope_verify_failures_total", map[string]string{"reason": "replay"}, 1)
	r.IncCounter("envelope_verify_failures_total", map[string]string{"reason": "replay"}, 1)
	r.IncCounter("envelope_verify_failures_total", map[string]string{"reason": "signature"}, 1)

	snap := r.Snapshot()
	if len(snap.Counters) != 2 {
		t.Fatalf("counter series = %d, want 2", len(snap.Counters))
	}
	for _, p := range snap.Counters {
		if p.Labels["reason"] == "replay" && p.Value != 2 {
			t.Fatalf("replay counter = %v, want 2", p.Value)
		}
	}
}
