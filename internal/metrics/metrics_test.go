package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/session"
)

type fakeSession struct {
	snap       session.Snapshot
	reconnects uint64
}

func (f *fakeSession) Snapshot() session.Snapshot { return f.snap }
func (f *fakeSession) Reconnects() uint64         { return f.reconnects }

type fakeCalls struct {
	snap call.Snapshot
}

func (f *fakeCalls) Snapshot() call.Snapshot { return f.snap }

type fakeHistory struct {
	counts map[call.Disposition]int
	err    error
}

func (f *fakeHistory) CountByDisposition(ctx context.Context) (map[call.Disposition]int, error) {
	return f.counts, f.err
}

type fakePrewarm struct {
	warmed   bool
	failures uint64
}

func (f *fakePrewarm) Warmed() bool     { return f.warmed }
func (f *fakePrewarm) Failures() uint64 { return f.failures }

func gather(t *testing.T, c *Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, fam := range families {
		out[fam.GetName()] = fam.GetMetric()
	}
	return out
}

func gaugeValue(t *testing.T, metrics []*dto.Metric) float64 {
	t.Helper()
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(metrics))
	}
	return metrics[0].GetGauge().GetValue()
}

func TestCollectSessionRegistered(t *testing.T) {
	c := NewCollector(
		&fakeSession{snap: session.Snapshot{Status: session.StatusRegistered, Username: "2001"}, reconnects: 3},
		nil, nil, nil,
	)
	got := gather(t, c)

	ms, ok := got["webphone_session_up"]
	if !ok {
		t.Fatal("webphone_session_up not collected")
	}
	if v := gaugeValue(t, ms); v != 1 {
		t.Errorf("session_up = %v, want 1", v)
	}
	if lbl := ms[0].GetLabel()[0]; lbl.GetName() != "status" || lbl.GetValue() != "registered" {
		t.Errorf("unexpected status label %s=%s", lbl.GetName(), lbl.GetValue())
	}
	rc := got["webphone_session_reconnects_total"]
	if len(rc) != 1 || rc[0].GetCounter().GetValue() != 3 {
		t.Errorf("reconnects = %v, want 3", rc)
	}
}

func TestCollectSessionDown(t *testing.T) {
	c := NewCollector(&fakeSession{snap: session.Snapshot{Status: session.StatusError}}, nil, nil, nil)
	got := gather(t, c)

	ms := got["webphone_session_up"]
	if v := gaugeValue(t, ms); v != 0 {
		t.Errorf("session_up = %v, want 0", v)
	}
	if lbl := ms[0].GetLabel()[0].GetValue(); lbl != "error" {
		t.Errorf("status label = %q, want error", lbl)
	}
}

func TestCollectCallState(t *testing.T) {
	c := NewCollector(nil, &fakeCalls{snap: call.Snapshot{State: call.StateActive}}, nil, nil)
	got := gather(t, c)

	if v := gaugeValue(t, got["webphone_call_active"]); v != 1 {
		t.Errorf("call_active = %v, want 1", v)
	}
	st := got["webphone_call_state"]
	if lbl := st[0].GetLabel()[0].GetValue(); lbl != "active" {
		t.Errorf("state label = %q, want active", lbl)
	}
}

func TestCollectCallIdle(t *testing.T) {
	c := NewCollector(nil, &fakeCalls{snap: call.Snapshot{State: call.StateIdle}}, nil, nil)
	got := gather(t, c)

	if v := gaugeValue(t, got["webphone_call_active"]); v != 0 {
		t.Errorf("call_active = %v, want 0", v)
	}
}

func TestCollectDispositions(t *testing.T) {
	c := NewCollector(nil, nil, &fakeHistory{counts: map[call.Disposition]int{
		call.DispositionAnswered: 7,
		call.DispositionMissed:   2,
	}}, nil)
	got := gather(t, c)

	ms, ok := got["webphone_calls_total"]
	if !ok {
		t.Fatal("webphone_calls_total not collected")
	}
	byDisp := make(map[string]float64)
	for _, m := range ms {
		byDisp[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if byDisp["answered"] != 7 {
		t.Errorf("answered = %v, want 7", byDisp["answered"])
	}
	if byDisp["missed"] != 2 {
		t.Errorf("missed = %v, want 2", byDisp["missed"])
	}
	// Absent dispositions still report as zero counters.
	if v, ok := byDisp["rejected"]; !ok || v != 0 {
		t.Errorf("rejected = %v (present %v), want 0", v, ok)
	}
}

func TestCollectPrewarm(t *testing.T) {
	c := NewCollector(nil, nil, nil, &fakePrewarm{warmed: true, failures: 4})
	got := gather(t, c)

	if v := gaugeValue(t, got["webphone_mic_prewarmed"]); v != 1 {
		t.Errorf("prewarmed = %v, want 1", v)
	}
	fc := got["webphone_mic_prewarm_failures_total"]
	if fc[0].GetCounter().GetValue() != 4 {
		t.Errorf("failures = %v, want 4", fc[0].GetCounter().GetValue())
	}
}

func TestCollectNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil)
	got := gather(t, c)

	for name := range got {
		if name != "webphone_uptime_seconds" {
			t.Errorf("unexpected family %q with all providers nil", name)
		}
	}
	if _, ok := got["webphone_uptime_seconds"]; !ok {
		t.Error("uptime missing")
	}
}

func TestMetricNamesPrefixed(t *testing.T) {
	c := NewCollector(&fakeSession{}, &fakeCalls{}, &fakeHistory{}, &fakePrewarm{})
	got := gather(t, c)
	for name := range got {
		if !strings.HasPrefix(name, "webphone_") {
			t.Errorf("metric %q lacks webphone_ prefix", name)
		}
	}
}
