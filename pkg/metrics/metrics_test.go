package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregates(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /webhook/voice", 200, 10*time.Millisecond)
	r.Observe("POST /webhook/voice", 403, 30*time.Millisecond)
	snap := r.Snapshot()
	stat := snap.Endpoints["POST /webhook/voice"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected stat %+v", stat)
	}
	if stat.MaxMillis != 30 || stat.AverageMillis != 20 {
		t.Fatalf("latency aggregation wrong: %+v", stat)
	}
}

func TestCounters(t *testing.T) {
	r := NewRegistry()
	r.IncContextEvent("created")
	r.IncContextEvent("created")
	r.IncContextEvent("rejected")
	r.IncContextLevel("customer")
	r.IncToolOutcome("get_order_status", true)
	r.IncToolOutcome("get_order_status", false)
	r.SetActiveContexts(7)

	snap := r.Snapshot()
	if snap.ContextEvents["created"] != 2 || snap.ContextEvents["rejected"] != 1 {
		t.Fatalf("context events wrong: %v", snap.ContextEvents)
	}
	if snap.ContextLevels["customer"] != 1 {
		t.Fatalf("context levels wrong: %v", snap.ContextLevels)
	}
	if snap.ToolOutcomes["get_order_status|authorized"] != 1 || snap.ToolOutcomes["get_order_status|denied"] != 1 {
		t.Fatalf("tool outcomes wrong: %v", snap.ToolOutcomes)
	}
	if snap.ActiveContexts != 7 {
		t.Fatalf("gauge wrong: %v", snap.ActiveContexts)
	}
}

func TestAddContextEvent(t *testing.T) {
	r := NewRegistry()
	r.AddContextEvent("expired", 3)
	r.AddContextEvent("expired", 0)
	r.AddContextEvent("", 2)
	snap := r.Snapshot()
	if snap.ContextEvents["expired"] != 3 {
		t.Fatalf("bulk add wrong: %v", snap.ContextEvents)
	}
	if len(snap.ContextEvents) != 1 {
		t.Fatalf("empty label or zero count should be dropped: %v", snap.ContextEvents)
	}
}

func TestEmptyLabelsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncContextEvent("")
	r.IncContextLevel("")
	r.IncToolOutcome("", true)
	snap := r.Snapshot()
	if len(snap.ContextEvents) != 0 || len(snap.ContextLevels) != 0 || len(snap.ToolOutcomes) != 0 {
		t.Fatalf("empty labels should be dropped: %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.IncContextEvent("created")
	r.IncToolOutcome("book_appointment", false)
	r.SetActiveContexts(3)

	rec := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`callguard_context_event_total{event="created"} 1`,
		`callguard_tool_outcome_total{tool="book_appointment",outcome="denied"} 1`,
		"callguard_active_contexts 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("prometheus output missing %q:\n%s", want, body)
		}
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncContextEvent("created")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"created": 1`) {
		t.Fatalf("json output missing counter:\n%s", rec.Body.String())
	}
}
