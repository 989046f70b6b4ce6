package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Registry collects in-process counters for the call security pipeline. It is
// deliberately small; external aggregation happens via the Prometheus scrape.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	contextEvents  map[string]int64
	contextLevels  map[string]int64
	toolOutcomes   map[string]int64
	activeContexts float64
}

type EndpointStat struct {
	Count         int64   `json:"count"`
	ErrorCount    int64   `json:"error_count"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	ContextEvents  map[string]int64        `json:"context_events"`
	ContextLevels  map[string]int64        `json:"context_levels"`
	ToolOutcomes   map[string]int64        `json:"tool_outcomes"`
	ActiveContexts float64                 `json:"active_contexts"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		contextEvents: map[string]int64{},
		contextLevels: map[string]int64{},
		toolOutcomes:  map[string]int64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncContextEvent counts lifecycle transitions: created, rejected, replaced,
// destroyed, expired.
func (r *Registry) IncContextEvent(event string) {
	if event == "" {
		return
	}
	r.mu.Lock()
	r.contextEvents[event]++
	r.mu.Unlock()
}

// AddContextEvent counts n occurrences of one lifecycle event at once, for
// sweep passes that destroy several contexts.
func (r *Registry) AddContextEvent(event string, n int64) {
	if event == "" || n <= 0 {
		return
	}
	r.mu.Lock()
	r.contextEvents[event] += n
	r.mu.Unlock()
}

func (r *Registry) IncContextLevel(level string) {
	if level == "" {
		return
	}
	r.mu.Lock()
	r.contextLevels[level]++
	r.mu.Unlock()
}

// IncToolOutcome counts executions keyed "tool|outcome" where outcome is
// authorized or denied.
func (r *Registry) IncToolOutcome(tool string, authorized bool) {
	if tool == "" {
		return
	}
	outcome := "denied"
	if authorized {
		outcome = "authorized"
	}
	r.mu.Lock()
	r.toolOutcomes[tool+"|"+outcome]++
	r.mu.Unlock()
}

func (r *Registry) SetActiveContexts(n float64) {
	r.mu.Lock()
	r.activeContexts = n
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		ContextEvents:  make(map[string]int64, len(r.contextEvents)),
		ContextLevels:  make(map[string]int64, len(r.contextLevels)),
		ToolOutcomes:   make(map[string]int64, len(r.toolOutcomes)),
		ActiveContexts: r.activeContexts,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.contextEvents {
		out.ContextEvents[k] = v
	}
	for k, v := range r.contextLevels {
		out.ContextLevels[k] = v
	}
	for k, v := range r.toolOutcomes {
		out.ToolOutcomes[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP callguard_endpoint_count total requests by endpoint\n")
		fmt.Fprintf(w, "# TYPE callguard_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(w, "callguard_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		fmt.Fprintf(w, "# HELP callguard_endpoint_error_count total endpoint errors\n")
		fmt.Fprintf(w, "# TYPE callguard_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(w, "callguard_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		fmt.Fprintf(w, "# HELP callguard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		fmt.Fprintf(w, "# TYPE callguard_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(w, "callguard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		fmt.Fprintf(w, "# HELP callguard_context_event_total context lifecycle events\n")
		fmt.Fprintf(w, "# TYPE callguard_context_event_total counter\n")
		for _, event := range sortedKeys(snap.ContextEvents) {
			fmt.Fprintf(w, "callguard_context_event_total{event=%q} %d\n", event, snap.ContextEvents[event])
		}
		fmt.Fprintf(w, "# HELP callguard_context_level_total contexts created by security level\n")
		fmt.Fprintf(w, "# TYPE callguard_context_level_total counter\n")
		for _, level := range sortedKeys(snap.ContextLevels) {
			fmt.Fprintf(w, "callguard_context_level_total{level=%q} %d\n", level, snap.ContextLevels[level])
		}
		fmt.Fprintf(w, "# HELP callguard_tool_outcome_total tool executions by tool and outcome\n")
		fmt.Fprintf(w, "# TYPE callguard_tool_outcome_total counter\n")
		for _, key := range sortedKeys(snap.ToolOutcomes) {
			tool, outcome := splitOutcomeKey(key)
			fmt.Fprintf(w, "callguard_tool_outcome_total{tool=%q,outcome=%q} %d\n", tool, outcome, snap.ToolOutcomes[key])
		}
		fmt.Fprintf(w, "# HELP callguard_active_contexts live security contexts\n")
		fmt.Fprintf(w, "# TYPE callguard_active_contexts gauge\n")
		fmt.Fprintf(w, "callguard_active_contexts %.0f\n", snap.ActiveContexts)
	}
}

func splitOutcomeKey(key string) (tool, outcome string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, "unknown"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
