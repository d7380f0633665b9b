package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

type seriesKind int

const (
	kindCounter seriesKind = iota
	kindGauge
)

// MetricPoint is one labeled series value as exposed on /v1/metrics.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
	Gauges   []MetricPoint `json:"gauges"`
}

type series struct {
	kind   seriesKind
	name   string
	labels map[string]string
	value  float64
}

// Registry is a process-local metrics table. Counters accumulate per label
// set; gauges hold the last written value.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(kindCounter, name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsert(kindGauge, name, labels).value = value
}

// upsert is called with the lock held.
func (r *Registry) upsert(kind seriesKind, name string, labels map[string]string) *series {
	key := seriesKey(kind, name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: kind, name: name, labels: cloneLabels(labels)}
		r.series[key] = s
	}
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out Snapshot
	for _, s := range r.series {
		p := MetricPoint{Name: s.name, Labels: cloneLabels(s.labels), Value: s.value}
		if s.kind == kindCounter {
			out.Counters = append(out.Counters, p)
		} else {
			out.Gauges = append(out.Gauges, p)
		}
	}
	sortPoints(out.Counters)
	sortPoints(out.Gauges)
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

// RenderPrometheus emits the text exposition format, one sorted line per
// series. Type and help comments are omitted; scrapers that need them
// should sit behind a real client library.
func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	var b strings.Builder
	lines := make([]string, 0, len(snap.Counters)+len(snap.Gauges))
	for _, p := range snap.Counters {
		lines = append(lines, promLine(p))
	}
	for _, p := range snap.Gauges {
		lines = append(lines, promLine(p))
	}
	sort.Strings(lines)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func seriesKey(kind seriesKind, name string, labels map[string]string) string {
	var b strings.Builder
	b.WriteByte(byte('0' + kind))
	b.WriteString(name)
	for _, k := range sortedKeys(labels) {
		b.WriteByte(0x1f)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func sortedKeys(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortPoints(points []MetricPoint) {
	sort.Slice(points, func(i, j int) bool {
		if points[i].Name != points[j].Name {
			return points[i].Name < points[j].Name
		}
		return len(points[i].Labels) < len(points[j].Labels)
	})
}

func promLine(p MetricPoint) string {
	var b strings.Builder
	b.WriteString(sanitizeMetricName(p.Name))
	if len(p.Labels) > 0 {
		b.WriteByte('{')
		for i, k := range sortedKeys(p.Labels) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(sanitizeMetricName(k))
			b.WriteString(`="`)
			b.WriteString(p.Labels[k])
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
	return b.String()
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "dispatch_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			out = append(out, r)
		case r >= '0' && r <= '9' && i > 0:
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
