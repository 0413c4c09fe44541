package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"coinlink/internal/metrics"
)

const redacted = "[redacted]"

// ring keeps the most recent limit items in arrival order.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// metricTotal is the running sum of one component/name series.
type metricTotal struct {
	Component string  `json:"component"`
	Name      string  `json:"name"`
	Count     int     `json:"count"`
	Sum       float64 `json:"sum"`
}

// metricStore keeps recent metric events plus a running total per series.
type metricStore struct {
	recent *ring[metrics.Metric]

	mu     sync.Mutex
	totals map[string]*metricTotal
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{
		recent: newRing[metrics.Metric](limit),
		totals: make(map[string]*metricTotal),
	}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.recent.push(metric)

	key := metric.Component + "/" + metric.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.totals[key]
	if !ok {
		t = &metricTotal{Component: metric.Component, Name: metric.Name}
		s.totals[key] = t
	}
	t.Count++
	if v, ok := metric.Float64(); ok {
		t.Sum += v
	}
}

func (s *metricStore) snapshot() []metrics.Metric {
	return s.recent.snapshot()
}

// summary returns the series totals ordered by component then name.
func (s *metricStore) summary() []metricTotal {
	s.mu.Lock()
	out := make([]metricTotal, 0, len(s.totals))
	for _, t := range s.totals {
		out = append(out, *t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// logRecord is a captured log entry as rendered by the dashboard.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     logrus.Level           `json:"-"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent entries. Fields that look like
// credentials are replaced before they are stored.
type logStore struct {
	recent  *ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{recent: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level,
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			if sensitiveField(k) {
				record.Fields[k] = redacted
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.recent.push(record)
	return nil
}

// query returns the retained entries at or above minLevel, optionally
// restricted to one component.
func (s *logStore) query(component string, minLevel logrus.Level) []logRecord {
	all := s.recent.snapshot()
	out := all[:0]
	for _, r := range all {
		if r.Level > minLevel {
			continue
		}
		if component != "" && r.Component != component {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *logStore) snapshot() []logRecord {
	return s.recent.snapshot()
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

func sensitiveField(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"token", "credential", "authorization", "password"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
