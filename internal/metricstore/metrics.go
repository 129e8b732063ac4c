// Package metricstore implements the Salt telemetry metrics registry: a
// small Prometheus-text-compatible store with two features client_golang
// doesn't offer — a monotonically increasing publish epoch, and a `Move`
// operation that re-keys an existing label tuple's value onto a new one
// (used when the label-cardinality merger folds two sls/sid values
// together after the fact).
package metricstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MetricType selects the text-format "# TYPE" line and whether Inc is
// meaningful (gauges are normally only Set, never Inc, though nothing
// here enforces that).
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
)

func (t MetricType) String() string {
	if t == TypeGauge {
		return "gauge"
	}
	return "counter"
}

// Metric ids, mirroring the original saline data/metrics.py constants.
const (
	SaltEventsTotal = iota + 1
	SaltEventsTags
	SaltEventsTagsFuncs
	SaltEventsTrimmedCount
	SaltEventsTrimmedTotal
	SaltStateApplies
	SaltStateAppliesStatus
	SaltStateResults
	SaltStateDuration
	SaltStateJobs
	SaltMinions
	_reservedGap // keep ids stable if more core metrics are added
)

const SalineInternalRixTotal = 100

// Def describes one registered metric: its wire name, help text, type,
// and ordered label schema (order matters — it's baked into the text
// output and into how label tuples are joined for map keys). Float
// marks metrics whose value is genuinely fractional (duration
// accumulators); every other metric is an integer count or gauge and
// renders without fractional digits, per the original metrics.py
// formatting rule.
type Def struct {
	ID     int
	Name   string
	Help   string
	Type   MetricType
	Labels []string
	Float  bool
}

// defs is the fixed metric registry; every metric the merger emits must
// be declared here first.
var defs = map[int]Def{
	SaltEventsTotal: {
		ID: SaltEventsTotal, Name: "salt_events_total", Type: TypeCounter,
		Help: "Total number of Salt events received.",
	},
	SaltEventsTags: {
		ID: SaltEventsTags, Name: "salt_events_tags", Type: TypeCounter,
		Help: "Total number of Salt events received, per tag mask.", Labels: []string{"tag"},
	},
	SaltEventsTagsFuncs: {
		ID: SaltEventsTagsFuncs, Name: "salt_events_tags_funcs", Type: TypeCounter,
		Help: "Total number of Salt events received, per tag mask and function.", Labels: []string{"tag", "fun"},
	},
	SaltEventsTrimmedCount: {
		ID: SaltEventsTrimmedCount, Name: "salt_events_trimmed_count", Type: TypeCounter,
		Help: "Number of events containing at least one trimmed value.",
	},
	SaltEventsTrimmedTotal: {
		ID: SaltEventsTrimmedTotal, Name: "salt_events_trimmed_total", Type: TypeCounter,
		Help: "Total number of trimmed values seen across all events.",
	},
	SaltStateApplies: {
		ID: SaltStateApplies, Name: "salt_state_applies", Type: TypeCounter,
		Help: "Total number of state.* job returns processed.",
	},
	SaltStateAppliesStatus: {
		ID: SaltStateAppliesStatus, Name: "salt_state_applies_status", Type: TypeCounter,
		Help: "Total number of state.* job returns processed, per status.", Labels: []string{"status"},
	},
	SaltStateResults: {
		ID: SaltStateResults, Name: "salt_state_results", Type: TypeCounter,
		Help: "Total number of individual state results, per sls/id/fun/status.", Labels: []string{"sls", "id", "fun", "status"},
	},
	SaltStateDuration: {
		ID: SaltStateDuration, Name: "salt_state_duration", Type: TypeCounter,
		Help: "Total accumulated duration of individual state results in milliseconds, per sls/id/fun/status.", Labels: []string{"sls", "id", "fun", "status"},
		Float: true,
	},
	SaltStateJobs: {
		ID: SaltStateJobs, Name: "salt_state_jobs", Type: TypeGauge,
		Help: "State job gauges (pending/succeeded/failed/timedout/...), per fun/mods/test/stat.", Labels: []string{"fun", "mods", "test", "stat"},
	},
	SaltMinions: {
		ID: SaltMinions, Name: "salt_minions", Type: TypeGauge,
		Help: "Minion liveness gauges, per bucket.", Labels: []string{"bucket"},
	},
	SalineInternalRixTotal: {
		ID: SalineInternalRixTotal, Name: "saline_internal_rix_total", Type: TypeCounter,
		Help: "Total number of events processed, per parser-pool reader index.", Labels: []string{"rix"},
	},
}

type entry struct {
	value float64
}

// Store holds the live value of every (metric id, label tuple) pair ever
// observed, plus the publish epoch: a counter bumped whenever a change
// is visible enough to warrant republishing the serialized buffer.
//
// Epoch semantics (resolved against the original's data/metrics.py
// MetricsCollection.set): an Inc-driven update always bumps the epoch;
// a Set-driven update only bumps it when the new value differs from the
// old one. This means high-frequency counters always trigger a
// republish, while idempotent gauge recomputes (most maintenance-loop
// ticks, most values unchanged) don't.
type Store struct {
	mu     sync.Mutex
	values map[int]map[string]*entry
	epoch  int64
	buf    string
	bufOK  bool
}

func NewStore() *Store {
	return &Store{values: make(map[int]map[string]*entry)}
}

func labelKey(labels []string) string {
	return strings.Join(labels, "\x1f")
}

func (s *Store) series(id int) map[string]*entry {
	m, ok := s.values[id]
	if !ok {
		m = make(map[string]*entry)
		s.values[id] = m
	}
	return m
}

// Inc adds incBy (default 1) to the metric's value for the given label
// tuple, always bumping the publish epoch.
func (s *Store) Inc(id int, labels []string, incBy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := labelKey(labels)
	series := s.series(id)
	e, ok := series[key]
	if !ok {
		e = &entry{}
		series[key] = e
	}
	e.value += incBy
	s.epoch++
	s.bufOK = false
}

// Set assigns an absolute value to the metric's label tuple, bumping the
// epoch only if the value actually changed.
func (s *Store) Set(id int, labels []string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := labelKey(labels)
	series := s.series(id)
	e, ok := series[key]
	if !ok {
		e = &entry{value: value}
		series[key] = e
		s.epoch++
		s.bufOK = false
		return
	}
	if e.value != value {
		e.value = value
		s.epoch++
		s.bufOK = false
	}
}

// Move re-keys the value at src onto dst for every metric id passed,
// adding into any existing value already at dst (it's a merge, not an
// overwrite) and removing src. Used when the label-cardinality merger
// folds two sls/sid/fun/status tuples into one.
func (s *Store) Move(ids []int, src, dst []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srcKey, dstKey := labelKey(src), labelKey(dst)
	for _, id := range ids {
		series := s.series(id)
		srcEntry, ok := series[srcKey]
		if !ok {
			continue
		}
		delete(series, srcKey)
		dstEntry, ok := series[dstKey]
		if !ok {
			dstEntry = &entry{}
			series[dstKey] = dstEntry
		}
		dstEntry.value += srcEntry.value
	}
	s.epoch++
	s.bufOK = false
}

// Epoch returns the current publish epoch.
func (s *Store) Epoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Buf returns the serialized Prometheus-text-format buffer, rebuilding
// it only when the store changed since the last call.
func (s *Store) Buf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bufOK {
		return s.buf
	}
	s.buf = s.render()
	s.bufOK = true
	return s.buf
}

func (s *Store) render() string {
	ids := make([]int, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		def := defs[id]
		series, ok := s.values[id]
		if !ok || len(series) == 0 {
			continue
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", def.Name, def.Help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", def.Name, def.Type)

		keys := make([]string, 0, len(series))
		for k := range series {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			e := series[k]
			labelStr := renderLabels(def.Labels, k)
			if labelStr != "" {
				fmt.Fprintf(&b, "%s{%s} %s\n", def.Name, labelStr, formatValue(e.value, def.Float))
			} else {
				fmt.Fprintf(&b, "%s %s\n", def.Name, formatValue(e.value, def.Float))
			}
		}
	}
	return b.String()
}

func renderLabels(names []string, key string) string {
	if key == "" {
		return ""
	}
	parts := strings.Split(key, "\x1f")
	pairs := make([]string, 0, len(parts))
	for i, v := range parts {
		name := fmt.Sprintf("label%d", i)
		if i < len(names) {
			name = names[i]
		}
		pairs = append(pairs, fmt.Sprintf(`%s=%q`, name, v))
	}
	return strings.Join(pairs, ",")
}

func formatValue(v float64, isFloat bool) string {
	if isFloat {
		return fmt.Sprintf("%.3f", v)
	}
	return strconv.FormatInt(int64(v), 10)
}
