package perf

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRingSize is the default capacity of the ring buffer.
const DefaultRingSize = 10000

// EntryKind distinguishes what was timed.
type EntryKind uint8

const (
	KindRequest EntryKind = iota // HTTP request
	KindQuery                    // SQL statement on the local database
	KindStore                    // record store operation, remote or local
)

// Entry is a single timing record stored in the ring buffer.
type Entry struct {
	Kind       EntryKind
	Path       string // "GET /api/bookings", "bookings.Select" or "remote.insert bookings"
	StatusCode int    // HTTP status; 0 otherwise
	Failed     bool   // store operations only
	DurationMs float64
	Timestamp  time.Time
}

// Collector is a fixed-size ring buffer for timing entries.
// When full, the oldest entries are overwritten. Aggregation happens on read.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int64 // total entries ever written
}

// NewCollector creates a collector with the given ring buffer capacity.
// PRE: size > 0, otherwise DefaultRingSize is used
func NewCollector(size int) *Collector {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Collector{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Record appends an entry, overwriting the oldest one when the buffer is full.
func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	c.entries[c.pos] = e
	c.pos = (c.pos + 1) % c.size
	c.mu.Unlock()
	atomic.AddInt64(&c.count, 1)
}

// TotalRecorded returns the number of entries ever recorded.
func (c *Collector) TotalRecorded() int64 {
	return atomic.LoadInt64(&c.count)
}

// Snapshot holds aggregated performance data.
type Snapshot struct {
	TotalRecorded    int64      `json:"total_recorded"`
	RequestP50Ms     float64    `json:"request_p50_ms"`
	RequestP95Ms     float64    `json:"request_p95_ms"`
	RequestP99Ms     float64    `json:"request_p99_ms"`
	SlowestPaths     []PathStat `json:"slowest_paths"`
	SlowestQueries   []PathStat `json:"slowest_queries"`
	SlowestStoreOps  []PathStat `json:"slowest_store_ops"`
	StoreFailureRate float64    `json:"store_failure_rate"`
}

// PathStat aggregates timing for one path, statement or store operation.
type PathStat struct {
	Path     string  `json:"path"`
	AvgMs    float64 `json:"avg_ms"`
	MaxMs    float64 `json:"max_ms"`
	Count    int     `json:"count"`
	Failures int     `json:"failures,omitempty"`
	TotalMs  float64 `json:"total_ms"`
}

type statTable map[string]*PathStat

func (t statTable) add(e Entry) {
	s, ok := t[e.Path]
	if !ok {
		s = &PathStat{Path: e.Path}
		t[e.Path] = s
	}
	s.Count++
	s.TotalMs += e.DurationMs
	if e.DurationMs > s.MaxMs {
		s.MaxMs = e.DurationMs
	}
	if e.Failed {
		s.Failures++
	}
}

// top returns the n entries with the highest average duration.
func (t statTable) top(n int) []PathStat {
	list := make([]PathStat, 0, len(t))
	for _, s := range t {
		s.AvgMs = s.TotalMs / float64(s.Count)
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].AvgMs != list[j].AvgMs {
			return list[i].AvgMs > list[j].AvgMs
		}
		return list[i].Path < list[j].Path
	})
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return list
}

// Snapshot aggregates the entries recorded at or after since.
// It sorts, so call it on dashboard reads only.
// POST: Returns percentiles over requests and the topN slowest of each kind
func (c *Collector) Snapshot(since time.Time, topN int) Snapshot {
	c.mu.Lock()
	buf := make([]Entry, c.size)
	copy(buf, c.entries)
	c.mu.Unlock()

	var requestDurations []float64
	tables := map[EntryKind]statTable{KindRequest: {}, KindQuery: {}, KindStore: {}}
	var storeOps, storeFailures int
	for _, e := range buf {
		if e.Timestamp.IsZero() || e.Timestamp.Before(since) {
			continue
		}
		t, ok := tables[e.Kind]
		if !ok {
			continue
		}
		t.add(e)
		switch e.Kind {
		case KindRequest:
			requestDurations = append(requestDurations, e.DurationMs)
		case KindStore:
			storeOps++
			if e.Failed {
				storeFailures++
			}
		}
	}

	snap := Snapshot{
		TotalRecorded:   c.TotalRecorded(),
		SlowestPaths:    tables[KindRequest].top(topN),
		SlowestQueries:  tables[KindQuery].top(topN),
		SlowestStoreOps: tables[KindStore].top(topN),
	}
	if storeOps > 0 {
		snap.StoreFailureRate = float64(storeFailures) / float64(storeOps)
	}
	if len(requestDurations) > 0 {
		sort.Float64s(requestDurations)
		snap.RequestP50Ms = percentile(requestDurations, 50)
		snap.RequestP95Ms = percentile(requestDurations, 95)
		snap.RequestP99Ms = percentile(requestDurations, 99)
	}
	return snap
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper || upper >= len(sorted) {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
