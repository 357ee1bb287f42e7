// Package stats aggregates parsed access log records between flushes.
package stats

import (
	"strconv"
	"sync"

	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

// Entry holds the request count and byte volume of one cache status
type Entry struct {
	Count int64 `json:"count"`
	Size  int64 `json:"size"`
}

// Snapshot is the owned content of a table taken by one swap
type Snapshot struct {
	Entries  map[string]Entry `json:"entries"`
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Total returns the number of records in the snapshot
func (s *Snapshot) Total() int64 {
	var n int64
	for _, e := range s.Entries {
		n += e.Count
	}
	return n
}

// Options selects the optional HTTP status counters
type Options struct {
	// StatusCodes counts http_<code>
	StatusCodes bool
	// StatusGroups counts http_<digit>xx
	StatusGroups bool
}

// Table is the shared aggregation table. Record and SwapAndClear may be
// called from different goroutines.
type Table struct {
	opts Options

	mu       sync.Mutex
	entries  map[string]Entry
	counters map[string]int64
}

// NewTable creates an empty table
func NewTable(opts Options) *Table {
	return &Table{
		opts:     opts,
		entries:  make(map[string]Entry),
		counters: make(map[string]int64),
	}
}

// Record adds one parsed record
func (t *Table) Record(rec types.Record) {
	var codeKey, groupKey string
	if t.opts.StatusCodes {
		codeKey = "http_" + strconv.Itoa(rec.Status)
	}
	if t.opts.StatusGroups {
		groupKey = statusGroup(rec.Status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[rec.CacheStatus]
	e.Count++
	e.Size += rec.Size
	t.entries[rec.CacheStatus] = e

	if codeKey != "" {
		t.counters[codeKey]++
	}
	if groupKey != "" {
		t.counters[groupKey]++
	}
}

// SwapAndClear hands the current content to the caller and leaves an empty
// table behind. ok is false when there was nothing to take.
func (t *Table) SwapAndClear() (snap *Snapshot, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 && len(t.counters) == 0 {
		return nil, false
	}

	snap = &Snapshot{Entries: t.entries, Counters: t.counters}
	t.entries = make(map[string]Entry)
	t.counters = make(map[string]int64)
	return snap, true
}

// Len returns the number of distinct cache statuses currently held
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func statusGroup(status int) string {
	if status < 100 || status > 999 {
		return "http_" + strconv.Itoa(status/100) + "xx"
	}
	return "http_" + strconv.Itoa(status)[:1] + "xx"
}
