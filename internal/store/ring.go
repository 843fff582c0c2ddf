// Package store holds dump records in memory and journals lifecycle events.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/ashureev/dump-viewer/internal/domain"
)

// DefaultCapacity is used when NewRing is given a non-positive capacity.
const DefaultCapacity = 1000

// Ring is a fixed-size, insertion-ordered record store.
// When full, Add overwrites the oldest record.
type Ring struct {
	buf  []domain.DumpRecord
	size int
	head int // next write position
	n    int
	mu   sync.RWMutex
}

// NewRing creates a ring that holds at most capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:  make([]domain.DumpRecord, capacity),
		size: capacity,
	}
}

// Add appends rec and returns the records evicted to make room, oldest first.
func (r *Ring) Add(rec domain.DumpRecord) []domain.DumpRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []domain.DumpRecord
	if r.n == r.size {
		// head points at the oldest slot once full
		evicted = append(evicted, r.buf[r.head])
	} else {
		r.n++
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % r.size
	return evicted
}

// tail returns the index of the oldest record. Caller holds the lock.
func (r *Ring) tail() int {
	return (r.head - r.n + r.size) % r.size
}

// each visits records oldest first until fn returns false. Caller holds the lock.
func (r *Ring) each(fn func(domain.DumpRecord) bool) {
	t := r.tail()
	for i := 0; i < r.n; i++ {
		if !fn(r.buf[(t+i)%r.size]) {
			return
		}
	}
}

// All returns a copy of every record in insertion order.
func (r *Ring) All() []domain.DumpRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DumpRecord, 0, r.n)
	r.each(func(rec domain.DumpRecord) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// Filtered returns the records matching f in insertion order.
func (r *Ring) Filtered(f domain.Filter) []domain.DumpRecord {
	if f.IsZero() {
		return r.All()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.DumpRecord, 0)
	r.each(func(rec domain.DumpRecord) bool {
		if f.Match(rec) {
			out = append(out, rec)
		}
		return true
	})
	return out
}

// ByID looks up a record by id.
func (r *Ring) ByID(id string) (domain.DumpRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		found domain.DumpRecord
		ok    bool
	)
	r.each(func(rec domain.DumpRecord) bool {
		if rec.ID == id {
			found, ok = rec, true
			return false
		}
		return true
	})
	return found, ok
}

// Recent returns up to n of the newest records, newest first.
func (r *Ring) Recent(n int) []domain.DumpRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]domain.DumpRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.head-i+r.size)%r.size])
	}
	return out
}

// Clear removes every record and returns how many were held.
func (r *Ring) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.n
	clear(r.buf)
	r.head = 0
	r.n = 0
	return n
}

// RemoveOlderThan drops records with a timestamp before cutoff and returns
// the number removed. Survivors keep their relative order.
func (r *Ring) RemoveOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]domain.DumpRecord, 0, r.n)
	r.each(func(rec domain.DumpRecord) bool {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
		return true
	})

	removed := r.n - len(kept)
	if removed == 0 {
		return 0
	}

	clear(r.buf)
	copy(r.buf, kept)
	r.n = len(kept)
	r.head = r.n % r.size
	return removed
}

// Stats summarizes the held records.
func (r *Ring) Stats() domain.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := domain.Stats{
		Total:      r.n,
		ByCategory: make(map[domain.Category]int, len(domain.Categories)),
	}
	for _, c := range domain.Categories {
		st.ByCategory[c] = 0
	}

	var oldest, newest time.Time
	r.each(func(rec domain.DumpRecord) bool {
		st.ByCategory[rec.Category]++
		st.TotalSize += rec.Metadata.Size
		if oldest.IsZero() || rec.Timestamp.Before(oldest) {
			oldest = rec.Timestamp
		}
		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
		return true
	})

	if r.n > 0 {
		st.OldestDump = &oldest
		st.NewestDump = &newest
	}
	return st
}

// SourceFiles returns the distinct known source files, sorted.
func (r *Ring) SourceFiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	r.each(func(rec domain.DumpRecord) bool {
		if rec.Source.File != "" && rec.Source.File != domain.UnknownFile {
			seen[rec.Source.File] = struct{}{}
		}
		return true
	})

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Len returns the number of records held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Capacity returns the maximum number of records.
func (r *Ring) Capacity() int {
	return r.size
}

// SortNewestFirst returns a copy of records ordered by timestamp, newest
// first. It does not touch the store.
func SortNewestFirst(records []domain.DumpRecord) []domain.DumpRecord {
	out := make([]domain.DumpRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
