// Package stream splits the dump server's stdout into discrete HTML records.
package stream

import (
	"bytes"
)

// Sentinel separates records on the dump server's stdout. It must match the
// launcher script byte for byte.
const Sentinel = "<!-- __DUMP_SEPARATOR__ -->"

// Framer accumulates stdout chunks and yields complete records.
// A Framer belongs to a single subprocess run and is not safe for concurrent use.
type Framer struct {
	sentinel []byte
	pending  []byte
}

// NewFramer creates a framer splitting on sentinel. An empty sentinel selects
// the default Sentinel.
func NewFramer(sentinel string) *Framer {
	if sentinel == "" {
		sentinel = Sentinel
	}
	return &Framer{sentinel: []byte(sentinel)}
}

// Feed appends chunk and returns every record completed by it, in stream order.
// Records are trimmed; blank records are dropped. Bytes after the last
// sentinel stay buffered until a later Feed completes them.
func (f *Framer) Feed(chunk []byte) []string {
	f.pending = append(f.pending, chunk...)

	var records []string
	for {
		idx := bytes.Index(f.pending, f.sentinel)
		if idx == -1 {
			break
		}

		record := bytes.TrimSpace(f.pending[:idx])
		if len(record) > 0 {
			records = append(records, string(record))
		}
		f.pending = f.pending[idx+len(f.sentinel):]
	}

	// Release the consumed prefix once nothing is left over.
	if len(f.pending) == 0 {
		f.pending = nil
	}

	return records
}

// Pending returns the number of buffered bytes not yet terminated by a sentinel.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Reset discards any partial record.
func (f *Framer) Reset() {
	f.pending = nil
}
