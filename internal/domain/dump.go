// Package domain holds the types shared across the dump pipeline.
package domain

import (
	"time"
)

// Category is the coarse tag used by the UI to group dumps.
type Category string

// Wire values match the category tabs of the browser UI.
const (
	CategoryDump    Category = "dumps"
	CategoryQuery   Category = "queries"
	CategoryLog     Category = "logs"
	CategoryRequest Category = "requests"
	CategoryView    Category = "views"
	CategoryJob     Category = "jobs"
)

// CategoryAll matches every category in a Filter.
const CategoryAll Category = "all"

// Categories lists the closed set in display order.
var Categories = []Category{
	CategoryDump,
	CategoryQuery,
	CategoryLog,
	CategoryRequest,
	CategoryView,
	CategoryJob,
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// UnknownFile is the source file reported when provenance is unavailable.
const UnknownFile = "unknown"

// Source is the best-effort provenance of a dump.
type Source struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
	Class    string `json:"class,omitempty"`
}

// UnknownSource returns the default provenance.
func UnknownSource() Source {
	return Source{File: UnknownFile}
}

// Metadata describes the payload without interpreting it.
type Metadata struct {
	Size                 int    `json:"size"`
	HasExpandableContent bool   `json:"hasExpandableContent"`
	DataType             string `json:"dataType"`
	SourceContext        string `json:"sourceContext,omitempty"`
}

// DumpRecord is one classified unit of debug output.
// Records are never mutated after classification.
type DumpRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Category  Category  `json:"category"`
	Content   string    `json:"content"`
	RawData   string    `json:"rawData,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// Valid reports whether an externally supplied record (e.g. an import) has
// the fields the pipeline relies on.
func (r DumpRecord) Valid() bool {
	return r.ID != "" &&
		!r.Timestamp.IsZero() &&
		r.Source.File != "" &&
		r.Source.Line >= 0 &&
		r.Category.Valid()
}
