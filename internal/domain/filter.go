package domain

import (
	"strings"
	"time"
)

// Filter selects records. Every non-empty criterion must match.
type Filter struct {
	Category Category   `json:"category,omitempty"`
	Search   string     `json:"searchTerm,omitempty"`
	DateFrom *time.Time `json:"dateFrom,omitempty"`
	DateTo   *time.Time `json:"dateTo,omitempty"`
	File     string     `json:"sourceFile,omitempty"`
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return (f.Category == "" || f.Category == CategoryAll) &&
		f.Search == "" &&
		f.DateFrom == nil &&
		f.DateTo == nil &&
		f.File == ""
}

// Match reports whether r satisfies every criterion of f.
func (f Filter) Match(r DumpRecord) bool {
	if f.Category != "" && f.Category != CategoryAll && r.Category != f.Category {
		return false
	}

	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !containsFold(r.Content, needle) &&
			!containsFold(r.Source.File, needle) &&
			!containsFold(r.Source.Function, needle) &&
			!containsFold(r.Source.Class, needle) {
			return false
		}
	}

	if f.DateFrom != nil && r.Timestamp.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && r.Timestamp.After(*f.DateTo) {
		return false
	}

	if f.File != "" && !strings.Contains(r.Source.File, f.File) {
		return false
	}

	return true
}

// containsFold expects needle to already be lowercase.
func containsFold(haystack, needle string) bool {
	if haystack == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), needle)
}
