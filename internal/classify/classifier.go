// Package classify turns raw HTML dumps into domain records.
package classify

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// Mode selects how categories are assigned.
type Mode string

const (
	// ModeGeneric tags every record as a plain dump.
	ModeGeneric Mode = "generic"
	// ModeKeywords sniffs the visible text for query/request/job/view/log keywords.
	ModeKeywords Mode = "keywords"
)

// ParseMode maps a config value to a Mode, defaulting to ModeGeneric.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeGeneric:
		return ModeGeneric, nil
	case ModeKeywords:
		return ModeKeywords, nil
	default:
		return "", fmt.Errorf("unknown category mode %q (valid: generic, keywords)", s)
	}
}

// SourceContext is provenance supplied alongside the HTML, e.g. by the ingest API.
type SourceContext struct {
	File      string    `json:"file"`
	Line      int       `json:"line"`
	Function  string    `json:"function,omitempty"`
	Class     string    `json:"class,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

var (
	sourceInfoPattern = regexp.MustCompile(`<!--\s*SOURCE_INFO:\s*([^>]+?)\s*-->`)
	sourceTextPattern = regexp.MustCompile(`^(.+?)\s+on\s+line\s+(\d+)$`)
	markerPattern     = regexp.MustCompile(`(?s)<!--\s*SOURCE_INFO:.*?-->`)
)

var expandableMarkers = []string{"sf-dump-toggle", "sf-dump-expanded", "sf-dump-compact"}

// Classifier builds DumpRecords. It is stateless apart from its configuration
// and safe for concurrent use.
type Classifier struct {
	mode   Mode
	now    func() time.Time
	newID  func() string
	clean  func(string) string
	logger *slog.Logger
}

// NewClassifier creates a classifier using the given category mode.
func NewClassifier(mode Mode, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeGeneric
	}
	return &Classifier{
		mode:   mode,
		now:    time.Now,
		newID:  NewID,
		clean:  StripMarkers,
		logger: logger,
	}
}

// Mode returns the configured category mode.
func (c *Classifier) Mode() Mode {
	return c.mode
}

// NewID returns a time-ordered identifier with a random tail.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "dump_" + uuid.NewString()
	}
	return "dump_" + id.String()
}

// Classify builds a record from rawHTML. It never panics; if enhancement
// fails the raw input is wrapped, escaped, in a fallback container.
func (c *Classifier) Classify(rawHTML string, sc *SourceContext) (rec domain.DumpRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("Dump classification failed, using fallback", "panic", r, "size", len(rawHTML))
			rec = c.fallback(rawHTML, sc)
		}
	}()

	return domain.DumpRecord{
		ID:        c.newID(),
		Timestamp: c.timestamp(sc),
		Source:    ExtractSource(rawHTML, sc),
		Category:  c.category(rawHTML, sc),
		Content:   c.clean(rawHTML),
		RawData:   rawHTML,
		Metadata:  extractMetadata(rawHTML, sc),
	}
}

func (c *Classifier) timestamp(sc *SourceContext) time.Time {
	if sc != nil && !sc.Timestamp.IsZero() {
		return sc.Timestamp
	}
	return c.now()
}

func (c *Classifier) category(rawHTML string, sc *SourceContext) domain.Category {
	if c.mode != ModeKeywords {
		return domain.CategoryDump
	}
	return SniffCategory(rawHTML, sc)
}

func (c *Classifier) fallback(rawHTML string, sc *SourceContext) domain.DumpRecord {
	id := NewID()
	if c.newID != nil {
		func() {
			defer func() { _ = recover() }()
			id = c.newID()
		}()
	}

	return domain.DumpRecord{
		ID:        id,
		Timestamp: time.Now(),
		Source:    contextSource(sc),
		Category:  domain.CategoryDump,
		Content:   `<div class="sf-dump sf-dump-fallback"><pre>` + html.EscapeString(rawHTML) + `</pre></div>`,
		RawData:   rawHTML,
		Metadata: domain.Metadata{
			Size:     len(rawHTML),
			DataType: "unknown",
		},
	}
}

// StripMarkers removes SOURCE_INFO comments from content.
func StripMarkers(content string) string {
	return markerPattern.ReplaceAllString(content, "")
}

// ExtractSource resolves provenance: structured context first, then the
// SOURCE_INFO marker, then data-* attributes, then the unknown default.
func ExtractSource(rawHTML string, sc *SourceContext) domain.Source {
	if sc != nil {
		return contextSource(sc)
	}

	if src, ok := parseSourceMarker(rawHTML); ok {
		return src
	}

	if src, ok := parseDataAttributes(rawHTML); ok {
		return src
	}

	return domain.UnknownSource()
}

func contextSource(sc *SourceContext) domain.Source {
	if sc == nil {
		return domain.UnknownSource()
	}
	src := domain.Source{
		File:     sc.File,
		Line:     sc.Line,
		Function: sc.Function,
		Class:    sc.Class,
	}
	if src.File == "" {
		src.File = domain.UnknownFile
	}
	if src.Line < 0 {
		src.Line = 0
	}
	return src
}

func parseSourceMarker(rawHTML string) (domain.Source, bool) {
	m := sourceInfoPattern.FindStringSubmatch(rawHTML)
	if m == nil {
		return domain.Source{}, false
	}

	text := html.UnescapeString(strings.TrimSpace(m[1]))
	parts := sourceTextPattern.FindStringSubmatch(text)
	if parts == nil {
		return domain.Source{}, false
	}

	line, err := strconv.Atoi(parts[2])
	if err != nil {
		return domain.Source{}, false
	}
	return domain.Source{File: parts[1], Line: line}, true
}

// parseDataAttributes takes the first data-file/line/function/class seen on
// any element.
func parseDataAttributes(rawHTML string) (domain.Source, bool) {
	z := html.NewTokenizer(strings.NewReader(rawHTML))
	src := domain.UnknownSource()
	found := false
	var haveFile, haveLine, haveFunc, haveClass bool

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		for _, attr := range z.Token().Attr {
			switch attr.Key {
			case "data-file":
				if !haveFile && attr.Val != "" {
					src.File, haveFile, found = attr.Val, true, true
				}
			case "data-line":
				if !haveLine {
					if n, err := strconv.Atoi(attr.Val); err == nil && n >= 0 {
						src.Line, haveLine, found = n, true, true
					}
				}
			case "data-function":
				if !haveFunc && attr.Val != "" {
					src.Function, haveFunc, found = attr.Val, true, true
				}
			case "data-class":
				if !haveClass && attr.Val != "" {
					src.Class, haveClass, found = attr.Val, true, true
				}
			}
		}

		if haveFile && haveLine && haveFunc && haveClass {
			break
		}
	}

	return src, found
}

func extractMetadata(rawHTML string, sc *SourceContext) domain.Metadata {
	md := domain.Metadata{
		Size:     len(rawHTML),
		DataType: dataType(rawHTML),
	}
	for _, marker := range expandableMarkers {
		if strings.Contains(rawHTML, marker) {
			md.HasExpandableContent = true
			break
		}
	}
	if sc != nil {
		switch {
		case sc.Class != "" && sc.Function != "":
			md.SourceContext = sc.Class + "::" + sc.Function + "()"
		case sc.Function != "":
			md.SourceContext = sc.Function + "()"
		}
	}
	return md
}

var dataTypeMarkers = []struct {
	class string
	kind  string
}{
	{"sf-dump-str", "string"},
	{"sf-dump-num", "number"},
	{"sf-dump-const", "constant"},
	{"sf-dump-array", "array"},
	{"sf-dump-object", "object"},
	{"sf-dump-resource", "resource"},
}

var digitPattern = regexp.MustCompile(`\d`)

func dataType(rawHTML string) string {
	for _, m := range dataTypeMarkers {
		if strings.Contains(rawHTML, m.class) {
			return m.kind
		}
	}

	switch {
	case strings.Contains(rawHTML, "{") && strings.Contains(rawHTML, "}"):
		return "object"
	case strings.Contains(rawHTML, "[") && strings.Contains(rawHTML, "]"):
		return "array"
	case strings.ContainsAny(rawHTML, `"'`):
		return "string"
	case digitPattern.MatchString(rawHTML):
		return "number"
	}
	return "mixed"
}
