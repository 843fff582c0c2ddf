// Package export renders stored dumps as downloadable documents.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/ashureev/dump-viewer/internal/classify"
	"github.com/ashureev/dump-viewer/internal/domain"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts json (default), markdown or md.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType is the response media type for f.
func (f Format) ContentType() string {
	if f == FormatMarkdown {
		return "text/markdown; charset=utf-8"
	}
	return "application/json"
}

// Filename is the attachment name for an export taken at t.
func (f Format) Filename(t time.Time) string {
	ext := "json"
	if f == FormatMarkdown {
		ext = "md"
	}
	return fmt.Sprintf("dumps-%d.%s", t.UnixMilli(), ext)
}

// Exporter writes records as JSON or Markdown.
type Exporter struct {
	md *converter.Converter
}

// New creates an Exporter.
func New() *Exporter {
	return &Exporter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Write encodes records to w in format f.
func (e *Exporter) Write(w io.Writer, f Format, records []domain.DumpRecord) error {
	switch f {
	case FormatMarkdown:
		return e.writeMarkdown(w, records)
	default:
		return writeJSON(w, records)
	}
}

func writeJSON(w io.Writer, records []domain.DumpRecord) error {
	if records == nil {
		records = []domain.DumpRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

func (e *Exporter) writeMarkdown(w io.Writer, records []domain.DumpRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Dump export\n\n_%d dumps, exported %s_\n", len(records), time.Now().UTC().Format(time.RFC3339))

	for _, rec := range records {
		b.WriteString("\n")
		b.WriteString(e.Record(rec))
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// Record renders one dump as a Markdown section.
func (e *Exporter) Record(rec domain.DumpRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", rec.ID)
	fmt.Fprintf(&b, "- **Time:** %s\n", rec.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Category:** %s\n", rec.Category)
	fmt.Fprintf(&b, "- **Source:** %s\n\n", SourceLabel(rec))
	b.WriteString(e.Markdown(rec.Content))
	b.WriteString("\n\n---\n")
	return b.String()
}

// Markdown converts dump HTML to Markdown. Output that the converter
// cannot produce falls back to the visible text in a fenced block.
func (e *Exporter) Markdown(content string) string {
	out, err := e.md.ConvertString(content)
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out)
	}
	return "```\n" + strings.TrimSpace(classify.VisibleText(content)) + "\n```"
}

// SourceLabel formats the provenance as file:line with the calling
// function when known.
func SourceLabel(rec domain.DumpRecord) string {
	label := fmt.Sprintf("%s:%d", rec.Source.File, rec.Source.Line)
	switch {
	case rec.Source.Class != "" && rec.Source.Function != "":
		label += fmt.Sprintf(" (%s::%s())", rec.Source.Class, rec.Source.Function)
	case rec.Source.Function != "":
		label += fmt.Sprintf(" (%s())", rec.Source.Function)
	}
	return label
}
