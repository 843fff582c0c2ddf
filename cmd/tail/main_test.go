package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/tailclient"
)

func message(t *testing.T, typ string, data any) tailclient.Message {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return tailclient.Message{Type: typ, Data: raw, Timestamp: time.Now()}
}

func record(id string, cat domain.Category) domain.DumpRecord {
	return domain.DumpRecord{
		ID:        id,
		Timestamp: time.Now(),
		Source:    domain.Source{File: "/app/a.php", Line: 1},
		Category:  cat,
		Content:   "<pre>" + id + "</pre>",
	}
}

func TestPrinter_FiltersCategory(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, domain.CategoryQuery, true)

	p.handle(message(t, "dump", record("dump_q", domain.CategoryQuery)))
	p.handle(message(t, "dump", record("dump_d", domain.CategoryDump)))

	out := buf.String()
	if !strings.Contains(out, "## dump_q") || strings.Contains(out, "dump_d") {
		t.Errorf("output = %q", out)
	}
}

func TestPrinter_HistoryOnlyOnce(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, domain.CategoryAll, true)

	p.handle(message(t, "dumps", []domain.DumpRecord{record("dump_1", domain.CategoryDump)}))
	p.handle(message(t, "dumps", []domain.DumpRecord{record("dump_2", domain.CategoryDump)}))
	p.handle(message(t, "clear", nil))

	out := buf.String()
	if !strings.Contains(out, "dump_1") || strings.Contains(out, "dump_2") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "(dumps cleared)") {
		t.Error("clear not printed")
	}
}

func TestPrinter_NoHistory(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, domain.CategoryAll, false)

	p.handle(message(t, "dumps", []domain.DumpRecord{record("dump_1", domain.CategoryDump)}))
	if buf.Len() != 0 {
		t.Errorf("history printed with -history=false: %q", buf.String())
	}
}
