package stream

import (
	"strings"
	"testing"
)

func joinRecords(records ...string) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r)
		b.WriteString("\n" + Sentinel + "\n")
	}
	return b.String()
}

func TestFramer_SingleFeed(t *testing.T) {
	f := NewFramer("")
	got := f.Feed([]byte(joinRecords("<div>A</div>", "<div>B</div>", "<div>C</div>")))

	want := []string{"<div>A</div>", "<div>B</div>", "<div>C</div>"}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if f.Pending() != 1 { // trailing newline after the last sentinel
		t.Errorf("expected 1 pending byte, got %d", f.Pending())
	}
}

func TestFramer_ChunkingDoesNotChangeOutput(t *testing.T) {
	records := []string{
		`<pre class=sf-dump id=sf-dump-1>"hello"</pre>`,
		`<!-- SOURCE_INFO: index.php on line 7 --><pre class=sf-dump>array:2 [...]</pre>`,
		`<div>` + strings.Repeat("x", 4096) + `</div>`,
	}
	input := []byte(joinRecords(records...))

	whole := NewFramer("").Feed(input)

	byteWise := NewFramer("")
	var stepped []string
	for i := range input {
		stepped = append(stepped, byteWise.Feed(input[i:i+1])...)
	}

	if len(whole) != len(records) || len(stepped) != len(records) {
		t.Fatalf("expected %d records, got whole=%d stepped=%d", len(records), len(whole), len(stepped))
	}
	for i := range records {
		if whole[i] != records[i] {
			t.Errorf("whole record %d mismatch", i)
		}
		if stepped[i] != whole[i] {
			t.Errorf("byte-wise record %d differs from single feed", i)
		}
	}
}

func TestFramer_SplitMidSentinel(t *testing.T) {
	input := "<div>A</div><!-- __DUMP_SEPARATOR__ --><div>B</div><!-- __DUMP_SEPARATOR__ -->"
	split := strings.Index(input, "__DUMP_SEP") + 4

	f := NewFramer("")
	first := f.Feed([]byte(input[:split]))
	if len(first) != 0 {
		t.Fatalf("expected no records before the sentinel completes, got %q", first)
	}

	second := f.Feed([]byte(input[split:]))
	if len(second) != 2 {
		t.Fatalf("expected 2 records, got %q", second)
	}
	if second[0] != "<div>A</div>" || second[1] != "<div>B</div>" {
		t.Errorf("unexpected records %q", second)
	}
	if f.Pending() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", f.Pending())
	}
}

func TestFramer_NoSentinelKeepsEverything(t *testing.T) {
	f := NewFramer("")
	input := []byte("<div>never terminated</div><!-- __DUMP_SEPARA")

	if got := f.Feed(input); len(got) != 0 {
		t.Fatalf("expected no records, got %q", got)
	}
	if f.Pending() != len(input) {
		t.Errorf("expected %d pending bytes, got %d", len(input), f.Pending())
	}

	got := f.Feed([]byte("TOR__ -->\n"))
	want := "<div>never terminated</div>"
	if len(got) != 1 || got[0] != want {
		t.Errorf("expected %q once the sentinel completes, got %q", want, got)
	}
}

func TestFramer_DropsEmptyRecords(t *testing.T) {
	f := NewFramer("")
	got := f.Feed([]byte(Sentinel + "  \n\t" + Sentinel + "<b>x</b>" + Sentinel + Sentinel))

	if len(got) != 1 || got[0] != "<b>x</b>" {
		t.Errorf("expected only the non-empty record, got %q", got)
	}
}

func TestFramer_Reset(t *testing.T) {
	f := NewFramer("")
	f.Feed([]byte("<div>partial"))
	f.Reset()

	got := f.Feed([]byte("</div>" + Sentinel))
	if len(got) != 1 || got[0] != "</div>" {
		t.Errorf("expected reset to discard the partial record, got %q", got)
	}
}

func BenchmarkFramer_Feed(b *testing.B) {
	chunk := []byte(joinRecords(`<pre class=sf-dump>"payload"</pre>`, `<pre class=sf-dump>123</pre>`))
	f := NewFramer("")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Feed(chunk)
	}
}
