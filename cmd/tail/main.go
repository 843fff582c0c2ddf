// Command tail follows a running dump viewer and prints each dump to the
// terminal as Markdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/export"
	"github.com/ashureev/dump-viewer/internal/tailclient"
)

func main() {
	url := flag.String("url", "ws://localhost:3000/ws", "dump viewer WebSocket URL")
	category := flag.String("category", "all", "only print dumps of this category")
	history := flag.Bool("history", true, "print dumps already stored when connecting")
	maxAttempts := flag.Int("max-attempts", tailclient.DefaultMaxAttempts, "reconnection attempts before giving up")
	verbose := flag.Bool("v", false, "log connection details")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(os.Stdout, domain.Category(*category), *history)
	client := tailclient.New(tailclient.Options{
		URL:         *url,
		MaxAttempts: *maxAttempts,
		OnState: func(s tailclient.State) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", s, *url)
		},
	}, logger)

	if err := client.Run(ctx, p.handle); err != nil {
		if errors.Is(err, tailclient.ErrReconnectExhausted) {
			fmt.Fprintln(os.Stderr, "Giving up. Start the dump viewer and run tail again.")
		}
		logger.Error("Tail stopped", "error", err)
		os.Exit(1)
	}
}

// printer renders viewer messages as Markdown.
type printer struct {
	w        io.Writer
	category domain.Category
	history  bool
	exporter *export.Exporter
	rule     string
}

func newPrinter(w io.Writer, category domain.Category, history bool) *printer {
	width := 80
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			width = cols
		}
	}
	return &printer{
		w:        w,
		category: category,
		history:  history,
		exporter: export.New(),
		rule:     strings.Repeat("─", width),
	}
}

func (p *printer) handle(msg tailclient.Message) {
	switch msg.Type {
	case "dump":
		var rec domain.DumpRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			return
		}
		p.print(rec)
	case "dumps":
		if !p.history {
			return
		}
		var recs []domain.DumpRecord
		if err := json.Unmarshal(msg.Data, &recs); err != nil {
			return
		}
		for _, rec := range recs {
			p.print(rec)
		}
		// Later snapshots are replies to filters, not history.
		p.history = false
	case "clear":
		fmt.Fprintf(p.w, "%s\n(dumps cleared)\n", p.rule)
	}
}

func (p *printer) print(rec domain.DumpRecord) {
	if p.category != "" && p.category != domain.CategoryAll && rec.Category != p.category {
		return
	}
	fmt.Fprintf(p.w, "%s\n%s", p.rule, p.exporter.Record(rec))
}
