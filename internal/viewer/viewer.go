// Package viewer wires the dump pipeline together: supervisor records are
// classified, stored and pushed to browser sessions, and session requests
// are answered from the store.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/ashureev/dump-viewer/internal/broadcast"
	"github.com/ashureev/dump-viewer/internal/classify"
	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/export"
	"github.com/ashureev/dump-viewer/internal/store"
	"github.com/ashureev/dump-viewer/internal/supervisor"
)

const (
	DefaultJournalRetention = 7 * 24 * time.Hour
	DefaultPruneInterval    = time.Hour
	journalQueueSize        = 128
	journalWriteTimeout     = 5 * time.Second
)

// ErrNotFound is returned when a dump id is not in the store.
var ErrNotFound = errors.New("dump not found")

// DumpSource is the supervisor as seen by the viewer.
type DumpSource interface {
	Events() <-chan supervisor.Event
	IsRunning() bool
	Port() int
	State() supervisor.State
	StreamAttached() bool
	RuntimeName() string
	HelperScript() string
	HelperPath() string
}

// Hub is the broadcaster as seen by the viewer.
type Hub interface {
	Events() <-chan broadcast.Event
	Broadcast(env broadcast.Envelope) int
	SendTo(sessionID string, env broadcast.Envelope) bool
	Count() int
	Sessions() []broadcast.SessionInfo
}

// HealthReporter receives dump server availability changes.
type HealthReporter interface {
	SetDumpServer(running bool)
}

// Options configures a Viewer.
type Options struct {
	WebPort          int
	JournalRetention time.Duration
	// DumpRetention drops stored dumps older than this on every prune
	// tick. Zero keeps dumps until they are evicted or cleared.
	DumpRetention time.Duration
	PruneInterval time.Duration
}

// Viewer owns the event loop between the supervisor and the broadcaster
// and backs the HTTP API.
type Viewer struct {
	source     DumpSource
	hub        Hub
	classifier *classify.Classifier
	ring       *store.Ring
	journal    store.Journal
	health     HealthReporter
	exporter   *export.Exporter
	opts       Options
	startedAt  time.Time
	logger     *slog.Logger

	// writeMu serializes store mutations with the broadcasts that
	// announce them, whether they come from Run or from API calls.
	writeMu sync.Mutex

	journalQueue chan domain.LifecycleEvent
}

// New creates a Viewer. A nil journal disables journaling.
func New(source DumpSource, hub Hub, classifier *classify.Classifier, ring *store.Ring, journal store.Journal, opts Options, logger *slog.Logger) *Viewer {
	if logger == nil {
		logger = slog.Default()
	}
	if journal == nil {
		journal = store.NopJournal{}
	}
	if opts.JournalRetention <= 0 {
		opts.JournalRetention = DefaultJournalRetention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	return &Viewer{
		source:       source,
		hub:          hub,
		classifier:   classifier,
		ring:         ring,
		journal:      journal,
		exporter:     export.New(),
		opts:         opts,
		startedAt:    time.Now(),
		logger:       logger,
		journalQueue: make(chan domain.LifecycleEvent, journalQueueSize),
	}
}

// SetHealth attaches a health reporter. Call before Run.
func (v *Viewer) SetHealth(h HealthReporter) {
	v.health = h
}

// Run consumes supervisor and session events until ctx is cancelled.
func (v *Viewer) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.journalLoop(ctx)
	}()
	defer func() { <-done }()

	v.prune(ctx)
	ticker := time.NewTicker(v.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-v.source.Events():
			v.handleSupervisorEvent(ev)
		case ev := <-v.hub.Events():
			v.handleSessionEvent(ev)
		case <-ticker.C:
			v.prune(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (v *Viewer) handleSupervisorEvent(ev supervisor.Event) {
	switch e := ev.(type) {
	case supervisor.EventRecord:
		v.add(v.classifier.Classify(e.HTML, nil))
	case supervisor.EventError:
		v.logger.Error("Dump server error", "error", e.Err)
		v.record(domain.LifecycleEvent{Kind: domain.EventServerError, Detail: e.Err.Error()})
		v.hub.Broadcast(broadcast.ErrorEnvelope(e.Err.Error()))
	case supervisor.EventStateChanged:
		v.logger.Info("Dump server state changed", "from", e.From, "to", e.To, "port", e.Port)
		if v.health != nil {
			v.health.SetDumpServer(e.To == supervisor.StateRunning)
		}
		switch e.To {
		case supervisor.StateRunning:
			v.record(domain.LifecycleEvent{Kind: domain.EventServerStarted, Port: e.Port})
		case supervisor.StateStopped:
			v.record(domain.LifecycleEvent{Kind: domain.EventServerStopped, Port: e.Port})
		}
		v.broadcastStatus()
	case supervisor.EventCrashed:
		v.logger.Warn("Dump server crashed", "port", e.Port, "exit_code", e.ExitCode, "signal", e.Signal, "reason", e.Reason)
		detail := e.Reason
		if e.Signal != "" {
			detail = fmt.Sprintf("%s (signal %s)", detail, e.Signal)
		}
		v.record(domain.LifecycleEvent{Kind: domain.EventServerCrashed, Detail: detail, Port: e.Port, ExitCode: e.ExitCode})
	}
}

func (v *Viewer) handleSessionEvent(ev broadcast.Event) {
	switch e := ev.(type) {
	case broadcast.EventConnected:
		v.hub.SendTo(e.Session, broadcast.NewEnvelope(broadcast.TypeDumps, v.ring.All()))
		v.broadcastStatus()
		v.record(domain.LifecycleEvent{Kind: domain.EventClientConnected, Detail: e.Session + " " + e.RemoteAddr})
	case broadcast.EventDisconnected:
		v.broadcastStatus()
		v.record(domain.LifecycleEvent{Kind: domain.EventClientDisconnected, Detail: e.Session + " " + e.Reason})
	case broadcast.EventRequestStatus:
		v.hub.SendTo(e.Session, broadcast.NewEnvelope(broadcast.TypeStatus, v.Status()))
	case broadcast.EventRequestDumps:
		var f domain.Filter
		if e.Filter != nil {
			f = *e.Filter
		}
		v.hub.SendTo(e.Session, broadcast.NewEnvelope(broadcast.TypeDumps, v.Dumps(f)))
	case broadcast.EventFilterDumps:
		v.hub.SendTo(e.Session, broadcast.NewEnvelope(broadcast.TypeDumps, v.Dumps(e.Filter)))
	case broadcast.EventClearDumps:
		v.Clear()
	}
}

// add stores rec and pushes it to every session.
func (v *Viewer) add(rec domain.DumpRecord) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	if evicted := v.ring.Add(rec); len(evicted) > 0 {
		v.logger.Debug("Evicted oldest dumps", "count", len(evicted), "capacity", v.ring.Capacity())
	}
	v.hub.Broadcast(broadcast.NewEnvelope(broadcast.TypeDump, rec))
	v.broadcastStatus()
}

func (v *Viewer) broadcastStatus() {
	v.hub.Broadcast(broadcast.NewEnvelope(broadcast.TypeStatus, v.Status()))
}

// Status returns the current server snapshot.
func (v *Viewer) Status() domain.ServerStatus {
	return domain.ServerStatus{
		DumpServerRunning:  v.source.IsRunning(),
		DumpServerPort:     v.source.Port(),
		WebServerPort:      v.opts.WebPort,
		ConnectedClients:   v.hub.Count(),
		TCPClientConnected: v.source.StreamAttached(),
		TotalDumps:         v.ring.Len(),
	}
}

// Dumps returns the stored records matching f, oldest first.
func (v *Viewer) Dumps(f domain.Filter) []domain.DumpRecord {
	return v.ring.Filtered(f)
}

// Recent returns up to n of the newest records, newest first.
func (v *Viewer) Recent(n int) []domain.DumpRecord {
	return v.ring.Recent(n)
}

// Dump returns one record by id.
func (v *Viewer) Dump(id string) (domain.DumpRecord, error) {
	rec, ok := v.ring.ByID(id)
	if !ok {
		return domain.DumpRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Clear empties the store and tells every session.
func (v *Viewer) Clear() int {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	n := v.ring.Clear()
	v.logger.Info("Dumps cleared", "count", n)
	v.hub.Broadcast(broadcast.NewEnvelope(broadcast.TypeClear, nil))
	v.broadcastStatus()
	v.record(domain.LifecycleEvent{Kind: domain.EventDumpsCleared, Detail: fmt.Sprintf("%d dumps", n)})
	return n
}

// Ingest classifies raw dump HTML received outside the subprocess stream
// and handles it like any streamed record.
func (v *Viewer) Ingest(rawHTML string, sc *classify.SourceContext) domain.DumpRecord {
	rec := v.classifier.Classify(rawHTML, sc)
	v.add(rec)
	return rec
}

// Import appends previously exported records. Invalid or already stored
// records are skipped.
func (v *Viewer) Import(records []domain.DumpRecord) (imported, skipped int) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	for _, rec := range records {
		if !rec.Valid() {
			skipped++
			continue
		}
		if _, exists := v.ring.ByID(rec.ID); exists {
			skipped++
			continue
		}
		v.ring.Add(rec)
		imported++
	}

	if imported > 0 {
		v.logger.Info("Dumps imported", "imported", imported, "skipped", skipped)
		v.hub.Broadcast(broadcast.NewEnvelope(broadcast.TypeDumps, v.ring.All()))
		v.broadcastStatus()
	}
	return imported, skipped
}

// Export writes the records matching f to w.
func (v *Viewer) Export(w io.Writer, format export.Format, f domain.Filter) error {
	return v.exporter.Write(w, format, v.Dumps(f))
}

// SourceFiles lists the distinct source files in the store.
func (v *Viewer) SourceFiles() []string {
	return v.ring.SourceFiles()
}

// HelperScript returns the PHP helper for the running dump server.
func (v *Viewer) HelperScript() string {
	return v.source.HelperScript()
}

// LifecycleEvents returns up to limit journal entries, newest first.
func (v *Viewer) LifecycleEvents(ctx context.Context, limit int) ([]domain.LifecycleEvent, error) {
	events, err := v.journal.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read lifecycle journal: %w", err)
	}
	return events, nil
}

// RuntimeInfo describes the viewer process.
type RuntimeInfo struct {
	Uptime          string `json:"uptime"`
	Goroutines      int    `json:"goroutines"`
	HeapAllocBytes  uint64 `json:"heapAllocBytes"`
	Capacity        int    `json:"capacity"`
	Sessions        int    `json:"sessions"`
	SupervisorState string `json:"supervisorState"`
	Runtime         string `json:"runtime"`
	CategoryMode    string `json:"categoryMode"`
	HelperPath      string `json:"helperPath,omitempty"`
}

// StatsReport is served by /api/stats.
type StatsReport struct {
	Store    domain.Stats            `json:"store"`
	Runtime  RuntimeInfo             `json:"runtime"`
	Sessions []broadcast.SessionInfo `json:"sessions"`
}

// Stats summarizes the store and the process.
func (v *Viewer) Stats() StatsReport {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return StatsReport{
		Store: v.ring.Stats(),
		Runtime: RuntimeInfo{
			Uptime:          time.Since(v.startedAt).Round(time.Second).String(),
			Goroutines:      runtime.NumGoroutine(),
			HeapAllocBytes:  mem.HeapAlloc,
			Capacity:        v.ring.Capacity(),
			Sessions:        v.hub.Count(),
			SupervisorState: string(v.source.State()),
			Runtime:         v.source.RuntimeName(),
			CategoryMode:    string(v.classifier.Mode()),
			HelperPath:      v.source.HelperPath(),
		},
		Sessions: v.hub.Sessions(),
	}
}

// record queues a journal entry without blocking the event loop.
func (v *Viewer) record(ev domain.LifecycleEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	select {
	case v.journalQueue <- ev:
	default:
		v.logger.Warn("Lifecycle journal queue full, dropping event", "kind", ev.Kind)
	}
}

func (v *Viewer) journalLoop(ctx context.Context) {
	for {
		select {
		case ev := <-v.journalQueue:
			v.appendJournal(ev)
		case <-ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case ev := <-v.journalQueue:
					v.appendJournal(ev)
				default:
					return
				}
			}
		}
	}
}

func (v *Viewer) appendJournal(ev domain.LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := v.journal.Append(ctx, ev); err != nil {
		v.logger.Warn("Failed to journal lifecycle event", "kind", ev.Kind, "error", err)
	}
}

func (v *Viewer) prune(ctx context.Context) {
	v.pruneDumps(time.Now())
	v.pruneJournal(ctx)
}

// pruneDumps drops dumps older than the retention window and resyncs
// sessions when anything was removed.
func (v *Viewer) pruneDumps(now time.Time) int {
	if v.opts.DumpRetention <= 0 {
		return 0
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	n := v.ring.RemoveOlderThan(now.Add(-v.opts.DumpRetention))
	if n > 0 {
		v.logger.Info("Removed expired dumps", "count", n, "retention", v.opts.DumpRetention)
		v.hub.Broadcast(broadcast.NewEnvelope(broadcast.TypeDumps, v.ring.All()))
		v.broadcastStatus()
	}
	return n
}

func (v *Viewer) pruneJournal(ctx context.Context) {
	n, err := v.journal.Prune(ctx, v.opts.JournalRetention)
	if err != nil {
		if ctx.Err() == nil {
			v.logger.Warn("Failed to prune lifecycle journal", "error", err)
		}
		return
	}
	if n > 0 {
		v.logger.Info("Pruned lifecycle journal", "deleted", n, "retention", v.opts.JournalRetention)
	}
}
