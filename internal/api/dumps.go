package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dump-viewer/internal/classify"
	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/export"
	"github.com/ashureev/dump-viewer/internal/store"
	"github.com/ashureev/dump-viewer/internal/viewer"
)

const (
	maxIngestBytes    = 8 << 20
	maxImportBytes    = 64 << 20
	defaultEventLimit = 100
	maxEventLimit     = 1000
	defaultRecentDump = 50
)

// RegisterRoutes registers the dump API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/dumps", h.ListDumps)
		r.Post("/dumps", h.IngestDump)
		r.Delete("/dumps", h.ClearDumps)
		r.Get("/dumps/recent", h.RecentDumps)
		r.Get("/dumps/{id}", h.GetDump)
		r.Get("/export", h.ExportDumps)
		r.Post("/import", h.ImportDumps)
		r.Get("/status", h.GetStatus)
		r.Get("/stats", h.GetStats)
		r.Get("/files", h.ListSourceFiles)
		r.Get("/events", h.ListLifecycleEvents)
		r.Get("/helper", h.GetHelperScript)
	})
}

// ListDumps returns the stored dumps matching the query filter. sort=desc
// orders them newest first and limit caps the page; total counts every match.
func (h *Handler) ListDumps(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, 0)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	dumps := h.backend.Dumps(f)
	total := len(dumps)
	switch r.URL.Query().Get("sort") {
	case "", "asc":
	case "desc":
		dumps = store.SortNewestFirst(dumps)
	default:
		Error(w, http.StatusBadRequest, "sort must be asc or desc")
		return
	}
	if limit > 0 && len(dumps) > limit {
		dumps = dumps[:limit]
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"dumps":  dumps,
		"total":  total,
		"filter": f,
	})
}

// RecentDumps returns the most recently stored dumps, newest first.
func (h *Handler) RecentDumps(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultRecentDump)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	dumps := h.backend.Recent(limit)
	JSON(w, http.StatusOK, map[string]interface{}{
		"dumps": dumps,
		"total": len(dumps),
	})
}

// GetDump returns one dump by id.
func (h *Handler) GetDump(w http.ResponseWriter, r *http.Request) {
	rec, err := h.backend.Dump(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, viewer.ErrNotFound) {
			Error(w, http.StatusNotFound, "Dump not found")
			return
		}
		h.logger.Error("Failed to get dump", "error", err)
		Error(w, http.StatusInternalServerError, "Failed to get dump")
		return
	}
	JSON(w, http.StatusOK, rec)
}

// ClearDumps empties the store and notifies every session.
func (h *Handler) ClearDumps(w http.ResponseWriter, _ *http.Request) {
	n := h.backend.Clear()
	JSON(w, http.StatusOK, map[string]interface{}{
		"message": "All dumps cleared",
		"cleared": n,
	})
}

type ingestRequest struct {
	HTML   string                  `json:"html"`
	Source *classify.SourceContext `json:"source,omitempty"`
}

// IngestDump classifies a dump posted as JSON and stores it.
func (h *Handler) IngestDump(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if strings.TrimSpace(req.HTML) == "" {
		Error(w, http.StatusBadRequest, "html is required")
		return
	}

	rec := h.backend.Ingest(req.HTML, req.Source)
	JSON(w, http.StatusCreated, rec)
}

// ExportDumps sends the matching dumps as a JSON or Markdown attachment.
func (h *Handler) ExportDumps(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := h.backend.Export(&buf, format, f); err != nil {
		h.logger.Error("Failed to export dumps", "format", format, "error", err)
		Error(w, http.StatusInternalServerError, "Failed to export dumps")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, format.Filename(time.Now())))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Debug("Export write interrupted", "error", err)
	}
}

// ImportDumps appends a previously exported JSON array of dumps.
func (h *Handler) ImportDumps(w http.ResponseWriter, r *http.Request) {
	var records []domain.DumpRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImportBytes)).Decode(&records); err != nil {
		Error(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	imported, skipped := h.backend.Import(records)
	JSON(w, http.StatusOK, map[string]int{
		"imported": imported,
		"skipped":  skipped,
	})
}

// GetStatus returns the server status snapshot.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.backend.Status())
}

// GetStats returns store statistics and runtime information.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.backend.Stats())
}

// ListSourceFiles returns the distinct source files of stored dumps.
func (h *Handler) ListSourceFiles(w http.ResponseWriter, _ *http.Request) {
	files := h.backend.SourceFiles()
	JSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"total": len(files),
	})
}

// ListLifecycleEvents returns recent journal entries, newest first.
func (h *Handler) ListLifecycleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultEventLimit)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(limit, maxEventLimit)

	events, err := h.backend.LifecycleEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read lifecycle events", "error", err)
		Error(w, http.StatusInternalServerError, "Failed to read lifecycle events")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// GetHelperScript returns the PHP helper for the running dump server.
func (h *Handler) GetHelperScript(w http.ResponseWriter, _ *http.Request) {
	script := h.backend.HelperScript()
	if script == "" {
		Error(w, http.StatusServiceUnavailable, "dump server not started")
		return
	}
	w.Header().Set("Content-Type", "text/x-php; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="dump-helper.php"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(script))
}

// parseLimit reads the optional positive limit query parameter.
func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// parseFilter reads category, search, file, from and to query parameters.
func parseFilter(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	f := domain.Filter{
		Search: q.Get("search"),
		File:   q.Get("file"),
	}

	if c := q.Get("category"); c != "" && c != string(domain.CategoryAll) {
		f.Category = domain.Category(c)
		if !f.Category.Valid() {
			return domain.Filter{}, fmt.Errorf("unknown category %q", c)
		}
	}

	var err error
	if f.DateFrom, err = parseTime(q.Get("from")); err != nil {
		return domain.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	if f.DateTo, err = parseTime(q.Get("to")); err != nil {
		return domain.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	return f, nil
}

// parseTime accepts RFC 3339, a plain date or unix milliseconds.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return &t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms)
		return &t, nil
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}
