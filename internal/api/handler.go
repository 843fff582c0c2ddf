// Package api provides the HTTP handlers for the dump viewer API.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/dump-viewer/internal/classify"
	"github.com/ashureev/dump-viewer/internal/domain"
	"github.com/ashureev/dump-viewer/internal/export"
	"github.com/ashureev/dump-viewer/internal/viewer"
)

// Backend is the orchestrator behind the API.
type Backend interface {
	Dumps(f domain.Filter) []domain.DumpRecord
	Recent(n int) []domain.DumpRecord
	Dump(id string) (domain.DumpRecord, error)
	Clear() int
	Status() domain.ServerStatus
	Stats() viewer.StatsReport
	Export(w io.Writer, format export.Format, f domain.Filter) error
	Ingest(rawHTML string, sc *classify.SourceContext) domain.DumpRecord
	Import(records []domain.DumpRecord) (imported, skipped int)
	SourceFiles() []string
	LifecycleEvents(ctx context.Context, limit int) ([]domain.LifecycleEvent, error)
	HelperScript() string
}

// Handler serves the /api routes.
type Handler struct {
	backend Backend
	logger  *slog.Logger
}

// NewHandler creates a Handler over backend.
func NewHandler(backend Backend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{backend: backend, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
