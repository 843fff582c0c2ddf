package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandler(t *testing.T) {
	h := SPAHandler()

	tests := []struct {
		path string
		want string
	}{
		{"/", "<title>Dump Viewer</title>"},
		{"/app.js", "new WebSocket"},
		{"/dumps/some-client-route", "<title>Dump Viewer</title>"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", tt.path, w.Code)
			continue
		}
		if !strings.Contains(w.Body.String(), tt.want) {
			t.Errorf("%s: expected body to contain %q", tt.path, tt.want)
		}
	}
}

func TestSPAHandler_ConnectionStates(t *testing.T) {
	h := SPAHandler()

	assets := map[string][]string{
		"/app.js": {"'connecting'", "'connected'", "'disconnected'", "'reconnecting'", "'error'", "reconnecting (${attempts}/${maxAttempts})", "addEventListener('click', retry)"},
		"/":       {`id="retry"`},
	}
	for path, wants := range assets {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		body := w.Body.String()
		for _, want := range wants {
			if !strings.Contains(body, want) {
				t.Errorf("%s: expected body to contain %q", path, want)
			}
		}
	}
}
