package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(origins []string, method, origin string) (*httptest.ResponseRecorder, bool) {
	called := false
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(method, "/api/dumps", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, called
}

func TestCORS_Wildcard(t *testing.T) {
	w, called := serve([]string{"*"}, http.MethodGet, "http://localhost:5173")

	if !called {
		t.Fatal("Expected next handler to be called")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected origin echoed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Expected no credentials for wildcard match, got %q", got)
	}
}

func TestCORS_ExplicitOriginAllowsCredentials(t *testing.T) {
	w, _ := serve([]string{"*", "http://localhost:3000"}, http.MethodGet, "http://localhost:3000")

	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials for explicit origin, got %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	w, called := serve([]string{"http://localhost:3000"}, http.MethodGet, "http://evil.example")

	if !called {
		t.Error("Expected simple request to reach the handler")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS headers, got %q", got)
	}

	w, called = serve([]string{"http://localhost:3000"}, http.MethodOptions, "http://evil.example")
	if called || w.Code != http.StatusForbidden {
		t.Errorf("Expected preflight rejected, got %d called=%v", w.Code, called)
	}
}

func TestCORS_Preflight(t *testing.T) {
	w, called := serve([]string{"*"}, http.MethodOptions, "http://localhost:5173")

	if called {
		t.Error("Expected preflight to short-circuit")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Expected Allow-Methods header")
	}
}
