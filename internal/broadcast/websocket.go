package broadcast

import (
	"net/http"

	"github.com/coder/websocket"
)

// ServeHTTP upgrades the request and serves the session until it ends.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !b.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Origin is checked above against full origins.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Error("Failed to accept WebSocket", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	if err := b.Attach(r.Context(), ws, r.RemoteAddr); err != nil {
		b.logger.Debug("WebSocket attach refused", "error", err)
	}
}

func (b *Broadcaster) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	b.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", b.opts.AllowedOrigins)
	return false
}
