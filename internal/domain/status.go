package domain

import "time"

// ServerStatus is the snapshot pushed to the UI and served by /api/status.
type ServerStatus struct {
	DumpServerRunning  bool `json:"dumpServerRunning"`
	DumpServerPort     int  `json:"dumpServerPort"`
	WebServerPort      int  `json:"webServerPort"`
	ConnectedClients   int  `json:"connectedClients"`
	TCPClientConnected bool `json:"tcpClientConnected"`
	TotalDumps         int  `json:"totalDumps"`
}

// Stats summarizes the records currently held by the store.
type Stats struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"byCategory"`
	TotalSize  int              `json:"totalSize"`
	OldestDump *time.Time       `json:"oldestDump,omitempty"`
	NewestDump *time.Time       `json:"newestDump,omitempty"`
}

// LifecycleEvent is one journaled supervisor or session transition.
type LifecycleEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Port      int       `json:"port,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lifecycle event kinds.
const (
	EventServerStarted      = "server_started"
	EventServerStopped      = "server_stopped"
	EventServerCrashed      = "server_crashed"
	EventServerError        = "server_error"
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventDumpsCleared       = "dumps_cleared"
)
