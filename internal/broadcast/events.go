package broadcast

import "github.com/ashureev/dump-viewer/internal/domain"

// Event is emitted for the orchestrator on the broadcaster's event channel.
type Event interface {
	SessionID() string
}

// EventConnected follows the welcome message of a new session.
type EventConnected struct {
	Session    string
	RemoteAddr string
}

// EventDisconnected is emitted once per session, whatever ended it.
type EventDisconnected struct {
	Session string
	Reason  string
}

// EventRequestStatus asks for a status snapshot.
type EventRequestStatus struct {
	Session string
}

// EventRequestDumps asks for the stored dumps, optionally filtered.
type EventRequestDumps struct {
	Session string
	Filter  *domain.Filter
}

// EventClearDumps asks for the store to be cleared.
type EventClearDumps struct {
	Session string
}

// EventFilterDumps asks for the dumps matching Filter.
type EventFilterDumps struct {
	Session string
	Filter  domain.Filter
}

func (e EventConnected) SessionID() string     { return e.Session }
func (e EventDisconnected) SessionID() string  { return e.Session }
func (e EventRequestStatus) SessionID() string { return e.Session }
func (e EventRequestDumps) SessionID() string  { return e.Session }
func (e EventClearDumps) SessionID() string    { return e.Session }
func (e EventFilterDumps) SessionID() string   { return e.Session }
