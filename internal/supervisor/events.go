package supervisor

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Event is emitted on the supervisor's event channel. The concrete type is
// one of EventRecord, EventError, EventStateChanged or EventCrashed.
type Event interface {
	event()
}

// EventRecord carries one framed HTML record, in stdout order.
type EventRecord struct {
	HTML string
}

// EventError reports a failure that did not come back through Start, such
// as a failed automatic restart.
type EventError struct {
	Err error
}

// EventStateChanged reports a lifecycle transition.
type EventStateChanged struct {
	From State
	To   State
	Port int
}

// EventCrashed reports an unrequested exit. A restart follows.
type EventCrashed struct {
	Port     int
	ExitCode int
	Signal   string
	Reason   string
}

func (EventRecord) event()       {}
func (EventError) event()        {}
func (EventStateChanged) event() {}
func (EventCrashed) event()      {}
