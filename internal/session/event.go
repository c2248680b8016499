package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventNew      EventType = iota // session created
	EventUpdate                    // state changed
	EventTerminal                  // session reached completed or failed
	EventRemoved                   // session deleted (client disconnected)
)

// Event carries a session state snapshot to observers.
type Event struct {
	Type        EventType
	State       *State // snapshot (safe to retain)
	ActiveCount int    // non-terminal sessions at event time
}
