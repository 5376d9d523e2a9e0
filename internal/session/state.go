package session

// State is a session's lifecycle position.
type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
