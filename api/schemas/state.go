package schemas

// ConnectionState is the lifecycle position of a client's transport.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFaulted
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal edge of the
// connection lifecycle.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	switch next {
	case StateFaulted:
		return s != StateDisconnected && s != StateFaulted
	case StateConnecting:
		return s == StateDisconnected || s == StateFaulted
	case StateConnected:
		return s == StateConnecting
	case StateDisconnecting:
		return s == StateConnected || s == StateConnecting
	case StateDisconnected:
		return s == StateConnecting || s == StateDisconnecting || s == StateFaulted
	}
	return false
}
