package ports

// ConnState is the connection state of a device worker or connector. Only the
// owning worker transitions it; reads by other components are advisory and may
// be stale by at most one reconnection interval.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateStopping
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}
