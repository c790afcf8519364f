package mesh

type EventKind int

const (
	EventConnectionInitiated EventKind = iota
	EventPeerConnected
	EventPeerDisconnected
	EventConnectionError
	EventPeerUnreachable
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionInitiated:
		return "connection-initiated"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventConnectionError:
		return "connection-error"
	case EventPeerUnreachable:
		return "peer-unreachable"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle notification for external consumers.
type Event struct {
	Kind   EventKind
	PeerID string
	Err    error
}
