package conn

// State is the per-connection handshake/lifecycle state (spec.md §4.G).
// Transitions are one-way except into Disconnected, which is terminal.
type State int32

const (
	StateConnecting State = iota
	StateWaitingForDummyPacket
	StateDhKeyExchange
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaitingForDummyPacket:
		return "waiting_for_dummy_packet"
	case StateDhKeyExchange:
		return "dh_key_exchange"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
