package connection

// State is one phase of a connection's lifecycle. The server is authoritative
// over handshake progression; the client only reflects what it is told.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateValidatingUser
	StateCheckingSubscription
	StateCheckingBrokerAccess
	StateConnectingToBroker
	StateConnected
	StateReady
	StateReconnecting
	StateError
)

var stateNames = map[State]string{
	StateDisconnected:         "DISCONNECTED",
	StateConnecting:           "CONNECTING",
	StateValidatingUser:       "VALIDATING_USER",
	StateCheckingSubscription: "CHECKING_SUBSCRIPTION",
	StateCheckingBrokerAccess: "CHECKING_BROKER_ACCESS",
	StateConnectingToBroker:   "CONNECTING_TO_BROKER",
	StateConnected:            "CONNECTED",
	StateReady:                "READY",
	StateReconnecting:         "RECONNECTING",
	StateError:                "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// phaseFor maps the server's progress strings onto client states. A phase
// string announces the step just completed, so the client lands on the next
// state in the sequence.
func phaseFor(status string) (State, bool) {
	switch status {
	case "connecting":
		return StateConnecting, true
	case "validating", "validating_user":
		return StateValidatingUser, true
	case "authenticated":
		return StateCheckingSubscription, true
	case "subscription_verified":
		return StateCheckingBrokerAccess, true
	case "broker_access_granted", "connecting_broker":
		return StateConnectingToBroker, true
	case "broker_connected":
		return StateConnected, true
	case "ready":
		return StateReady, true
	}
	return StateDisconnected, false
}
