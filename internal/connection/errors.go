package connection

import "errors"

var (
	// ErrAuthentication marks a missing or rejected credential. Fatal, never
	// retried.
	ErrAuthentication = errors.New("authentication failed")

	// ErrHandshakeTimeout fires when the multi-phase handshake does not reach
	// READY inside the ceiling.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrSocketClosed is returned by Send when no socket is open.
	ErrSocketClosed = errors.New("socket is not open")

	// ErrDisconnected is the distinguishable reason an in-flight connect is
	// rejected with when Disconnect is called.
	ErrDisconnected = errors.New("connection closed by disconnect")

	// ErrPongTimeout marks a heartbeat that went unanswered.
	ErrPongTimeout = errors.New("pong not received in time")

	// ErrMaxReconnects surfaces after the reconnect attempt cap is exhausted.
	ErrMaxReconnects = errors.New("reconnect attempts exhausted")
)

// ServerRejection is an explicit error sent by the gateway. Retried unless
// the gateway marks it fatal.
type ServerRejection struct {
	Phase   string
	Message string
	Fatal   bool
}

func (e *ServerRejection) Error() string {
	if e.Phase != "" {
		return "gateway rejected " + e.Phase + ": " + e.Message
	}
	return "gateway rejected: " + e.Message
}

func (e *ServerRejection) Retriable() bool { return !e.Fatal }

type retriable interface {
	Retriable() bool
}

// IsRetriable classifies an error for the reconnect loops: authentication
// and manual disconnects are terminal, server rejections decide for
// themselves, everything else (socket errors, timeouts) is worth retrying.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrDisconnected) || errors.Is(err, ErrMaxReconnects) {
		return false
	}
	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return true
}
