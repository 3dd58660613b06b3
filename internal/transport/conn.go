package transport

// Application-level close codes carried on the WebSocket close frame.
const (
	// CloseNormal signals an orderly shutdown initiated by either side.
	CloseNormal = 1000
	// CloseUnavailable signals that admission failed or the session is gone.
	CloseUnavailable = 4001
	// CloseReplaced signals that a newer connection for the same user evicted this one.
	CloseReplaced = 4002
	// CloseRevoked signals that the owning auth session was revoked.
	CloseRevoked = 4003
)

// Conn is the narrow capability surface the game core requires from a client
// connection. Registries and engines depend on this interface only, never on
// the underlying transport type.
type Conn interface {
	// SendEvent marshals and queues an {event, payload} envelope for delivery.
	SendEvent(event string, payload any) error
	// Close terminates the connection with the supplied close code and reason.
	Close(code int, reason string) error
}
