package wsrouter

// Conn is the platform adapter interface the Router drives: raw socket I/O,
// buffered-bytes query for backpressure, and topic subscription plumbing
// owned by the transport. transport/gorillaws.Conn is the reference
// implementation.
type Conn interface {
	// ClientID returns the stable id assigned at upgrade.
	ClientID() string
	// Send transmits one already-serialized JSON text frame.
	Send(data []byte) error
	// Close closes the connection with a WebSocket close code and reason.
	Close(code int, reason string) error
	// Subscribe/Unsubscribe delegate topic membership to the transport.
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	// BufferedBytes reports the outbound queue depth, used for the
	// backpressure gate.
	BufferedBytes() int
}

// ReadyState is the lifecycle stage of a connection as seen by the router.
type ReadyState int

const (
	Open ReadyState = iota
	Closing
	Closed
)
