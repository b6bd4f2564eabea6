// Package transport provides the duplex, message-framed connection the sync
// session runs over. One JSON document travels per frame. Any transport
// meeting the Conn contract is substitutable; the reference implementation
// is WebSocket.
package transport

// Conn is a duplex, message-framed connection to one peer.
type Conn interface {
	// Send writes one frame. It fails once the connection is closed.
	Send(data []byte) error

	// Inbound delivers received frames in transport order. The channel is
	// closed when the connection ends.
	Inbound() <-chan []byte

	// Done is closed when the connection has ended, for any reason.
	Done() <-chan struct{}

	// Err reports why the connection ended, nil for an orderly close. Only
	// meaningful after Done is closed.
	Err() error

	// Close tears the connection down. Safe to call multiple times.
	Close() error

	// RemoteAddr describes the peer endpoint, for logging.
	RemoteAddr() string
}
