// Package transport provides the connection-oriented, message-framed socket
// abstraction spec §6 assumes as an external collaborator: accept, connect,
// non-blocking-ish read/write of one framed message, remote-user
// identification, and close. The session and server packages depend only
// on this interface, never on net.Conn directly, mirroring how
// original_source/paf/xcm.py wraps the underlying XCM transport library
// behind a small Socket/ConnectionSocket/ServerSocket API.
package transport

import "context"

// Conn is one accepted or dialed connection.
type Conn interface {
	// ReadMessage blocks until one complete framed message is available,
	// ctx is cancelled, or the connection fails.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage sends one framed message, tolerating partial writes
	// internally.
	WriteMessage(ctx context.Context, msg []byte) error

	// RemoteUser is the transport-supplied principal string used to
	// partition per-user resource quotas (spec §4.4, §9). Defaults to the
	// remote address when the transport has no stronger identity (e.g. no
	// client certificate).
	RemoteUser() string

	// RemoteAddr is the remote endpoint, for the `clients` listing.
	RemoteAddr() string

	Close() error
}

// Listener accepts new Conns on one bound address.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}
