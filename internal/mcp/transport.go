package mcp

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by a transport that has been closed or
// whose peer has gone away. Transports are never restarted; the owning
// connection must be re-established instead.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries JSON-RPC messages to one tool server.
// Implementations handle framing, encoding, and correlation of
// responses to requests.
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources. It is
	// safe to call more than once.
	Close() error
}
