// Package transport carries protocol messages between the proxy and its
// bridged peers.
package transport

import (
	"context"
	"errors"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

var ErrClosed = errors.New("connection closed")

// Conn is a duplex message stream to one bridged peer. Recv is called from a
// single reader goroutine; Send may be called concurrently with Recv.
type Conn interface {
	Recv(ctx context.Context) (*protocol.Message, error)
	Send(ctx context.Context, msg *protocol.Message) error
	RemoteAddr() string
	Close() error
}
