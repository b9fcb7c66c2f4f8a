package transport

import (
	"context"
	"sync"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

type pipeEnd struct {
	in     <-chan *protocol.Message
	out    chan<- *protocol.Message
	closed chan struct{}
	once   *sync.Once
	name   string
}

// Pipe returns two connected in-process ends. Closing either end closes
// both.
func Pipe() (Conn, Conn) {
	ab := make(chan *protocol.Message, 16)
	ba := make(chan *protocol.Message, 16)
	closed := make(chan struct{})
	once := &sync.Once{}

	return &pipeEnd{in: ba, out: ab, closed: closed, once: once, name: "pipe-a"},
		&pipeEnd{in: ab, out: ba, closed: closed, once: once, name: "pipe-b"}
}

// Recv drains messages sent before a close.
func (p *pipeEnd) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) RemoteAddr() string {
	return p.name
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
