package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport"
)

// Conn is a bridged peer reached over an ordered data channel.
type Conn struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	codec  *protocol.Codec
	recv   chan []byte
	opened chan struct{}
	closed chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
}

func newConn(pc *webrtc.PeerConnection) *Conn {
	c := &Conn{
		pc:     pc,
		codec:  protocol.NewCodec(),
		recv:   make(chan []byte, 64),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.markClosed()
		}
	})
	return c
}

func (c *Conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.recv <- msg.Data:
		case <-c.closed:
		}
	})

	dc.OnClose(c.markClosed)
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// waitOpen blocks until the data channel opened.
func (c *Conn) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case data := <-c.recv:
		return c.codec.DecodeFromBytes(data)
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Send(_ context.Context, msg *protocol.Message) error {
	data, err := c.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("data channel not ready")
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	return dc.SendText(string(data))
}

func (c *Conn) RemoteAddr() string {
	if sctp := c.pc.SCTP(); sctp != nil {
		if dtls := sctp.Transport(); dtls != nil {
			if pair, err := dtls.ICETransport().GetSelectedCandidatePair(); err == nil && pair != nil {
				return fmt.Sprintf("%s:%d", pair.Remote.Address, pair.Remote.Port)
			}
		}
	}
	return "webrtc"
}

func (c *Conn) Close() error {
	c.markClosed()

	c.mu.Lock()
	if c.dc != nil {
		_ = c.dc.Close()
	}
	c.mu.Unlock()
	return c.pc.Close()
}
