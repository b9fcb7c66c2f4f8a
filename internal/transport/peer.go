package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

// Transport listens for and dials bridged peers over QUIC on one UDP socket.
type Transport struct {
	udp      *net.UDPConn
	tr       *quic.Transport
	ln       *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config
}

func NewTransport(addr string) (*Transport, error) {
	tlsConf, err := DefaultTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, DefaultQUICConfig())
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	return &Transport{
		udp:      udp,
		tr:       tr,
		ln:       ln,
		tlsConf:  tlsConf,
		quicConf: DefaultQUICConfig(),
	}, nil
}

func (t *Transport) LocalAddr() net.Addr {
	return t.udp.LocalAddr()
}

func (t *Transport) Accept(ctx context.Context) (*Peer, error) {
	conn, err := t.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewPeer(conn), nil
}

func (t *Transport) Dial(ctx context.Context, addr string) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := t.tr.Dial(ctx, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewPeer(conn), nil
}

func (t *Transport) Close() error {
	_ = t.ln.Close()
	err := t.tr.Close()
	if closeErr := t.udp.Close(); err == nil && !errors.Is(closeErr, net.ErrClosed) {
		err = closeErr
	}
	return err
}

// Peer is one QUIC connection. Messages travel as length-prefixed frames on
// a single bidirectional control stream, opened by whichever side sends
// first.
type Peer struct {
	frames        *protocol.FrameCodec
	conn          *quic.Conn
	controlStream *quic.Stream
	mu            sync.Mutex
	writeMu       sync.Mutex
}

func NewPeer(conn *quic.Conn) *Peer {
	return &Peer{
		frames: protocol.NewFrameCodec(),
		conn:   conn,
	}
}

// Close tears down the connection first so a Recv blocked waiting for the
// control stream returns.
func (p *Peer) Close() error {
	err := p.conn.CloseWithError(0, "")

	p.mu.Lock()
	if p.controlStream != nil {
		_ = p.controlStream.Close()
	}
	p.mu.Unlock()
	return err
}

// Recv blocks until the next message. Cancelling ctx only interrupts
// waiting for the control stream; close the peer to interrupt a read.
func (p *Peer) Recv(ctx context.Context) (*protocol.Message, error) {
	stream, err := p.acceptControlStream(ctx)
	if err != nil {
		return nil, err
	}

	return p.frames.ReadFrame(stream)
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

func (p *Peer) Send(ctx context.Context, msg *protocol.Message) error {
	stream, err := p.getControlStream(ctx)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.frames.WriteFrame(stream, msg)
}

func (p *Peer) acceptControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}

	stream, err := p.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	p.controlStream = stream
	return stream, nil
}

func (p *Peer) getControlStream(ctx context.Context) (*quic.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.controlStream != nil {
		return p.controlStream, nil
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	p.controlStream = stream
	return stream, nil
}
