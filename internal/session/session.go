// Package session runs one bridged peer for the lifetime of its connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/bus"
	"github.com/rudransh-shrivastava/dropbridge/internal/callback"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultName             = "Unknown device"
	maxNameLength           = 64
)

var ErrHandshake = errors.New("handshake failed")

var metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dropbridge",
	Subsystem: "session",
	Name:      "active",
	Help:      "Number of active bridged sessions, per transport",
}, []string{"transport"})

// Registrar is the part of the registry a session needs.
type Registrar interface {
	Register(ctx context.Context, p peer.Peer) error
	Unregister(ctx context.Context, p peer.Peer)
}

type Config struct {
	Registry         Registrar
	Slots            *callback.Pool
	QueueSize        int
	HandshakeTimeout time.Duration
	AskTimeout       time.Duration
	AckTimeout       time.Duration
	Logger           logrus.FieldLogger
}

// Runner serves bridged connections. One Runner is shared by every
// transport.
type Runner struct {
	cfg    Config
	logger logrus.FieldLogger
}

func NewRunner(cfg Config) *Runner {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Slots == nil {
		cfg.Slots = callback.NewPool(callback.DefaultPoolSize, cfg.Logger)
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}
}

// Run performs the connect handshake, registers the peer and pumps messages
// until the connection or ctx ends. The peer is unregistered and every
// pending request failed before Run returns. conn is closed.
func (r *Runner) Run(ctx context.Context, kind string, conn transport.Conn) error {
	log := r.logger.WithFields(logrus.Fields{"addr": conn.RemoteAddr(), "transport": kind})
	defer conn.Close()

	hello, connect, err := r.handshake(ctx, conn)
	if err != nil {
		log.WithError(err).Warn("Bridged peer handshake failed")
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Not every transport honours ctx inside Recv.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s := &session{conn: conn, cancel: cancel}
	s.bus = bus.New(bus.Config{
		QueueSize:     r.cfg.QueueSize,
		Slots:         r.cfg.Slots,
		Logger:        log,
		OnUnsolicited: s.handle,
	})
	s.peer = peer.NewBridged(peer.BridgedConfig{
		Name:       displayName(connect.Name),
		Bus:        s.bus,
		AskTimeout: r.cfg.AskTimeout,
		AckTimeout: r.cfg.AckTimeout,
		Logger:     log,
	})

	if err := r.cfg.Registry.Register(ctx, s.peer); err != nil {
		_ = conn.Send(ctx, errorReply(hello, protocol.ErrInternal, "registration failed"))
		s.bus.Close(err)
		return fmt.Errorf("register: %w", err)
	}
	log = log.WithField("peer", s.peer.ID())
	s.logger = log

	metricSessions.WithLabelValues(kind).Inc()
	defer metricSessions.WithLabelValues(kind).Dec()

	defer func() {
		s.bus.Close(bus.ErrPeerGone)
		r.cfg.Registry.Unregister(context.Background(), s.peer)
		log.Info("Bridged peer disconnected")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	if err := s.bus.Reply(ctx, hello, &protocol.Connected{ID: string(s.peer.ID())}); err != nil {
		cancel()
		wg.Wait()
		return err
	}
	log.WithField("name", s.peer.DisplayName()).Info("Bridged peer connected")

	err = s.readLoop(ctx)
	// Also closes conn, unblocking a writer stuck in Send.
	cancel()
	wg.Wait()

	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handshake waits for the first message, which must be connect.
func (r *Runner) handshake(ctx context.Context, conn transport.Conn) (*protocol.Message, *protocol.Connect, error) {
	hsCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	// Not every transport honours ctx inside Recv; closing the conn always
	// unblocks it.
	timer := time.AfterFunc(r.cfg.HandshakeTimeout, func() { _ = conn.Close() })
	defer timer.Stop()

	msg, err := conn.Recv(hsCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	connect, ok := msg.Payload.(*protocol.Connect)
	if !ok {
		_ = conn.Send(hsCtx, errorReply(msg, protocol.ErrNotConnected, "expected connect"))
		return nil, nil, fmt.Errorf("%w: first message was %s", ErrHandshake, msg.Type())
	}
	return msg, connect, nil
}

// errorReply is written straight to the conn, before the bus is pumping.
func errorReply(to *protocol.Message, code protocol.ErrorCode, text string) *protocol.Message {
	return &protocol.Message{
		ID:      uuid.NewString(),
		ReplyTo: to.ID,
		Payload: &protocol.Error{Code: code, Message: text},
	}
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName
	}
	if r := []rune(name); len(r) > maxNameLength {
		name = string(r[:maxNameLength])
	}
	return name
}

type session struct {
	conn   transport.Conn
	bus    *bus.Bus
	peer   *peer.Bridged
	cancel context.CancelFunc
	logger logrus.FieldLogger
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.logger.WithError(err).Warn("Dropping malformed message")
				s.sendError(ctx, nil, protocol.ErrInvalidMsg, err.Error())
				continue
			}
			return err
		}
		s.bus.Deliver(ctx, msg)
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-s.bus.Outbound():
			if err := s.conn.Send(ctx, msg); err != nil {
				s.logger.WithError(err).Debug("Write to bridged peer failed")
				s.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handle answers unsolicited messages from the peer.
func (s *session) handle(ctx context.Context, msg *protocol.Message) {
	switch p := msg.Payload.(type) {
	case *protocol.Ping:
		_ = s.bus.Reply(ctx, msg, &protocol.Pong{})
	case *protocol.Connect:
		// Already registered: keep the id, take the new name.
		name := displayName(p.Name)
		s.peer.Rename(name)
		s.logger.WithField("name", name).Info("Bridged peer renamed")
		_ = s.bus.Reply(ctx, msg, &protocol.Connected{ID: string(s.peer.ID())})
	case *protocol.Error:
		s.logger.WithFields(logrus.Fields{"code": p.Code.String(), "message": p.Message}).Warn("Bridged peer reported an error")
	default:
		s.logger.WithField("type", msg.Type().String()).Warn("Unexpected unsolicited message")
		s.sendError(ctx, msg, protocol.ErrUnexpectedReply, "unexpected "+msg.Type().String())
	}
}

func (s *session) sendError(ctx context.Context, to *protocol.Message, code protocol.ErrorCode, text string) {
	payload := &protocol.Error{Code: code, Message: text}
	if to != nil {
		_ = s.bus.Reply(ctx, to, payload)
		return
	}
	_ = s.bus.Send(ctx, &protocol.Message{Payload: payload})
}
