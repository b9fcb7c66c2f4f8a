package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/session"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport"
)

// TLSConfig loads certFile and keyFile, or makes a self-signed certificate
// for hosts when both are empty. Native clients do not verify the receiver
// certificate.
func TLSConfig(certFile, keyFile string, hosts ...string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if certFile != "" || keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	} else {
		cert, err = transport.GenerateSelfSignedCert(hosts...)
	}
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// HTTPService serves handler on addr as a suture service. A nil TLS config
// serves plain HTTP.
type HTTPService struct {
	addr    string
	handler http.Handler
	tls     *tls.Config
	logger  logrus.FieldLogger

	mu       sync.Mutex
	listener net.Addr
	started  chan struct{}
}

func NewHTTPService(addr string, handler http.Handler, tlsConf *tls.Config, logger logrus.FieldLogger) *HTTPService {
	return &HTTPService{
		addr:    addr,
		handler: handler,
		tls:     tlsConf,
		logger:  logger,
		started: make(chan struct{}),
	}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	if s.tls != nil {
		listener = tls.NewListener(listener, s.tls)
	}
	defer listener.Close()

	s.mu.Lock()
	s.listener = listener.Addr()
	select {
	case <-s.started:
	default:
		close(s.started)
	}
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          log.New(io.Discard, "", 0),
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("HTTP listening")

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	err = nil
	select {
	case <-ctx.Done():
	case err = <-serveError:
		s.logger.WithError(err).Warn("HTTP server failed, restarting")
	}

	timeout, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(timeout); errors.Is(shutdownErr, context.DeadlineExceeded) {
		_ = srv.Close()
	}
	return err
}

// Addr blocks until the service is listening and returns the bound address.
func (s *HTTPService) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener, nil
}

func (s *HTTPService) String() string {
	return "http@" + s.addr
}

// QUICService accepts bridged peers over QUIC and runs a session for each.
type QUICService struct {
	addr     string
	sessions *session.Runner
	logger   logrus.FieldLogger

	mu       sync.Mutex
	listener net.Addr
	started  chan struct{}
}

func NewQUICService(addr string, sessions *session.Runner, logger logrus.FieldLogger) *QUICService {
	return &QUICService{addr: addr, sessions: sessions, logger: logger, started: make(chan struct{})}
}

func (s *QUICService) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	tr, err := transport.NewTransport(s.addr)
	if err != nil {
		return err
	}
	// Closed before waiting, which unblocks every session's reads.
	defer tr.Close()

	s.mu.Lock()
	s.listener = tr.LocalAddr()
	select {
	case <-s.started:
	default:
		close(s.started)
	}
	s.mu.Unlock()

	s.logger.WithField("addr", tr.LocalAddr().String()).Info("QUIC listening")

	for {
		p, err := tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		metricQUICAccepted.Inc()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sessions.Run(ctx, "quic", p); err != nil {
				s.logger.WithError(err).WithField("addr", p.RemoteAddr()).Debug("QUIC session ended")
			}
		}()
	}
}

// Addr blocks until the service is listening and returns the bound address.
func (s *QUICService) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener, nil
}

func (s *QUICService) String() string {
	return "quic@" + s.addr
}
