// Package client is a command line bridged peer. It connects to a proxy,
// answers transfer requests and downloads delivered files.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport"
)

const DefaultPingInterval = 15 * time.Second

var ErrNotConnected = errors.New("not connected to proxy")

// AcceptFunc decides whether to take an offered transfer.
type AcceptFunc func(req *protocol.CanAcceptRequest) bool

func AcceptAll(*protocol.CanAcceptRequest) bool { return true }

type Config struct {
	Name         string
	OutputDir    string
	Accept       AcceptFunc
	HTTPClient   *http.Client
	Progress     io.Writer
	PingInterval time.Duration
	Logger       logrus.FieldLogger
}

type Client struct {
	cfg    Config
	conn   transport.Conn
	logger logrus.FieldLogger
	id     string
}

// InsecureHTTPClient downloads from proxies using self-signed certificates.
func InsecureHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func New(conn transport.Conn, cfg Config) *Client {
	if cfg.Accept == nil {
		cfg.Accept = AcceptAll
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = InsecureHTTPClient()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, conn: conn, logger: cfg.Logger}
}

// ID is the id the proxy assigned, empty before Connect.
func (c *Client) ID() string {
	return c.id
}

// Connect registers with the proxy and returns the assigned id.
func (c *Client) Connect(ctx context.Context) (string, error) {
	hello := &protocol.Message{ID: uuid.NewString(), Payload: &protocol.Connect{Name: c.cfg.Name}}
	if err := c.conn.Send(ctx, hello); err != nil {
		return "", fmt.Errorf("send connect: %w", err)
	}

	msg, err := c.conn.Recv(ctx)
	if err != nil {
		return "", fmt.Errorf("await connected: %w", err)
	}
	switch p := msg.Payload.(type) {
	case *protocol.Connected:
		c.id = p.ID
		c.logger.WithFields(logrus.Fields{"id": p.ID, "name": c.cfg.Name}).Info("Connected to proxy")
		return p.ID, nil
	case *protocol.Error:
		return "", fmt.Errorf("proxy refused connect: %s: %s", p.Code, p.Message)
	default:
		return "", fmt.Errorf("expected connected, got %s", msg.Type())
	}
}

// Run answers the proxy until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	if c.id == "" {
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	go c.heartbeat(ctx)

	for {
		msg, err := c.conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				c.logger.WithError(err).Warn("Ignoring malformed message")
				continue
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Send(ctx, &protocol.Message{ID: uuid.NewString(), Payload: &protocol.Ping{}}); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, msg *protocol.Message) {
	var reply protocol.Payload

	switch p := msg.Payload.(type) {
	case *protocol.CanAcceptRequest:
		accepted := c.cfg.Accept(p)
		c.logger.WithFields(logrus.Fields{"sender": p.SenderName, "files": len(p.Files), "accepted": accepted}).Info("Transfer offered")
		reply = &protocol.CanAcceptResponse{Accepted: accepted}
	case *protocol.FileReadyRequest:
		path, err := c.download(ctx, p)
		if err != nil {
			c.logger.WithError(err).WithField("file", p.Name).Warn("Download failed")
		} else {
			c.logger.WithFields(logrus.Fields{"file": p.Name, "path": path}).Info("File received")
		}
		reply = &protocol.FileReadyResponse{Received: err == nil}
	case *protocol.Ping:
		reply = &protocol.Pong{}
	case *protocol.Pong:
		return
	case *protocol.Error:
		c.logger.WithFields(logrus.Fields{"code": p.Code.String(), "message": p.Message}).Warn("Proxy reported an error")
		return
	default:
		c.logger.WithField("type", msg.Type().String()).Debug("Ignoring message")
		return
	}

	if err := c.conn.Send(ctx, &protocol.Message{ID: uuid.NewString(), ReplyTo: msg.ID, Payload: reply}); err != nil {
		c.logger.WithError(err).Warn("Failed to reply")
	}
}

func (c *Client) download(ctx context.Context, ready *protocol.FileReadyRequest) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ready.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", ready.URL, resp.Status)
	}

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	f, path, err := createUnique(c.cfg.OutputDir, ready.Name)
	if err != nil {
		return "", err
	}

	var w io.Writer = f
	if c.cfg.Progress != nil {
		bar := progressbar.NewOptions64(ready.Size,
			progressbar.OptionSetWriter(c.cfg.Progress),
			progressbar.OptionSetDescription(ready.Name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.cfg.Progress) }),
		)
		w = io.MultiWriter(f, bar)
	}

	n, err := io.Copy(w, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && ready.Size > 0 && n != ready.Size {
		err = fmt.Errorf("short download: %d of %d bytes", n, ready.Size)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// createUnique opens a new file for name in dir, adding " (n)" before the
// extension when the name is taken.
func createUnique(dir, name string) (*os.File, string, error) {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." {
		name = "file"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, path, err
	}
	return nil, "", fmt.Errorf("no free name for %s", name)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
