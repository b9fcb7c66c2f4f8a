package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/bus"
	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
)

const (
	DefaultAskTimeout = 60 * time.Second
	DefaultAckTimeout = 30 * time.Second
)

var (
	ErrUnexpectedReply = errors.New("unexpected reply payload")
	ErrRemote          = errors.New("peer replied with an error")
)

type BridgedConfig struct {
	Name       string
	Bus        *bus.Bus
	AskTimeout time.Duration
	AckTimeout time.Duration
	Logger     logrus.FieldLogger
}

// Bridged is a peer reached over a duplex stream. Its lifetime is the
// lifetime of its bus.
type Bridged struct {
	mu   sync.RWMutex
	id   ID
	name string

	bus        *bus.Bus
	askTimeout time.Duration
	ackTimeout time.Duration
	logger     logrus.FieldLogger
}

func NewBridged(cfg BridgedConfig) *Bridged {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = DefaultAskTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Bridged{
		name:       cfg.Name,
		bus:        cfg.Bus,
		askTimeout: cfg.AskTimeout,
		ackTimeout: cfg.AckTimeout,
		logger:     cfg.Logger,
	}
}

func (b *Bridged) ID() ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

func (b *Bridged) AssignID(id ID) {
	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
}

func (b *Bridged) DisplayName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

func (b *Bridged) Rename(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

func (b *Bridged) Bus() *bus.Bus {
	return b.bus
}

func (b *Bridged) CanAcceptTransfer(ctx context.Context, req *TransferRequest) (bool, error) {
	files := make([]protocol.FileMeta, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, protocol.FileMeta{Name: f.Name, Type: f.Type, IsDirectory: f.IsDirectory})
	}

	reply, err := b.bus.Request(ctx, &protocol.CanAcceptRequest{
		SenderName:  req.SenderName,
		SenderModel: req.SenderModel,
		SenderID:    req.SenderID,
		Files:       files,
		TotalBytes:  req.TotalBytes,
	}, b.askTimeout)
	if err != nil {
		return false, err
	}

	switch p := reply.Payload.(type) {
	case *protocol.CanAcceptResponse:
		return p.Accepted, nil
	case *protocol.Error:
		return false, fmt.Errorf("%w: %s: %s", ErrRemote, p.Code, p.Message)
	default:
		b.logger.WithField("type", reply.Type().String()).Warn("Unexpected reply to canAcceptRequest")
		return false, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type())
	}
}

func (b *Bridged) NotifyContentReady(ctx context.Context, file *ReadyFile) (bool, error) {
	reply, err := b.bus.Request(ctx, &protocol.FileReadyRequest{
		Name: file.Name,
		URL:  file.URL,
		Size: file.Size,
	}, b.ackTimeout)
	if err != nil {
		return false, err
	}

	switch p := reply.Payload.(type) {
	case *protocol.FileReadyResponse:
		return p.Received, nil
	case *protocol.Error:
		return false, fmt.Errorf("%w: %s: %s", ErrRemote, p.Code, p.Message)
	default:
		b.logger.WithField("type", reply.Type().String()).Warn("Unexpected reply to fileReadyRequest")
		return false, fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type())
	}
}
