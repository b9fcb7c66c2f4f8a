package peer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// AcceptPolicy decides an ask without a round trip.
type AcceptPolicy func(req *TransferRequest) bool

func AcceptAll(*TransferRequest) bool { return true }

func RejectAll(*TransferRequest) bool { return false }

// MaxBytes accepts transfers no larger than limit.
func MaxBytes(limit int64) AcceptPolicy {
	return func(req *TransferRequest) bool {
		return req.TotalBytes <= limit
	}
}

type LocalConfig struct {
	ID       ID
	Name     string
	InboxDir string
	Accept   AcceptPolicy
	Logger   logrus.FieldLogger
}

// Local is a receiver living inside the proxy process. Ready files are
// copied into its inbox.
type Local struct {
	id     ID
	name   string
	inbox  string
	accept AcceptPolicy
	logger logrus.FieldLogger
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.Accept == nil {
		cfg.Accept = AcceptAll
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.InboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}

	return &Local{
		id:     cfg.ID,
		name:   cfg.Name,
		inbox:  cfg.InboxDir,
		accept: cfg.Accept,
		logger: cfg.Logger,
	}, nil
}

func (l *Local) ID() ID { return l.id }

func (l *Local) AssignID(id ID) { l.id = id }

func (l *Local) DisplayName() string { return l.name }

func (l *Local) CanAcceptTransfer(_ context.Context, req *TransferRequest) (bool, error) {
	ok := l.accept(req)
	l.logger.WithFields(logrus.Fields{
		"sender":   req.SenderName,
		"files":    len(req.Files),
		"accepted": ok,
	}).Info("Local peer answered ask")
	return ok, nil
}

func (l *Local) NotifyContentReady(ctx context.Context, file *ReadyFile) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(file.Name, "\\", "/")))
	if name == "/" || name == "." {
		return false, fmt.Errorf("invalid file name %q", file.Name)
	}

	src, err := os.Open(file.Path)
	if err != nil {
		return false, fmt.Errorf("open staged file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(l.inbox, name))
	if err != nil {
		return false, fmt.Errorf("create inbox file: %w", err)
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return false, fmt.Errorf("copy %s: %w", name, err)
	}

	l.logger.WithFields(logrus.Fields{"file": name, "bytes": n}).Info("Saved file to inbox")
	return true, nil
}
