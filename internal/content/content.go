// Package content stages uploaded files until the receiving peer fetches
// them.
package content

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("content not found")

const (
	DefaultTTL        = 15 * time.Minute
	DefaultMaxEntries = 1024
)

// Ref identifies one staged file.
type Ref struct {
	Token string
	Name  string
	URL   string
	Path  string
	Size  int64
}

type Store interface {
	Stage(r io.Reader, name string) (Ref, error)
	Release(ref Ref) error
}

type DiskConfig struct {
	Dir        string
	BaseURL    string
	TTL        time.Duration
	MaxEntries int
	Logger     logrus.FieldLogger
}

// Disk keeps staged files in a directory. Entries expire after TTL or when
// the index is full; either way the file is removed.
type Disk struct {
	dir     string
	baseURL string
	index   *expirable.LRU[string, Ref]
	logger  logrus.FieldLogger
}

func NewDisk(cfg DiskConfig) (*Disk, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	d := &Disk{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
	}
	d.index = expirable.NewLRU[string, Ref](cfg.MaxEntries, d.evicted, cfg.TTL)
	return d, nil
}

func (d *Disk) evicted(token string, ref Ref) {
	if err := os.Remove(ref.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.WithError(err).WithField("token", token).Warn("Failed to remove staged file")
		return
	}
	d.logger.WithFields(logrus.Fields{"token": token, "file": ref.Name}).Debug("Removed staged file")
}

func (d *Disk) Stage(r io.Reader, name string) (Ref, error) {
	name = cleanName(name)
	token := uuid.NewString()
	p := filepath.Join(d.dir, token)

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Ref{}, fmt.Errorf("create staged file: %w", err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(p)
		return Ref{}, fmt.Errorf("stage %s: %w", name, err)
	}

	ref := Ref{
		Token: token,
		Name:  name,
		URL:   d.baseURL + "/content/" + token + "/" + url.PathEscape(name),
		Path:  p,
		Size:  n,
	}
	d.index.Add(token, ref)
	return ref, nil
}

// Release removes the staged file. Releasing twice is harmless.
func (d *Disk) Release(ref Ref) error {
	d.index.Remove(ref.Token)
	return nil
}

// Open returns the staged file for token. The caller closes it.
func (d *Disk) Open(token string) (Ref, *os.File, error) {
	ref, ok := d.index.Get(token)
	if !ok {
		return Ref{}, nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	f, err := os.Open(ref.Path)
	if err != nil {
		return Ref{}, nil, fmt.Errorf("open staged file: %w", err)
	}
	return ref, f, nil
}

func (d *Disk) Len() int {
	return d.index.Len()
}

// Close drops every staged file.
func (d *Disk) Close() {
	d.index.Purge()
}

func cleanName(name string) string {
	name = path.Base(path.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "file"
	}
	return name
}
