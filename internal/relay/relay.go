// Package relay turns native Discover, Ask and Upload requests into calls
// on the addressed peer and maps the outcome back to native results.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/archive"
	"github.com/rudransh-shrivastava/dropbridge/internal/content"
	"github.com/rudransh-shrivastava/dropbridge/internal/history"
	"github.com/rudransh-shrivastava/dropbridge/internal/native"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
)

var (
	ErrPeerNotFound = errors.New("no peer for routing key")
	ErrMalformed    = errors.New("malformed upload")
)

const (
	DefaultAskTimeout = peer.DefaultAskTimeout
	DefaultAckTimeout = peer.DefaultAckTimeout
)

// Resolver finds the peer behind a routing key.
type Resolver interface {
	TryGet(id peer.ID) (peer.Peer, bool)
}

type Config struct {
	Peers        Resolver
	Content      content.Store
	Archive      archive.Extractor
	History      history.Journal
	AckTimeout   time.Duration
	Capabilities []byte
	Logger       logrus.FieldLogger
}

type DiscoverResult struct {
	Found        bool
	DisplayName  string
	Capabilities []byte
}

type AskResult struct {
	Accepted   bool
	TransferID string
}

type UploadAck struct {
	Acknowledged bool
}

type UploadResult struct {
	TransferID string
	Delivered  int
	// Complete is false when a file was not acknowledged and the rest of
	// the upload was abandoned.
	Complete bool
}

type Relay struct {
	peers        Resolver
	content      content.Store
	archive      archive.Extractor
	history      history.Journal
	ackTimeout   time.Duration
	capabilities []byte
	logger       logrus.FieldLogger

	// accepted maps a peer to the transfer its last accepted Ask opened.
	accepted *xsync.MapOf[peer.ID, string]
}

func New(cfg Config) *Relay {
	if cfg.Archive == nil {
		cfg.Archive = archive.GzipCPIO{}
	}
	if cfg.History == nil {
		cfg.History = history.Nop{}
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = native.DefaultMediaCapabilities
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Relay{
		peers:        cfg.Peers,
		content:      cfg.Content,
		archive:      cfg.Archive,
		history:      cfg.History,
		ackTimeout:   cfg.AckTimeout,
		capabilities: cfg.Capabilities,
		logger:       cfg.Logger,
		accepted:     xsync.NewMapOf[peer.ID, string](),
	}
}

// NormalizeKey maps a Host header style routing key to a peer id:
// "AbC123def456.local.:8771" becomes "abc123def456".
func NormalizeKey(key string) peer.ID {
	key = strings.TrimSpace(key)
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	key = strings.ToLower(strings.TrimSuffix(key, "."))
	key = strings.TrimSuffix(key, ".local")
	return peer.ID(key)
}

func (r *Relay) resolve(key string) (peer.Peer, bool) {
	p, ok := r.peers.TryGet(NormalizeKey(key))
	if !ok {
		r.logger.WithField("key", key).Debug("Routing miss")
	}
	return p, ok
}

func (r *Relay) HandleDiscover(_ context.Context, key string) DiscoverResult {
	p, ok := r.resolve(key)
	if !ok {
		metricRequests.WithLabelValues("discover", "not_found").Inc()
		return DiscoverResult{}
	}

	metricRequests.WithLabelValues("discover", "found").Inc()
	return DiscoverResult{
		Found:        true,
		DisplayName:  p.DisplayName(),
		Capabilities: r.capabilities,
	}
}

// HandleAsk asks the peer to accept req. Any failure, including timeout,
// is a reject; the call returns within timeout.
func (r *Relay) HandleAsk(ctx context.Context, key string, req *peer.TransferRequest, timeout time.Duration) AskResult {
	p, ok := r.resolve(key)
	if !ok {
		metricRequests.WithLabelValues("ask", "not_found").Inc()
		return AskResult{}
	}

	transferID := uuid.NewString()
	log := r.logger.WithFields(logrus.Fields{"peer": p.ID(), "transfer": transferID, "sender": req.SenderName})
	r.journal(ctx, &history.Transfer{
		ID:         transferID,
		PeerID:     string(p.ID()),
		Sender:     req.SenderName,
		Files:      len(req.Files),
		TotalBytes: req.TotalBytes,
		State:      history.StateAsked,
	})

	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	askCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	accepted, err := p.CanAcceptTransfer(askCtx, req)
	metricAskDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		log.WithError(err).Info("Ask failed, treating as reject")
		metricRequests.WithLabelValues("ask", "failed").Inc()
		r.setState(ctx, transferID, history.StateRejected, err.Error())
		return AskResult{TransferID: transferID}
	}
	if !accepted {
		log.Info("Transfer rejected")
		metricRequests.WithLabelValues("ask", "rejected").Inc()
		r.setState(ctx, transferID, history.StateRejected, "")
		return AskResult{TransferID: transferID}
	}

	log.Info("Transfer accepted")
	metricRequests.WithLabelValues("ask", "accepted").Inc()
	r.setState(ctx, transferID, history.StateAccepted, "")
	r.accepted.Store(p.ID(), transferID)
	return AskResult{Accepted: true, TransferID: transferID}
}

// HandleUploadFile tells the peer ref is ready and waits for its
// acknowledgement. ref is released before returning, whatever the outcome.
func (r *Relay) HandleUploadFile(ctx context.Context, key string, ref content.Ref) UploadAck {
	defer func() {
		if err := r.content.Release(ref); err != nil {
			r.logger.WithError(err).WithField("token", ref.Token).Warn("Failed to release staged content")
		}
	}()

	p, ok := r.resolve(key)
	if !ok {
		metricRequests.WithLabelValues("upload_file", "not_found").Inc()
		return UploadAck{}
	}

	ackCtx, cancel := context.WithTimeout(ctx, r.ackTimeout)
	defer cancel()

	ok, err := p.NotifyContentReady(ackCtx, &peer.ReadyFile{
		Name: ref.Name,
		URL:  ref.URL,
		Path: ref.Path,
		Size: ref.Size,
	})
	log := r.logger.WithFields(logrus.Fields{"peer": p.ID(), "file": ref.Name})
	switch {
	case err != nil:
		log.WithError(err).Warn("File not acknowledged")
		metricRequests.WithLabelValues("upload_file", "failed").Inc()
		return UploadAck{}
	case !ok:
		log.Warn("Peer reported file not received")
		metricRequests.WithLabelValues("upload_file", "rejected").Inc()
		return UploadAck{}
	}

	log.WithField("bytes", ref.Size).Info("File delivered")
	metricRequests.WithLabelValues("upload_file", "acknowledged").Inc()
	metricDeliveredBytes.Add(float64(ref.Size))
	return UploadAck{Acknowledged: true}
}

var errAbandoned = errors.New("upload abandoned")

// HandleUpload extracts the archive in body and delivers its files one at
// a time. The first unacknowledged file abandons the rest.
func (r *Relay) HandleUpload(ctx context.Context, key string, body io.Reader) (UploadResult, error) {
	p, ok := r.resolve(key)
	if !ok {
		metricRequests.WithLabelValues("upload", "not_found").Inc()
		return UploadResult{}, ErrPeerNotFound
	}

	transferID, ok := r.accepted.LoadAndDelete(p.ID())
	if ok {
		r.setState(ctx, transferID, history.StateUploading, "")
	} else {
		transferID = uuid.NewString()
		r.journal(ctx, &history.Transfer{ID: transferID, PeerID: string(p.ID()), State: history.StateUploading})
	}
	result := UploadResult{TransferID: transferID}

	err := r.archive.Extract(body, func(f archive.File) error {
		ref, err := r.content.Stage(f.Reader, f.Name)
		if err != nil {
			return fmt.Errorf("stage %s: %w", f.Name, err)
		}
		if !r.HandleUploadFile(ctx, key, ref).Acknowledged {
			return errAbandoned
		}
		result.Delivered++
		return nil
	})

	switch {
	case errors.Is(err, errAbandoned):
		metricRequests.WithLabelValues("upload", "partial").Inc()
		r.setState(ctx, transferID, history.StateFailed, fmt.Sprintf("abandoned after %d files", result.Delivered))
		return result, nil
	case err != nil:
		metricRequests.WithLabelValues("upload", "malformed").Inc()
		r.setState(ctx, transferID, history.StateFailed, err.Error())
		return result, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	result.Complete = true
	metricRequests.WithLabelValues("upload", "delivered").Inc()
	r.setState(ctx, transferID, history.StateDelivered, "")
	return result, nil
}

func (r *Relay) journal(ctx context.Context, t *history.Transfer) {
	if err := r.history.Record(ctx, t); err != nil {
		r.logger.WithError(err).WithField("transfer", t.ID).Warn("Failed to record transfer")
	}
}

func (r *Relay) setState(ctx context.Context, id string, state history.State, detail string) {
	if err := r.history.SetState(ctx, id, state, detail); err != nil {
		r.logger.WithError(err).WithField("transfer", id).Warn("Failed to update transfer")
	}
}
