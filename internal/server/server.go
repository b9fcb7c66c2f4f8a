// Package server exposes the relay over HTTP: the native Discover, Ask and
// Upload endpoints, the bridge endpoints bridged peers connect through, the
// staged content they download from, and a small JSON status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/content"
	"github.com/rudransh-shrivastava/dropbridge/internal/history"
	"github.com/rudransh-shrivastava/dropbridge/internal/native"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
	"github.com/rudransh-shrivastava/dropbridge/internal/relay"
	"github.com/rudransh-shrivastava/dropbridge/internal/session"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport/websocket"
	rtc "github.com/rudransh-shrivastava/dropbridge/internal/transport/webrtc"
)

const (
	defaultTransferLimit = 50
	maxTransferLimit     = 500
	maxOfferSize         = 64 << 10
)

// Directory is the read side of the peer registry.
type Directory interface {
	TryGet(id peer.ID) (peer.Peer, bool)
	Peers() []peer.Peer
}

type ContentOpener interface {
	Open(token string) (content.Ref, *os.File, error)
}

type TransferLister interface {
	Recent(ctx context.Context, limit int) ([]history.Transfer, error)
}

type Config struct {
	Relay     *relay.Relay
	Peers     Directory
	Content   ContentOpener
	Transfers TransferLister
	Sessions  *session.Runner
	Answerer  *rtc.Answerer

	AskTimeout       time.Duration
	HandshakeTimeout time.Duration
	ModelName        string
	RateLimit        RateLimit
	Logger           logrus.FieldLogger
}

type Server struct {
	cfg    Config
	logger logrus.FieldLogger
	router *httprouter.Router

	// ctx bounds the bridged sessions started by this server.
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.ModelName == "" {
		cfg.ModelName = native.DefaultModelName
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = session.DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	limit := newLimiter(s.cfg.RateLimit).wrap

	mux := httprouter.New()
	mux.Handler(http.MethodPost, "/Discover", limit(http.HandlerFunc(s.postDiscover)))
	mux.Handler(http.MethodPost, "/Ask", limit(http.HandlerFunc(s.postAsk)))
	mux.Handler(http.MethodPost, "/Upload", limit(http.HandlerFunc(s.postUpload)))

	mux.Handler(http.MethodGet, "/bridge/ws", limit(http.HandlerFunc(s.getBridgeWebSocket)))
	mux.Handler(http.MethodPost, "/bridge/webrtc", limit(http.HandlerFunc(s.postBridgeWebRTC)))

	mux.GET("/content/:token/:name", s.getContent)
	mux.HEAD("/content/:token/:name", s.getContent)

	mux.HandlerFunc(http.MethodGet, "/api/peers", s.getPeers)
	mux.HandlerFunc(http.MethodGet, "/api/transfers", s.getTransfers)
	mux.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every bridged session started through this server and waits
// for them to unregister.
func (s *Server) Close() {
	s.cancel()
	s.sessions.Wait()
}

func (s *Server) postDiscover(w http.ResponseWriter, r *http.Request) {
	var req native.DiscoverRequest
	if err := native.Decode(r.Body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}

	res := s.cfg.Relay.HandleDiscover(r.Context(), r.Host)
	if !res.Found {
		http.NotFound(w, r)
		return
	}

	sendPlist(w, &native.DiscoverResponse{
		ReceiverComputerName:      res.DisplayName,
		ReceiverModelName:         s.cfg.ModelName,
		ReceiverMediaCapabilities: res.Capabilities,
	})
}

func (s *Server) postAsk(w http.ResponseWriter, r *http.Request) {
	var req native.AskRequest
	if err := native.Decode(r.Body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}

	p, ok := s.cfg.Peers.TryGet(relay.NormalizeKey(r.Host))
	if !ok {
		http.NotFound(w, r)
		return
	}

	res := s.cfg.Relay.HandleAsk(r.Context(), r.Host, transferRequest(&req), s.cfg.AskTimeout)
	switch {
	case res.TransferID == "":
		// The peer left between lookup and ask.
		http.NotFound(w, r)
	case !res.Accepted:
		http.Error(w, "transfer declined", http.StatusForbidden)
	default:
		sendPlist(w, &native.AskResponse{
			ReceiverComputerName: p.DisplayName(),
			ReceiverModelName:    s.cfg.ModelName,
		})
	}
}

func transferRequest(ask *native.AskRequest) *peer.TransferRequest {
	files := make([]peer.FileInfo, 0, len(ask.Files))
	for _, f := range ask.Files {
		files = append(files, peer.FileInfo{
			Name:        f.FileName,
			Type:        f.FileType,
			IsDirectory: f.FileIsDirectory,
		})
	}
	return &peer.TransferRequest{
		SenderName:  ask.SenderComputerName,
		SenderModel: ask.SenderModelName,
		SenderID:    ask.SenderID,
		Files:       files,
		TotalBytes:  ask.TotalBytes,
	}
}

func (s *Server) postUpload(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Relay.HandleUpload(r.Context(), r.Host, r.Body)
	switch {
	case errors.Is(err, relay.ErrPeerNotFound):
		http.NotFound(w, r)
	case err != nil:
		s.badRequest(w, r, err)
	case !res.Complete:
		http.Error(w, fmt.Sprintf("delivered %d files before the receiver stopped acknowledging", res.Delivered), http.StatusConflict)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) getBridgeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r)
	if err != nil {
		// The upgrader already answered.
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.sessions.Add(1)
	defer s.sessions.Done()
	if err := s.cfg.Sessions.Run(ctx, "websocket", conn); err != nil {
		s.logger.WithError(err).Debug("WebSocket session ended")
	}
}

func (s *Server) postBridgeWebRTC(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Answerer == nil {
		http.Error(w, "webrtc bridge disabled", http.StatusNotFound)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferSize)).Decode(&offer); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if offer.Type != webrtc.SDPTypeOffer {
		s.badRequest(w, r, fmt.Errorf("expected an offer, got %s", offer.Type))
		return
	}

	answer, conn, err := s.cfg.Answerer.Answer(r.Context(), offer)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()

		openCtx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
		err := rtc.Accept(openCtx, conn)
		cancel()
		if err != nil {
			s.logger.WithError(err).Info("WebRTC data channel never opened")
			return
		}
		if err := s.cfg.Sessions.Run(s.ctx, "webrtc", conn); err != nil {
			s.logger.WithError(err).Debug("WebRTC session ended")
		}
	}()

	sendJSON(w, answer)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ref, f, err := s.cfg.Content.Open(ps.ByName("token"))
	if err != nil {
		if !errors.Is(err, content.ErrNotFound) {
			s.logger.WithError(err).Warn("Failed to open staged content")
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	if ps.ByName("name") != ref.Name {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ref.Name}))
	http.ServeContent(w, r, ref.Name, time.Time{}, f)
}

type peerView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Pending int    `json:"pending,omitempty"`
}

func (s *Server) getPeers(w http.ResponseWriter, _ *http.Request) {
	peers := s.cfg.Peers.Peers()
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		v := peerView{ID: string(p.ID()), Name: p.DisplayName(), Kind: "other"}
		switch p := p.(type) {
		case *peer.Bridged:
			v.Kind = "bridged"
			v.Pending = p.Bus().Pending()
		case *peer.Local:
			v.Kind = "local"
		}
		views = append(views, v)
	}
	sendJSON(w, views)
}

type transferView struct {
	ID         string    `json:"id"`
	PeerID     string    `json:"peerId"`
	Sender     string    `json:"sender,omitempty"`
	Files      int       `json:"files"`
	TotalBytes int64     `json:"totalBytes"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s *Server) getTransfers(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transfers == nil {
		sendJSON(w, []transferView{})
		return
	}

	limit := defaultTransferLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTransferLimit)
	}

	transfers, err := s.cfg.Transfers.Recent(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list transfers")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]transferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, transferView{
			ID:         t.ID,
			PeerID:     t.PeerID,
			Sender:     t.Sender,
			Files:      t.Files,
			TotalBytes: t.TotalBytes,
			State:      string(t.State),
			Detail:     t.Detail,
			CreatedAt:  t.CreatedAt,
			UpdatedAt:  t.UpdatedAt,
		})
	}
	sendJSON(w, views)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "remote": r.RemoteAddr}).Info("Bad request")
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func sendPlist(w http.ResponseWriter, v any) {
	bs, err := native.Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", native.ContentType)
	_, _ = w.Write(bs)
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}
