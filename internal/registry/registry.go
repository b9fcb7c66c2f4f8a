// Package registry tracks the peers currently reachable through the proxy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/dropbridge/internal/discovery"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
)

var (
	ErrDuplicateID = errors.New("peer id already registered")
	ErrInvalidID   = errors.New("invalid peer id")
)

// maxIDAttempts bounds regeneration on collision.
const maxIDAttempts = 8

var metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "dropbridge",
	Subsystem: "registry",
	Name:      "peers",
	Help:      "Number of currently registered peers",
})

type Config struct {
	Discovery discovery.Service
	Port      int
	Flags     discovery.Flags
	Logger    logrus.FieldLogger
}

// Registry maps ids to peers. It holds no ownership: whoever registers a
// peer unregisters it.
type Registry struct {
	mu    sync.Mutex
	peers map[peer.ID]peer.Peer

	discovery discovery.Service
	port      int
	flags     discovery.Flags
	logger    logrus.FieldLogger
}

func New(cfg Config) *Registry {
	if cfg.Discovery == nil {
		cfg.Discovery = discovery.Nop{}
	}
	if cfg.Flags == 0 {
		cfg.Flags = discovery.DefaultFlags
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Registry{
		peers:     make(map[peer.ID]peer.Peer),
		discovery: cfg.Discovery,
		port:      cfg.Port,
		flags:     cfg.Flags,
		logger:    cfg.Logger,
	}
}

// Register stores p and announces it. Assignable peers get a fresh id when
// theirs is empty or taken. Discovery side effects run under the registry
// lock, so an announce never races a withdraw for the same id.
func (r *Registry) Register(_ context.Context, p peer.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.pickID(p)
	if err != nil {
		return err
	}

	r.peers[id] = p
	if err := r.discovery.Announce(string(id), r.port, r.flags); err != nil {
		delete(r.peers, id)
		return fmt.Errorf("announce %s: %w", id, err)
	}
	metricPeers.Set(float64(len(r.peers)))

	r.logger.WithFields(logrus.Fields{"peer": id, "name": p.DisplayName()}).Info("Registered peer")
	return nil
}

func (r *Registry) pickID(p peer.Peer) (peer.ID, error) {
	id := p.ID()
	assignable, canAssign := p.(peer.Assignable)

	for attempt := 0; ; attempt++ {
		_, taken := r.peers[id]
		if id != "" && !taken {
			if !peer.ValidID(string(id)) {
				return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
			}
			return id, nil
		}
		if !canAssign {
			if id == "" {
				return "", fmt.Errorf("%w: empty", ErrInvalidID)
			}
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		if attempt == maxIDAttempts {
			return "", fmt.Errorf("%w: gave up after %d attempts", ErrDuplicateID, attempt)
		}
		if taken {
			r.logger.WithField("peer", id).Warn("Peer id collision, regenerating")
		}
		id = newID()
		assignable.AssignID(id)
	}
}

// newID is swapped in tests to force collisions.
var newID = peer.NewID

// Unregister removes p if it is still the peer mapped under its id, then
// withdraws the advertisement.
func (r *Registry) Unregister(_ context.Context, p peer.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if current, ok := r.peers[id]; !ok || current != p {
		return
	}
	delete(r.peers, id)
	metricPeers.Set(float64(len(r.peers)))

	if err := r.discovery.Withdraw(string(id)); err != nil {
		r.logger.WithError(err).WithField("peer", id).Warn("Failed to withdraw peer")
	}
	r.logger.WithField("peer", id).Info("Unregistered peer")
}

func (r *Registry) TryGet(id peer.ID) (peer.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	return p, ok
}

// Peers returns a snapshot sorted by id.
func (r *Registry) Peers() []peer.Peer {
	r.mu.Lock()
	peers := make([]peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
