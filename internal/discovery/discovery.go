// Package discovery advertises registered peers to native clients over
// multicast DNS.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	ServiceType = "_airdrop._tcp"
	Domain      = "local."
)

var (
	ErrAlreadyAnnounced = errors.New("id already announced")
	ErrNotAnnounced     = errors.New("id not announced")
)

// Flags is the receiver capability bitmask carried in the flags TXT record.
type Flags uint16

const (
	FlagSupportsURL Flags = 1 << iota
	FlagSupportsDVZip
	FlagSupportsPipelining
	FlagSupportsMixedTypes
	FlagUnknown1
	FlagUnknown2
	FlagSupportsIris
	FlagSupportsDiscoverMaybe
	FlagUnknown3
	FlagSupportsAssetBundle
)

// DefaultFlags advertises everything the relay can serve.
const DefaultFlags = FlagSupportsURL | FlagSupportsDVZip | FlagSupportsMixedTypes |
	FlagUnknown1 | FlagUnknown2 | FlagSupportsIris | FlagSupportsDiscoverMaybe |
	FlagUnknown3 | FlagSupportsAssetBundle

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) TXT() []string {
	return []string{"flags=" + strconv.FormatUint(uint64(f), 10)}
}

type Service interface {
	Announce(id string, port int, flags Flags) error
	// Withdraw removes the advertisement with a zero TTL goodbye.
	Withdraw(id string) error
}

type ZeroconfConfig struct {
	// IPs are the addresses <id>.local resolves to, i.e. the proxy's own.
	IPs        []string
	Interfaces []net.Interface
	Logger     logrus.FieldLogger
}

// Zeroconf publishes one proxy record per id, with the id as both instance
// and host name so that <id>.local reaches this process.
type Zeroconf struct {
	mu      sync.Mutex
	servers map[string]*zeroconf.Server
	ips     []string
	ifaces  []net.Interface
	logger  logrus.FieldLogger
}

func NewZeroconf(cfg ZeroconfConfig) (*Zeroconf, error) {
	if len(cfg.IPs) == 0 {
		ips, err := localIPs()
		if err != nil {
			return nil, err
		}
		cfg.IPs = ips
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Zeroconf{
		servers: make(map[string]*zeroconf.Server),
		ips:     cfg.IPs,
		ifaces:  cfg.Interfaces,
		logger:  cfg.Logger,
	}, nil
}

func (z *Zeroconf) Announce(id string, port int, flags Flags) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if _, ok := z.servers[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAnnounced, id)
	}

	server, err := zeroconf.RegisterProxy(id, ServiceType, Domain, port, id, z.ips, flags.TXT(), z.ifaces)
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	z.servers[id] = server

	z.logger.WithFields(logrus.Fields{"id": id, "port": port, "flags": uint16(flags)}).Info("Announced peer")
	return nil
}

func (z *Zeroconf) Withdraw(id string) error {
	z.mu.Lock()
	server, ok := z.servers[id]
	delete(z.servers, id)
	z.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAnnounced, id)
	}

	server.Shutdown()
	z.logger.WithField("id", id).Info("Withdrew peer")
	return nil
}

// Close withdraws every remaining advertisement.
func (z *Zeroconf) Close() {
	z.mu.Lock()
	servers := z.servers
	z.servers = make(map[string]*zeroconf.Server)
	z.mu.Unlock()

	for _, s := range servers {
		s.Shutdown()
	}
}

func localIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}

	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() && ipNet.IP.To4() != nil {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable interface address")
	}
	return ips, nil
}

// Nop discards advertisements, for hosts without multicast.
type Nop struct{}

func (Nop) Announce(string, int, Flags) error { return nil }

func (Nop) Withdraw(string) error { return nil }
